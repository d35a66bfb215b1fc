package validate

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

// FormatPhoneInput hyphenates a phone number as it is typed:
// 010, 010-1234, 010-1234-5678. Extra digits are dropped.
func FormatPhoneInput(value string) string {
	digits := digitsOnly(value)
	if len(digits) > 11 {
		digits = digits[:11]
	}

	switch {
	case len(digits) <= 3:
		return digits
	case len(digits) <= 7:
		return digits[:3] + "-" + digits[3:]
	default:
		return digits[:3] + "-" + digits[3:7] + "-" + digits[7:]
	}
}

// StripHyphens removes the hyphens of a formatted phone number
func StripHyphens(value string) string {
	return strings.ReplaceAll(value, "-", "")
}

// FormatVerificationCode keeps at most six digits
func FormatVerificationCode(value string) string {
	digits := digitsOnly(value)
	if len(digits) > 6 {
		digits = digits[:6]
	}
	return digits
}

// FilterName drops characters a name field does not accept
func FilterName(value string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || Patterns[TypeName].MatchString(string(r)) {
			return r
		}
		return -1
	}, value)
}

// FormatCountdown renders a remaining duration as m:ss
func FormatCountdown(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
