// Package validate holds the form rules shared by the signup and account
// recovery flows: per-field rules with Korean user-facing messages, a Form
// that tracks field state, go-playground/validator tags for request DTOs,
// and input formatters.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Type selects the default pattern, lengths and messages of a rule
type Type string

const (
	TypeName     Type = "name"
	TypePhone    Type = "phone"
	TypeEmail    Type = "email"
	TypeID       Type = "id"
	TypePassword Type = "password"
	TypeCustom   Type = "custom"
)

// Rule describes how one field is checked. Zero values fall back to the
// defaults of Type.
type Rule struct {
	Type      Type
	Pattern   *regexp.Regexp
	MinLength int
	MaxLength int
	// Message replaces every default message of the rule
	Message string
	Func    func(value string) bool
}

// FieldState is the result of checking a field
type FieldState struct {
	Valid bool
	Dirty bool
	Error string
}

// Patterns are the default patterns per type. The password rule needs
// lookaheads, so it is checked by hasPasswordClasses instead.
var Patterns = map[Type]*regexp.Regexp{
	TypeName:  regexp.MustCompile(`^[가-힣ㄱ-ㅎㅏ-ㅣa-zA-Z\s]+$`),
	TypePhone: regexp.MustCompile(`^01[0-9]-\d{3,4}-\d{4}$`),
	TypeEmail: regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`),
	TypeID:    regexp.MustCompile(`^[a-zA-Z0-9]+$`),
}

type messages struct {
	empty     string
	invalid   string
	minLength string
	maxLength string
}

var defaultMessages = map[Type]messages{
	TypeName: {
		empty:     "이름을 입력해주세요",
		invalid:   "이름은 한글 또는 영문만 입력 가능해요",
		minLength: "이름을 2자 이상 입력해주세요",
	},
	TypePhone: {
		empty:     "전화번호를 입력해주세요",
		invalid:   "올바른 전화번호 형식이 아니에요",
		minLength: "전화번호를 정확히 입력해주세요",
	},
	TypeEmail: {
		empty:     "이메일을 입력해주세요",
		invalid:   "올바른 이메일 형식이 아니에요",
		minLength: "올바른 이메일 형식이 아니에요",
	},
	TypeID: {
		empty:     "아이디를 입력해주세요",
		invalid:   "아이디는 영문, 숫자만 입력 가능해요",
		minLength: "아이디는 4자 이상 입력해주세요",
	},
	TypePassword: {
		empty:     "비밀번호를 입력해주세요",
		invalid:   "영문 대소문자, 숫자, 특수문자를 포함해주세요",
		minLength: "비밀번호는 8자 이상 입력해주세요",
		maxLength: "비밀번호는 32자 이하로 입력해주세요",
	},
}

type lengths struct{ min, max int }

var defaultLengths = map[Type]lengths{
	TypeName:     {2, 50},
	TypePhone:    {8, 13},
	TypeEmail:    {5, 100},
	TypeID:       {4, 20},
	TypePassword: {8, 32},
}

const (
	msgCustomEmpty   = "값을 입력해주세요"
	msgCustomInvalid = "올바른 형식이 아니에요"
)

const passwordSpecials = `!@#$%^&*()_+-=[]{};':"\|,.<>/?`

// hasPasswordClasses reports whether s has a lower and upper case letter,
// a digit and a special character
func hasPasswordClasses(s string) bool {
	var lower, upper, digit, special bool
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		case strings.ContainsRune(passwordSpecials, r):
			special = true
		}
	}
	return lower && upper && digit && special
}

// Check validates value against rule. Checks run in order: empty, minimum
// length, maximum length, pattern, custom func; the first failure wins.
// Lengths count characters of the trimmed value.
func Check(rule Rule, value string) FieldState {
	trimmed := strings.TrimSpace(value)
	msgs := defaultMessages[rule.Type]
	pick := func(def, fallback string) string {
		if rule.Message != "" {
			return rule.Message
		}
		if def != "" {
			return def
		}
		return fallback
	}
	fail := func(msg string) FieldState {
		return FieldState{Valid: false, Dirty: true, Error: msg}
	}

	if trimmed == "" {
		return fail(pick(msgs.empty, msgCustomEmpty))
	}

	n := utf8.RuneCountInString(trimmed)

	minLength := rule.MinLength
	if minLength == 0 {
		minLength = defaultLengths[rule.Type].min
	}
	if minLength > 0 && n < minLength {
		return fail(pick(msgs.minLength, fmt.Sprintf("%d자 이상 입력해주세요", minLength)))
	}

	maxLength := rule.MaxLength
	if maxLength == 0 {
		maxLength = defaultLengths[rule.Type].max
	}
	if maxLength > 0 && n > maxLength {
		return fail(pick(msgs.maxLength, fmt.Sprintf("%d자 이하로 입력해주세요", maxLength)))
	}

	pattern := rule.Pattern
	if pattern == nil {
		pattern = Patterns[rule.Type]
	}
	if pattern != nil && !pattern.MatchString(trimmed) {
		return fail(pick(msgs.invalid, msgCustomInvalid))
	}
	if rule.Pattern == nil && rule.Type == TypePassword && !hasPasswordClasses(trimmed) {
		return fail(pick(msgs.invalid, msgCustomInvalid))
	}

	if rule.Func != nil && !rule.Func(trimmed) {
		return fail(pick("", msgCustomInvalid))
	}

	return FieldState{Valid: true, Dirty: true}
}
