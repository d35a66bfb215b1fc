package validate

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator"
)

// Messages for request DTO checks, keyed by validator tag
const (
	MsgRequired      = "필수 항목을 입력해주세요."
	MsgCode          = "6자리 인증번호를 입력해주세요."
	MsgResetPassword = "비밀번호는 8자 이상, 영문+숫자+특수문자를 포함해야 합니다."
	MsgPasswordMatch = "비밀번호가 일치하지 않습니다."
)

var (
	apiPhonePattern      = regexp.MustCompile(`^01[0-9]-?\d{3,4}-?\d{4}$`)
	codePattern          = regexp.MustCompile(`^\d{6}$`)
	resetPasswordPattern = regexp.MustCompile(`^[A-Za-z\d@$!%*#?&]{8,}$`)
)

const resetPasswordSpecials = "@$!%*#?&"

// ValidResetPassword reports whether s is at least 8 characters of letters,
// digits and @$!%*#?& with at least one of each kind
func ValidResetPassword(s string) bool {
	if !resetPasswordPattern.MatchString(s) {
		return false
	}
	var letter, digit, special bool
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			letter = true
		case r >= '0' && r <= '9':
			digit = true
		case strings.ContainsRune(resetPasswordSpecials, r):
			special = true
		}
	}
	return letter && digit && special
}

var tagMessages = map[string]string{
	"required": MsgRequired,
	"kname":    defaultMessages[TypeName].invalid,
	"kphone":   defaultMessages[TypePhone].invalid,
	"loginid":  defaultMessages[TypeID].invalid,
	"strongpw": defaultMessages[TypePassword].invalid,
	"resetpw":  MsgResetPassword,
	"vcode":    MsgCode,
	"eqfield":  MsgPasswordMatch,
}

var (
	validateOnce sync.Once
	structs      *validator.Validate
)

// Validator returns the shared validator with the form tags registered:
// kname, kphone (with or without hyphens), loginid, strongpw, resetpw, vcode.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New()
		register := func(tag string, ok func(string) bool) {
			if err := v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
				return ok(strings.TrimSpace(fl.Field().String()))
			}); err != nil {
				panic(err)
			}
		}

		register("kname", Patterns[TypeName].MatchString)
		register("kphone", apiPhonePattern.MatchString)
		register("loginid", func(s string) bool {
			return Check(Rule{Type: TypeID}, s).Valid
		})
		register("strongpw", func(s string) bool {
			return Check(Rule{Type: TypePassword}, s).Valid
		})
		register("resetpw", ValidResetPassword)
		register("vcode", codePattern.MatchString)

		structs = v
	})
	return structs
}

// FieldError is a failed DTO field check with a user-facing message
type FieldError struct {
	Field   string
	Tag     string
	Message string
}

func (e *FieldError) Error() string {
	return e.Message
}

// Struct validates a DTO and returns the first failure as *FieldError.
// A `msg` struct tag on the field overrides the per-tag message.
func Struct(v any) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}

	fe := verrs[0]
	msg := tagMessages[fe.Tag()]
	if custom := fieldMessage(v, fe.StructField()); custom != "" {
		msg = custom
	}
	if msg == "" {
		msg = msgCustomInvalid
	}

	return &FieldError{Field: fe.Field(), Tag: fe.Tag(), Message: msg}
}

func fieldMessage(v any, name string) string {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return ""
	}
	sf, ok := t.FieldByName(name)
	if !ok {
		return ""
	}
	return sf.Tag.Get("msg")
}

// IsFieldError reports whether err is a *FieldError and returns it
func IsFieldError(err error) (*FieldError, bool) {
	var fe *FieldError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
