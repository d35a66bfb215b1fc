package members

import (
	"errors"
	"time"
)

var (
	// ErrSuperseded is returned when a newer call for the same endpoint
	// replaced this one before it settled
	ErrSuperseded = errors.New("request superseded")

	// ErrCodeExpired is returned when verifying a code whose session ran out
	ErrCodeExpired = errors.New("인증번호가 만료되었습니다. 인증번호를 다시 받아주세요.")

	// ErrInvalidAccess is returned when a flow step is missing its inputs
	ErrInvalidAccess = errors.New("잘못된 접근입니다.")

	// ErrWithdrawFailed is returned when the server declines a withdrawal
	ErrWithdrawFailed = errors.New("회원탈퇴에 실패했습니다.")
)

// API endpoints
const (
	PathFindIDSend        = "/api/v1/members/find-id/send-verification"
	PathFindID            = "/api/v1/members/find-id"
	PathFindPasswordStep1 = "/api/v1/members/find-password/step1"
	PathFindPasswordStep2 = "/api/v1/members/find-password/step2"
	PathResetPassword     = "/api/v1/members/reset-password"
	PathWithdraw          = "/api/v1/members/withdraw"
)

// VerifyTypePhone is the only verification channel; the field name typo is
// part of the API
const VerifyTypePhone = "phone"

// Default messages when the server answer has none
const (
	DefaultResetMessage    = "비밀번호가 성공적으로 변경되었습니다."
	DefaultWithdrawMessage = "탈퇴 처리가 완료되었습니다."
)

// Default code lifetimes
const (
	DefaultFindIDTTL       = 300 * time.Second
	DefaultFindPasswordTTL = 180 * time.Second
	DefaultMaxSessions     = 64
)

// Envelope is the common API answer shape
type Envelope[T any] struct {
	Code int `json:"code"`
	Data T   `json:"data"`
}

// SendResult is the answer to a code send request
type SendResult struct {
	Success          bool   `json:"success"`
	ExpiresIn        int    `json:"expiresIn"`
	VerificationCode string `json:"verificationCode,omitempty"`
}

// FindIDResult is the answer to a verified find-id request
type FindIDResult struct {
	MemberID   string `json:"memberId"`
	MemberName string `json:"memberName"`
}

// ResetTokenResult is the answer to a verified find-password request
type ResetTokenResult struct {
	ResetToken string `json:"resetToken"`
}

// MessageResult is the answer to a password reset
type MessageResult struct {
	Message string `json:"message"`
}

// WithdrawResult is the answer to a withdrawal
type WithdrawResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type findIDSendRequest struct {
	VerifyType string `json:"verfiyType"`
	Name       string `json:"name" validate:"required,kname"`
	Phone      string `json:"phone" validate:"required,kphone"`
}

type findIDRequest struct {
	VerifyType       string `json:"verfiyType"`
	Name             string `json:"name" validate:"required,kname"`
	Phone            string `json:"phone" validate:"required,kphone"`
	VerificationCode string `json:"verificationCode" validate:"vcode"`
}

type findPasswordSendRequest struct {
	VerifyType string `json:"verfiyType"`
	MemberID   string `json:"memberId" validate:"required"`
	Phone      string `json:"phone" validate:"required,kphone"`
}

type findPasswordVerifyRequest struct {
	VerifyType       string `json:"verfiyType"`
	MemberID         string `json:"memberId" validate:"required"`
	Phone            string `json:"phone" validate:"required,kphone"`
	VerificationCode string `json:"verificationCode" validate:"vcode"`
}

type resetPasswordRequest struct {
	ResetToken  string `json:"resetToken" validate:"required" msg:"잘못된 접근입니다."`
	NewPassword string `json:"newPassword" validate:"required,resetpw"`
	Confirm     string `json:"-" validate:"required,eqfield=NewPassword" msg:"비밀번호가 일치하지 않습니다."`
}
