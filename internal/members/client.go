// Package members is the account recovery client: find-id, find-password,
// password reset and withdrawal over the members API.
package members

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"daycare/internal/dispatch"
	"daycare/internal/validate"
)

// Config holds client settings
type Config struct {
	FindIDTTL       time.Duration
	FindPasswordTTL time.Duration
	MaxSessions     int
}

func (c *Config) applyDefaults() {
	if c.FindIDTTL <= 0 {
		c.FindIDTTL = DefaultFindIDTTL
	}
	if c.FindPasswordTTL <= 0 {
		c.FindPasswordTTL = DefaultFindPasswordTTL
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
}

// Client calls the members API through a dispatcher
type Client struct {
	d        *dispatch.Dispatcher
	cfg      Config
	sessions *SessionStore
	logger   zerolog.Logger

	mu    sync.RWMutex
	token string
}

// NewClient creates a new Client
func NewClient(d *dispatch.Dispatcher, cfg Config, logger zerolog.Logger) (*Client, error) {
	cfg.applyDefaults()

	sessions, err := NewSessionStore(cfg.MaxSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}

	return &Client{
		d:        d,
		cfg:      cfg,
		sessions: sessions,
		logger:   logger.With().Str("component", "members").Logger(),
	}, nil
}

// SetAccessToken sets the bearer token sent with every call; empty clears it
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) headers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.token}
}

// Sessions exposes the verification session store
func (c *Client) Sessions() *SessionStore {
	return c.sessions
}

// Remaining returns the time left to enter the code of a flow; id is the
// name for find-id and the member id for find-password
func (c *Client) Remaining(flow Flow, id, phone string) time.Duration {
	return c.sessions.Remaining(flow, subject(id, phone))
}

func subject(id, phone string) string {
	return strings.TrimSpace(id) + ":" + normalizePhone(phone)
}

func normalizePhone(phone string) string {
	return validate.StripHyphens(strings.TrimSpace(phone))
}

// post executes a POST and unwraps the envelope
func post[T any](ctx context.Context, c *Client, url string, body any) (*T, error) {
	env, err := dispatch.ExecuteInto[Envelope[T]](ctx, c.d, dispatch.Request{
		Method:  dispatch.MethodPost,
		URL:     url,
		Data:    body,
		Headers: c.headers(),
	})
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, ErrSuperseded
	}
	return &env.Data, nil
}

// checkSession fails with ErrCodeExpired when a code was sent and ran out
func (c *Client) checkSession(flow Flow, subj string) error {
	if _, expired, ok := c.sessions.Get(flow, subj); ok && expired {
		return ErrCodeExpired
	}
	return nil
}

// SendFindIDCode sends a verification code for finding a login id
func (c *Client) SendFindIDCode(ctx context.Context, name, phone string) (*SendResult, error) {
	req := findIDSendRequest{
		VerifyType: VerifyTypePhone,
		Name:       strings.TrimSpace(name),
		Phone:      normalizePhone(phone),
	}
	if err := validate.Struct(req); err != nil {
		return nil, err
	}

	res, err := post[SendResult](ctx, c, PathFindIDSend, req)
	if err != nil {
		return nil, err
	}

	c.sessions.Start(FlowFindID, subject(req.Name, req.Phone), c.cfg.FindIDTTL)
	c.logger.Debug().Str("flow", string(FlowFindID)).Msg("Verification code sent")
	return res, nil
}

// FindID verifies the code and returns the member's login id
func (c *Client) FindID(ctx context.Context, name, phone, code string) (*FindIDResult, error) {
	req := findIDRequest{
		VerifyType:       VerifyTypePhone,
		Name:             strings.TrimSpace(name),
		Phone:            normalizePhone(phone),
		VerificationCode: strings.TrimSpace(code),
	}
	if err := validate.Struct(req); err != nil {
		return nil, err
	}

	subj := subject(req.Name, req.Phone)
	if err := c.checkSession(FlowFindID, subj); err != nil {
		return nil, err
	}

	res, err := post[FindIDResult](ctx, c, PathFindID, req)
	if err != nil {
		return nil, err
	}

	c.sessions.Remove(FlowFindID, subj)
	return res, nil
}

// SendFindPasswordCode sends a verification code for resetting a password
func (c *Client) SendFindPasswordCode(ctx context.Context, memberID, phone string) (*SendResult, error) {
	req := findPasswordSendRequest{
		VerifyType: VerifyTypePhone,
		MemberID:   strings.TrimSpace(memberID),
		Phone:      normalizePhone(phone),
	}
	if err := validate.Struct(req); err != nil {
		return nil, err
	}

	res, err := post[SendResult](ctx, c, PathFindPasswordStep1, req)
	if err != nil {
		return nil, err
	}

	c.sessions.Start(FlowFindPassword, subject(req.MemberID, req.Phone), c.cfg.FindPasswordTTL)
	c.logger.Debug().Str("flow", string(FlowFindPassword)).Msg("Verification code sent")
	return res, nil
}

// VerifyFindPassword verifies the code and returns a password reset token
func (c *Client) VerifyFindPassword(ctx context.Context, memberID, phone, code string) (string, error) {
	req := findPasswordVerifyRequest{
		VerifyType:       VerifyTypePhone,
		MemberID:         strings.TrimSpace(memberID),
		Phone:            normalizePhone(phone),
		VerificationCode: strings.TrimSpace(code),
	}
	if err := validate.Struct(req); err != nil {
		return "", err
	}

	subj := subject(req.MemberID, req.Phone)
	if err := c.checkSession(FlowFindPassword, subj); err != nil {
		return "", err
	}

	res, err := post[ResetTokenResult](ctx, c, PathFindPasswordStep2, req)
	if err != nil {
		return "", err
	}

	c.sessions.Remove(FlowFindPassword, subj)
	return res.ResetToken, nil
}

// ResetPassword sets a new password with a reset token and returns the
// server's confirmation message
func (c *Client) ResetPassword(ctx context.Context, token, newPassword, confirm string) (string, error) {
	if token == "" {
		return "", ErrInvalidAccess
	}
	if newPassword == "" || confirm == "" {
		return "", &validate.FieldError{Field: "newPassword", Tag: "required", Message: "새 비밀번호를 입력해주세요."}
	}

	req := resetPasswordRequest{
		ResetToken:  token,
		NewPassword: newPassword,
		Confirm:     confirm,
	}
	if err := validate.Struct(req); err != nil {
		return "", err
	}

	res, err := post[MessageResult](ctx, c, PathResetPassword, req)
	if err != nil {
		return "", err
	}

	if res.Message == "" {
		return DefaultResetMessage, nil
	}
	return res.Message, nil
}

// Withdraw deletes the signed-in member's account
func (c *Client) Withdraw(ctx context.Context) (string, error) {
	res, err := post[WithdrawResult](ctx, c, PathWithdraw, nil)
	if err != nil {
		return "", err
	}

	if !res.Success {
		if res.Message != "" {
			return "", fmt.Errorf("%w: %s", ErrWithdrawFailed, res.Message)
		}
		return "", ErrWithdrawFailed
	}

	if res.Message == "" {
		return DefaultWithdrawMessage, nil
	}
	return res.Message, nil
}
