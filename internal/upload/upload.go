// Package upload sends profile pictures to the storage endpoint, directly or
// through the relay.
package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Path is the storage upload endpoint
const Path = "/api/v1/s3/upload"

// CodeOK is the envelope code of a successful upload
const CodeOK = 200

// Config holds uploader settings
type Config struct {
	BaseURL    string
	UseProxy   bool
	ProxyURL   string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Result is a stored file
type Result struct {
	S3Key        string `json:"s3Key"`
	PresignedURL string `json:"presignedUrl"`
}

type envelope struct {
	Code int    `json:"code"`
	Data Result `json:"data"`
}

// Error is a rejected upload. Code is zero for HTTP failures.
type Error struct {
	StatusCode int
	Code       int
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("Upload failed with code: %d", e.Code)
	}
	return fmt.Sprintf("Upload failed: %d", e.StatusCode)
}

// Uploader posts multipart files
type Uploader struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger

	mu    sync.RWMutex
	token string
}

// New creates a new Uploader
func New(cfg Config, logger zerolog.Logger) *Uploader {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &Uploader{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "upload").Logger(),
	}
}

// SetAccessToken sets the bearer token; empty clears it
func (u *Uploader) SetAccessToken(token string) {
	u.mu.Lock()
	u.token = token
	u.mu.Unlock()
}

// Upload streams r as the "file" field. In proxy mode the form goes to the
// relay with an extra "url" field naming the storage endpoint.
func (u *Uploader) Upload(ctx context.Context, filename string, r io.Reader) (*Result, error) {
	target := u.cfg.BaseURL + Path
	endpoint := target
	if u.cfg.UseProxy {
		endpoint = u.cfg.ProxyURL
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeForm(mw, filename, r, target, u.cfg.UseProxy))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	u.mu.RLock()
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}
	u.mu.RUnlock()

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{StatusCode: resp.StatusCode}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	if env.Code != CodeOK {
		return nil, &Error{StatusCode: resp.StatusCode, Code: env.Code}
	}

	u.logger.Debug().
		Str("filename", filename).
		Str("s3_key", env.Data.S3Key).
		Bool("proxy", u.cfg.UseProxy).
		Msg("Upload successful")

	return &env.Data, nil
}

func writeForm(mw *multipart.Writer, filename string, r io.Reader, target string, withURL bool) error {
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	if withURL {
		if err := mw.WriteField("url", target); err != nil {
			return err
		}
	}
	return mw.Close()
}
