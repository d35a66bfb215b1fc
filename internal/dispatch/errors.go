package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAborted is the cancellation cause of a call superseded by a newer
	// dispatch of the same key or cancelled through Cancel/CancelAll.
	ErrAborted = errors.New("request aborted")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("dispatcher closed")
)

// ErrorKind classifies a RequestError
type ErrorKind int

const (
	// KindHTTP is a non-2xx response
	KindHTTP ErrorKind = iota
	// KindNetwork is a transport failure before any response
	KindNetwork
	// KindDecode is a 2xx response whose body is not JSON
	KindDecode
)

func (k ErrorKind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindNetwork:
		return "network"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// RequestError is a failed dispatch
type RequestError struct {
	Kind       ErrorKind
	Key        string
	Method     Method
	URL        string
	StatusCode int
	Message    string
	Err        error
}

func (e *RequestError) Error() string {
	return e.Message
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// IsAuth returns true for 401 and 403 responses, which are never reported
func (e *RequestError) IsAuth() bool {
	return e.Kind == KindHTTP &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// IsRequestError reports whether err wraps a *RequestError and returns it
func IsRequestError(err error) (*RequestError, bool) {
	var re *RequestError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// ErrorMessage extracts a user-facing message from an error response body:
// the JSON "message" field, else "error", else a generic status message.
func ErrorMessage(status int, body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg, ok := payload["message"].(string); ok && msg != "" {
			return msg
		}
		if msg, ok := payload["error"].(string); ok && msg != "" {
			return msg
		}
	}
	return fmt.Sprintf("HTTP error! status: %d", status)
}
