package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// nullBody is returned for successful responses without a body, so a nil
// result always means the call was superseded.
var nullBody = json.RawMessage("null")

// encodePayload marshals the request data, nil when the request has none
func encodePayload(req Request) (json.RawMessage, error) {
	if req.Data == nil {
		return nil, nil
	}
	data, err := json.Marshal(req.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request data: %w", err)
	}
	return data, nil
}

// newHTTPRequest builds the wire request for direct or proxy mode
func (d *Dispatcher) newHTTPRequest(ctx context.Context, req Request, payload json.RawMessage) (*http.Request, error) {
	target := d.cfg.BaseURL + req.URL

	if d.cfg.UseProxy {
		envelope, err := json.Marshal(ProxyEnvelope{
			URL:     target,
			Method:  string(req.Method),
			Data:    payload,
			Headers: req.Headers,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal proxy envelope: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.ProxyURL, bytes.NewReader(envelope))
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP request: %w", err)
		}
		for name, value := range d.cfg.DefaultHeaders {
			httpReq.Header.Set(name, value)
		}
		return httpReq, nil
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, string(req.Method), target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for name, value := range d.cfg.DefaultHeaders {
		httpReq.Header.Set(name, value)
	}
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}
	return httpReq, nil
}

// send performs the network call and classifies its outcome
func (d *Dispatcher) send(ctx context.Context, key string, req Request, payload json.RawMessage) (json.RawMessage, *RequestError) {
	fail := func(kind ErrorKind, status int, msg string, err error) *RequestError {
		return &RequestError{
			Kind:       kind,
			Key:        key,
			Method:     req.Method,
			URL:        req.URL,
			StatusCode: status,
			Message:    msg,
			Err:        err,
		}
	}

	httpReq, err := d.newHTTPRequest(ctx, req, payload)
	if err != nil {
		return nil, fail(KindNetwork, 0, err.Error(), err)
	}

	resp, err := d.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fail(KindNetwork, 0, err.Error(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fail(KindNetwork, resp.StatusCode, "failed to read response: "+err.Error(), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fail(KindHTTP, resp.StatusCode, ErrorMessage(resp.StatusCode, body), nil)
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nullBody, nil
	}
	if !json.Valid(body) {
		return nil, fail(KindDecode, resp.StatusCode, "invalid JSON response", nil)
	}

	return json.RawMessage(body), nil
}
