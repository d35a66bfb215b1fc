package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type pendingCall struct {
	timer *time.Timer
}

type inflightCall struct {
	cancel context.CancelCauseFunc
}

// Dispatcher coalesces and cancels JSON API calls per request key
type Dispatcher struct {
	cfg    Config
	logger zerolog.Logger

	// mu guards both tables and closed
	mu       sync.Mutex
	pending  map[string]*pendingCall
	inflight map[string]*inflightCall
	closed   bool
}

// New creates a new Dispatcher
func New(cfg Config, logger zerolog.Logger) *Dispatcher {
	cfg.applyDefaults()

	return &Dispatcher{
		cfg:      cfg,
		logger:   logger.With().Str("component", "dispatch").Logger(),
		pending:  make(map[string]*pendingCall),
		inflight: make(map[string]*inflightCall),
	}
}

// UseProxy returns true if calls are relayed through the proxy endpoint
func (d *Dispatcher) UseProxy() bool {
	return d.cfg.UseProxy
}

// BaseURL returns the configured API origin
func (d *Dispatcher) BaseURL() string {
	return d.cfg.BaseURL
}

// ProxyURL returns the relay endpoint
func (d *Dispatcher) ProxyURL() string {
	return d.cfg.ProxyURL
}

// Schedule sends req once its key has been quiet for the configured delay.
// A pending call for the same key is replaced.
func (d *Dispatcher) Schedule(req Request) {
	if !req.Method.Valid() {
		d.logger.Warn().Str("method", string(req.Method)).Str("url", req.URL).Msg("Dropping request with unsupported method")
		return
	}

	key := req.RequestKey()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.logger.Debug().Str("key", key).Msg("Dispatcher closed, dropping scheduled request")
		return
	}

	if prev, ok := d.pending[key]; ok {
		prev.timer.Stop()
		delete(d.pending, key)
	}

	call := &pendingCall{}
	// fire blocks on mu until this method returns, so call.timer is set by then
	call.timer = time.AfterFunc(d.cfg.Delay, func() {
		d.fire(key, call, req)
	})
	d.pending[key] = call
}

// Post schedules a debounced POST
func (d *Dispatcher) Post(url string, data any, headers map[string]string) {
	d.Schedule(Request{Method: MethodPost, URL: url, Data: data, Headers: headers})
}

// Put schedules a debounced PUT
func (d *Dispatcher) Put(url string, data any, headers map[string]string) {
	d.Schedule(Request{Method: MethodPut, URL: url, Data: data, Headers: headers})
}

// Patch schedules a debounced PATCH
func (d *Dispatcher) Patch(url string, data any, headers map[string]string) {
	d.Schedule(Request{Method: MethodPatch, URL: url, Data: data, Headers: headers})
}

// Delete schedules a debounced DELETE
func (d *Dispatcher) Delete(url string, headers map[string]string) {
	d.Schedule(Request{Method: MethodDelete, URL: url, Headers: headers})
}

func (d *Dispatcher) fire(key string, call *pendingCall, req Request) {
	d.mu.Lock()
	if d.pending[key] != call {
		// Stopped or replaced after the timer already fired
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	if _, err := d.dispatch(context.Background(), key, req); err != nil {
		if _, ok := IsRequestError(err); !ok {
			d.logger.Warn().Err(err).Str("key", key).Msg("Scheduled request failed")
		}
	}
}

// Execute sends req immediately and returns the response body.
// A pending debounced call for the same key is dropped. If the call is
// superseded before it settles, Execute returns (nil, nil).
func (d *Dispatcher) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	if !req.Method.Valid() {
		return nil, fmt.Errorf("unsupported method %q", req.Method)
	}

	key := req.RequestKey()

	d.mu.Lock()
	if prev, ok := d.pending[key]; ok {
		prev.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()

	return d.dispatch(ctx, key, req)
}

// ExecuteInto sends req immediately and decodes the response into T.
// A superseded call returns (nil, nil).
func ExecuteInto[T any](ctx context.Context, d *Dispatcher, req Request) (*T, error) {
	body, err := d.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}

	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &RequestError{
			Kind:    KindDecode,
			Key:     req.RequestKey(),
			Method:  req.Method,
			URL:     req.URL,
			Message: "failed to decode response: " + err.Error(),
			Err:     err,
		}
	}
	return &out, nil
}

// dispatch aborts the in-flight call for key, registers a new one and
// performs the network call. A call that is no longer registered when it
// settles was superseded or cancelled and yields (nil, nil).
func (d *Dispatcher) dispatch(ctx context.Context, key string, req Request) (json.RawMessage, error) {
	payload, err := encodePayload(req)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	call := &inflightCall{cancel: cancel}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if prev, ok := d.inflight[key]; ok {
		prev.cancel(ErrAborted)
		d.logger.Debug().Str("key", key).Msg("Superseded in-flight request")
	}
	d.inflight[key] = call
	d.mu.Unlock()

	d.setLoading(key, true)

	d.logger.Debug().
		Str("key", key).
		Str("method", string(req.Method)).
		Str("url", req.URL).
		Bool("proxy", d.cfg.UseProxy).
		Msg("Dispatching request")

	body, reqErr := d.send(callCtx, key, req, payload)

	d.mu.Lock()
	current := d.inflight[key] == call
	if current {
		delete(d.inflight, key)
	}
	_, busy := d.inflight[key]
	d.mu.Unlock()

	if !busy {
		d.setLoading(key, false)
	}

	if !current {
		d.logger.Debug().Str("key", key).Msg("Discarding result of aborted request")
		return nil, nil
	}

	if reqErr != nil {
		if ctx.Err() != nil {
			// The caller gave up; that is not a request failure
			return nil, ctx.Err()
		}
		d.report(reqErr)
		if d.cfg.Hooks.OnError != nil {
			d.cfg.Hooks.OnError(key, reqErr)
		}
		return nil, reqErr
	}

	if d.cfg.Hooks.OnSuccess != nil {
		d.cfg.Hooks.OnSuccess(key, body)
	}
	return body, nil
}

// report surfaces err through the Reporter. Auth failures and undecodable
// success bodies go back to the caller only.
func (d *Dispatcher) report(err *RequestError) {
	if err.IsAuth() {
		d.logger.Debug().Str("key", err.Key).Int("status", err.StatusCode).Msg("Auth failure, not reported")
		return
	}
	if err.Kind == KindDecode {
		d.logger.Warn().Str("key", err.Key).Int("status", err.StatusCode).Msg("Response is not JSON, not reported")
		return
	}
	if d.cfg.Reporter == nil {
		d.logger.Debug().Str("key", err.Key).Str("error", err.Message).Msg("Request failed")
		return
	}
	d.cfg.Reporter.Report(err)
}

func (d *Dispatcher) setLoading(key string, loading bool) {
	if d.cfg.Hooks.OnLoading != nil {
		d.cfg.Hooks.OnLoading(key, loading)
	}
}

// Cancel drops the pending call and aborts the in-flight call for key
func (d *Dispatcher) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if call, ok := d.pending[key]; ok {
		call.timer.Stop()
		delete(d.pending, key)
	}
	if call, ok := d.inflight[key]; ok {
		call.cancel(ErrAborted)
		delete(d.inflight, key)
	}
}

// CancelAll drops every pending call and aborts every in-flight call
func (d *Dispatcher) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cancelAllLocked()
}

func (d *Dispatcher) cancelAllLocked() {
	for _, call := range d.pending {
		call.timer.Stop()
	}
	for _, call := range d.inflight {
		call.cancel(ErrAborted)
	}
	clear(d.pending)
	clear(d.inflight)
}

// Close cancels all work; later calls are dropped or fail with ErrClosed
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	d.cancelAllLocked()
}

// PendingCount returns the number of scheduled calls not yet fired
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// InFlightCount returns the number of calls awaiting a response
func (d *Dispatcher) InFlightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}
