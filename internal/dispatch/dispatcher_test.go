package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDelay = 40 * time.Millisecond

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Header http.Header
}

type apiRecorder struct {
	mu   sync.Mutex
	reqs []recordedRequest
}

func (r *apiRecorder) record(req *http.Request) recordedRequest {
	body, _ := io.ReadAll(req.Body)
	rec := recordedRequest{
		Method: req.Method,
		Path:   req.URL.Path,
		Body:   string(body),
		Header: req.Header.Clone(),
	}
	r.mu.Lock()
	r.reqs = append(r.reqs, rec)
	r.mu.Unlock()
	return rec
}

func (r *apiRecorder) requests() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedRequest(nil), r.reqs...)
}

func (r *apiRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

// newEchoServer answers every request with {"ok":true} and records it
func newEchoServer(t *testing.T) (*httptest.Server, *apiRecorder) {
	t.Helper()
	rec := &apiRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

type reportRecorder struct {
	mu   sync.Mutex
	errs []*RequestError
}

func (r *reportRecorder) Report(err *RequestError) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *reportRecorder) reports() []*RequestError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*RequestError(nil), r.errs...)
}

func newTestDispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	if cfg.Delay == 0 {
		cfg.Delay = testDelay
	}
	d := New(cfg, zerolog.Nop())
	t.Cleanup(d.Close)
	return d
}

func TestDispatcher_CoalescesScheduledCalls(t *testing.T) {
	srv, rec := newEchoServer(t)
	d := newTestDispatcher(t, Config{BaseURL: srv.URL})

	d.Post("/draft", map[string]int{"v": 1}, nil)
	d.Post("/draft", map[string]int{"v": 2}, nil)
	d.Post("/draft", map[string]int{"v": 3}, nil)
	assert.Equal(t, 1, d.PendingCount())

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	// Nothing else fires afterwards
	time.Sleep(3 * testDelay)
	reqs := rec.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/draft", reqs[0].Path)
	assert.JSONEq(t, `{"v":3}`, reqs[0].Body)
	assert.Equal(t, 0, d.PendingCount())
	assert.Equal(t, 0, d.InFlightCount())
}

func TestDispatcher_KeysAreIndependent(t *testing.T) {
	srv, rec := newEchoServer(t)
	d := newTestDispatcher(t, Config{BaseURL: srv.URL})

	d.Post("/a", map[string]string{"name": "a"}, nil)
	d.Post("/b", map[string]string{"name": "b"}, nil)
	assert.Equal(t, 2, d.PendingCount())

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)

	bodies := map[string]string{}
	for _, r := range rec.requests() {
		bodies[r.Path] = r.Body
	}
	assert.JSONEq(t, `{"name":"a"}`, bodies["/a"])
	assert.JSONEq(t, `{"name":"b"}`, bodies["/b"])
}

func TestDispatcher_SameURLDifferentMethodIsDifferentKey(t *testing.T) {
	srv, rec := newEchoServer(t)
	d := newTestDispatcher(t, Config{BaseURL: srv.URL})

	d.Put("/profile", map[string]int{"v": 1}, nil)
	d.Patch("/profile", map[string]int{"v": 2}, nil)

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_ExplicitKeyCoalescesAcrossURLs(t *testing.T) {
	srv, rec := newEchoServer(t)
	d := newTestDispatcher(t, Config{BaseURL: srv.URL})

	d.Schedule(Request{Key: "search", Method: MethodPost, URL: "/search/a"})
	d.Schedule(Request{Key: "search", Method: MethodPost, URL: "/search/ab"})

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(2 * testDelay)
	reqs := rec.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/search/ab", reqs[0].Path)
}

func TestDispatcher_SupersededCallIsDiscarded(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			N int `json:"n"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.N == 1 {
			close(started)
			select {
			case <-release:
			case <-r.Context().Done():
			}
			_, _ = w.Write([]byte(`{"answer":"first"}`))
			return
		}
		_, _ = w.Write([]byte(`{"answer":"second"}`))
	}))
	defer srv.Close()
	defer close(release)

	var mu sync.Mutex
	var successes []string
	d := newTestDispatcher(t, Config{
		BaseURL: srv.URL,
		Hooks: Hooks{
			OnSuccess: func(key string, body json.RawMessage) {
				mu.Lock()
				successes = append(successes, string(body))
				mu.Unlock()
			},
		},
	})

	type result struct {
		body json.RawMessage
		err  error
	}
	first := make(chan result, 1)
	go func() {
		body, err := d.Execute(context.Background(), Request{Method: MethodPost, URL: "/answer", Data: map[string]int{"n": 1}})
		first <- result{body, err}
	}()

	<-started
	body, err := d.Execute(context.Background(), Request{Method: MethodPost, URL: "/answer", Data: map[string]int{"n": 2}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":"second"}`, string(body))

	select {
	case res := <-first:
		assert.NoError(t, res.err)
		assert.Nil(t, res.body)
	case <-time.After(2 * time.Second):
		t.Fatal("superseded call did not settle")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`{"answer":"second"}`}, successes)
	assert.Equal(t, 0, d.InFlightCount())
}

func TestDispatcher_ErrorReporting(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
		wantReport  bool
	}{
		{"unauthorized", http.StatusUnauthorized, `{"message":"login required"}`, "login required", false},
		{"forbidden", http.StatusForbidden, `{"message":"no access"}`, "no access", false},
		{"message field", http.StatusBadRequest, `{"message":"invalid phone"}`, "invalid phone", true},
		{"error field", http.StatusConflict, `{"error":"already exists"}`, "already exists", true},
		{"plain text", http.StatusInternalServerError, `oops`, "HTTP error! status: 500", true},
		{"non-string message", http.StatusBadGateway, `{"message":42}`, "HTTP error! status: 502", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			reporter := &reportRecorder{}
			d := newTestDispatcher(t, Config{BaseURL: srv.URL, Reporter: reporter})

			body, err := d.Execute(context.Background(), Request{Method: MethodPost, URL: "/fail"})
			require.Error(t, err)
			assert.Nil(t, body)
			assert.Equal(t, tt.wantMessage, err.Error())

			reqErr, ok := IsRequestError(err)
			require.True(t, ok)
			assert.Equal(t, KindHTTP, reqErr.Kind)
			assert.Equal(t, tt.status, reqErr.StatusCode)
			assert.Equal(t, "POST:/fail", reqErr.Key)

			if tt.wantReport {
				require.Len(t, reporter.reports(), 1)
				assert.Equal(t, tt.wantMessage, reporter.reports()[0].Message)
			} else {
				assert.True(t, reqErr.IsAuth())
				assert.Empty(t, reporter.reports())
			}
		})
	}
}

func TestDispatcher_ScheduledFailureIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"bad draft"}`))
	}))
	defer srv.Close()

	reporter := &reportRecorder{}
	d := newTestDispatcher(t, Config{BaseURL: srv.URL, Reporter: reporter})

	d.Patch("/draft", map[string]string{"title": "x"}, nil)

	require.Eventually(t, func() bool { return len(reporter.reports()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "bad draft", reporter.reports()[0].Message)
	assert.Equal(t, MethodPatch, reporter.reports()[0].Method)
}

func TestDispatcher_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	reporter := &reportRecorder{}
	d := newTestDispatcher(t, Config{BaseURL: url, Reporter: reporter})

	_, err := d.Execute(context.Background(), Request{Method: MethodDelete, URL: "/x"})
	require.Error(t, err)

	reqErr, ok := IsRequestError(err)
	require.True(t, ok)
	assert.Equal(t, KindNetwork, reqErr.Kind)
	assert.NotEmpty(t, reqErr.Message)
	assert.Len(t, reporter.reports(), 1)
}

func TestDispatcher_InvalidJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	defer srv.Close()

	reporter := &reportRecorder{}
	var hooked []*RequestError
	d := newTestDispatcher(t, Config{
		BaseURL:  srv.URL,
		Reporter: reporter,
		Hooks: Hooks{OnError: func(key string, err *RequestError) {
			hooked = append(hooked, err)
		}},
	})

	_, err := d.Execute(context.Background(), Request{Method: MethodPost, URL: "/x"})
	reqErr, ok := IsRequestError(err)
	require.True(t, ok)
	assert.Equal(t, KindDecode, reqErr.Kind)
	assert.Empty(t, reporter.reports(), "decode failures go to the caller only")
	assert.Len(t, hooked, 1)
}

func TestDispatcher_EmptySuccessBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, Config{BaseURL: srv.URL})

	body, err := d.Execute(context.Background(), Request{Method: MethodDelete, URL: "/x"})
	require.NoError(t, err)
	assert.Equal(t, "null", string(body))
}

func TestDispatcher_ProxyWrapping(t *testing.T) {
	t.Run("proxy mode", func(t *testing.T) {
		srv, rec := newEchoServer(t)
		d := newTestDispatcher(t, Config{
			BaseURL:  "https://api.example.com",
			UseProxy: true,
			ProxyURL: srv.URL + "/api/proxy",
		})

		_, err := d.Execute(context.Background(), Request{Method: MethodPost, URL: "/x", Data: map[string]int{"a": 1}})
		require.NoError(t, err)

		reqs := rec.requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, http.MethodPost, reqs[0].Method)
		assert.Equal(t, "/api/proxy", reqs[0].Path)
		assert.JSONEq(t, `{"url":"https://api.example.com/x","method":"POST","data":{"a":1}}`, reqs[0].Body)
		assert.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))
	})

	t.Run("proxy carries real method and headers", func(t *testing.T) {
		srv, rec := newEchoServer(t)
		d := newTestDispatcher(t, Config{
			BaseURL:  "https://api.example.com",
			UseProxy: true,
			ProxyURL: srv.URL + "/api/proxy",
		})

		_, err := d.Execute(context.Background(), Request{
			Method:  MethodDelete,
			URL:     "/members/1",
			Headers: map[string]string{"Authorization": "Bearer t"},
		})
		require.NoError(t, err)

		reqs := rec.requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, http.MethodPost, reqs[0].Method)
		assert.JSONEq(t, `{"url":"https://api.example.com/members/1","method":"DELETE","headers":{"Authorization":"Bearer t"}}`, reqs[0].Body)
		assert.Empty(t, reqs[0].Header.Get("Authorization"))
	})

	t.Run("direct mode", func(t *testing.T) {
		srv, rec := newEchoServer(t)
		d := newTestDispatcher(t, Config{BaseURL: srv.URL})

		_, err := d.Execute(context.Background(), Request{
			Method:  MethodPost,
			URL:     "/x",
			Data:    map[string]int{"a": 1},
			Headers: map[string]string{"X-Trace": "abc"},
		})
		require.NoError(t, err)

		reqs := rec.requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, http.MethodPost, reqs[0].Method)
		assert.Equal(t, "/x", reqs[0].Path)
		assert.JSONEq(t, `{"a":1}`, reqs[0].Body)
		assert.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))
		assert.Equal(t, "abc", reqs[0].Header.Get("X-Trace"))
	})
}

func TestDispatcher_DefaultProxyURLUsesBaseOrigin(t *testing.T) {
	srv, rec := newEchoServer(t)
	d := newTestDispatcher(t, Config{BaseURL: srv.URL + "/v1", UseProxy: true})
	assert.Equal(t, srv.URL+DefaultProxyURL, d.ProxyURL())

	_, err := d.Execute(context.Background(), Request{Method: MethodPatch, URL: "/pets/1", Data: map[string]string{"name": "bori"}})
	require.NoError(t, err)

	reqs := rec.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, DefaultProxyURL, reqs[0].Path)
	assert.JSONEq(t, `{"url":"`+srv.URL+`/v1/pets/1","method":"PATCH","data":{"name":"bori"}}`, reqs[0].Body)
}

func TestResolveProxyURL(t *testing.T) {
	tests := []struct {
		base, proxy, want string
	}{
		{"https://api.example.com/v1", "/api/proxy", "https://api.example.com/api/proxy"},
		{"https://api.example.com", "http://relay.local:3000/api/proxy", "http://relay.local:3000/api/proxy"},
		{"", "/api/proxy", "/api/proxy"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, resolveProxyURL(tt.base, tt.proxy))
	}
}

func TestDispatcher_CancelAllIsIdempotent(t *testing.T) {
	srv, rec := newEchoServer(t)
	d := newTestDispatcher(t, Config{BaseURL: srv.URL})

	d.CancelAll()
	d.CancelAll()
	assert.Equal(t, 0, d.PendingCount())
	assert.Equal(t, 0, d.InFlightCount())

	d.Post("/a", nil, nil)
	d.Post("/b", nil, nil)
	d.CancelAll()
	d.CancelAll()
	assert.Equal(t, 0, d.PendingCount())
	assert.Equal(t, 0, d.InFlightCount())

	time.Sleep(3 * testDelay)
	assert.Equal(t, 0, rec.count())
}

func TestDispatcher_CancelAbortsInFlight(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	reporter := &reportRecorder{}
	d := newTestDispatcher(t, Config{BaseURL: srv.URL, Reporter: reporter})

	done := make(chan error, 1)
	go func() {
		body, err := d.Execute(context.Background(), Request{Method: MethodPost, URL: "/slow"})
		assert.Nil(t, body)
		done <- err
	}()

	<-started
	assert.Equal(t, 1, d.InFlightCount())
	d.Cancel("POST:/slow")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled call did not settle")
	}
	assert.Equal(t, 0, d.InFlightCount())
	assert.Empty(t, reporter.reports())
}

func TestDispatcher_ExecuteDropsPendingTimer(t *testing.T) {
	srv, rec := newEchoServer(t)
	d := newTestDispatcher(t, Config{BaseURL: srv.URL})

	d.Post("/save", map[string]int{"v": 1}, nil)
	_, err := d.Execute(context.Background(), Request{Method: MethodPost, URL: "/save", Data: map[string]int{"v": 2}})
	require.NoError(t, err)
	assert.Equal(t, 0, d.PendingCount())

	time.Sleep(3 * testDelay)
	reqs := rec.requests()
	require.Len(t, reqs, 1)
	assert.JSONEq(t, `{"v":2}`, reqs[0].Body)
}

func TestDispatcher_CallerContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	reporter := &reportRecorder{}
	d := newTestDispatcher(t, Config{BaseURL: srv.URL, Reporter: reporter})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := d.Execute(ctx, Request{Method: MethodPost, URL: "/slow"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, reporter.reports())
}

func TestDispatcher_Close(t *testing.T) {
	srv, rec := newEchoServer(t)
	d := New(Config{BaseURL: srv.URL, Delay: testDelay}, zerolog.Nop())

	d.Post("/a", nil, nil)
	d.Close()
	assert.Equal(t, 0, d.PendingCount())

	d.Post("/b", nil, nil)
	assert.Equal(t, 0, d.PendingCount())

	_, err := d.Execute(context.Background(), Request{Method: MethodPost, URL: "/c"})
	assert.ErrorIs(t, err, ErrClosed)

	time.Sleep(3 * testDelay)
	assert.Equal(t, 0, rec.count())
}

func TestDispatcher_LoadingHooks(t *testing.T) {
	srv, _ := newEchoServer(t)

	var mu sync.Mutex
	var events []bool
	d := newTestDispatcher(t, Config{
		BaseURL: srv.URL,
		Hooks: Hooks{
			OnLoading: func(key string, loading bool) {
				mu.Lock()
				events = append(events, loading)
				mu.Unlock()
			},
		},
	})

	_, err := d.Execute(context.Background(), Request{Method: MethodPost, URL: "/x"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, events)
}

func TestDispatcher_UnsupportedMethod(t *testing.T) {
	d := newTestDispatcher(t, Config{BaseURL: "http://localhost"})

	_, err := d.Execute(context.Background(), Request{Method: "GET", URL: "/x"})
	assert.Error(t, err)

	d.Schedule(Request{Method: "GET", URL: "/x"})
	assert.Equal(t, 0, d.PendingCount())
}

func TestExecuteInto(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":200,"data":{"memberId":"kim01"}}`))
	}))
	defer srv.Close()

	d := newTestDispatcher(t, Config{BaseURL: srv.URL})

	type envelope struct {
		Code int `json:"code"`
		Data struct {
			MemberID string `json:"memberId"`
		} `json:"data"`
	}

	out, err := ExecuteInto[envelope](context.Background(), d, Request{Method: MethodPost, URL: "/find"})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, 200, out.Code)
	assert.Equal(t, "kim01", out.Data.MemberID)
}

func TestRequestKey(t *testing.T) {
	assert.Equal(t, "POST:/a", Request{Method: MethodPost, URL: "/a"}.RequestKey())
	assert.Equal(t, "custom", Request{Key: "custom", Method: MethodPost, URL: "/a"}.RequestKey())
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "m", ErrorMessage(400, []byte(`{"message":"m","error":"e"}`)))
	assert.Equal(t, "e", ErrorMessage(400, []byte(`{"message":"","error":"e"}`)))
	assert.Equal(t, "HTTP error! status: 404", ErrorMessage(404, []byte(`[]`)))
	assert.Equal(t, "HTTP error! status: 503", ErrorMessage(503, nil))
}
