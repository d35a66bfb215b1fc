package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"daycare/internal/dispatch"
)

// multipartMemory is the part of a multipart form kept in memory; the rest
// spills to temporary files.
const multipartMemory = 8 << 20

// HandlerConfig configures the relay handler
type HandlerConfig struct {
	AllowedHosts    []string
	MaxBodySize     int64
	UpstreamTimeout time.Duration
	Breaker         BreakerConfig
	HTTPClient      *http.Client
}

// Handler re-issues proxy envelopes and multipart uploads to allowed hosts
type Handler struct {
	client      *http.Client
	allowed     map[string]struct{}
	maxBodySize int64
	breakers    *breakerSet
	logger      zerolog.Logger
}

// NewHandler creates a new Handler
func NewHandler(cfg HandlerConfig, logger zerolog.Logger) *Handler {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.UpstreamTimeout}
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedHosts))
	for _, host := range cfg.AllowedHosts {
		allowed[strings.ToLower(host)] = struct{}{}
	}

	return &Handler{
		client:      client,
		allowed:     allowed,
		maxBodySize: cfg.MaxBodySize,
		breakers:    newBreakerSet(cfg.Breaker),
		logger:      logger.With().Str("component", "relay").Logger(),
	}
}

// BreakerStates returns the circuit state of every target host seen so far
func (h *Handler) BreakerStates() map[string]string {
	return h.breakers.states()
}

// ServeHTTP handles relay requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if h.maxBodySize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		h.relayMultipart(w, r)
		return
	}
	h.relayEnvelope(w, r)
}

// relayEnvelope re-issues a JSON proxy envelope
func (h *Handler) relayEnvelope(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeBodyError(w, err)
		return
	}

	var envelope dispatch.ProxyEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeError(w, http.StatusBadRequest, "invalid proxy envelope")
		return
	}

	method := dispatch.Method(strings.ToUpper(envelope.Method))
	if !method.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported method: %s", envelope.Method))
		return
	}

	target, status, msg := h.checkTarget(envelope.URL)
	if target == nil {
		writeError(w, status, msg)
		return
	}

	var upstreamBody io.Reader
	hasData := len(envelope.Data) > 0 && string(envelope.Data) != "null"
	if hasData {
		upstreamBody = bytes.NewReader(envelope.Data)
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), string(method), target.String(), upstreamBody)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid target url")
		return
	}

	for name, value := range envelope.Headers {
		upstreamReq.Header.Set(name, value)
	}
	if hasData && upstreamReq.Header.Get("Content-Type") == "" {
		upstreamReq.Header.Set("Content-Type", "application/json")
	}

	h.forward(w, r, target, upstreamReq)
}

// relayMultipart re-encodes a multipart form without its "url" field and
// POSTs it to the target that field names
func (h *Handler) relayMultipart(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		h.writeBodyError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	target, status, msg := h.checkTarget(r.FormValue("url"))
	if target == nil {
		writeError(w, status, msg)
		return
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for _, name := range sortedKeys(r.MultipartForm.Value) {
		if name == "url" {
			continue
		}
		for _, value := range r.MultipartForm.Value[name] {
			if err := mw.WriteField(name, value); err != nil {
				writeError(w, http.StatusInternalServerError, "failed to encode form")
				return
			}
		}
	}

	for _, name := range sortedKeys(r.MultipartForm.File) {
		for _, fh := range r.MultipartForm.File[name] {
			if err := copyFilePart(mw, name, fh); err != nil {
				h.logger.Error().Err(err).Str("field", name).Msg("Failed to copy uploaded file")
				writeError(w, http.StatusInternalServerError, "failed to encode form")
				return
			}
		}
	}

	if err := mw.Close(); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode form")
		return
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target.String(), &buf)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid target url")
		return
	}
	upstreamReq.Header.Set("Content-Type", mw.FormDataContentType())

	h.forward(w, r, target, upstreamReq)
}

func copyFilePart(mw *multipart.Writer, field string, fh *multipart.FileHeader) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := mw.CreateFormFile(field, fh.Filename)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	return err
}

// checkTarget parses and authorizes a relay target; on rejection it returns
// a nil URL with the status and message to answer with
func (h *Handler) checkTarget(raw string) (*url.URL, int, string) {
	if raw == "" {
		return nil, http.StatusBadRequest, "missing target url"
	}

	target, err := url.Parse(raw)
	if err != nil || target.Host == "" {
		return nil, http.StatusBadRequest, "invalid target url"
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, http.StatusBadRequest, "unsupported target scheme"
	}
	if _, ok := h.allowed[strings.ToLower(target.Host)]; !ok {
		h.logger.Warn().Str("host", target.Host).Msg("Rejected relay to host outside allow-list")
		return nil, http.StatusForbidden, "target host not allowed"
	}
	return target, 0, ""
}

// forward sends the upstream request and copies the answer back
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, target *url.URL, upstreamReq *http.Request) {
	breaker := h.breakers.get(target.Host)
	if !breaker.Allow() {
		writeError(w, http.StatusServiceUnavailable, "upstream temporarily unavailable")
		return
	}

	// The caller's credentials apply unless the envelope carries its own
	if upstreamReq.Header.Get("Authorization") == "" {
		if auth := r.Header.Get("Authorization"); auth != "" {
			upstreamReq.Header.Set("Authorization", auth)
		}
	}
	if id := RequestIDFromContext(r.Context()); id != "" {
		upstreamReq.Header.Set(RequestIDHeader, id)
	}

	start := time.Now()
	resp, err := h.client.Do(upstreamReq)
	if err != nil {
		breaker.Failure()
		h.logger.Warn().Err(err).Str("host", target.Host).Str("method", upstreamReq.Method).Msg("Upstream request failed")
		writeError(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		breaker.Failure()
	} else {
		breaker.Success()
	}

	h.logger.Debug().
		Str("host", target.Host).
		Str("method", upstreamReq.Method).
		Str("path", target.Path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Relayed request")

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Debug().Err(err).Msg("Failed to copy upstream response")
	}
}

func (h *Handler) writeBodyError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "failed to read request body")
}

// writeError writes a {"message": ...} body the dispatcher can surface
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": message})
}

// sortedKeys returns the keys of m in ascending order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
