package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/orderflow/internal/platform/httpx"
	"github.com/hanko-field/orderflow/internal/platform/requestctx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
	maxKeyLength      = 255
)

type middlewareConfig struct {
	headerName string
	ttl        time.Duration
	required   bool
	clock      func() time.Time
}

// MiddlewareOption customises middleware behaviour.
type MiddlewareOption func(*middlewareConfig)

// WithHeader overrides the header carrying the key.
func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.headerName = name
		}
	}
}

// WithTTL configures how long responses replay.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithRequiredKey rejects POST requests that omit the header.
func WithRequiredKey() MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.required = true
	}
}

func WithClock(clock func() time.Time) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// Middleware replays the first response for a repeated POST carrying the same key and body.
// Keys are scoped by the request actor, so two callers never share a record.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	cfg := middlewareConfig{
		headerName: defaultHeaderName,
		ttl:        DefaultTTL,
		clock:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return func(next http.Handler) http.Handler {
		return &guard{cfg: cfg, store: store, next: next}
	}
}

type guard struct {
	cfg   middlewareConfig
	store Store
	next  http.Handler
}

// attempt is one keyed POST: the store key and the request fingerprint it was reserved with.
type attempt struct {
	key         string
	fingerprint string
	logger      *zap.Logger
}

func (g *guard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.next.ServeHTTP(w, r)
		return
	}
	ctx := r.Context()
	raw := strings.TrimSpace(r.Header.Get(g.cfg.headerName))
	if raw == "" {
		if g.cfg.required {
			reject(w, r, "idempotency_key_required", "missing "+g.cfg.headerName+" header", http.StatusBadRequest)
			return
		}
		g.next.ServeHTTP(w, r)
		return
	}
	if len(raw) > maxKeyLength {
		reject(w, r, "idempotency_key_invalid", g.cfg.headerName+" header is too long", http.StatusBadRequest)
		return
	}
	body, err := bufferBody(r)
	if err != nil {
		reject(w, r, "invalid_body", "unable to read request body", http.StatusBadRequest)
		return
	}

	actor := requestctx.Actor(ctx)
	a := attempt{
		key:         scopedKey(raw, actor),
		fingerprint: requestFingerprint(r, body, actor),
		logger:      requestctx.Logger(ctx),
	}
	reservation, err := g.store.Reserve(ctx, a.key, a.fingerprint, g.cfg.clock().UTC(), g.cfg.ttl)
	switch {
	case errors.Is(err, ErrFingerprintMismatch):
		reject(w, r, "idempotency_key_conflict", "idempotency key already used for a different request", http.StatusConflict)
		return
	case err != nil:
		a.logger.Error("idempotency reserve failed", zap.Error(err))
		reject(w, r, "idempotency_unavailable", "unable to process idempotency key", http.StatusServiceUnavailable)
		return
	case reservation.State == ReservationStateCompleted:
		replay(w, reservation.Record)
		return
	case reservation.State == ReservationStatePending:
		reject(w, r, "idempotency_in_progress", "another request is processing this idempotency key", http.StatusConflict)
		return
	}

	recorder := newResponseRecorder(w)
	g.next.ServeHTTP(recorder, r)
	g.settle(r, a, recorder)
	if err := recorder.Commit(); err != nil {
		a.logger.Warn("idempotency response flush failed", zap.Error(err))
	}
}

// settle stores a final response, or frees the key after a 5xx so the client can retry with it.
func (g *guard) settle(r *http.Request, a attempt, recorder *responseRecorder) {
	ctx := r.Context()
	status := recorder.Status()
	if status < http.StatusInternalServerError {
		resp := Response{Status: status, Headers: recorder.Header(), Body: recorder.Body()}
		err := g.store.Complete(ctx, a.key, a.fingerprint, resp, g.cfg.clock().UTC(), g.cfg.ttl)
		if err == nil {
			return
		}
		a.logger.Warn("idempotency response not stored", zap.Error(err))
	}
	if err := g.store.Release(ctx, a.key, a.fingerprint); err != nil {
		a.logger.Warn("idempotency release failed", zap.Error(err))
	}
}

func reject(w http.ResponseWriter, r *http.Request, code, message string, status int) {
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, status))
}

// bufferBody reads the body once and puts an identical reader back for the handler.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// requestFingerprint covers method, path, query, actor and body; the same key with any of them changed
// is a conflict rather than a replay.
func requestFingerprint(r *http.Request, body []byte, actor string) string {
	h := sha256.New()
	for _, part := range []string{r.Method, r.URL.Path, r.URL.RawQuery, actor} {
		io.WriteString(h, part)
		h.Write([]byte{0})
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func scopedKey(key, actor string) string {
	if actor = strings.TrimSpace(actor); actor == "" {
		actor = "anonymous"
	}
	return actor + "|" + key
}

func replay(w http.ResponseWriter, record Record) {
	header := w.Header()
	for name, values := range record.ResponseHeaders {
		header[name] = append([]string(nil), values...)
	}
	header.Set(replayHeaderName, "true")
	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(record.ResponseBody)
}

type responseRecorder struct {
	parent http.ResponseWriter
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseRecorder(parent http.ResponseWriter) *responseRecorder {
	return &responseRecorder{parent: parent, header: make(http.Header)}
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(data)
}

func (r *responseRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *responseRecorder) Body() []byte {
	if r.body.Len() == 0 {
		return nil
	}
	return r.body.Bytes()
}

func (r *responseRecorder) Commit() error {
	dst := r.parent.Header()
	for name, values := range r.header {
		dst[name] = append([]string(nil), values...)
	}
	r.parent.WriteHeader(r.Status())
	if r.body.Len() == 0 {
		return nil
	}
	_, err := r.parent.Write(r.body.Bytes())
	return err
}
