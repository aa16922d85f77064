package observability

import (
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hanko-field/orderflow/internal/platform/httpx"
	"github.com/hanko-field/orderflow/internal/platform/requestctx"
)

const (
	defaultActorHeader = "X-Actor-ID"
	systemActor        = "system"
	replayHeader       = "X-Idempotent-Replay"
)

// routeParams are copied into the completion log when the matched route declares them.
var routeParams = []struct{ param, field string }{
	{"orderID", "order_id"},
	{"instanceID", "instance_id"},
	{"paymentID", "payment_id"},
	{"signal", "signal"},
}

// InjectLoggerMiddleware puts logger on the request context.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

// ActorMiddleware copies the caller identity ("user:42", "staff:7") from header onto the request context.
// Missing or malformed values act as "system".
func ActorMiddleware(header string) func(http.Handler) http.Handler {
	if header = strings.TrimSpace(header); header == "" {
		header = defaultActorHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := SanitizeActor(r.Header.Get(header))
			if actor == "" {
				actor = systemActor
			}
			next.ServeHTTP(w, r.WithContext(requestctx.WithActor(r.Context(), actor)))
		})
	}
}

// RequestLoggerMiddleware logs one line per request once the handler returns. The line carries the chi
// route pattern, the order/instance identifiers from the path and whether an idempotent replay answered it.
func RequestLoggerMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			logger := requestLogger(r)
			r = r.WithContext(requestctx.WithLogger(ctx, logger))

			sw := &statusWriter{ResponseWriter: w}
			start := time.Now()
			completed := false
			defer func() {
				status := sw.Status()
				if !completed {
					// a panic is unwinding; RecoveryMiddleware above us turns it into a 500
					status = http.StatusInternalServerError
				}
				route := routePattern(r)
				annotateSpan(trace.SpanFromContext(ctx), route, status)
				logCompletion(logger, status, completionFields(r, sw, route, time.Since(start)))
			}()

			next.ServeHTTP(sw, r)
			completed = true
		})
	}
}

// RecoveryMiddleware turns handler panics into the standard 500 envelope.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w}
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				ctx := r.Context()
				logger := requestctx.Logger(ctx)
				if logger == requestctx.NoopLogger() {
					logger = fallback
				}
				logger.Error("panic recovered", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
				if sw.wroteHeader {
					return
				}
				httpx.WriteError(ctx, sw, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(sw, r)
		})
	}
}

func requestLogger(r *http.Request) *zap.Logger {
	ctx := r.Context()
	info, _ := requestctx.Trace(ctx)
	logger := WithRequestFields(requestctx.Logger(ctx),
		zap.String("request_id", middleware.GetReqID(ctx)),
		zap.String("method", SanitizeMethod(r.Method)),
		zap.String("path", SanitizeRoute(r.URL.Path)),
		zap.String("actor", SanitizeActor(requestctx.Actor(ctx))),
	)
	if info.TraceID != "" {
		logger = logger.With(zap.String("trace_id", info.TraceID))
	}
	if resource := loggingTraceResource(info); resource != "" {
		logger = logger.With(zap.String("logging.googleapis.com/trace", resource))
	}
	if ip := remoteIP(r); ip != "" {
		logger = logger.With(zap.String("remote_ip", ip))
	}
	return logger
}

func completionFields(r *http.Request, sw *statusWriter, route string, latency time.Duration) []zap.Field {
	fields := []zap.Field{
		zap.String("route", SanitizeRoute(route)),
		zap.Int("status", sw.Status()),
		zap.Duration("latency", latency),
		zap.Int64("bytes", sw.bytes),
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		for _, p := range routeParams {
			if value := rctx.URLParam(p.param); value != "" {
				fields = append(fields, zap.String(p.field, sanitizeString(value, 64)))
			}
		}
	}
	if sw.Header().Get(replayHeader) == "true" {
		fields = append(fields, zap.Bool("idempotent_replay", true))
	}
	return fields
}

func logCompletion(logger *zap.Logger, status int, fields []zap.Field) {
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request completed", fields...)
	case status >= http.StatusBadRequest:
		logger.Warn("request completed", fields...)
	default:
		logger.Info("request completed", fields...)
	}
}

func annotateSpan(span trace.Span, route string, status int) {
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(semconv.HTTPResponseStatusCode(status))
	if route != "" {
		span.SetAttributes(semconv.HTTPRoute(SanitizeRoute(route)))
	}
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}

// routePattern must run after routing; chi fills the pattern while matching.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func remoteIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return sanitizeString(addr, 64)
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.status = status
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}
