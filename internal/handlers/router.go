package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/orderflow/internal/platform/httpx"
)

const (
	defaultAPIPrefix      = "/api/v1"
	defaultRequestTimeout = 60 * time.Second
	errorNotFoundCode     = "route_not_found"
)

// RouteRegistrar adds one resource group's routes to r.
type RouteRegistrar func(r chi.Router)

// Option customises NewRouter.
type Option func(*routerConfig)

type routerConfig struct {
	basePath string
	timeout  time.Duration
	extra    []func(http.Handler) http.Handler
	health   *HealthHandlers
	groups   []routeGroup
}

type routeGroup struct {
	path     string
	register RouteRegistrar
}

// NewRouter serves /healthz and /readyz at the root and the registered resource groups under the API prefix.
// Groups without a registrar are not mounted and answer like any unknown route.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{basePath: defaultAPIPrefix, timeout: defaultRequestTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	if cfg.timeout > 0 {
		r.Use(middleware.Timeout(cfg.timeout))
	}
	for _, mw := range cfg.extra {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.NotFound(routeNotFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(normalizeBasePath(cfg.basePath), func(api chi.Router) {
		api.NotFound(routeNotFound)
		api.MethodNotAllowed(methodNotAllowed)
		for _, g := range cfg.groups {
			if g.register != nil {
				api.Route(g.path, g.register)
			}
		}
	})
	return r
}

func routeNotFound(w http.ResponseWriter, req *http.Request) {
	httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, "no route for "+req.URL.Path, http.StatusNotFound))
}

func methodNotAllowed(w http.ResponseWriter, req *http.Request) {
	httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed",
		req.Method+" is not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
}

func normalizeBasePath(path string) string {
	return "/" + strings.Trim(strings.TrimSpace(path), "/")
}

// WithMiddlewares runs mw after the request id, real ip and timeout middleware.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.extra = append(cfg.extra, mw...)
	}
}

// WithBasePath replaces the /api/v1 prefix.
func WithBasePath(path string) Option {
	return func(cfg *routerConfig) {
		cfg.basePath = path
	}
}

// WithRequestTimeout bounds every request; zero disables the timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *routerConfig) {
		cfg.timeout = d
	}
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithOrderRoutes mounts reg at /orders.
func WithOrderRoutes(reg RouteRegistrar) Option {
	return withGroup("/orders", reg)
}

// WithWorkflowRoutes mounts reg at /workflows.
func WithWorkflowRoutes(reg RouteRegistrar) Option {
	return withGroup("/workflows", reg)
}

func withGroup(path string, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.groups = append(cfg.groups, routeGroup{path: path, register: reg})
	}
}
