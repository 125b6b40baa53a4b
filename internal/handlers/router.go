package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kroypata/checkout/internal/platform/httpx"
)

// RouteRegistrar adds routes to a mounted group.
type RouteRegistrar func(r chi.Router)

type middlewareFunc = func(http.Handler) http.Handler

const (
	apiPrefix         = "/api/v1"
	errorNotFoundCode = "route_not_found"

	groupCheckout = "checkout"
	groupInternal = "internal"
)

// routeGroup is one mount point under the API prefix. A group without routes answers 501.
type routeGroup struct {
	routes      RouteRegistrar
	middlewares []middlewareFunc
}

type routerConfig struct {
	timeout     time.Duration
	middlewares []middlewareFunc
	health      *HealthHandlers
	metrics     http.Handler
	groups      map[string]*routeGroup
}

func (c *routerConfig) group(name string) *routeGroup {
	g, ok := c.groups[name]
	if !ok {
		g = &routeGroup{}
		c.groups[name] = g
	}
	return g
}

// Option customises NewRouter.
type Option func(*routerConfig)

// NewRouter builds the HTTP surface: health and metrics at the root, then the checkout and
// internal groups below /api/v1.
func NewRouter(opts ...Option) chi.Router {
	cfg := &routerConfig{
		timeout: time.Minute,
		groups:  map[string]*routeGroup{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	if cfg.timeout > 0 {
		r.Use(middleware.Timeout(cfg.timeout))
	}
	useAll(r, cfg.middlewares)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" is not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)
	if cfg.metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.metrics)
	}

	r.Route(apiPrefix, func(api chi.Router) {
		for _, name := range []string{groupCheckout, groupInternal} {
			g := cfg.group(name)
			api.Route("/"+name, func(sub chi.Router) {
				useAll(sub, g.middlewares)
				if g.routes == nil {
					notImplemented(sub, name)
					return
				}
				g.routes(sub)
			})
		}
	})
	return r
}

func useAll(r chi.Router, mws []middlewareFunc) {
	for _, mw := range mws {
		if mw != nil {
			r.Use(mw)
		}
	}
}

func notImplemented(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", name+" routes are not configured", http.StatusNotImplemented))
	}
	r.HandleFunc("/", handler)
	r.HandleFunc("/*", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}

// WithRequestTimeout bounds every request's context. Zero disables the limit.
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *routerConfig) { cfg.timeout = d }
}

// WithMiddlewares appends global middleware, run after request id and real ip.
func WithMiddlewares(mw ...middlewareFunc) Option {
	return func(cfg *routerConfig) { cfg.middlewares = append(cfg.middlewares, mw...) }
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(cfg *routerConfig) { cfg.metrics = h }
}

// WithCheckoutRoutes mounts the shopper facing wizard under /api/v1/checkout.
func WithCheckoutRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.group(groupCheckout).routes = reg }
}

func WithCheckoutMiddlewares(mw ...middlewareFunc) Option {
	return func(cfg *routerConfig) {
		g := cfg.group(groupCheckout)
		g.middlewares = append(g.middlewares, mw...)
	}
}

// WithInternalRoutes mounts service-to-service endpoints under /api/v1/internal.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.group(groupInternal).routes = reg }
}

func WithInternalMiddlewares(mw ...middlewareFunc) Option {
	return func(cfg *routerConfig) {
		g := cfg.group(groupInternal)
		g.middlewares = append(g.middlewares, mw...)
	}
}
