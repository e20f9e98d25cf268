package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"permstate/internal/metrics"
)

// RouterConfig collects what the HTTP surface needs
type RouterConfig struct {
	Permissions *PermissionHandler
	Health      *HealthHandler
	// Authenticate guards the write routes; nil leaves them open
	Authenticate func(http.Handler) http.Handler
	// Identify attaches the caller on read routes when a token is present; may be nil
	Identify func(http.Handler) http.Handler
	// Snapshots feeds the cache gauge on every request; may be nil
	Snapshots metrics.CacheSizer
	CORS      CORSConfig
}

// NewRouter wires the API, health and metrics routes
func NewRouter(cfg RouterConfig) http.Handler {
	r := mux.NewRouter()

	passthrough := func(next http.Handler) http.Handler { return next }
	guard := cfg.Authenticate
	if guard == nil {
		guard = passthrough
	}
	identify := cfg.Identify
	if identify == nil {
		identify = passthrough
	}
	instrument := func(route string, h http.HandlerFunc) http.Handler {
		return metrics.Middleware(route, h, cfg.Snapshots)
	}

	ph := cfg.Permissions
	r.Handle("/api/v1/permissions", identify(instrument("list", ph.GetMultipleStates))).Methods(http.MethodGet, http.MethodOptions)
	api := r.PathPrefix("/api/v1/permissions").Subrouter()
	api.Handle("/batch", identify(instrument("batch", ph.BatchStates))).Methods(http.MethodPost, http.MethodOptions)
	api.Handle("/{name}/watch", identify(instrument("watch", ph.Watch))).Methods(http.MethodGet, http.MethodOptions)
	api.Handle("/{name}", identify(instrument("get", ph.GetState))).Methods(http.MethodGet, http.MethodOptions)
	api.Handle("/{name}", guard(instrument("set", ph.SetState))).Methods(http.MethodPut, http.MethodOptions)
	api.Handle("/{name}", guard(instrument("reset", ph.ResetState))).Methods(http.MethodDelete, http.MethodOptions)

	if cfg.Health != nil {
		r.HandleFunc("/healthz", cfg.Health.Liveness).Methods(http.MethodGet)
		r.HandleFunc("/readyz", cfg.Health.Readiness).Methods(http.MethodGet)
	}
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	return CORSMiddleware(cfg.CORS)(r)
}
