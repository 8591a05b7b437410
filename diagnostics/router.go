// Package diagnostics serves the kernel's HTTP surface: health, module
// control, shared state, JSON-RPC and Prometheus metrics.
package diagnostics

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/GoCodeAlone/modkernel"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Backend is what the router inspects and controls.
type Backend interface {
	Kernel() *modkernel.Kernel
	State() modkernel.ApplicationState
	IsHealthy() bool
	Diagnostics() modkernel.Diagnostics
}

// Option configures the router.
type Option func(*handlers)

// WithGatherer serves g at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *handlers) { h.gatherer = g }
}

// WithLogger logs every request.
func WithLogger(logger modkernel.Logger) Option {
	return func(h *handlers) { h.logger = logger }
}

type handlers struct {
	backend  Backend
	gatherer prometheus.Gatherer
	logger   modkernel.Logger
}

// NewRouter builds the diagnostics routes.
func NewRouter(backend Backend, opts ...Option) chi.Router {
	h := &handlers{backend: backend, logger: modkernel.NopLogger()}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", h.health)
	r.Get("/diagnostics", h.diagnostics)
	r.Route("/modules", func(r chi.Router) {
		r.Get("/", h.listModules)
		r.Get("/{name}", h.getModule)
		r.Post("/{name}/enable", h.enableModule)
		r.Post("/{name}/disable", h.disableModule)
		r.Post("/{name}/reload", h.reloadModule)
	})
	r.Route("/state", func(r chi.Router) {
		r.Get("/", h.listState)
		r.Get("/{key}", h.getState)
	})
	r.Get("/rpc/methods", h.rpcMethods)
	r.Post("/rpc", h.rpc)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("Diagnostics request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

type healthResponse struct {
	State   modkernel.ApplicationState   `json:"state"`
	Healthy bool                         `json:"healthy"`
	Report  modkernel.SystemHealthReport `json:"report"`
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		State:   h.backend.State(),
		Healthy: h.backend.IsHealthy(),
		Report:  h.backend.Kernel().Modules().HealthReport(),
	}
	status := http.StatusOK
	if resp.State != modkernel.AppStateRunning {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *handlers) diagnostics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.backend.Diagnostics())
}

func (h *handlers) listModules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.backend.Kernel().Modules().AllStats())
}

func (h *handlers) getModule(w http.ResponseWriter, r *http.Request) {
	stats, err := h.backend.Kernel().Modules().Stats(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handlers) enableModule(w http.ResponseWriter, r *http.Request) {
	h.moduleAction(w, r, h.backend.Kernel().Modules().Enable)
}

func (h *handlers) disableModule(w http.ResponseWriter, r *http.Request) {
	h.moduleAction(w, r, h.backend.Kernel().Modules().Disable)
}

func (h *handlers) reloadModule(w http.ResponseWriter, r *http.Request) {
	var section modkernel.Section
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&section); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid config section: " + err.Error()})
			return
		}
	}
	h.moduleAction(w, r, func(name string) error {
		return h.backend.Kernel().Modules().Reload(r.Context(), name, section)
	})
}

func (h *handlers) moduleAction(w http.ResponseWriter, r *http.Request, action func(string) error) {
	name := chi.URLParam(r, "name")
	if err := action(name); err != nil {
		writeError(w, err)
		return
	}
	stats, err := h.backend.Kernel().Modules().Stats(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handlers) listState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.backend.Kernel().State().Snapshot(r.URL.Query().Get("pattern")))
}

func (h *handlers) getState(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	v, ok := h.backend.Kernel().State().Get(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "state key not found: " + key})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": v})
}

func (h *handlers) rpcMethods(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.backend.Kernel().RPC().Methods())
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, modkernel.ErrModuleNotFound):
		status = http.StatusNotFound
	case errors.Is(err, modkernel.ErrInvalidRPCParams), errors.Is(err, modkernel.ErrInvalidSection):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}
