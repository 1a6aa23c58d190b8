package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"bifrost/api/build"
	"bifrost/api/dispatch"
	"bifrost/api/hub"
	"bifrost/api/journal"
	"bifrost/api/model"
	"bifrost/api/registry"
)

type BridgeState interface {
	State() model.BridgeConnection
}

type HistoryReader interface {
	ListInvocations(ctx context.Context, functionID string, limit int) ([]model.InvocationRecord, error)
}

// Pinger is any backing service the health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Registry *registry.Registry
	Builds   *build.Orchestrator
	Dispatch *dispatch.Dispatcher
	Bridge   BridgeState
	History  HistoryReader
	Journal  journal.Store
	Hub      *hub.Hub
	Version  string
	// Services are probed by /api/health, keyed by name.
	Services map[string]Pinger
}

type Handler struct {
	reg      *registry.Registry
	builds   *build.Orchestrator
	disp     *dispatch.Dispatcher
	bridge   BridgeState
	history  HistoryReader
	journal  journal.Store
	ws       *hub.Hub
	version  string
	services map[string]Pinger
}

func New(opts Options) *Handler {
	return &Handler{
		reg:      opts.Registry,
		builds:   opts.Builds,
		disp:     opts.Dispatch,
		bridge:   opts.Bridge,
		history:  opts.History,
		journal:  opts.Journal,
		ws:       opts.Hub,
		version:  opts.Version,
		services: opts.Services,
	}
}

// Routes mounts the control surface under /api.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/version", h.Version)
		r.Get("/stats", h.Stats)
		r.Get("/bridge", h.Bridge)
		r.Get("/functions", h.ListFunctions)
		r.Post("/functions", h.RegisterFunction)
		r.Route("/functions/{id}", func(r chi.Router) {
			r.Use(ValidateFunctionID)
			r.Get("/", h.GetFunction)
			r.Post("/rebuild", h.Rebuild)
			r.Post("/invoke", h.Invoke)
			r.Get("/invocations", h.ListInvocations)
		})
		r.Get("/invocations/{requestId}/journal", h.GetJournal)
		r.Get("/journal", h.RecentJournal)
	})
}

// ValidateFunctionID is middleware that rejects requests with malformed ids.
func ValidateFunctionID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id != "" && !model.ValidFunctionID(id) {
			http.Error(w, "invalid function id", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryLimit(r *http.Request, fallback int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"version": h.version})
}

func (h *Handler) Bridge(w http.ResponseWriter, r *http.Request) {
	if h.bridge == nil {
		writeJSON(w, model.BridgeConnection{State: model.StateDisconnected})
		return
	}
	writeJSON(w, h.bridge.State())
}
