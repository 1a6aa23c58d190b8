package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"bifrost/api/build"
	"bifrost/api/model"
)

type ServiceHealth struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // up, down, unknown
	Details string `json:"details,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	services := []ServiceHealth{h.checkBridge()}
	names := make([]string, 0, len(h.services))
	for name := range h.services {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		services = append(services, checkPinger(ctx, name, h.services[name]))
	}

	allUp := true
	for _, s := range services {
		if s.Status == "down" {
			allUp = false
		}
	}

	status := "healthy"
	if !allUp {
		status = "degraded"
	}

	writeJSON(w, map[string]interface{}{
		"status":    status,
		"functions": h.reg.Len(),
		"services":  services,
	})
}

func (h *Handler) checkBridge() ServiceHealth {
	if h.bridge == nil {
		return ServiceHealth{Name: "bridge", Status: "unknown", Details: "not configured"}
	}
	st := h.bridge.State()
	switch st.State {
	case model.StateConnected:
		return ServiceHealth{Name: "bridge", Status: "up"}
	case model.StateConnecting:
		return ServiceHealth{Name: "bridge", Status: "up", Details: "waiting for a stub"}
	default:
		return ServiceHealth{Name: "bridge", Status: "down", Details: string(st.State)}
	}
}

func checkPinger(ctx context.Context, name string, p Pinger) ServiceHealth {
	if p == nil {
		return ServiceHealth{Name: name, Status: "unknown", Details: "not configured"}
	}
	if err := p.Ping(ctx); err != nil {
		return ServiceHealth{Name: name, Status: "down", Details: err.Error()}
	}
	return ServiceHealth{Name: name, Status: "up"}
}

type statsResponse struct {
	Functions int         `json:"functions"`
	Builds    build.Stats `json:"builds"`
	Consoles  int         `json:"consoles"`
	Peers     int         `json:"peers"`
	InFlight  int         `json:"inFlight"`
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Functions: h.reg.Len(), Consoles: h.ws.Clients()}
	if h.builds != nil {
		resp.Builds = h.builds.Stats()
	}
	if h.bridge != nil {
		st := h.bridge.State()
		resp.Peers = st.Peers
		resp.InFlight = st.InFlight
	}
	writeJSON(w, resp)
}
