package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"bifrost/api/build"
	"bifrost/api/hub"
	"bifrost/api/model"
	"bifrost/api/registry"
)

const maxInvokeBody = 6 << 20 // platform synchronous payload limit

type functionView struct {
	model.FunctionDefinition
	Build *build.Status `json:"build,omitempty"`
}

func (h *Handler) view(def model.FunctionDefinition) functionView {
	v := functionView{FunctionDefinition: def}
	if h.builds != nil {
		st := h.builds.Status(def.ID)
		v.Build = &st
	}
	return v
}

func (h *Handler) ListFunctions(w http.ResponseWriter, r *http.Request) {
	defs := h.reg.List()
	out := make([]functionView, 0, len(defs))
	for _, d := range defs {
		out = append(out, h.view(d))
	}
	writeJSON(w, map[string]interface{}{"functions": out})
}

func (h *Handler) GetFunction(w http.ResponseWriter, r *http.Request) {
	def, err := h.reg.Lookup(chi.URLParam(r, "id"))
	if errors.Is(err, registry.ErrNotFound) {
		http.Error(w, "function not found", http.StatusNotFound)
		return
	}
	writeJSON(w, h.view(def))
}

// RegisterFunction adds or replaces a definition during a session.
func (h *Handler) RegisterFunction(w http.ResponseWriter, r *http.Request) {
	var def model.FunctionDefinition
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&def); err != nil {
		http.Error(w, "invalid definition: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.reg.Register(def); err != nil {
		d := def.Clone()
		model.ApplyDefaults(&d)
		writeJSONStatus(w, http.StatusBadRequest, model.ValidateDefinition(&d))
		return
	}
	registered, _ := h.reg.Lookup(def.ID)
	writeJSONStatus(w, http.StatusCreated, h.view(registered))
}

func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	def, err := h.reg.Lookup(chi.URLParam(r, "id"))
	if errors.Is(err, registry.ErrNotFound) {
		http.Error(w, "function not found", http.StatusNotFound)
		return
	}
	if h.builds == nil {
		http.Error(w, "builds not available", http.StatusServiceUnavailable)
		return
	}

	art, err := h.builds.Rebuild(r.Context(), def)
	var be *build.BuildError
	switch {
	case errors.As(err, &be):
		writeJSONStatus(w, http.StatusUnprocessableEntity, map[string]string{
			"error":       be.Diagnostic,
			"fingerprint": be.Fingerprint,
		})
	case err != nil:
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	default:
		writeJSON(w, art)
	}
}

// Invoke runs a function locally with the request body as its event, without
// going through the bridge.
func (h *Handler) Invoke(w http.ResponseWriter, r *http.Request) {
	if h.disp == nil {
		http.Error(w, "dispatcher not initialized", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "id")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInvokeBody+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) > maxInvokeBody {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		http.Error(w, "payload must be JSON", http.StatusBadRequest)
		return
	}

	timeout := model.DefaultTimeout
	if def, err := h.reg.Lookup(id); err == nil {
		timeout = def.Timeout.Duration
	}
	now := time.Now()
	req := &model.InvocationRequest{
		ID:         uuid.New().String(),
		FunctionID: id,
		Payload:    body,
		Context:    map[string]string{"source": "console"},
		ArrivedAt:  now,
		Deadline:   now.Add(timeout),
	}
	res := h.disp.Handle(context.WithoutCancel(r.Context()), req)
	status := http.StatusOK
	if res.Outcome == model.OutcomeNotFound {
		status = http.StatusNotFound
	}
	writeJSONStatus(w, status, res)
}

func (h *Handler) ListInvocations(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, map[string]interface{}{"invocations": []model.InvocationRecord{}})
		return
	}
	recs, err := h.history.ListInvocations(r.Context(), chi.URLParam(r, "id"), queryLimit(r, 50))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []model.InvocationRecord{}
	}
	writeJSON(w, map[string]interface{}{"invocations": recs})
}

// OnRegister is the registry hook that announces new definitions.
func (h *Handler) OnRegister(def model.FunctionDefinition) {
	h.ws.Broadcast(hub.Event{Type: hub.FunctionRegistered, FunctionID: def.ID, Payload: def})
}
