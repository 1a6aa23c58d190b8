package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"bifrost/api/journal"
)

func (h *Handler) GetJournal(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		http.Error(w, "journal not configured", http.StatusServiceUnavailable)
		return
	}
	steps, err := h.journal.ListByRequest(r.Context(), chi.URLParam(r, "requestId"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(steps) == 0 {
		http.Error(w, "no journal for request", http.StatusNotFound)
		return
	}
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(journal.Format(steps)))
		return
	}
	writeJSON(w, map[string]interface{}{"steps": steps})
}

func (h *Handler) RecentJournal(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeJSON(w, map[string]interface{}{"steps": []journal.Step{}})
		return
	}
	var (
		steps []journal.Step
		err   error
	)
	if fn := r.URL.Query().Get("function"); fn != "" {
		steps, err = h.journal.ListByFunction(r.Context(), fn, queryLimit(r, 50))
	} else {
		steps, err = h.journal.ListRecent(r.Context(), queryLimit(r, 50))
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if steps == nil {
		steps = []journal.Step{}
	}
	writeJSON(w, map[string]interface{}{"steps": steps})
}
