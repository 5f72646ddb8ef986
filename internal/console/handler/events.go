package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/xela07ax/botfleet/internal/audit"
)

// EventSource — чтение журнала операций (Postgres).
type EventSource interface {
	RecentEvents(ctx context.Context, botID string, limit int) ([]audit.Event, error)
}

type EventsHandler struct {
	source EventSource
}

// NewEventsHandler: source == nil — журнал пишется только в лог, ручка отвечает 501.
func NewEventsHandler(source EventSource) *EventsHandler {
	return &EventsHandler{source: source}
}

func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "event journal is not backed by a database"})
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be in 1..1000"})
			return
		}
		limit = n
	}

	events, err := h.source.RecentEvents(r.Context(), r.URL.Query().Get("bot"), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to fetch events"})
		return
	}
	writeJSON(w, http.StatusOK, events)
}
