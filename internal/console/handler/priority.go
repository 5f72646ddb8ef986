package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/botfleet/internal/domain"
)

type PriorityService interface {
	Activate(ctx context.Context, botID, task, triggeredBy string) (domain.TransitionResult, error)
	Deactivate(ctx context.Context, botID, reason string) (domain.TransitionResult, error)
	Status(botID string) (domain.PriorityStatus, error)
	ProcessMessage(ctx context.Context, botID, text string) (domain.TransitionResult, error)
}

type PriorityHandler struct {
	service PriorityService
}

func NewPriorityHandler(s PriorityService) *PriorityHandler {
	return &PriorityHandler{service: s}
}

type activateBody struct {
	Task        string `json:"task"`
	TriggeredBy string `json:"triggeredBy"`
}

type deactivateBody struct {
	Reason string `json:"reason"`
}

type messageBody struct {
	Text string `json:"text"`
}

func (h *PriorityHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.Status(chi.URLParam(r, "botId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *PriorityHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var body activateBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.service.Activate(r.Context(), chi.URLParam(r, "botId"), body.Task, body.TriggeredBy)
	h.transition(w, res, err)
}

func (h *PriorityHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	var body deactivateBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.service.Deactivate(r.Context(), chi.URLParam(r, "botId"), body.Reason)
	h.transition(w, res, err)
}

func (h *PriorityHandler) Message(w http.ResponseWriter, r *http.Request) {
	var body messageBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Text == "" {
		writeError(w, &domain.ValidationError{Field: "text", Reason: "is required"})
		return
	}
	res, err := h.service.ProcessMessage(r.Context(), chi.URLParam(r, "botId"), body.Text)
	h.transition(w, res, err)
}

// transition: отложенный переход — 202, применённый или no-op — 200.
func (h *PriorityHandler) transition(w http.ResponseWriter, res domain.TransitionResult, err error) {
	switch {
	case err != nil:
		writeError(w, err)
	case res.Deferred:
		writeJSON(w, http.StatusAccepted, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}
