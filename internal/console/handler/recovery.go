package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/domain"
)

type RecoveryService interface {
	Recover(ctx context.Context, botID string, method domain.RecoveryMethod, trigger domain.RecoveryTrigger) (*domain.Recovery, error)
}

type RecoveryLog interface {
	Recovery(id string) (*domain.Recovery, bool)
	Recoveries() []*domain.Recovery
}

type RecoveryHandler struct {
	service RecoveryService
	log     RecoveryLog
	logger  *zap.Logger
}

func NewRecoveryHandler(s RecoveryService, log RecoveryLog, logger *zap.Logger) *RecoveryHandler {
	return &RecoveryHandler{service: s, log: log, logger: logger}
}

type recoverBody struct {
	Method domain.RecoveryMethod `json:"method"`
}

// Recover выполняет восстановление синхронно и возвращает итоговую запись.
func (h *RecoveryHandler) Recover(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botId")

	var body recoverBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Method == "" {
		body.Method = domain.RecoverRestart
	}

	rec, err := h.service.Recover(r.Context(), botID, body.Method, domain.TriggerManual)
	if err != nil {
		h.logger.Warn("recover rejected", zap.String("bot", botID), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *RecoveryHandler) List(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.log.Recoveries())
}

func (h *RecoveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := h.log.Recovery(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("recovery not found: %s", id)})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
