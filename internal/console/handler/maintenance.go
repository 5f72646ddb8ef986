package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/botfleet/internal/domain"
)

type MaintenanceService interface {
	Set(ctx context.Context, botID string, on bool) error
	IsHeld(botID string) bool
	List() []string
}

type BotLookup interface {
	Bot(id string) (domain.BotInstance, bool)
}

type MaintenanceHandler struct {
	holds MaintenanceService
	bots  BotLookup
}

func NewMaintenanceHandler(holds MaintenanceService, bots BotLookup) *MaintenanceHandler {
	return &MaintenanceHandler{holds: holds, bots: bots}
}

type maintenanceState struct {
	BotID string `json:"botId"`
	Held  bool   `json:"held"`
}

func (h *MaintenanceHandler) List(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"held": h.holds.List()})
}

// Hold — PUT /maintenance/{botId}
func (h *MaintenanceHandler) Hold(w http.ResponseWriter, r *http.Request) {
	h.set(w, r, true)
}

// Release — DELETE /maintenance/{botId}
func (h *MaintenanceHandler) Release(w http.ResponseWriter, r *http.Request) {
	h.set(w, r, false)
}

func (h *MaintenanceHandler) set(w http.ResponseWriter, r *http.Request, on bool) {
	botID := chi.URLParam(r, "botId")
	// снять удержание можно и с уже удалённого бота
	if _, ok := h.bots.Bot(botID); !ok && on {
		writeError(w, fmt.Errorf("%w: %s", domain.ErrUnknownBot, botID))
		return
	}
	if err := h.holds.Set(r.Context(), botID, on); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, maintenanceState{BotID: botID, Held: h.holds.IsHeld(botID)})
}
