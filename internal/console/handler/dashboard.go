package handler

import (
	"context"
	"net/http"

	"github.com/xela07ax/botfleet/internal/domain"
)

// DashboardService Описываем, что нам нужно от сервиса
type DashboardService interface {
	GetDashboard(ctx context.Context) (*domain.Dashboard, error)
}

type DashboardHandler struct {
	service DashboardService
}

func NewDashboardHandler(s DashboardService) *DashboardHandler {
	return &DashboardHandler{service: s}
}

func (h *DashboardHandler) Get(w http.ResponseWriter, r *http.Request) {
	dash, err := h.service.GetDashboard(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to build dashboard"})
		return
	}
	writeJSON(w, http.StatusOK, dash)
}
