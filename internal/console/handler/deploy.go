package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/domain"
)

type DeployService interface {
	Deploy(ctx context.Context, req domain.DeployRequest) (string, error)
	Get(id string) (*domain.Deployment, error)
}

type DeployHandler struct {
	service DeployService
	logger  *zap.Logger
}

func NewDeployHandler(s DeployService, logger *zap.Logger) *DeployHandler {
	return &DeployHandler{service: s, logger: logger}
}

// deployBody принимает токен и под старым именем telegramToken, и как credentials.
type deployBody struct {
	BotName       string         `json:"botName"`
	BotType       domain.BotType `json:"botType"`
	TelegramToken string         `json:"telegramToken"`
	Credentials   string         `json:"credentials"`
	Environment   string         `json:"environment"`
}

type DeployResponse struct {
	DeploymentID  string `json:"deploymentId"`
	Status        string `json:"status"`
	Message       string `json:"message"`
	EstimatedTime string `json:"estimatedTime"`
}

func (h *DeployHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body deployBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	creds := body.Credentials
	if creds == "" {
		creds = body.TelegramToken
	}

	id, err := h.service.Deploy(r.Context(), domain.DeployRequest{
		BotName:     body.BotName,
		BotType:     body.BotType,
		Credentials: creds,
		Environment: body.Environment,
	})
	if err != nil {
		h.logger.Warn("deploy rejected", zap.String("bot", body.BotName), zap.Error(err))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, DeployResponse{
		DeploymentID:  id,
		Status:        "started",
		Message:       fmt.Sprintf("Deploying %s bot: %s", body.BotType, body.BotName),
		EstimatedTime: "5-10 minutes",
	})
}

func (h *DeployHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
