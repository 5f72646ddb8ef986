package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/botfleet/internal/domain"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError отображает доменные ошибки в HTTP-статусы.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve),
		errors.Is(err, domain.ErrUnknownRecoveryMethod),
		errors.Is(err, domain.ErrUnknownDirective):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnknownBot),
		errors.Is(err, domain.ErrDeploymentNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRecoveryInProgress),
		errors.Is(err, domain.ErrTransitionInProgress),
		errors.Is(err, domain.ErrDeploymentInProgress):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// decodeBody: пустое тело допустимо для запросов с необязательными полями.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &domain.ValidationError{Field: "body", Reason: "invalid JSON: " + err.Error()}
	}
	return nil
}
