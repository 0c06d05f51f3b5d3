package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/HanTheDev/promptgen/internal/errors"
)

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type quotaDetails struct {
	Limit     int64     `json:"limit"`
	Used      int64     `json:"used"`
	ResetDate time.Time `json:"resetDate"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

// writeError maps err to its status and public message. Server-side failures
// are logged with the full error, callers only see generic text.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := errors.HTTPStatus(err)
	body := &errorBody{Code: errors.Code(err), Message: errors.PublicMessage(err)}

	var (
		verr *errors.ValidationError
		qerr *errors.QuotaExceededError
	)
	switch {
	case errors.As(err, &verr):
		body.Details = map[string]any{"violations": verr.Violations}
	case errors.As(err, &qerr):
		body.Details = quotaDetails{Limit: qerr.Limit, Used: qerr.Used, ResetDate: qerr.ResetDate}
	}

	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Int("status", status), zap.String("code", body.Code), zap.Error(err))
	}
	writeJSON(w, status, envelope{Error: body})
}
