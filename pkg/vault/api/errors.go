package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/tendant/content-vault/pkg/vault"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the outcome code and a human readable message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errBadRequest = errors.New("bad request")

// StatusFor maps an error outcome onto an HTTP status.
func StatusFor(outcome vault.Outcome) int {
	switch outcome {
	case vault.OutcomeOK:
		return http.StatusOK
	case vault.OutcomeNotFound:
		return http.StatusNotFound
	case vault.OutcomeConflict:
		return http.StatusConflict
	case vault.OutcomeValidationError:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	outcome := vault.Classify(err)
	status := StatusFor(outcome)
	code := string(outcome)
	if errors.Is(err, errBadRequest) {
		status = http.StatusBadRequest
		code = string(vault.OutcomeValidationError)
	}

	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, msg, "method", r.Method, "path", r.URL.Path, "status", status, "error", err)

	message := err.Error()
	if status >= http.StatusInternalServerError {
		message = msg
	}
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}
