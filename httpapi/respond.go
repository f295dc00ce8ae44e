package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"duet/client"
	"duet/models"
	"duet/send"
	"duet/upload"
)

type errorBody struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
	// Text is the submitted text handed back after a failed send.
	Text string `json:"text,omitempty"`
}

// RespondJSON writes payload as JSON with status.
func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// RespondError writes {"error": message} with status.
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, errorBody{Error: message})
}

// respondErr maps an engine error onto an HTTP status.
func respondErr(w http.ResponseWriter, log zerolog.Logger, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}

	var sendErr *send.Error
	if errors.As(err, &sendErr) {
		body.Retryable = sendErr.Retryable()
		body.Text = sendErr.Text
	}
	if status >= http.StatusInternalServerError {
		log.Warn().Err(err).Int("status", status).Msg("Request failed")
	}
	RespondJSON(w, status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, upload.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, upload.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, client.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrRemoteRejection), errors.Is(err, models.ErrNetwork):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
