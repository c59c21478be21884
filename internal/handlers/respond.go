package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"notifyhub/internal/errs"
)

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Meta    any    `json:"meta,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func respondOK(w http.ResponseWriter, data any, message string) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data, Message: message})
}

// respondError maps err onto a status code and the {success:false} body.
// Internal details are logged, not returned.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)

	body := envelope{Success: false}
	var e *errs.Error
	if errors.As(err, &e) {
		body.Error = e.Code
		body.Message = e.Message
	} else {
		body.Error = errs.KindInternal.String()
		body.Message = "Internal server error"
	}

	evt := log.Warn()
	if status >= http.StatusInternalServerError {
		evt = log.Error()
	}
	evt.Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")

	writeJSON(w, status, body)
}
