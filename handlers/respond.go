package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/berserk3142-max/trust-guard/models"
	"github.com/berserk3142-max/trust-guard/store"
	"github.com/sirupsen/logrus"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps domain errors onto status codes. Anything unrecognised
// is logged and reported as a 500 without detail.
func writeError(w http.ResponseWriter, log *logrus.Logger, err error) {
	switch {
	case models.IsValidation(err):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "not found")
	case models.IsInvalidTransition(err), errors.Is(err, models.ErrConflict):
		writeMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		writeMessage(w, http.StatusServiceUnavailable, "counter store unavailable")
	default:
		log.WithError(err).Error("request failed")
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return models.NewValidationError("body", "invalid request body")
	}
	return nil
}

// methods routes one path by HTTP method.
func methods(handlers map[string]http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, ok := handlers[r.Method]
		if !ok {
			writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h(w, r)
	}
}
