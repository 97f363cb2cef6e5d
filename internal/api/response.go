package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/IntakePipe/internal/flow"
	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// emptyTwiML acknowledges a Twilio webhook without an inline reply.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// Client-facing text for engine errors. Internal details never reach the client.
const (
	msgUnknownSession   = "We couldn't find that onboarding session. Start a new one to continue."
	msgSessionCompleted = "This onboarding is already complete. Thank you!"
	msgPersistence      = "Sorry, we couldn't save that just now. Please send your answer again."
	msgInternal         = "Something went wrong on our side. Please try again in a moment."
)

// internalErrorBody is sent when a reply cannot be encoded. Built from a
// literal so it cannot fail itself.
var internalErrorBody = []byte(`{"status":"` + models.APIStatusError + `","message":"` + msgInternal + `"}`)

// writeJSONResponse encodes body before touching headers so an encoding
// failure can still become a clean 500.
func writeJSONResponse(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		slog.Error("Server.writeJSONResponse: encode failed", "status", status, "error", err)
		data, status = internalErrorBody, http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.Warn("Server.writeJSONResponse: write failed", "error", err)
	}
}

// writeEngineError maps an engine error to a status code and a client-safe message.
func writeEngineError(w http.ResponseWriter, err error) {
	status, msg := engineErrorStatus(err)
	writeJSONResponse(w, status, models.Error(msg))
}

func engineErrorStatus(err error) (int, string) {
	switch {
	// ErrSessionCompleted also matches ErrUnknownSession, so it goes first.
	case errors.Is(err, flow.ErrSessionCompleted):
		return http.StatusConflict, msgSessionCompleted
	case errors.Is(err, flow.ErrUnknownSession):
		return http.StatusNotFound, msgUnknownSession
	case errors.Is(err, flow.ErrPersistence):
		return http.StatusServiceUnavailable, msgPersistence
	case errors.Is(err, flow.ErrInvalidRequest):
		return http.StatusBadRequest, "tenant_id and client_id are required"
	}
	return http.StatusInternalServerError, msgInternal
}

func writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	if _, err := w.Write([]byte(emptyTwiML)); err != nil {
		slog.Warn("Server.writeTwiML: write failed", "error", err)
	}
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
