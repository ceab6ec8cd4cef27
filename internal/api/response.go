package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/StudyPush/internal/lifecycle"
	"github.com/BTreeMap/StudyPush/internal/models"
	"github.com/BTreeMap/StudyPush/internal/protocol"
	"github.com/BTreeMap/StudyPush/internal/scheduler"
	"github.com/BTreeMap/StudyPush/internal/service"
	"github.com/BTreeMap/StudyPush/internal/store"
)

// errBadRequest marks malformed client input.
var errBadRequest = errors.New("bad request")

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response any) {
	// Marshal first so encoding errors surface before headers are written.
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, protocol.ErrInvalidAssessment),
		errors.Is(err, protocol.ErrInvalidRepeatProtocol),
		errors.Is(err, protocol.ErrInvalidRepeatQuestionnaire),
		errors.Is(err, scheduler.ErrInvalidJobName):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, lifecycle.ErrMessageNotFound),
		errors.Is(err, protocol.ErrProtocolNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate),
		errors.Is(err, service.ErrAlreadyDelivered),
		errors.Is(err, lifecycle.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrNotScheduled):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with the status statusFor picks. Internal errors are
// logged and hidden from the client.
func writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("Server."+op+": request failed", "error", err)
		writeJSONResponse(w, status, models.Error("Internal server error"))
		return
	}
	slog.Warn("Server."+op+": request rejected", "status", status, "error", err)
	writeJSONResponse(w, status, models.Error(err.Error()))
}
