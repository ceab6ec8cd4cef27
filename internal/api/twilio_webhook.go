package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/StudyPush/internal/lifecycle"
	"github.com/BTreeMap/StudyPush/internal/messaging"
	"github.com/BTreeMap/StudyPush/internal/models"
	"github.com/BTreeMap/StudyPush/internal/store"
)

// twilioStatusHandler receives Twilio message status callbacks and records
// the mapped state on the message. Callbacks for unknown messages, ignored
// statuses or full state trails are acknowledged so Twilio does not retry.
func (s *Server) twilioStatusHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.twilioStatusHandler: callback received")
	if err := r.ParseForm(); err != nil {
		slog.Error("Server.twilioStatusHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.Validate(s.webhookURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("Server.twilioStatusHandler: invalid signature")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	sid := r.PostForm.Get("MessageSid")
	status := r.PostForm.Get("MessageStatus")
	if sid == "" || status == "" {
		slog.Warn("Server.twilioStatusHandler: missing fields", "sid", sid, "status", status)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	state, ok := messaging.MapTwilioStatus(status)
	if !ok {
		slog.Debug("Server.twilioStatusHandler: ignoring status", "sid", sid, "status", status)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	m, err := s.messages.GetMessageByProviderID(r.Context(), sid)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("Server.twilioStatusHandler: unknown message", "sid", sid)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		slog.Error("Server.twilioStatusHandler: lookup failed", "sid", sid, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	report := lifecycle.Report{State: state}
	if code := r.PostForm.Get("ErrorCode"); code != "" {
		report.AssociatedInfo = map[string]string{
			models.InfoError:            code,
			models.InfoErrorDescription: r.PostForm.Get("ErrorMessage"),
		}
	}
	if _, err := s.tracker.AppendExternalFor(r.Context(), m, report); err != nil {
		if errors.Is(err, lifecycle.ErrStateConflict) {
			slog.Warn("Server.twilioStatusHandler: state not recorded", "messageID", m.ID, "state", state, "error", err)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		slog.Error("Server.twilioStatusHandler: append failed", "messageID", m.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	slog.Info("Server.twilioStatusHandler: state recorded", "messageID", m.ID, "state", state)
	w.WriteHeader(http.StatusNoContent)
}
