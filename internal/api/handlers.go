package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/StudyPush/internal/lifecycle"
	"github.com/BTreeMap/StudyPush/internal/messaging"
	"github.com/BTreeMap/StudyPush/internal/models"
)

const maxBodyBytes = 1 << 20

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", errBadRequest, r.PathValue("id"))
	}
	return id, nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.messages.Ping(r.Context()); err != nil {
		slog.Error("Server.healthHandler: store unavailable", "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("store unavailable"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

type userRequest struct {
	EnrolmentDate time.Time `json:"enrolmentDate"`
	Timezone      string    `json:"timezone"`
	Language      string    `json:"language"`
	PhoneNumber   string    `json:"phoneNumber"`
}

func (s *Server) putUserHandler(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, "putUserHandler", err)
		return
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			writeError(w, "putUserHandler", fmt.Errorf("%w: unknown timezone %q", errBadRequest, req.Timezone))
			return
		}
	}
	if req.PhoneNumber != "" {
		canonical, err := messaging.CanonicalizePhoneNumber(req.PhoneNumber)
		if err != nil {
			writeError(w, "putUserHandler", fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		req.PhoneNumber = canonical
	}
	u := &models.User{
		ProjectID:     r.PathValue("project"),
		SubjectID:     r.PathValue("subject"),
		EnrolmentDate: req.EnrolmentDate,
		Timezone:      req.Timezone,
		Language:      req.Language,
		PhoneNumber:   req.PhoneNumber,
	}
	if err := s.svc.UpsertUser(r.Context(), u); err != nil {
		writeError(w, "putUserHandler", err)
		return
	}
	slog.Info("Server.putUserHandler: participant stored", "project", u.ProjectID, "subject", u.SubjectID)
	writeJSONResponse(w, http.StatusOK, models.Success(u))
}

func (s *Server) getUserHandler(w http.ResponseWriter, r *http.Request) {
	u, err := s.svc.GetUser(r.Context(), r.PathValue("project"), r.PathValue("subject"))
	if err != nil {
		writeError(w, "getUserHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(u))
}

func (s *Server) refreshUserHandler(w http.ResponseWriter, r *http.Request) {
	sched, err := s.svc.RefreshUser(r.Context(), r.PathValue("project"), r.PathValue("subject"))
	if err != nil {
		writeError(w, "refreshUserHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sched))
}

func (s *Server) refreshProjectHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.RefreshProject(r.Context(), r.PathValue("project"))
	result := map[string]any{"refreshed": n}
	if err != nil {
		slog.Warn("Server.refreshProjectHandler: some participants failed", "project", r.PathValue("project"), "error", err)
		result["errors"] = err.Error()
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.svc.ListTasks(r.Context(), r.PathValue("project"), r.PathValue("subject"))
	if err != nil {
		writeError(w, "listTasksHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(tasks))
}

type completeRequest struct {
	Time time.Time `json:"time"`
}

func (s *Server) completeTaskHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, "completeTaskHandler", err)
		return
	}
	var req completeRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, "completeTaskHandler", err)
			return
		}
	}
	if err := s.svc.CompleteTask(r.Context(), r.PathValue("project"), r.PathValue("subject"), id, req.Time); err != nil {
		writeError(w, "completeTaskHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Task completed", nil))
}

func (s *Server) listMessagesHandler(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.svc.ListMessages(r.Context(), r.PathValue("project"), r.PathValue("subject"))
	if err != nil {
		writeError(w, "listMessagesHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

func (s *Server) getMessageHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, "getMessageHandler", err)
		return
	}
	m, err := s.svc.GetMessage(r.Context(), r.PathValue("project"), r.PathValue("subject"), id)
	if err != nil {
		writeError(w, "getMessageHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(m))
}

type messageRequest struct {
	Type          string            `json:"type"`
	ScheduledTime time.Time         `json:"scheduledTime"`
	TTLSeconds    int               `json:"ttlSeconds"`
	Priority      string            `json:"priority"`
	SourceType    string            `json:"sourceType"`
	Title         string            `json:"title"`
	Body          string            `json:"body"`
	Data          map[string]string `json:"data"`
	EmailEnabled  bool              `json:"emailEnabled"`
	EmailTitle    string            `json:"emailTitle"`
	EmailBody     string            `json:"emailBody"`
}

func (req *messageRequest) toMessage() (*models.Message, error) {
	if req.ScheduledTime.IsZero() {
		return nil, fmt.Errorf("%w: scheduledTime is required", errBadRequest)
	}
	if req.TTLSeconds < 0 {
		return nil, fmt.Errorf("%w: ttlSeconds must not be negative", errBadRequest)
	}
	typ := models.MessageTypeNotification
	if req.Type != "" {
		typ = models.ParseMessageType(req.Type)
		if typ == models.MessageTypeUnknown {
			return nil, fmt.Errorf("%w: unknown message type %q", errBadRequest, req.Type)
		}
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	return &models.Message{
		Type:          typ,
		ScheduledTime: req.ScheduledTime,
		TTLSeconds:    req.TTLSeconds,
		Priority:      priority,
		SourceType:    req.SourceType,
		Title:         req.Title,
		Body:          req.Body,
		Data:          req.Data,
		EmailEnabled:  req.EmailEnabled,
		EmailTitle:    req.EmailTitle,
		EmailBody:     req.EmailBody,
	}, nil
}

func (s *Server) createMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, "createMessageHandler", err)
		return
	}
	m, err := req.toMessage()
	if err != nil {
		writeError(w, "createMessageHandler", err)
		return
	}
	if err := s.svc.CreateMessage(r.Context(), r.PathValue("project"), r.PathValue("subject"), m); err != nil {
		writeError(w, "createMessageHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Scheduled(m))
}

func (s *Server) updateMessageHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, "updateMessageHandler", err)
		return
	}
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, "updateMessageHandler", err)
		return
	}
	m, err := req.toMessage()
	if err != nil {
		writeError(w, "updateMessageHandler", err)
		return
	}
	m.ID = id
	if err := s.svc.UpdateMessage(r.Context(), r.PathValue("project"), r.PathValue("subject"), m); err != nil {
		writeError(w, "updateMessageHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Scheduled(m))
}

func (s *Server) deleteMessageHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, "deleteMessageHandler", err)
		return
	}
	if err := s.svc.DeleteMessage(r.Context(), r.PathValue("project"), r.PathValue("subject"), id); err != nil {
		writeError(w, "deleteMessageHandler", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteAllMessagesHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.DeleteAllMessages(r.Context(), r.PathValue("project"), r.PathValue("subject"))
	if err != nil {
		writeError(w, "deleteAllMessagesHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"deleted": n}))
}

type stateChangeRequest struct {
	State          string            `json:"state"`
	Time           time.Time         `json:"time"`
	AssociatedInfo map[string]string `json:"associatedInfo"`
}

func (s *Server) addStateChangeHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, "addStateChangeHandler", err)
		return
	}
	var req stateChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, "addStateChangeHandler", err)
		return
	}
	state, err := models.ParseMessageState(req.State)
	if err != nil {
		writeError(w, "addStateChangeHandler", fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	ev, err := s.tracker.AppendExternal(r.Context(), r.PathValue("project"), r.PathValue("subject"), id,
		lifecycle.Report{State: state, Time: req.Time, AssociatedInfo: req.AssociatedInfo})
	if err != nil {
		writeError(w, "addStateChangeHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Recorded(ev))
}

func (s *Server) listStateChangesHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, "listStateChangesHandler", err)
		return
	}
	events, err := s.tracker.Events(r.Context(), r.PathValue("project"), r.PathValue("subject"), id)
	if err != nil {
		writeError(w, "listStateChangesHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(events))
}
