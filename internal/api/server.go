// Package api exposes participants, schedules, messages and message state
// trails over HTTP, and receives delivery status callbacks.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	twilioClient "github.com/twilio/twilio-go/client"

	"github.com/BTreeMap/StudyPush/internal/lifecycle"
	"github.com/BTreeMap/StudyPush/internal/models"
	"github.com/BTreeMap/StudyPush/internal/schedule"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8080"

// Service is the application layer the handlers call.
type Service interface {
	UpsertUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, projectID, subjectID string) (*models.User, error)
	RefreshUser(ctx context.Context, projectID, subjectID string) (*schedule.Schedule, error)
	RefreshProject(ctx context.Context, projectID string) (int, error)
	ListTasks(ctx context.Context, projectID, subjectID string) ([]*models.Task, error)
	CompleteTask(ctx context.Context, projectID, subjectID string, taskID int64, at time.Time) error
	ListMessages(ctx context.Context, projectID, subjectID string) ([]*models.Message, error)
	GetMessage(ctx context.Context, projectID, subjectID string, id int64) (*models.Message, error)
	CreateMessage(ctx context.Context, projectID, subjectID string, m *models.Message) error
	UpdateMessage(ctx context.Context, projectID, subjectID string, m *models.Message) error
	DeleteMessage(ctx context.Context, projectID, subjectID string, id int64) error
	DeleteAllMessages(ctx context.Context, projectID, subjectID string) (int, error)
}

// Tracker records externally reported message states.
type Tracker interface {
	AppendExternal(ctx context.Context, projectID, subjectID string, messageID int64, r lifecycle.Report) (*models.MessageStateEvent, error)
	AppendExternalFor(ctx context.Context, m *models.Message, r lifecycle.Report) (*models.MessageStateEvent, error)
	Events(ctx context.Context, projectID, subjectID string, messageID int64) ([]*models.MessageStateEvent, error)
}

// Messages resolves delivery provider ids and reports storage health.
type Messages interface {
	GetMessageByProviderID(ctx context.Context, providerID string) (*models.Message, error)
	Ping(ctx context.Context) error
}

// Opts holds server configuration.
type Opts struct {
	Addr             string
	TwilioAuthToken  string
	TwilioWebhookURL string
}

// Option configures the Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioSignature enables X-Twilio-Signature validation of status
// callbacks. url is the public URL Twilio posts to.
func WithTwilioSignature(authToken, url string) Option {
	return func(o *Opts) {
		o.TwilioAuthToken = authToken
		o.TwilioWebhookURL = url
	}
}

// Server is the HTTP front end.
type Server struct {
	svc        Service
	tracker    Tracker
	messages   Messages
	validator  *twilioClient.RequestValidator
	webhookURL string
	httpServer *http.Server
}

// NewServer creates a Server.
func NewServer(svc Service, tracker Tracker, messages Messages, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{svc: svc, tracker: tracker, messages: messages, webhookURL: cfg.TwilioWebhookURL}
	if cfg.TwilioAuthToken != "" {
		v := twilioClient.NewRequestValidator(cfg.TwilioAuthToken)
		s.validator = &v
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)

	const user = "/projects/{project}/users/{subject}"
	mux.HandleFunc("POST /projects/{project}/schedule", s.refreshProjectHandler)
	mux.HandleFunc("GET "+user, s.getUserHandler)
	mux.HandleFunc("PUT "+user, s.putUserHandler)
	mux.HandleFunc("POST "+user+"/schedule", s.refreshUserHandler)
	mux.HandleFunc("GET "+user+"/tasks", s.listTasksHandler)
	mux.HandleFunc("POST "+user+"/tasks/{id}/complete", s.completeTaskHandler)
	mux.HandleFunc("GET "+user+"/messages", s.listMessagesHandler)
	mux.HandleFunc("POST "+user+"/messages", s.createMessageHandler)
	mux.HandleFunc("DELETE "+user+"/messages", s.deleteAllMessagesHandler)
	mux.HandleFunc("GET "+user+"/messages/{id}", s.getMessageHandler)
	mux.HandleFunc("PUT "+user+"/messages/{id}", s.updateMessageHandler)
	mux.HandleFunc("DELETE "+user+"/messages/{id}", s.deleteMessageHandler)
	mux.HandleFunc("GET "+user+"/messages/{id}/state_changes", s.listStateChangesHandler)
	mux.HandleFunc("POST "+user+"/messages/{id}/state_changes", s.addStateChangeHandler)

	mux.HandleFunc("POST /webhooks/twilio/status", s.twilioStatusHandler)
	return mux
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("Server.Start: listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Server.Shutdown: stopping")
	return s.httpServer.Shutdown(ctx)
}
