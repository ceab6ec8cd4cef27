package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/StudyPush/internal/models"
)

// messageCreator is the part of the Twilio REST API TwilioSender uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioOpts holds the Twilio account configuration.
type TwilioOpts struct {
	AccountSID     string
	AuthToken      string
	From           string
	StatusCallback string
}

// TwilioOption configures a TwilioSender.
type TwilioOption func(*TwilioOpts)

func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFrom sets the sending number in E.164 form.
func WithFrom(from string) TwilioOption {
	return func(o *TwilioOpts) { o.From = from }
}

// WithStatusCallback sets the URL Twilio posts delivery status updates to.
func WithStatusCallback(url string) TwilioOption {
	return func(o *TwilioOpts) { o.StatusCallback = url }
}

// TwilioSender delivers notifications as SMS through the Twilio REST API.
type TwilioSender struct {
	api            messageCreator
	from           string
	statusCallback string
}

// NewTwilioSender creates a TwilioSender. Unset options fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER variables.
func NewTwilioSender(opts ...TwilioOption) (*TwilioSender, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("NewTwilioSender: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioSender{api: client.Api, from: cfg.From, statusCallback: cfg.StatusCallback}, nil
}

// Send sends a notification as SMS and returns the Twilio message SID.
// Data messages cannot be carried by SMS.
func (s *TwilioSender) Send(ctx context.Context, to string, m *models.Message) (string, error) {
	if m.Type == models.MessageTypeData {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, m.Type)
	}
	canonical, err := CanonicalizePhoneNumber(to)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(canonical)
	params.SetFrom(s.from)
	params.SetBody(Text(m))
	if s.statusCallback != "" {
		params.SetStatusCallback(s.statusCallback)
	}
	resp, err := s.api.CreateMessage(params)
	if err != nil {
		return "", fmt.Errorf("twilio create message: %w", err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("TwilioSender.Send: sent", "messageID", m.ID, "sid", sid)
	return sid, nil
}

// MapTwilioStatus maps a Twilio MessageStatus callback value to a message
// state. Intermediate statuses such as queued or sent report false.
func MapTwilioStatus(status string) (models.MessageState, bool) {
	switch status {
	case "delivered":
		return models.MessageStateDelivered, true
	case "read":
		return models.MessageStateOpened, true
	case "failed", "undelivered":
		return models.MessageStateErrored, true
	case "canceled":
		return models.MessageStateUnknown, true
	default:
		return "", false
	}
}
