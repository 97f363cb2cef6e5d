// Package twiliowhatsapp sends onboarding prompts over Twilio's WhatsApp API
// and checks the signatures of its inbound webhooks.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

const (
	// MaxBodyLength is Twilio's per-message body limit.
	MaxBodyLength = 1600
	addressPrefix = "whatsapp:"
)

// Sender delivers a prompt to a WhatsApp number.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// ErrMissingCredentials and ErrMissingSender are returned by NewClient.
var (
	ErrMissingCredentials = errors.New("twilio account SID and auth token are required")
	ErrMissingSender      = errors.New("twilio WhatsApp sender number is required")
)

// Opts configures a Client.
type Opts struct {
	AccountSID string
	AuthToken  string
	From       string
}

// Option mutates Opts.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = strings.TrimSpace(sid) }
}

// WithAuthToken sets the auth token used for REST calls and webhook signatures.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = strings.TrimSpace(token) }
}

// WithFromNumber sets the sending number, with or without the whatsapp: prefix.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.From = strings.TrimSpace(from) }
}

// messageCreator is the part of the Twilio REST API the client calls.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Client sends WhatsApp messages through Twilio.
type Client struct {
	messages  messageCreator
	validator twilioclient.RequestValidator
	from      string
}

var _ Sender = (*Client)(nil)

// NewClient validates opts and builds a REST-backed client.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.From == "" {
		return nil, ErrMissingSender
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{Username: cfg.AccountSID, Password: cfg.AuthToken})
	slog.Debug("twiliowhatsapp.NewClient: ready", "from", cfg.From)
	return &Client{
		messages:  rest.Api,
		validator: twilioclient.NewRequestValidator(cfg.AuthToken),
		from:      Address(cfg.From),
	}, nil
}

// SendMessage delivers body to a number, in as many parts as MaxBodyLength needs.
// A failed part stops the rest so the client never sees a gap.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	parts := SplitBody(body, MaxBodyLength)
	for i, part := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		params := &twilioApi.CreateMessageParams{}
		params.SetTo(Address(to))
		params.SetFrom(c.from)
		params.SetBody(part)

		msg, err := c.messages.CreateMessage(params)
		if err != nil {
			slog.Error("Client.SendMessage: send failed", "to", to, "part", i+1, "parts", len(parts), "error", err)
			return fmt.Errorf("send WhatsApp message to %s (part %d/%d): %w", to, i+1, len(parts), err)
		}
		if msg != nil && msg.Sid != nil {
			slog.Debug("Client.SendMessage: sent", "to", to, "part", i+1, "sid", *msg.Sid)
		}
	}
	return nil
}

// ValidateSignature checks an X-Twilio-Signature header against the full
// webhook URL and its form parameters.
func (c *Client) ValidateSignature(url string, params map[string]string, signature string) bool {
	return c.validator.Validate(url, params, signature)
}

// Address adds the whatsapp: prefix to a bare number.
func Address(number string) string {
	n := strings.TrimSpace(number)
	if strings.HasPrefix(n, addressPrefix) {
		return n
	}
	return addressPrefix + n
}

// Number strips the whatsapp: prefix from an inbound From value.
func Number(address string) string {
	return strings.TrimPrefix(strings.TrimSpace(address), addressPrefix)
}

// SplitBody cuts body into parts of at most limit runes, preferring paragraph,
// line and word boundaries.
func SplitBody(body string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(body) <= limit {
		return []string{body}
	}
	var parts []string
	rest := body
	for utf8.RuneCountInString(rest) > limit {
		head := string([]rune(rest)[:limit])
		cut := -1
		for _, sep := range []string{"\n\n", "\n", " "} {
			if i := strings.LastIndex(head, sep); i > 0 {
				cut = i
				break
			}
		}
		if cut < 0 {
			cut = len(head)
		}
		parts = append(parts, strings.TrimSpace(rest[:cut]))
		rest = strings.TrimLeft(rest[cut:], " \n")
	}
	if rest = strings.TrimSpace(rest); rest != "" {
		parts = append(parts, rest)
	}
	return parts
}

// MockClient records messages instead of sending them.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Err          error
}

var _ Sender = (*MockClient)(nil)

// SentMessage is one message captured by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// NewMockClient returns an empty recorder.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// SendMessage records the message, or returns Err when set.
func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}
