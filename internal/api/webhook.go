package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/IntakePipe/internal/flow"
	"github.com/BTreeMap/IntakePipe/internal/twiliowhatsapp"
)

// twilioWebhookHandler handles POST /webhooks/twilio. Each inbound WhatsApp
// message starts or continues the sender's session; the reply goes out through
// the Twilio sender and the webhook itself answers with empty TwiML.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: bad form", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		if !s.validator.ValidateSignature(s.webhookURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("Server.twilioWebhookHandler: invalid signature")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	messageSID := r.PostForm.Get("MessageSid")
	from := twiliowhatsapp.Number(r.PostForm.Get("From"))
	body := strings.TrimSpace(r.PostForm.Get("Body"))
	if messageSID == "" || from == "" {
		http.Error(w, "MessageSid and From are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	fresh, err := s.dedup.RecordInbound(ctx, messageSID, from)
	if err != nil {
		slog.Error("Server.twilioWebhookHandler: dedup failed", "messageSID", messageSID, "error", err)
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	if !fresh {
		slog.Info("Server.twilioWebhookHandler: duplicate delivery ignored", "messageSID", messageSID)
		writeTwiML(w)
		return
	}

	reply := s.handleInbound(ctx, from, body)
	if reply != "" && s.sender != nil {
		if err := s.sender.SendMessage(ctx, from, reply); err != nil {
			slog.Error("Server.twilioWebhookHandler: reply failed", "clientID", from, "error", err)
		}
	}
	if err := s.dedup.MarkProcessed(ctx, messageSID); err != nil {
		slog.Warn("Server.twilioWebhookHandler: mark processed failed", "messageSID", messageSID, "error", err)
	}
	writeTwiML(w)
}

// handleInbound runs one WhatsApp message through the engine and returns the text to send back.
func (s *Server) handleInbound(ctx context.Context, clientID, body string) string {
	sessionID, err := s.engine.ActiveSessionID(ctx, s.defaultTenant, clientID)
	if err != nil {
		slog.Error("Server.handleInbound: session lookup failed", "clientID", clientID, "error", err)
		return msgPersistence
	}

	if sessionID != "" && body != "" {
		res, err := s.engine.Submit(ctx, sessionID, body)
		switch {
		case err == nil:
			return res.Prompt
		case errors.Is(err, flow.ErrUnknownSession):
			// Completed or gone between lookup and submit: open a fresh session below.
		default:
			_, msg := engineErrorStatus(err)
			return msg
		}
	}

	// A first message (or an empty one) opens or resumes the session; its text is
	// a greeting, not an answer.
	res, err := s.engine.Start(ctx, flow.StartRequest{TenantID: s.defaultTenant, ClientID: clientID})
	if err != nil {
		slog.Error("Server.handleInbound: start failed", "clientID", clientID, "error", err)
		_, msg := engineErrorStatus(err)
		return msg
	}
	return res.Prompt
}
