// Package models defines the data structures shared across IntakePipe modules:
// persisted conversation state and the JSON payloads of the HTTP API.
package models

import (
	"errors"
	"strings"
	"time"
)

// Request limits.
const (
	// MaxMessageLength bounds a single client reply.
	MaxMessageLength = 4096
	// MaxHints bounds the number of start hints.
	MaxHints = 32
)

// Request validation errors.
var (
	ErrEmptyTenant    = errors.New("tenant_id is required")
	ErrEmptyClient    = errors.New("client_id is required")
	ErrEmptySession   = errors.New("session_id is required")
	ErrEmptyMessage   = errors.New("message is required")
	ErrMessageTooLong = errors.New("message exceeds maximum length")
	ErrTooManyHints   = errors.New("too many hints")
)

// StartSessionRequest is the payload of POST /onboarding/start.
type StartSessionRequest struct {
	TenantID string            `json:"tenant_id"`
	ClientID string            `json:"client_id"`
	Hints    map[string]string `json:"hints,omitempty"` // e.g. practice_name
}

// Validate checks required identifiers.
func (r *StartSessionRequest) Validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return ErrEmptyTenant
	}
	if strings.TrimSpace(r.ClientID) == "" {
		return ErrEmptyClient
	}
	if len(r.Hints) > MaxHints {
		return ErrTooManyHints
	}
	return nil
}

// StartSessionResponse is the first prompt of a new or resumed session.
type StartSessionResponse struct {
	SessionID      string `json:"session_id"`
	Prompt         string `json:"prompt"`
	StageID        string `json:"stage_id"`
	QuestionIndex  int    `json:"question_index"`
	TotalQuestions int    `json:"total_questions"`
	Resumed        bool   `json:"resumed"`
	PriorHistory   []Turn `json:"prior_history,omitempty"`
}

// SubmitMessageRequest is the payload of POST /onboarding/message.
type SubmitMessageRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// Validate checks the session id and message bounds.
func (r *SubmitMessageRequest) Validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return ErrEmptySession
	}
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	if len(r.Message) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// SubmitMessageResponse is the reply to one client message.
type SubmitMessageResponse struct {
	Prompt           string            `json:"prompt"`
	Outcome          string            `json:"outcome"`
	StageID          string            `json:"stage_id"`
	QuestionIndex    int               `json:"question_index"`
	TotalQuestions   int               `json:"total_questions"`
	IsCompleted      bool              `json:"is_completed"`
	CompletedAnswers map[string]string `json:"completed_answers,omitempty"`
}

// SessionStatusResponse is a progress snapshot of one session.
type SessionStatusResponse struct {
	SessionID       string            `json:"session_id"`
	TenantID        string            `json:"tenant_id"`
	ClientID        string            `json:"client_id"`
	StageID         string            `json:"stage_id"`
	StageName       string            `json:"stage_name,omitempty"`
	QuestionIndex   int               `json:"question_index"`
	TotalQuestions  int               `json:"total_questions"`
	PercentComplete int               `json:"percent_complete"`
	IsCompleted     bool              `json:"is_completed"`
	CurrentPrompt   string            `json:"current_prompt,omitempty"`
	Answers         map[string]string `json:"answers"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// Envelope statuses.
const (
	APIStatusOK    = "ok"
	APIStatusError = "error"
)

// APIResponse is the JSON envelope of every API reply.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Success wraps a result.
func Success(result any) APIResponse {
	return APIResponse{Status: APIStatusOK, Result: result}
}

// SuccessWithMessage wraps a result with a human-readable note.
func SuccessWithMessage(message string, result any) APIResponse {
	return APIResponse{Status: APIStatusOK, Message: message, Result: result}
}

// Error carries a user-facing message and no result.
func Error(message string) APIResponse {
	return APIResponse{Status: APIStatusError, Message: message}
}
