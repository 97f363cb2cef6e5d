package models

import (
	"strings"
	"time"
)

// SkippedValue is the sentinel recorded for a question the client declined to answer.
const SkippedValue = "(Skipped)"

// Answer is one normalized reply, keyed by the question's field key in ConversationState.Answers.
type Answer struct {
	Value string   `json:"value"`
	Items []string `json:"items,omitempty"` // multi-select selections, in option order
}

// SkippedAnswer returns the sentinel answer for a declined question.
func SkippedAnswer() Answer {
	return Answer{Value: SkippedValue}
}

// TextAnswer wraps a single normalized value.
func TextAnswer(v string) Answer {
	return Answer{Value: v}
}

// ListAnswer wraps multi-select items; Value holds the comma-joined form.
func ListAnswer(items []string) Answer {
	cp := append([]string(nil), items...)
	return Answer{Value: strings.Join(cp, ", "), Items: cp}
}

// IsSkipped reports whether the answer is the skip sentinel.
func (a Answer) IsSkipped() bool {
	return a.Value == SkippedValue
}

func (a Answer) String() string {
	return a.Value
}

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the append-only conversation history.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationState is the persisted record of one onboarding session.
type ConversationState struct {
	SessionID            string            `json:"session_id"`
	TenantID             string            `json:"tenant_id"`
	ClientID             string            `json:"client_id"`
	CurrentQuestionIndex int               `json:"current_question_index"`
	CurrentStage         string            `json:"current_stage"`
	Answers              map[string]Answer `json:"answers"`
	History              []Turn            `json:"history"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	IsCompleted          bool              `json:"is_completed"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate state without aliasing a stored value.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Answers = make(map[string]Answer, len(s.Answers))
	for k, v := range s.Answers {
		v.Items = append([]string(nil), v.Items...)
		cp.Answers[k] = v
	}
	cp.History = append([]Turn(nil), s.History...)
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// AppendTurn adds a history entry.
func (s *ConversationState) AppendTurn(role Role, content string, at time.Time) {
	s.History = append(s.History, Turn{Role: role, Content: content, Timestamp: at})
}

// FlattenAnswers returns the answers as field key to display value.
func FlattenAnswers(answers map[string]Answer) map[string]string {
	out := make(map[string]string, len(answers))
	for k, v := range answers {
		out[k] = v.Value
	}
	return out
}
