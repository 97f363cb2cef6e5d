package interpret

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/openai/openai-go"
)

// mockGenAI implements genai.ClientInterface.
type mockGenAI struct {
	json     string
	err      error
	messages []openai.ChatCompletionMessageParamUnion
}

func (m *mockGenAI) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	return m.json, m.err
}

func (m *mockGenAI) GenerateJSON(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, out any) error {
	m.messages = messages
	if m.err != nil {
		return m.err
	}
	return json.Unmarshal([]byte(m.json), out)
}

func TestLLMJudge(t *testing.T) {
	q := mustQuestion(t, "q14_marketing")
	tests := []struct {
		name    string
		json    string
		err     error
		want    string
		wantErr bool
	}{
		{"understood", `{"verdict":"UNDERSTOOD","value":"Yes"}`, nil, VerdictUnderstood, false},
		{"lower case verdict", `{"verdict":"explain","message":"Because"}`, nil, VerdictExplain, false},
		{"unknown verdict", `{"verdict":"MAYBE"}`, nil, "", true},
		{"client error", "", errors.New("boom"), "", true},
		{"malformed", `not json`, nil, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := NewLLMJudge(&mockGenAI{json: tt.json, err: tt.err})
			v, err := j.Judge(context.Background(), JudgeRequest{Question: q, Reply: "we do", Rejection: "Please answer with Yes or No."})
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", v)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.Kind != tt.want {
				t.Errorf("expected %s, got %s", tt.want, v.Kind)
			}
		})
	}
}

func TestDescribeRequest(t *testing.T) {
	q := mustQuestion(t, "q34_social")
	out := describeRequest(JudgeRequest{
		Question:     q,
		Reply:        "insta",
		Rejection:    "ambiguous",
		PriorAnswers: map[string]models.Answer{"q4_admin": models.TextAnswer("Sunrise Health")},
	})
	for _, want := range []string{q.Text, "Instagram", "insta", "ambiguous", "Sunrise Health", q.Reason} {
		if !strings.Contains(out, want) {
			t.Errorf("description missing %q:\n%s", want, out)
		}
	}
}
