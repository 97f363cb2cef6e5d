package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp       openai.ChatCompletion
	err        error
	lastParams openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.lastParams = params
	return m.resp, m.err
}

func completion(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func systemAndUser(system, user string) []openai.ChatCompletionMessageParamUnion {
	return []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(system), openai.UserMessage(user)}
}

func TestGenerateWithMessages_Success(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: completion("Hello World")}, model: "test-model"}
	out, err := client.GenerateWithMessages(context.Background(), systemAndUser("system prompt", "user prompt"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
}

func TestGenerateWithMessages_PassesSettings(t *testing.T) {
	mock := &mockChatService{resp: completion("ok")}
	client := &Client{chat: mock, model: "test-model", temperature: 0.2, maxCompletionTokens: 50}
	_, err := client.GenerateWithMessages(context.Background(), []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(mock.lastParams.Model) != "test-model" {
		t.Errorf("expected model test-model, got %q", mock.lastParams.Model)
	}
	if len(mock.lastParams.Messages) != 1 {
		t.Errorf("expected 1 message, got %d", len(mock.lastParams.Messages))
	}
}

func TestGenerateWithMessages_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.GenerateWithMessages(context.Background(), systemAndUser("sys", "usr"))
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGenerateWithMessages_NoChoices(t *testing.T) {
	mockResp := openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}
	client := &Client{chat: &mockChatService{resp: mockResp}}
	_, err := client.GenerateWithMessages(context.Background(), systemAndUser("sys", "usr"))
	if err != ErrNoChoicesReturned {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestGenerateJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"plain object", `{"verdict":"UNDERSTOOD","value":"Yes"}`, false},
		{"fenced object", "```json\n{\"verdict\":\"UNDERSTOOD\",\"value\":\"Yes\"}\n```", false},
		{"not json", "UNDERSTOOD", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &Client{chat: &mockChatService{resp: completion(tt.content)}, model: "test-model"}
			var out struct {
				Verdict string `json:"verdict"`
				Value   string `json:"value"`
			}
			err := client.GenerateJSON(context.Background(), []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")}, &out)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected decode error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out.Verdict != "UNDERSTOOD" || out.Value != "Yes" {
				t.Errorf("unexpected decode result %+v", out)
			}
		})
	}
}

func TestGenerateJSON_RequestsJSONObject(t *testing.T) {
	mock := &mockChatService{resp: completion(`{}`)}
	client := &Client{chat: mock, model: "test-model"}
	var out map[string]any
	if err := client.GenerateJSON(context.Background(), nil, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.lastParams.ResponseFormat.OfJSONObject == nil {
		t.Error("expected JSON object response format")
	}
}

func TestNewClient_NoKey(t *testing.T) {
	_, err := NewClient()
	if err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"), WithTemperature(0), WithMaxCompletionTokens(10))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "gpt-4o" || cli.maxCompletionTokens != 10 {
		t.Errorf("options not applied: %+v", cli)
	}
}
