// Package testutil provides common test helpers and onboarding fixtures for IntakePipe tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// CreateJSONRequest builds a request with a JSON body for handler tests.
func CreateJSONRequest(t *testing.T, method, path, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, desc string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", desc, expected, actual)
	}
}

// DecodeAPIResponse unmarshals the response envelope and decodes its result
// into out when out is non-nil. The returned envelope has no Result.
func DecodeAPIResponse(t *testing.T, rr *httptest.ResponseRecorder, out any) models.APIResponse {
	t.Helper()
	var env struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("response is not an API envelope: %v (%s)", err, rr.Body.String())
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			t.Fatalf("failed to decode result: %v", err)
		}
	}
	return models.APIResponse{Status: env.Status, Message: env.Message}
}

// NewState returns an in-progress session at the first question.
func NewState(sessionID, tenantID, clientID string, created time.Time) *models.ConversationState {
	return &models.ConversationState{
		SessionID: sessionID,
		TenantID:  tenantID,
		ClientID:  clientID,
		Answers:   map[string]models.Answer{},
		Metadata:  map[string]string{},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// CompletedState returns a finished session with the given answers.
func CompletedState(sessionID, tenantID, clientID string, completed time.Time, answers map[string]models.Answer) *models.ConversationState {
	st := NewState(sessionID, tenantID, clientID, completed.Add(-time.Hour))
	for k, v := range answers {
		st.Answers[k] = v
	}
	st.IsCompleted = true
	st.CompletedAt = &completed
	st.UpdatedAt = completed
	return st
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
