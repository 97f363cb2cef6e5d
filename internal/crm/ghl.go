// Package crm syncs completed onboardings into GoHighLevel contacts.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultBaseURL is the GoHighLevel REST v1 endpoint.
	DefaultBaseURL = "https://rest.gohighlevel.com/v1"
	// APIVersion is sent in the Version header of every request.
	APIVersion = "2021-07-28"
	// ContactSource labels contacts created by onboarding.
	ContactSource = "AI Onboarding System"

	// agencyKeyLength separates agency keys, which need an explicit locationId
	// header, from location keys that embed it.
	agencyKeyLength = 200
	fieldCacheSize  = 64
)

// Contact is the GoHighLevel contact payload.
type Contact struct {
	ID           string             `json:"id,omitempty"`
	Email        string             `json:"email"`
	FirstName    string             `json:"firstName,omitempty"`
	LastName     string             `json:"lastName,omitempty"`
	Phone        string             `json:"phone,omitempty"`
	Source       string             `json:"source,omitempty"`
	Tags         []string           `json:"tags,omitempty"`
	CustomFields []CustomFieldValue `json:"customField,omitempty"`
}

// CustomFieldValue sets one custom field on a contact.
type CustomFieldValue struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// CustomField is a field definition of a location.
type CustomField struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	DataType string `json:"dataType,omitempty"`
}

// FieldValue is one answer addressed by custom field name.
type FieldValue struct {
	Name  string
	Value string
}

// OnboardingRecord is a completed onboarding in CRM terms.
type OnboardingRecord struct {
	SessionID    string
	PracticeName string
	FullName     string
	Email        string
	Phone        string
	Fields       []FieldValue
	Tags         []string
}

// Opts configures a GHLClient.
type Opts struct {
	BaseURL    string
	WorkflowID string
	HTTPClient *http.Client
}

// Option configures a GHLClient.
type Option func(*Opts)

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithWorkflowID enrolls every synced contact in a workflow.
func WithWorkflowID(id string) Option {
	return func(o *Opts) { o.WorkflowID = id }
}

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// GHLClient talks to the GoHighLevel API for one location.
type GHLClient struct {
	apiKey     string
	locationID string
	baseURL    string
	workflowID string
	httpClient *http.Client
	fields     *lru.Cache[string, map[string]string]
}

// NewGHLClient creates a client for the given key and location.
func NewGHLClient(apiKey, locationID string, opts ...Option) (*GHLClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GHL API key is required")
	}
	cfg := Opts{BaseURL: DefaultBaseURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	cache, err := lru.New[string, map[string]string](fieldCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create field cache: %w", err)
	}
	return &GHLClient{
		apiKey:     apiKey,
		locationID: locationID,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		workflowID: cfg.WorkflowID,
		httpClient: cfg.HTTPClient,
		fields:     cache,
	}, nil
}

// CustomFields returns the location's custom fields as lowercased name to id.
func (c *GHLClient) CustomFields(ctx context.Context) (map[string]string, error) {
	if m, ok := c.fields.Get(c.locationID); ok {
		return m, nil
	}
	var resp struct {
		CustomFields []CustomField `json:"customFields"`
	}
	if err := c.do(ctx, http.MethodGet, "/custom-fields/", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list custom fields: %w", err)
	}
	m := make(map[string]string, len(resp.CustomFields))
	for _, f := range resp.CustomFields {
		m[strings.ToLower(f.Name)] = f.ID
	}
	c.fields.Add(c.locationID, m)
	slog.Debug("GHLClient.CustomFields: loaded custom fields", "locationID", c.locationID, "count", len(m))
	return m, nil
}

// CreateCustomField creates a field and returns its id.
func (c *GHLClient) CreateCustomField(ctx context.Context, name, dataType string) (string, error) {
	if dataType == "" {
		dataType = "TEXT"
	}
	var resp struct {
		CustomField CustomField `json:"customField"`
	}
	if err := c.do(ctx, http.MethodPost, "/custom-fields/", CustomField{Name: name, DataType: dataType}, &resp); err != nil {
		return "", fmt.Errorf("failed to create custom field %q: %w", name, err)
	}
	if resp.CustomField.ID == "" {
		return "", fmt.Errorf("custom field %q created without id", name)
	}
	if m, ok := c.fields.Get(c.locationID); ok {
		updated := make(map[string]string, len(m)+1)
		for k, v := range m {
			updated[k] = v
		}
		updated[strings.ToLower(name)] = resp.CustomField.ID
		c.fields.Add(c.locationID, updated)
	}
	slog.Info("GHLClient.CreateCustomField: created", "name", name, "fieldID", resp.CustomField.ID)
	return resp.CustomField.ID, nil
}

// FieldID resolves a field name, creating the field when the location lacks it.
func (c *GHLClient) FieldID(ctx context.Context, name string) (string, error) {
	m, err := c.CustomFields(ctx)
	if err != nil {
		return "", err
	}
	if id, ok := m[strings.ToLower(name)]; ok {
		return id, nil
	}
	return c.CreateCustomField(ctx, name, "TEXT")
}

// UpsertContact updates the contact with the same email, or creates one.
func (c *GHLClient) UpsertContact(ctx context.Context, contact Contact) (string, error) {
	if contact.Email == "" {
		return "", fmt.Errorf("contact email is required")
	}

	var found struct {
		Contacts []Contact `json:"contacts"`
	}
	if err := c.do(ctx, http.MethodGet, "/contacts/?email="+url.QueryEscape(contact.Email), nil, &found); err != nil {
		return "", fmt.Errorf("failed to search contacts: %w", err)
	}

	var resp struct {
		Contact Contact `json:"contact"`
	}
	if len(found.Contacts) > 0 && found.Contacts[0].ID != "" {
		id := found.Contacts[0].ID
		if err := c.do(ctx, http.MethodPut, "/contacts/"+url.PathEscape(id), contact, &resp); err != nil {
			return "", fmt.Errorf("failed to update contact %s: %w", id, err)
		}
		slog.Info("GHLClient.UpsertContact: updated contact", "contactID", id)
		return id, nil
	}

	if err := c.do(ctx, http.MethodPost, "/contacts/", contact, &resp); err != nil {
		return "", fmt.Errorf("failed to create contact: %w", err)
	}
	if resp.Contact.ID == "" {
		return "", fmt.Errorf("contact created without id")
	}
	slog.Info("GHLClient.UpsertContact: created contact", "contactID", resp.Contact.ID)
	return resp.Contact.ID, nil
}

// AddTags tags an existing contact.
func (c *GHLClient) AddTags(ctx context.Context, contactID string, tags []string) error {
	body := map[string][]string{"tags": tags}
	if err := c.do(ctx, http.MethodPost, "/contacts/"+url.PathEscape(contactID)+"/tags", body, nil); err != nil {
		return fmt.Errorf("failed to tag contact %s: %w", contactID, err)
	}
	return nil
}

// TriggerWorkflow subscribes a contact to a workflow.
func (c *GHLClient) TriggerWorkflow(ctx context.Context, contactID, workflowID string) error {
	body := map[string]string{"contactId": contactID}
	if err := c.do(ctx, http.MethodPost, "/workflows/"+url.PathEscape(workflowID)+"/subscribers", body, nil); err != nil {
		return fmt.Errorf("failed to trigger workflow %s: %w", workflowID, err)
	}
	return nil
}

// SyncOnboarding writes a completed onboarding to its contact and returns the contact id.
func (c *GHLClient) SyncOnboarding(ctx context.Context, rec OnboardingRecord) (string, error) {
	first, last := splitName(rec.FullName)
	contact := Contact{
		Email:     rec.Email,
		FirstName: first,
		LastName:  last,
		Phone:     rec.Phone,
		Source:    ContactSource,
		Tags:      rec.Tags,
	}

	fields := rec.Fields
	if rec.PracticeName != "" {
		fields = append(append([]FieldValue(nil), fields...), FieldValue{Name: "Practice Name", Value: rec.PracticeName})
	}
	for _, f := range fields {
		id, err := c.FieldID(ctx, f.Name)
		if err != nil {
			return "", err
		}
		contact.CustomFields = append(contact.CustomFields, CustomFieldValue{ID: id, Value: f.Value})
	}

	contactID, err := c.UpsertContact(ctx, contact)
	if err != nil {
		return "", err
	}

	if c.workflowID != "" {
		// Enrollment is best effort; the contact data is already saved.
		if err := c.TriggerWorkflow(ctx, contactID, c.workflowID); err != nil {
			slog.Warn("GHLClient.SyncOnboarding: workflow trigger failed", "contactID", contactID, "error", err)
		}
	}
	slog.Info("GHLClient.SyncOnboarding: synced", "sessionID", rec.SessionID, "contactID", contactID, "fields", len(contact.CustomFields))
	return contactID, nil
}

func (c *GHLClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Version", APIVersion)
	req.Header.Set("Content-Type", "application/json")
	if c.locationID != "" && len(c.apiKey) > agencyKeyLength {
		req.Header.Set("locationId", c.locationID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(msg)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// APIError is a non-2xx response from GoHighLevel.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("GHL API error (status %d): %s", e.StatusCode, e.Body)
}

func splitName(full string) (first, last string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}
