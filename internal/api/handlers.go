// Package api provides HTTP handlers for IntakePipe endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/IntakePipe/internal/flow"
	"github.com/BTreeMap/IntakePipe/internal/models"
)

const maxBodyBytes = 1 << 20

// startHandler handles POST /onboarding/start
func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.StartSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.startHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.startHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	res, err := s.engine.Start(r.Context(), flow.StartRequest{
		TenantID: strings.TrimSpace(req.TenantID),
		ClientID: strings.TrimSpace(req.ClientID),
		Hints:    req.Hints,
	})
	if err != nil {
		slog.Error("Server.startHandler: start failed", "tenantID", req.TenantID, "clientID", req.ClientID, "error", err)
		writeEngineError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Resumed {
		status = http.StatusOK
	}
	writeJSONResponse(w, status, models.Success(models.StartSessionResponse{
		SessionID:      res.SessionID,
		Prompt:         res.Prompt,
		StageID:        res.StageID,
		QuestionIndex:  res.QuestionIndex,
		TotalQuestions: res.TotalQuestions,
		Resumed:        res.Resumed,
		PriorHistory:   res.PriorHistory,
	}))
}

// messageHandler handles POST /onboarding/message
func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.SubmitMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.messageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.messageHandler: validation failed", "sessionID", req.SessionID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	res, err := s.engine.Submit(r.Context(), req.SessionID, req.Message)
	if err != nil {
		slog.Warn("Server.messageHandler: submit failed", "sessionID", req.SessionID, "error", err)
		writeEngineError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(models.SubmitMessageResponse{
		Prompt:           res.Prompt,
		Outcome:          string(res.Outcome),
		StageID:          res.StageID,
		QuestionIndex:    res.QuestionIndex,
		TotalQuestions:   res.TotalQuestions,
		IsCompleted:      res.IsCompleted,
		CompletedAnswers: res.CompletedAnswers,
	}))
}

// statusHandler handles GET /onboarding/status/{session_id}
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	res, err := s.engine.Status(r.Context(), sessionID)
	if err != nil {
		slog.Warn("Server.statusHandler: status failed", "sessionID", sessionID, "error", err)
		status, msg := engineErrorStatus(err)
		if status == http.StatusConflict {
			status, msg = http.StatusNotFound, msgUnknownSession
		}
		writeJSONResponse(w, status, models.Error(msg))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(toStatusResponse(*res)))
}

// listSessionsHandler handles GET /onboarding/sessions?tenant_id=
func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	if tenantID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrEmptyTenant.Error()))
		return
	}
	list, err := s.engine.Sessions(r.Context(), tenantID)
	if err != nil {
		slog.Error("Server.listSessionsHandler: list failed", "tenantID", tenantID, "error", err)
		writeEngineError(w, err)
		return
	}
	out := make([]models.SessionStatusResponse, 0, len(list))
	for _, st := range list {
		out = append(out, toStatusResponse(st))
	}
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

// healthHandler handles GET /health
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", map[string]any{
		"questions": s.engine.Catalog().TotalQuestions(),
		"version":   s.engine.Catalog().Version(),
	}))
}

func toStatusResponse(st flow.StatusResult) models.SessionStatusResponse {
	return models.SessionStatusResponse{
		SessionID:       st.SessionID,
		TenantID:        st.TenantID,
		ClientID:        st.ClientID,
		StageID:         st.StageID,
		StageName:       st.StageName,
		QuestionIndex:   st.QuestionIndex,
		TotalQuestions:  st.TotalQuestions,
		PercentComplete: st.PercentComplete,
		IsCompleted:     st.IsCompleted,
		CurrentPrompt:   st.CurrentPrompt,
		Answers:         st.Answers,
		CreatedAt:       st.CreatedAt,
		UpdatedAt:       st.UpdatedAt,
		CompletedAt:     st.CompletedAt,
	}
}
