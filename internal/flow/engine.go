// Package flow runs onboarding conversations: one question at a time, in
// catalog order, skipping questions whose dependencies are not met.
//
// Every turn is load, interpret, mutate a copy, save. A turn whose save fails
// leaves no trace, so the client can resend the same reply.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/catalog"
	"github.com/BTreeMap/IntakePipe/internal/interpret"
	"github.com/BTreeMap/IntakePipe/internal/metrics"
	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/BTreeMap/IntakePipe/internal/store"
	"github.com/google/uuid"
)

const (
	// DefaultSaveAttempts is how many times a turn's save is tried.
	DefaultSaveAttempts = 3
	// DefaultSaveBackoff is the base of the linear backoff between save attempts.
	DefaultSaveBackoff = 100 * time.Millisecond
	// DefaultNotifyTimeout bounds one completion notification.
	DefaultNotifyTimeout = 30 * time.Second

	// CompletionMessage closes a finished onboarding.
	CompletionMessage = "That's everything, thank you! Your answers are saved and your onboarding team will reach out with next steps."

	// HintPracticeName personalizes the greeting when present.
	HintPracticeName = "practice_name"
)

// Interpreter classifies a reply to one question.
type Interpreter interface {
	Interpret(ctx context.Context, q catalog.Question, raw string, answers map[string]models.Answer) interpret.Result
}

// Completion is what a finished session reports to the CRM.
type Completion struct {
	SessionID   string
	TenantID    string
	ClientID    string
	Answers     map[string]models.Answer
	Hints       map[string]string
	CompletedAt time.Time
}

// CompletionFromState builds the notification for a completed state.
func CompletionFromState(st *models.ConversationState) Completion {
	cp := st.Clone()
	c := Completion{
		SessionID: cp.SessionID,
		TenantID:  cp.TenantID,
		ClientID:  cp.ClientID,
		Answers:   cp.Answers,
		Hints:     cp.Metadata,
	}
	if cp.CompletedAt != nil {
		c.CompletedAt = *cp.CompletedAt
	}
	return c
}

// CompletionNotifier is told once about every session that completes.
type CompletionNotifier interface {
	NotifyCompletion(ctx context.Context, c Completion) error
}

// StartRequest opens or resumes the session for a tenant/client pair.
type StartRequest struct {
	TenantID string
	ClientID string
	Hints    map[string]string
}

// StartResult is the first prompt of a new or resumed session.
type StartResult struct {
	SessionID      string
	Prompt         string
	StageID        string
	QuestionIndex  int
	TotalQuestions int
	Resumed        bool
	PriorHistory   []models.Turn
}

// TurnResult is the engine's response to one client reply.
type TurnResult struct {
	Prompt           string
	Outcome          interpret.Outcome
	StageID          string
	QuestionIndex    int
	TotalQuestions   int
	IsCompleted      bool
	CompletedAnswers map[string]string
}

// StatusResult is a progress snapshot of one session.
type StatusResult struct {
	SessionID       string
	TenantID        string
	ClientID        string
	StageID         string
	StageName       string
	QuestionIndex   int
	TotalQuestions  int
	PercentComplete int
	IsCompleted     bool
	CurrentPrompt   string
	Answers         map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// Opts configures an Engine.
type Opts struct {
	Notifier      CompletionNotifier
	SaveAttempts  int
	SaveBackoff   time.Duration
	NotifyTimeout time.Duration
	Now           func() time.Time
	NewSessionID  func() string
}

// Option configures an Engine.
type Option func(*Opts)

// WithNotifier sets the completion notifier.
func WithNotifier(n CompletionNotifier) Option {
	return func(o *Opts) { o.Notifier = n }
}

// WithSaveRetries sets the number of save attempts and the backoff base.
func WithSaveRetries(attempts int, backoff time.Duration) Option {
	return func(o *Opts) {
		o.SaveAttempts = attempts
		o.SaveBackoff = backoff
	}
}

// WithNotifyTimeout bounds each completion notification.
func WithNotifyTimeout(d time.Duration) Option {
	return func(o *Opts) { o.NotifyTimeout = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithSessionIDGenerator overrides session ID generation.
func WithSessionIDGenerator(gen func() string) Option {
	return func(o *Opts) { o.NewSessionID = gen }
}

// Engine drives onboarding sessions. It is safe for concurrent use; turns for
// the same session are serialized, different sessions run in parallel.
type Engine struct {
	catalog     *catalog.Catalog
	interpreter Interpreter
	store       store.SessionStore
	notifier    CompletionNotifier

	saveAttempts  int
	saveBackoff   time.Duration
	notifyTimeout time.Duration
	now           func() time.Time
	newSessionID  func() string

	locks   *keyedMutex
	notifyW sync.WaitGroup
}

// NewEngine creates an Engine over an immutable catalog.
func NewEngine(cat *catalog.Catalog, in Interpreter, st store.SessionStore, opts ...Option) *Engine {
	cfg := Opts{
		SaveAttempts:  DefaultSaveAttempts,
		SaveBackoff:   DefaultSaveBackoff,
		NotifyTimeout: DefaultNotifyTimeout,
		Now:           time.Now,
		NewSessionID:  newSessionID,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.SaveAttempts < 1 {
		cfg.SaveAttempts = 1
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	return &Engine{
		catalog:       cat,
		interpreter:   in,
		store:         st,
		notifier:      cfg.Notifier,
		saveAttempts:  cfg.SaveAttempts,
		saveBackoff:   cfg.SaveBackoff,
		notifyTimeout: cfg.NotifyTimeout,
		now:           cfg.Now,
		newSessionID:  cfg.NewSessionID,
		locks:         newKeyedMutex(),
	}
}

func newSessionID() string {
	return "sess_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Catalog returns the engine's question catalog.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Wait blocks until in-flight completion notifications have finished.
func (e *Engine) Wait() { e.notifyW.Wait() }

// Start resumes the client's in-progress session or creates a new one.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if strings.TrimSpace(req.TenantID) == "" || strings.TrimSpace(req.ClientID) == "" {
		return nil, fmt.Errorf("%w: tenant_id and client_id are required", ErrInvalidRequest)
	}
	unlockClient := e.locks.Lock("client:" + req.TenantID + ":" + req.ClientID)
	defer unlockClient()

	existing, err := e.store.FindActiveSession(ctx, req.TenantID, req.ClientID)
	if err != nil {
		slog.Error("Engine.Start: active session lookup failed", "tenantID", req.TenantID, "clientID", req.ClientID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if existing != nil {
		return e.resume(ctx, existing.SessionID, req)
	}
	return e.create(ctx, req)
}

func (e *Engine) create(ctx context.Context, req StartRequest) (*StartResult, error) {
	now := e.now()
	st := &models.ConversationState{
		SessionID: e.newSessionID(),
		TenantID:  req.TenantID,
		ClientID:  req.ClientID,
		Answers:   map[string]models.Answer{},
		Metadata:  map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for k, v := range req.Hints {
		if v = strings.TrimSpace(v); v != "" {
			st.Metadata[k] = v
		}
	}

	unlock := e.locks.Lock("session:" + st.SessionID)
	defer unlock()

	total := e.catalog.TotalQuestions()
	st.CurrentQuestionIndex = e.catalog.NextEligible(0, st.Answers)
	if st.CurrentQuestionIndex >= total {
		return nil, fmt.Errorf("catalog has no eligible questions")
	}
	q, _ := e.catalog.QuestionAt(st.CurrentQuestionIndex)
	st.CurrentStage = q.StageID
	prompt := e.greeting(st) + "\n\n" + e.stageIntro("First up", q.StageID) + q.Prompt()
	st.AppendTurn(models.RoleAssistant, prompt, now)

	if err := e.save(ctx, st); err != nil {
		return nil, err
	}
	metrics.SessionsStarted.WithLabelValues("new").Inc()
	slog.Info("Engine.Start: session created", "sessionID", st.SessionID, "tenantID", st.TenantID, "clientID", st.ClientID)
	return &StartResult{
		SessionID:      st.SessionID,
		Prompt:         prompt,
		StageID:        st.CurrentStage,
		QuestionIndex:  st.CurrentQuestionIndex,
		TotalQuestions: total,
	}, nil
}

func (e *Engine) resume(ctx context.Context, sessionID string, req StartRequest) (*StartResult, error) {
	unlock := e.locks.Lock("session:" + sessionID)
	defer func() { unlock() }()

	// Reload under the session lock; a turn may have landed since the lookup.
	st, err := e.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if st == nil || st.IsCompleted {
		unlock()
		unlock = func() {}
		return e.create(ctx, req)
	}

	prior := append([]models.Turn(nil), st.History...)
	work := st.Clone()
	if work.Metadata == nil {
		work.Metadata = map[string]string{}
	}
	for k, v := range req.Hints {
		if _, ok := work.Metadata[k]; !ok && strings.TrimSpace(v) != "" {
			work.Metadata[k] = strings.TrimSpace(v)
		}
	}

	now := e.now()
	total := e.catalog.TotalQuestions()
	work.CurrentQuestionIndex = e.catalog.NextEligible(work.CurrentQuestionIndex, work.Answers)
	var prompt string
	if work.CurrentQuestionIndex >= total {
		prompt = e.complete(work, now)
	} else {
		q, _ := e.catalog.QuestionAt(work.CurrentQuestionIndex)
		work.CurrentStage = q.StageID
		prompt = "Welcome back! Let's pick up where we left off.\n\n" + q.Prompt()
	}
	work.AppendTurn(models.RoleAssistant, prompt, now)
	work.UpdatedAt = now

	if err := e.save(ctx, work); err != nil {
		return nil, err
	}
	if work.IsCompleted {
		e.notify(work)
	}
	metrics.SessionsStarted.WithLabelValues("resumed").Inc()
	slog.Info("Engine.Start: session resumed", "sessionID", work.SessionID, "index", work.CurrentQuestionIndex)
	return &StartResult{
		SessionID:      work.SessionID,
		Prompt:         prompt,
		StageID:        work.CurrentStage,
		QuestionIndex:  work.CurrentQuestionIndex,
		TotalQuestions: total,
		Resumed:        true,
		PriorHistory:   prior,
	}, nil
}

// Submit processes one client reply for the session's current question.
func (e *Engine) Submit(ctx context.Context, sessionID, raw string) (*TurnResult, error) {
	started := time.Now()
	unlock := e.locks.Lock("session:" + sessionID)
	defer unlock()

	st, err := e.store.LoadSession(ctx, sessionID)
	if err != nil {
		slog.Error("Engine.Submit: load failed", "sessionID", sessionID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if st == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if st.IsCompleted {
		return nil, fmt.Errorf("%w: %s", ErrSessionCompleted, sessionID)
	}

	work := st.Clone()
	if work.Answers == nil {
		work.Answers = map[string]models.Answer{}
	}
	now := e.now()
	total := e.catalog.TotalQuestions()

	idx := e.catalog.NextEligible(work.CurrentQuestionIndex, work.Answers)
	work.AppendTurn(models.RoleUser, raw, now)

	var (
		prompt  string
		outcome interpret.Outcome
	)
	if idx >= total {
		// Nothing left to ask; the reply closes the session.
		work.CurrentQuestionIndex = total
		outcome = interpret.OutcomeAccepted
		prompt = e.complete(work, now)
	} else {
		q, _ := e.catalog.QuestionAt(idx)
		res := e.interpreter.Interpret(ctx, q, raw, work.Answers)
		outcome = res.Outcome
		if res.Accepted() {
			work.Answers[q.FieldKey] = res.Value
			next := e.catalog.NextEligible(idx+1, work.Answers)
			work.CurrentQuestionIndex = next
			if next >= total {
				prompt = e.complete(work, now)
			} else {
				nq, _ := e.catalog.QuestionAt(next)
				prompt = e.transition(q, nq) + nq.Prompt()
				work.CurrentStage = nq.StageID
			}
			slog.Debug("Engine.Submit: answer accepted", "sessionID", sessionID, "questionID", q.ID, "source", res.Source, "next", next)
		} else {
			work.CurrentQuestionIndex = idx
			work.CurrentStage = q.StageID
			prompt = res.Prompt
			slog.Debug("Engine.Submit: reply not accepted", "sessionID", sessionID, "questionID", q.ID, "outcome", res.Outcome, "source", res.Source)
		}
	}
	work.AppendTurn(models.RoleAssistant, prompt, now)
	work.UpdatedAt = now

	if err := e.save(ctx, work); err != nil {
		metrics.TurnsTotal.WithLabelValues("persistence_error").Inc()
		return nil, err
	}

	label := string(outcome)
	if work.IsCompleted {
		label = "completed"
		metrics.SessionsCompleted.Inc()
		e.notify(work)
	}
	metrics.TurnsTotal.WithLabelValues(label).Inc()
	metrics.TurnDuration.WithLabelValues(label).Observe(time.Since(started).Seconds())

	result := &TurnResult{
		Prompt:         prompt,
		Outcome:        outcome,
		StageID:        work.CurrentStage,
		QuestionIndex:  work.CurrentQuestionIndex,
		TotalQuestions: total,
		IsCompleted:    work.IsCompleted,
	}
	if work.IsCompleted {
		result.CompletedAnswers = models.FlattenAnswers(work.Answers)
	}
	return result, nil
}

// Status returns a progress snapshot without changing the session.
func (e *Engine) Status(ctx context.Context, sessionID string) (*StatusResult, error) {
	st, err := e.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if st == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return e.statusOf(st), nil
}

// Sessions lists every session of a tenant, oldest first.
func (e *Engine) Sessions(ctx context.Context, tenantID string) ([]StatusResult, error) {
	states, err := e.store.ListSessions(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	out := make([]StatusResult, 0, len(states))
	for i := range states {
		out = append(out, *e.statusOf(&states[i]))
	}
	return out, nil
}

// ActiveSessionID returns the client's in-progress session, or "" if there is none.
func (e *Engine) ActiveSessionID(ctx context.Context, tenantID, clientID string) (string, error) {
	st, err := e.store.FindActiveSession(ctx, tenantID, clientID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if st == nil {
		return "", nil
	}
	return st.SessionID, nil
}

func (e *Engine) statusOf(st *models.ConversationState) *StatusResult {
	total := e.catalog.TotalQuestions()
	res := &StatusResult{
		SessionID:       st.SessionID,
		TenantID:        st.TenantID,
		ClientID:        st.ClientID,
		StageID:         st.CurrentStage,
		QuestionIndex:   st.CurrentQuestionIndex,
		TotalQuestions:  total,
		PercentComplete: percent(st.CurrentQuestionIndex, total),
		IsCompleted:     st.IsCompleted,
		Answers:         models.FlattenAnswers(st.Answers),
		CreatedAt:       st.CreatedAt,
		UpdatedAt:       st.UpdatedAt,
		CompletedAt:     st.CompletedAt,
	}
	if stage, ok := e.catalog.Stage(st.CurrentStage); ok {
		res.StageName = stage.Name
	}
	if !st.IsCompleted {
		if q, err := e.catalog.QuestionAt(e.catalog.NextEligible(st.CurrentQuestionIndex, st.Answers)); err == nil {
			res.CurrentPrompt = q.Prompt()
		}
	}
	return res
}

func percent(index, total int) int {
	if total == 0 {
		return 100
	}
	return int(math.Round(float64(index) * 100 / float64(total)))
}

// complete marks the state finished and returns the closing message.
func (e *Engine) complete(st *models.ConversationState, now time.Time) string {
	st.IsCompleted = true
	st.CompletedAt = &now
	st.CurrentQuestionIndex = e.catalog.TotalQuestions()
	stages := e.catalog.Stages()
	last := stages[len(stages)-1]
	st.CurrentStage = last.ID
	if last.CompletionMessage != "" {
		return last.CompletionMessage + " " + CompletionMessage
	}
	return CompletionMessage
}

// transition prefixes the next prompt with a stage completion note when the
// conversation crosses a stage boundary.
func (e *Engine) transition(prev, next catalog.Question) string {
	if prev.StageID == next.StageID {
		return ""
	}
	var b strings.Builder
	if done, ok := e.catalog.Stage(prev.StageID); ok && done.CompletionMessage != "" {
		b.WriteString(done.CompletionMessage)
		b.WriteString("\n\n")
	}
	b.WriteString(e.stageIntro("Next up", next.StageID))
	return b.String()
}

func (e *Engine) stageIntro(lead, stageID string) string {
	stage, ok := e.catalog.Stage(stageID)
	if !ok {
		return ""
	}
	if stage.Description != "" {
		return fmt.Sprintf("%s: %s. %s\n\n", lead, stage.Name, stage.Description)
	}
	return fmt.Sprintf("%s: %s.\n\n", lead, stage.Name)
}

func (e *Engine) greeting(st *models.ConversationState) string {
	who := "your practice"
	if name := st.Metadata[HintPracticeName]; name != "" {
		who = name
	}
	return fmt.Sprintf("Hi! Welcome to onboarding for %s. I'll walk you through %d short questions in %d stages. "+
		"You can say \"skip\" to any question you'd rather not answer, or ask why we need something.",
		who, e.catalog.TotalQuestions(), len(e.catalog.Stages()))
}

// save writes the state, retrying with linear backoff.
func (e *Engine) save(ctx context.Context, st *models.ConversationState) error {
	var lastErr error
	for attempt := 1; attempt <= e.saveAttempts; attempt++ {
		lastErr = e.store.SaveSession(ctx, st)
		if lastErr == nil {
			if attempt > 1 {
				metrics.SaveRetries.WithLabelValues("recovered").Inc()
			}
			return nil
		}
		slog.Warn("Engine.save: save failed", "sessionID", st.SessionID, "attempt", attempt, "error", lastErr)
		if attempt == e.saveAttempts {
			break
		}
		select {
		case <-ctx.Done():
			metrics.SaveRetries.WithLabelValues("exhausted").Inc()
			return fmt.Errorf("%w: %v", ErrPersistence, ctx.Err())
		case <-time.After(time.Duration(attempt) * e.saveBackoff):
		}
	}
	metrics.SaveRetries.WithLabelValues("exhausted").Inc()
	slog.Error("Engine.save: giving up", "sessionID", st.SessionID, "attempts", e.saveAttempts, "error", lastErr)
	return fmt.Errorf("%w: %v", ErrPersistence, lastErr)
}

// notify reports a completion in the background. The caller has already saved st.
func (e *Engine) notify(st *models.ConversationState) {
	if e.notifier == nil {
		return
	}
	c := CompletionFromState(st)
	e.notifyW.Add(1)
	go func() {
		defer e.notifyW.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.notifyTimeout)
		defer cancel()
		if err := e.notifier.NotifyCompletion(ctx, c); err != nil {
			slog.Error("Engine.notify: completion notification failed", "sessionID", c.SessionID, "clientID", c.ClientID, "error", err)
			return
		}
		slog.Info("Engine.notify: completion notified", "sessionID", c.SessionID, "clientID", c.ClientID)
	}()
}
