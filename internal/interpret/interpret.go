// Package interpret turns a raw client reply into an accepted answer, a
// redirect, or an explanation.
//
// Replies go through three steps in order: the skip vocabulary, the strict
// validator for the question's answer kind, and finally an external judge for
// anything the validator rejected. The judge is optional and may fail; every
// failure degrades to a static re-prompt.
package interpret

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/catalog"
	"github.com/BTreeMap/IntakePipe/internal/metrics"
	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/BTreeMap/IntakePipe/internal/validate"
)

// StaticRedirect opens the re-prompt used whenever the judge cannot help.
const StaticRedirect = "I didn't quite get that, could you rephrase?"

// DefaultJudgeTimeout bounds a single judge call.
const DefaultJudgeTimeout = 10 * time.Second

// Outcome classifies an interpreted reply.
type Outcome string

const (
	OutcomeAccepted    Outcome = "accepted"
	OutcomeRedirect    Outcome = "redirect"
	OutcomeExplanation Outcome = "explanation"
)

// Result is the interpretation of one reply. Value is set only when Accepted;
// Prompt only when the question must be asked again.
type Result struct {
	Outcome Outcome
	Value   models.Answer
	Prompt  string
	Source  string // skip, validator, judge or fallback
}

// Accepted reports whether the reply produced an answer.
func (r Result) Accepted() bool { return r.Outcome == OutcomeAccepted }

// Opts configures an Interpreter.
type Opts struct {
	Judge        Judge
	JudgeTimeout time.Duration
	JudgeRetries int
}

// Option configures an Interpreter.
type Option func(*Opts)

// WithJudge sets the external judge. Without one, rejected replies always re-prompt.
func WithJudge(j Judge) Option {
	return func(o *Opts) { o.Judge = j }
}

// WithJudgeTimeout bounds each judge call.
func WithJudgeTimeout(d time.Duration) Option {
	return func(o *Opts) { o.JudgeTimeout = d }
}

// WithJudgeRetries sets how many extra attempts a failed judge call gets.
func WithJudgeRetries(n int) Option {
	return func(o *Opts) { o.JudgeRetries = n }
}

// Interpreter classifies replies. It is stateless and safe for concurrent use.
type Interpreter struct {
	judge   Judge
	timeout time.Duration
	retries int
}

// New creates an Interpreter.
func New(opts ...Option) *Interpreter {
	cfg := Opts{JudgeTimeout: DefaultJudgeTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.JudgeTimeout <= 0 {
		cfg.JudgeTimeout = DefaultJudgeTimeout
	}
	if cfg.JudgeRetries < 0 {
		cfg.JudgeRetries = 0
	}
	return &Interpreter{judge: cfg.Judge, timeout: cfg.JudgeTimeout, retries: cfg.JudgeRetries}
}

// Interpret classifies raw as a reply to q, given the answers recorded so far.
func (in *Interpreter) Interpret(ctx context.Context, q catalog.Question, raw string, answers map[string]models.Answer) Result {
	if IsSkip(raw) {
		slog.Debug("Interpreter.Interpret: skip phrase", "questionID", q.ID)
		return Result{Outcome: OutcomeAccepted, Value: models.SkippedAnswer(), Source: "skip"}
	}

	ans, rej, err := validate.Validate(q, raw)
	if err != nil {
		slog.Error("Interpreter.Interpret: validator misconfigured", "questionID", q.ID, "error", err)
		return fallback(q, nil)
	}

	if rej == nil {
		if !q.Verify || !q.Kind.IsFreeText() || in.judge == nil {
			return Result{Outcome: OutcomeAccepted, Value: ans, Source: "validator"}
		}
		v, err := in.callJudge(ctx, JudgeRequest{Question: q, Reply: raw, PriorAnswers: answers})
		if err != nil {
			// The strict check passed; a judge outage must not block the client.
			return Result{Outcome: OutcomeAccepted, Value: ans, Source: "validator"}
		}
		switch v.Kind {
		case VerdictExplain:
			return Result{Outcome: OutcomeExplanation, Prompt: withQuestion(explainMessage(v, q), q), Source: "judge"}
		case VerdictRedirect:
			return Result{Outcome: OutcomeRedirect, Prompt: withQuestion(redirectMessage(v, nil), q), Source: "judge"}
		}
		return Result{Outcome: OutcomeAccepted, Value: ans, Source: "validator"}
	}

	if in.judge == nil {
		return fallback(q, rej)
	}
	v, err := in.callJudge(ctx, JudgeRequest{Question: q, Reply: raw, Rejection: rej.String(), PriorAnswers: answers})
	if err != nil {
		return fallback(q, rej)
	}

	switch v.Kind {
	case VerdictUnderstood:
		candidate := strings.TrimSpace(v.Value)
		if candidate == "" {
			candidate = raw
		}
		// The judge's reading must still pass the strict check for the kind.
		ans2, rej2, _ := validate.Validate(q, candidate)
		if rej2 == nil && !ans2.IsSkipped() {
			slog.Debug("Interpreter.Interpret: judge resolved reply", "questionID", q.ID)
			return Result{Outcome: OutcomeAccepted, Value: ans2, Source: "judge"}
		}
		// Free text keeps the judge's reading when only the sub-format failed.
		if q.Kind.IsFreeText() && rej2 != nil {
			loose := q
			loose.Format = ""
			if ans3, rej3, _ := validate.Validate(loose, candidate); rej3 == nil {
				slog.Debug("Interpreter.Interpret: judge value kept as text", "questionID", q.ID, "format", q.Format)
				return Result{Outcome: OutcomeAccepted, Value: ans3, Source: "judge"}
			}
		}
		if rej2 == nil {
			rej2 = rej
		}
		return Result{Outcome: OutcomeRedirect, Prompt: withQuestion(rej2.String(), q), Source: "judge"}
	case VerdictExplain:
		return Result{Outcome: OutcomeExplanation, Prompt: withQuestion(explainMessage(v, q), q), Source: "judge"}
	default:
		return Result{Outcome: OutcomeRedirect, Prompt: withQuestion(redirectMessage(v, rej), q), Source: "judge"}
	}
}

func (in *Interpreter) callJudge(ctx context.Context, req JudgeRequest) (Verdict, error) {
	var lastErr error
	for attempt := 0; attempt <= in.retries; attempt++ {
		jctx, cancel := context.WithTimeout(ctx, in.timeout)
		v, err := in.judge.Judge(jctx, req)
		cancel()
		if err == nil {
			metrics.JudgeCalls.WithLabelValues(strings.ToLower(v.Kind)).Inc()
			return v, nil
		}
		lastErr = err
		metrics.JudgeCalls.WithLabelValues("error").Inc()
		slog.Warn("Interpreter.callJudge: judge call failed", "questionID", req.Question.ID, "attempt", attempt+1, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return Verdict{}, lastErr
}

func fallback(q catalog.Question, rej *validate.Rejection) Result {
	msg := StaticRedirect
	if rej != nil && rej.Reason != "" {
		msg += " " + rej.String()
	}
	return Result{Outcome: OutcomeRedirect, Prompt: msg + "\n\n" + q.Prompt(), Source: "fallback"}
}

func explainMessage(v Verdict, q catalog.Question) string {
	if m := strings.TrimSpace(v.Message); m != "" {
		return m
	}
	if q.Reason != "" {
		return "Good question! " + q.Reason
	}
	return "This helps us tailor your onboarding plan."
}

func redirectMessage(v Verdict, rej *validate.Rejection) string {
	if m := strings.TrimSpace(v.Message); m != "" {
		return m
	}
	if rej != nil {
		return StaticRedirect + " " + rej.String()
	}
	return StaticRedirect
}

// withQuestion appends the question unless the message already restates it.
func withQuestion(msg string, q catalog.Question) string {
	if strings.Contains(strings.ToLower(msg), strings.ToLower(q.Text)) {
		return msg
	}
	return msg + "\n\n" + q.Prompt()
}
