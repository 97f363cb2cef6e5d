package interpret

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/catalog"
	"github.com/BTreeMap/IntakePipe/internal/models"
)

// fakeJudge returns a canned verdict and records the requests it saw.
type fakeJudge struct {
	mu       sync.Mutex
	verdict  Verdict
	err      error
	delay    time.Duration
	requests []JudgeRequest
}

func (f *fakeJudge) Judge(ctx context.Context, req JudgeRequest) (Verdict, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Verdict{}, ctx.Err()
		}
	}
	return f.verdict, f.err
}

func (f *fakeJudge) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func mustQuestion(t *testing.T, field string) catalog.Question {
	t.Helper()
	c, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default failed: %v", err)
	}
	q, ok := c.QuestionByField(field)
	if !ok {
		t.Fatalf("no question with field %q", field)
	}
	return q
}

func TestSkipIsUniversal(t *testing.T) {
	c, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default failed: %v", err)
	}
	judge := &fakeJudge{verdict: Verdict{Kind: VerdictRedirect, Message: "no"}}
	in := New(WithJudge(judge))
	for i := 0; i < c.TotalQuestions(); i++ {
		q, _ := c.QuestionAt(i)
		for _, reply := range []string{"skip", "I'd rather not say", "Pass.", "N/A"} {
			res := in.Interpret(context.Background(), q, reply, nil)
			if !res.Accepted() || !res.Value.IsSkipped() {
				t.Fatalf("%s: reply %q should be accepted as skipped, got %+v", q.ID, reply, res)
			}
		}
	}
	if judge.calls() != 0 {
		t.Errorf("skip must not reach the judge, got %d calls", judge.calls())
	}
}

func TestIsSkip(t *testing.T) {
	yes := []string{"skip", "SKIP this one", "pass", "I'll pass", "prefer not to say", "I don’t want to answer", "n/a", "Not applicable", "no answer", "decline",
		"skipped", "passing on this one", "I declined that last time", "skips",
		"Honestly I would rather not share any of that with you today",
		"we want to pass our accreditation review next year and grow our patient base a lot"}
	no := []string{"compass health", "passionate about care", "skipper", "passport photos", "Dr. Jane Smith", "nope", "bypass"}
	for _, s := range yes {
		if !IsSkip(s) {
			t.Errorf("IsSkip(%q) = false, want true", s)
		}
	}
	for _, s := range no {
		if IsSkip(s) {
			t.Errorf("IsSkip(%q) = true, want false", s)
		}
	}
}

func TestLongSkipReplyIsSkipped(t *testing.T) {
	res := New().Interpret(context.Background(), mustQuestion(t, "q48_notes"),
		"Honestly I would rather not share any of that with you today", nil)
	if !res.Accepted() || !res.Value.IsSkipped() {
		t.Fatalf("long refusal should be accepted as skipped, got %+v", res)
	}
}

func TestValidatorAcceptsWithoutJudge(t *testing.T) {
	judge := &fakeJudge{}
	in := New(WithJudge(judge))
	res := in.Interpret(context.Background(), mustQuestion(t, "q14_marketing"), "nope", nil)
	if !res.Accepted() || res.Value.Value != "No" {
		t.Fatalf("expected Accepted(No), got %+v", res)
	}
	if judge.calls() != 0 {
		t.Errorf("accepted replies must not reach the judge")
	}
}

func TestIncompleteNameRedirects(t *testing.T) {
	judge := &fakeJudge{verdict: Verdict{Kind: VerdictRedirect, Message: "Could you share your full first and last name?"}}
	in := New(WithJudge(judge))
	q := mustQuestion(t, "q1_admin")
	res := in.Interpret(context.Background(), q, "Dr. J", nil)
	if res.Outcome != OutcomeRedirect {
		t.Fatalf("expected redirect, got %+v", res)
	}
	if !strings.Contains(res.Prompt, q.Text) {
		t.Errorf("redirect must restate the question, got %q", res.Prompt)
	}
}

func TestJudgeUnderstoodIsRevalidated(t *testing.T) {
	yn := mustQuestion(t, "q29_online")
	in := New(WithJudge(&fakeJudge{verdict: Verdict{Kind: VerdictUnderstood, Value: "Yes"}}))
	res := in.Interpret(context.Background(), yn, "we have a squarespace thing", nil)
	if !res.Accepted() || res.Value.Value != "Yes" || res.Source != "judge" {
		t.Errorf("expected judge-resolved Yes, got %+v", res)
	}

	in = New(WithJudge(&fakeJudge{verdict: Verdict{Kind: VerdictUnderstood, Value: "maybe later"}}))
	if res := in.Interpret(context.Background(), yn, "hmm", nil); res.Outcome != OutcomeRedirect {
		t.Errorf("structured kind with an invalid judge value must redirect, got %+v", res)
	}
}

func TestJudgeUnderstoodKeepsFreeText(t *testing.T) {
	tests := []struct {
		field, reply, judged, want string
	}{
		{"q3_admin", "ext 4412", " ext 4412 at the front desk ", "ext 4412 at the front desk"},
		{"q1_admin", "Dr. J", "Dr. J", "Dr. J"},
	}
	for _, tt := range tests {
		in := New(WithJudge(&fakeJudge{verdict: Verdict{Kind: VerdictUnderstood, Value: tt.judged}}))
		res := in.Interpret(context.Background(), mustQuestion(t, tt.field), tt.reply, nil)
		if !res.Accepted() || res.Value.Value != tt.want || res.Source != "judge" {
			t.Errorf("%s: expected Accepted(%q) from judge, got %+v", tt.field, tt.want, res)
		}
	}
}

func TestExplanationForWhyQuestion(t *testing.T) {
	q := mustQuestion(t, "q9_admin")
	judge := &fakeJudge{verdict: Verdict{Kind: VerdictExplain, Message: "We use your EIN to verify your practice."}}
	in := New(WithJudge(judge))
	res := in.Interpret(context.Background(), q, "why do you need that?", map[string]models.Answer{"q1_admin": models.TextAnswer("Jane Smith")})
	if res.Outcome != OutcomeExplanation {
		t.Fatalf("expected explanation, got %+v", res)
	}
	if !strings.Contains(res.Prompt, "verify your practice") || !strings.Contains(res.Prompt, q.Text) {
		t.Errorf("explanation must hold the justification and the question, got %q", res.Prompt)
	}
	if got := judge.requests[0].PriorAnswers["q1_admin"].Value; got != "Jane Smith" {
		t.Errorf("judge should receive prior answers, got %q", got)
	}
	if judge.requests[0].Rejection == "" {
		t.Error("judge should receive the validator's rejection")
	}
}

func TestExplanationFallsBackToReason(t *testing.T) {
	q := mustQuestion(t, "q9_admin")
	in := New(WithJudge(&fakeJudge{verdict: Verdict{Kind: VerdictExplain}}))
	res := in.Interpret(context.Background(), q, "what is that for", nil)
	if !strings.Contains(res.Prompt, q.Reason) {
		t.Errorf("empty explanation should use the question's reason, got %q", res.Prompt)
	}
}

func TestJudgeFailureFallsBack(t *testing.T) {
	q := mustQuestion(t, "q9_admin")
	tests := []struct {
		name string
		in   *Interpreter
	}{
		{"no judge", New()},
		{"judge error", New(WithJudge(&fakeJudge{err: errors.New("upstream 500")}))},
		{"judge timeout", New(WithJudge(&fakeJudge{delay: time.Second}), WithJudgeTimeout(10*time.Millisecond))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.in.Interpret(context.Background(), q, "why do you need that?", nil)
			if res.Outcome != OutcomeRedirect || res.Source != "fallback" {
				t.Fatalf("expected fallback redirect, got %+v", res)
			}
			if !strings.HasPrefix(res.Prompt, StaticRedirect) || !strings.Contains(res.Prompt, q.Text) {
				t.Errorf("unexpected fallback prompt %q", res.Prompt)
			}
		})
	}
}

func TestJudgeRetries(t *testing.T) {
	judge := &fakeJudge{err: errors.New("flaky")}
	in := New(WithJudge(judge), WithJudgeRetries(2))
	in.Interpret(context.Background(), mustQuestion(t, "q9_admin"), "huh", nil)
	if judge.calls() != 3 {
		t.Errorf("expected 3 judge attempts, got %d", judge.calls())
	}
}

func TestVerifyQuestionsConsultJudge(t *testing.T) {
	q := mustQuestion(t, "q45_growth")
	if !q.Verify {
		t.Fatal("expected q45_growth to be a verified question")
	}

	in := New(WithJudge(&fakeJudge{verdict: Verdict{Kind: VerdictRedirect, Message: "Could you tell me a little more about the challenge?"}}))
	res := in.Interpret(context.Background(), q, "asdf", nil)
	if res.Outcome != OutcomeRedirect {
		t.Errorf("judge redirect should override the strict check, got %+v", res)
	}

	in = New(WithJudge(&fakeJudge{err: errors.New("down")}))
	res = in.Interpret(context.Background(), q, "Not enough new patients", nil)
	if !res.Accepted() || res.Value.Value != "Not enough new patients" {
		t.Errorf("judge outage must keep the validator's answer, got %+v", res)
	}
}
