package interpret

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/BTreeMap/IntakePipe/internal/catalog"
	"github.com/BTreeMap/IntakePipe/internal/genai"
	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/openai/openai-go"
)

// Verdict kinds a judge may return.
const (
	VerdictUnderstood = "UNDERSTOOD"
	VerdictExplain    = "EXPLAIN"
	VerdictRedirect   = "REDIRECT"
)

// JudgeRequest is everything the judge sees about one reply.
type JudgeRequest struct {
	Question     catalog.Question
	Reply        string
	Rejection    string // empty when the strict check accepted the reply
	PriorAnswers map[string]models.Answer
}

// Verdict is the judge's classification of a reply.
type Verdict struct {
	Kind    string `json:"verdict"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

// Judge classifies replies the strict validators could not settle.
type Judge interface {
	Judge(ctx context.Context, req JudgeRequest) (Verdict, error)
}

const judgeSystemPrompt = `You help a healthcare marketing agency collect onboarding answers from practice owners over chat.
You receive one onboarding question and the client's reply. Classify the reply and answer with a JSON object:
{"verdict": "UNDERSTOOD" | "EXPLAIN" | "REDIRECT", "value": string, "message": string}

- UNDERSTOOD: the reply answers the question. Put the answer in "value", normalized to the expected format
  (for choices use the exact option text, for multiple choices join option texts with ", ", for yes/no use "Yes" or "No").
- EXPLAIN: the client asks why the question is asked, what it means, or is hesitant. In "message" give a short,
  warm explanation using the stated reason, then ask the question again.
- REDIRECT: the reply is off-topic, incomplete or unclear. In "message" gently say what is missing and ask the question again.

Never invent answers the client did not give. Keep messages under 80 words. Respond with JSON only.`

// LLMJudge asks a chat model for a verdict.
type LLMJudge struct {
	client genai.ClientInterface
}

// NewLLMJudge wraps a genai client as a Judge.
func NewLLMJudge(client genai.ClientInterface) *LLMJudge {
	return &LLMJudge{client: client}
}

// Judge implements Judge.
func (j *LLMJudge) Judge(ctx context.Context, req JudgeRequest) (Verdict, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(judgeSystemPrompt),
		openai.UserMessage(describeRequest(req)),
	}
	var v Verdict
	if err := j.client.GenerateJSON(ctx, messages, &v); err != nil {
		return Verdict{}, err
	}
	v.Kind = strings.ToUpper(strings.TrimSpace(v.Kind))
	switch v.Kind {
	case VerdictUnderstood, VerdictExplain, VerdictRedirect:
		return v, nil
	}
	return Verdict{}, fmt.Errorf("unknown verdict %q", v.Kind)
}

func describeRequest(req JudgeRequest) string {
	q := req.Question
	var b strings.Builder
	fmt.Fprintf(&b, "Question (%s): %s\n", q.ID, q.Text)
	fmt.Fprintf(&b, "Expected answer: %s", q.Kind)
	if q.Format != "" {
		fmt.Fprintf(&b, " (%s)", q.Format)
	}
	b.WriteString("\n")
	if len(q.Options) > 0 {
		fmt.Fprintf(&b, "Options: %s\n", strings.Join(q.Options, "; "))
	}
	if q.Kind == catalog.KindScale {
		fmt.Fprintf(&b, "Scale: %d to %d\n", q.ScaleMin, q.ScaleMax)
	}
	if q.Reason != "" {
		fmt.Fprintf(&b, "Why we ask: %s\n", q.Reason)
	}
	if req.Rejection != "" {
		fmt.Fprintf(&b, "Automatic check failed: %s\n", req.Rejection)
	} else {
		b.WriteString("Automatic check passed; confirm the reply actually answers the question.\n")
	}
	if len(req.PriorAnswers) > 0 {
		keys := make([]string, 0, len(req.PriorAnswers))
		for k := range req.PriorAnswers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Earlier answers:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, req.PriorAnswers[k].Value)
		}
	}
	fmt.Fprintf(&b, "Client reply: %q\n", req.Reply)
	return b.String()
}
