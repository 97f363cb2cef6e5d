// Package validate checks a raw reply against the answer shape a question expects
// and returns the normalized value or a rejection the client can act on.
//
// Bad input is never an error here: it yields a *Rejection. An error is returned
// only when the question itself is misconfigured.
package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/IntakePipe/internal/catalog"
	"github.com/BTreeMap/IntakePipe/internal/models"
)

// ErrMisconfigured marks a question definition the validators cannot work with.
var ErrMisconfigured = errors.New("question misconfigured")

// Default length bounds for free-text answers, in characters.
const (
	DefaultShortTextMax = 200
	DefaultLongTextMax  = 2000
)

// Rejection explains why a reply did not fit. Candidates lists the options an
// ambiguous reply could have meant.
type Rejection struct {
	Reason     string
	Candidates []string
}

func (r *Rejection) String() string {
	if r == nil {
		return ""
	}
	if len(r.Candidates) == 0 {
		return r.Reason
	}
	return fmt.Sprintf("%s (%s)", r.Reason, strings.Join(r.Candidates, ", "))
}

func reject(reason string, candidates ...string) *Rejection {
	return &Rejection{Reason: reason, Candidates: candidates}
}

// Validate dispatches to the validator for the question's answer kind.
func Validate(q catalog.Question, raw string) (models.Answer, *Rejection, error) {
	switch q.Kind {
	case catalog.KindShortText:
		a, rej := ShortText(raw, q.MinLength, orDefault(q.MaxLength, DefaultShortTextMax), q.Format)
		return a, rej, nil
	case catalog.KindLongText:
		a, rej := LongText(raw, q.MinLength, orDefault(q.MaxLength, DefaultLongTextMax))
		return a, rej, nil
	case catalog.KindEmail:
		a, rej := Email(raw)
		return a, rej, nil
	case catalog.KindYesNo:
		a, rej := YesNo(raw)
		return a, rej, nil
	case catalog.KindSingleChoice:
		if len(q.Options) == 0 {
			return models.Answer{}, nil, fmt.Errorf("%w: %s has no options", ErrMisconfigured, q.ID)
		}
		a, rej := SingleChoice(raw, q.Options)
		return a, rej, nil
	case catalog.KindMultiSelect:
		if len(q.Options) == 0 {
			return models.Answer{}, nil, fmt.Errorf("%w: %s has no options", ErrMisconfigured, q.ID)
		}
		a, rej := MultiSelect(raw, q.Options)
		return a, rej, nil
	case catalog.KindScale:
		lo, hi := q.ScaleMin, q.ScaleMax
		if lo == 0 && hi == 0 {
			lo, hi = 1, 5
		}
		a, rej := Scale(raw, lo, hi)
		return a, rej, nil
	}
	return models.Answer{}, nil, fmt.Errorf("%w: %s has unknown kind %q", ErrMisconfigured, q.ID, q.Kind)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
