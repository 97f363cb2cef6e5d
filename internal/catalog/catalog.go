// Package catalog holds the ordered onboarding question set, grouped into stages.
//
// The catalog is loaded once at startup from JSON, checked against an embedded JSON
// Schema and a set of integrity rules, and never mutated afterwards.
package catalog

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed questions.json
var defaultCatalog []byte

//go:embed catalog_schema.json
var catalogSchema string

// ErrQuestionNotFound is returned for an index outside the catalog.
var ErrQuestionNotFound = errors.New("question not found")

// AnswerKind is the shape of answer a question expects.
type AnswerKind string

const (
	KindShortText    AnswerKind = "short_text"
	KindLongText     AnswerKind = "long_text"
	KindEmail        AnswerKind = "email"
	KindYesNo        AnswerKind = "yes_no"
	KindSingleChoice AnswerKind = "single_choice"
	KindMultiSelect  AnswerKind = "multi_select"
	KindScale        AnswerKind = "scale"
)

// IsChoice reports whether the kind requires an option list.
func (k AnswerKind) IsChoice() bool {
	return k == KindSingleChoice || k == KindMultiSelect
}

// IsFreeText reports whether any non-empty reply of bounded length is acceptable.
func (k AnswerKind) IsFreeText() bool {
	return k == KindShortText || k == KindLongText
}

func (k AnswerKind) valid() bool {
	switch k {
	case KindShortText, KindLongText, KindEmail, KindYesNo, KindSingleChoice, KindMultiSelect, KindScale:
		return true
	}
	return false
}

// Question is one immutable catalog entry.
type Question struct {
	ID         string
	StageID    string
	Index      int
	Text       string
	Kind       AnswerKind
	Options    []string
	FieldKey   string
	Dependency *Dependency
	Required   bool
	Reason     string
	Format     string
	MinLength  int
	MaxLength  int
	ScaleMin   int
	ScaleMax   int
	Verify     bool
	CRMField   string
}

// Prompt renders the question as sent to the client, with options or scale hints.
func (q Question) Prompt() string {
	var b strings.Builder
	b.WriteString(q.Text)
	switch q.Kind {
	case KindSingleChoice:
		b.WriteString("\nOptions: " + strings.Join(q.Options, ", "))
	case KindMultiSelect:
		b.WriteString("\nChoose any of: " + strings.Join(q.Options, ", "))
	case KindScale:
		fmt.Fprintf(&b, " (%d-%d)", q.ScaleMin, q.ScaleMax)
	case KindYesNo:
		b.WriteString(" (Yes/No)")
	}
	if !q.Required {
		b.WriteString("\n(Optional, reply \"skip\" to move on.)")
	}
	return b.String()
}

// Stage is a named contiguous run of questions. First and Last are flat indexes.
type Stage struct {
	ID                string
	Name              string
	Description       string
	CompletionMessage string
	First             int
	Last              int
}

// Catalog is the loaded question set.
type Catalog struct {
	version   string
	stages    []Stage
	questions []Question
	byField   map[string]int
}

type catalogDoc struct {
	Version string     `json:"version"`
	Stages  []stageDoc `json:"stages"`
}

type stageDoc struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Description       string        `json:"description"`
	CompletionMessage string        `json:"completion_message"`
	Questions         []questionDoc `json:"questions"`
}

type questionDoc struct {
	ID         string   `json:"id"`
	Text       string   `json:"text"`
	Kind       string   `json:"kind"`
	Options    []string `json:"options"`
	FieldKey   string   `json:"field_key"`
	Dependency string   `json:"dependency"`
	Required   *bool    `json:"required"`
	Reason     string   `json:"reason"`
	Format     string   `json:"format"`
	MinLength  int      `json:"min_length"`
	MaxLength  int      `json:"max_length"`
	ScaleMin   int      `json:"scale_min"`
	ScaleMax   int      `json:"scale_max"`
	Verify     bool     `json:"verify"`
	CRMField   string   `json:"crm_field"`
}

// IntegrityError lists every problem found while loading a catalog.
type IntegrityError struct {
	Problems []string
}

func (e *IntegrityError) Error() string {
	return "catalog integrity check failed: " + strings.Join(e.Problems, "; ")
}

// Default returns the embedded production catalog.
func Default() (*Catalog, error) {
	return Load(defaultCatalog)
}

// LoadFile reads and loads a catalog from disk.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Load(data)
}

// Load parses and checks a catalog document.
func Load(data []byte) (*Catalog, error) {
	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(catalogSchema), gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, &IntegrityError{Problems: []string{fmt.Sprintf("catalog is not valid JSON: %v", err)}}
	}
	if !result.Valid() {
		problems := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			problems[i] = desc.String()
		}
		return nil, &IntegrityError{Problems: problems}
	}

	var doc catalogDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &IntegrityError{Problems: []string{fmt.Sprintf("decode catalog: %v", err)}}
	}

	c, problems := build(doc)
	if len(problems) > 0 {
		return nil, &IntegrityError{Problems: problems}
	}
	slog.Debug("catalog.Load: catalog loaded", "version", c.version, "stages", len(c.stages), "questions", len(c.questions))
	return c, nil
}

func build(doc catalogDoc) (*Catalog, []string) {
	var problems []string
	c := &Catalog{version: doc.Version, byField: make(map[string]int)}
	seenIDs := make(map[string]bool)
	seenStages := make(map[string]bool)

	for _, sd := range doc.Stages {
		if seenStages[sd.ID] {
			problems = append(problems, fmt.Sprintf("duplicate stage id %q", sd.ID))
		}
		seenStages[sd.ID] = true
		stage := Stage{
			ID:                sd.ID,
			Name:              sd.Name,
			Description:       sd.Description,
			CompletionMessage: sd.CompletionMessage,
			First:             len(c.questions),
		}

		for _, qd := range sd.Questions {
			q := Question{
				ID:        qd.ID,
				StageID:   sd.ID,
				Index:     len(c.questions),
				Text:      qd.Text,
				Kind:      AnswerKind(qd.Kind),
				Options:   append([]string(nil), qd.Options...),
				FieldKey:  qd.FieldKey,
				Required:  qd.Required == nil || *qd.Required,
				Reason:    qd.Reason,
				Format:    qd.Format,
				MinLength: qd.MinLength,
				MaxLength: qd.MaxLength,
				ScaleMin:  qd.ScaleMin,
				ScaleMax:  qd.ScaleMax,
				Verify:    qd.Verify,
				CRMField:  qd.CRMField,
			}
			if q.CRMField == "" {
				q.CRMField = q.FieldKey
			}
			if q.Kind == KindScale && q.ScaleMin == 0 && q.ScaleMax == 0 {
				q.ScaleMin, q.ScaleMax = 1, 5
			}

			if seenIDs[q.ID] {
				problems = append(problems, fmt.Sprintf("duplicate question id %q", q.ID))
			}
			seenIDs[q.ID] = true
			if _, dup := c.byField[q.FieldKey]; dup {
				problems = append(problems, fmt.Sprintf("duplicate field key %q", q.FieldKey))
			}
			if !q.Kind.valid() {
				problems = append(problems, fmt.Sprintf("%s: unknown answer kind %q", q.ID, q.Kind))
			}
			if q.Kind.IsChoice() && len(q.Options) == 0 {
				problems = append(problems, fmt.Sprintf("%s: %s question has no options", q.ID, q.Kind))
			}
			if q.Kind == KindScale && q.ScaleMin > q.ScaleMax {
				problems = append(problems, fmt.Sprintf("%s: scale bounds %d..%d are inverted", q.ID, q.ScaleMin, q.ScaleMax))
			}

			dep, err := ParseDependency(qd.Dependency)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", q.ID, err))
			} else if dep != nil {
				// Sources must precede dependents: eligibility is decided once, in order.
				if _, ok := c.byField[dep.Field]; !ok {
					if questionWithField(doc, dep.Field) {
						problems = append(problems, fmt.Sprintf("%s: dependency on %q which does not precede it", q.ID, dep.Field))
					} else {
						problems = append(problems, fmt.Sprintf("%s: dependency references unknown field %q", q.ID, dep.Field))
					}
				}
				q.Dependency = dep
			}

			c.byField[q.FieldKey] = q.Index
			c.questions = append(c.questions, q)
		}

		stage.Last = len(c.questions) - 1
		if stage.Last < stage.First {
			problems = append(problems, fmt.Sprintf("stage %q has no questions", sd.ID))
		}
		c.stages = append(c.stages, stage)
	}

	if len(c.questions) == 0 {
		problems = append(problems, "catalog has no questions")
	}
	return c, problems
}

func questionWithField(doc catalogDoc, field string) bool {
	for _, s := range doc.Stages {
		for _, q := range s.Questions {
			if q.FieldKey == field {
				return true
			}
		}
	}
	return false
}

// Version is the catalog document's version label.
func (c *Catalog) Version() string { return c.version }

// TotalQuestions is the length of the flat question list.
func (c *Catalog) TotalQuestions() int { return len(c.questions) }

// QuestionAt returns the question at a flat index.
func (c *Catalog) QuestionAt(index int) (Question, error) {
	if index < 0 || index >= len(c.questions) {
		return Question{}, fmt.Errorf("%w: index %d of %d", ErrQuestionNotFound, index, len(c.questions))
	}
	return c.questions[index], nil
}

// StageFor returns the stage id a flat index belongs to.
func (c *Catalog) StageFor(index int) (string, error) {
	q, err := c.QuestionAt(index)
	if err != nil {
		return "", err
	}
	return q.StageID, nil
}

// Stage looks up a stage by id.
func (c *Catalog) Stage(id string) (Stage, bool) {
	for _, s := range c.stages {
		if s.ID == id {
			return s, true
		}
	}
	return Stage{}, false
}

// Stages returns the stages in order.
func (c *Catalog) Stages() []Stage {
	return append([]Stage(nil), c.stages...)
}

// QuestionByField looks up a question by its field key.
func (c *Catalog) QuestionByField(fieldKey string) (Question, bool) {
	i, ok := c.byField[fieldKey]
	if !ok {
		return Question{}, false
	}
	return c.questions[i], true
}

// FieldKeys returns every field key in catalog order.
func (c *Catalog) FieldKeys() []string {
	keys := make([]string, len(c.questions))
	for i, q := range c.questions {
		keys[i] = q.FieldKey
	}
	return keys
}

// IsEligible reports whether a question should be asked given the answers so far.
func (c *Catalog) IsEligible(q Question, answers map[string]models.Answer) bool {
	return q.Dependency.Evaluate(answers)
}

// NextEligible returns the first eligible index at or after from, or TotalQuestions
// when none remain.
func (c *Catalog) NextEligible(from int, answers map[string]models.Answer) int {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(c.questions); i++ {
		if c.IsEligible(c.questions[i], answers) {
			return i
		}
	}
	return len(c.questions)
}
