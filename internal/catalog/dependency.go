package catalog

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// DependencyOp identifies the comparison a Dependency performs.
type DependencyOp string

const (
	// OpEquals asks the question only when the source answer equals Value.
	OpEquals DependencyOp = "equals"
	// OpNotEquals asks the question only when the source answer differs from Value.
	OpNotEquals DependencyOp = "not_equals"
	// OpSelected asks the question only when Value is one of the source's multi-select items.
	OpSelected DependencyOp = "selected"
)

// Dependency is a parsed eligibility condition over an earlier answer.
type Dependency struct {
	Op    DependencyOp
	Field string
	Value string
}

func (d Dependency) String() string {
	switch d.Op {
	case OpNotEquals:
		return fmt.Sprintf("%s != %q", d.Field, d.Value)
	case OpSelected:
		return fmt.Sprintf("%q selected %s", d.Value, d.Field)
	default:
		return fmt.Sprintf("%s = %q", d.Field, d.Value)
	}
}

var (
	callExpr     = regexp.MustCompile(`^(equals|notEquals|not_equals|selected)\(\s*([A-Za-z0-9_]+)\s*,\s*"?([^"]*?)"?\s*\)$`)
	compareExpr  = regexp.MustCompile(`^([A-Za-z0-9_]+)\s*(!=|≠|==|=)\s*"?([^"]*?)"?$`)
	selectedExpr = regexp.MustCompile(`^"([^"]+)"\s+selected\s+([A-Za-z0-9_]+)$`)
)

// ParseDependency parses one of the accepted dependency forms:
//
//	q14_marketing = "Yes"
//	q29_online != "No"
//	"Instagram" selected q34_social
//	equals(q14_marketing, "Yes")
//
// An empty expression yields a nil dependency.
func ParseDependency(expr string) (*Dependency, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	if m := callExpr.FindStringSubmatch(expr); m != nil {
		op := OpEquals
		switch m[1] {
		case "notEquals", "not_equals":
			op = OpNotEquals
		case "selected":
			op = OpSelected
		}
		return &Dependency{Op: op, Field: m[2], Value: strings.TrimSpace(m[3])}, nil
	}
	if m := selectedExpr.FindStringSubmatch(expr); m != nil {
		return &Dependency{Op: OpSelected, Field: m[2], Value: strings.TrimSpace(m[1])}, nil
	}
	if m := compareExpr.FindStringSubmatch(expr); m != nil {
		op := OpEquals
		if m[2] == "!=" || m[2] == "≠" {
			op = OpNotEquals
		}
		return &Dependency{Op: op, Field: m[1], Value: strings.TrimSpace(m[3])}, nil
	}
	return nil, fmt.Errorf("unrecognized dependency expression %q", expr)
}

// Evaluate reports whether the condition holds against the answers recorded so far.
// An unanswered source field never satisfies a dependency.
func (d *Dependency) Evaluate(answers map[string]models.Answer) bool {
	if d == nil {
		return true
	}
	source, ok := answers[d.Field]
	if !ok {
		return false
	}
	switch d.Op {
	case OpEquals:
		return sameText(source.Value, d.Value)
	case OpNotEquals:
		return !sameText(source.Value, d.Value)
	case OpSelected:
		items := source.Items
		if len(items) == 0 {
			items = strings.Split(source.Value, ",")
		}
		for _, item := range items {
			if sameText(item, d.Value) {
				return true
			}
		}
		return false
	}
	return false
}

func sameText(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
