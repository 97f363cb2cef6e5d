package catalog

import "testing"

func TestParseDependency(t *testing.T) {
	tests := []struct {
		expr string
		want Dependency
	}{
		{`q14_marketing = "Yes"`, Dependency{Op: OpEquals, Field: "q14_marketing", Value: "Yes"}},
		{`q14_marketing == Yes`, Dependency{Op: OpEquals, Field: "q14_marketing", Value: "Yes"}},
		{`q29_online != "No"`, Dependency{Op: OpNotEquals, Field: "q29_online", Value: "No"}},
		{`q29_online ≠ "No"`, Dependency{Op: OpNotEquals, Field: "q29_online", Value: "No"}},
		{`"Instagram" selected q34_social`, Dependency{Op: OpSelected, Field: "q34_social", Value: "Instagram"}},
		{`equals(marketing, "Yes")`, Dependency{Op: OpEquals, Field: "marketing", Value: "Yes"}},
		{`notEquals(marketing, "No")`, Dependency{Op: OpNotEquals, Field: "marketing", Value: "No"}},
		{`selected(social, "X (Twitter)")`, Dependency{Op: OpSelected, Field: "social", Value: "X (Twitter)"}},
		{`q39_content != "We don't create content"`, Dependency{Op: OpNotEquals, Field: "q39_content", Value: "We don't create content"}},
	}
	for _, tt := range tests {
		got, err := ParseDependency(tt.expr)
		if err != nil {
			t.Errorf("ParseDependency(%q) failed: %v", tt.expr, err)
			continue
		}
		if *got != tt.want {
			t.Errorf("ParseDependency(%q) = %+v, want %+v", tt.expr, *got, tt.want)
		}
	}
}

func TestParseDependencyEmptyAndInvalid(t *testing.T) {
	dep, err := ParseDependency("  ")
	if err != nil || dep != nil {
		t.Errorf("expected nil dependency for blank expression, got %v, %v", dep, err)
	}
	if _, err := ParseDependency("when the moon is full"); err == nil {
		t.Error("expected error for unparseable expression")
	}
}

func TestNilDependencyEvaluatesTrue(t *testing.T) {
	var d *Dependency
	if !d.Evaluate(nil) {
		t.Error("nil dependency must always be eligible")
	}
}
