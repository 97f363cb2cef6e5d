package validate

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/BTreeMap/IntakePipe/internal/catalog"
)

func TestShortText(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		format string
		want   string
		ok     bool
	}{
		{"plain", "  Sunrise Family Health  ", "", "Sunrise Family Health", true},
		{"empty", "   ", "", "", false},
		{"too long", strings.Repeat("a", DefaultShortTextMax+1), "", "", false},
		{"full name", "Dr. Jane Smith", "full_name", "Dr. Jane Smith", true},
		{"full name initial only", "Dr. J", "full_name", "", false},
		{"single name", "Jane", "full_name", "", false},
		{"phone 10 digits", "555.123.4567", "phone", "(555) 123-4567", true},
		{"phone with country code", "+1 555 123 4567", "phone", "+1 (555) 123-4567", true},
		{"phone short", "123-4567", "phone", "", false},
		{"url without scheme", "Practice.com/about", "url", "https://practice.com/about", true},
		{"url no host dot", "localhost", "url", "", false},
		{"url with spaces", "my website", "url", "", false},
		{"zip5", "90210", "zip", "90210", true},
		{"zip9", "90210 1234", "zip", "90210-1234", true},
		{"zip letters", "ABCDE", "zip", "", false},
		{"state code", "ca", "state", "CA", true},
		{"state name", "New York", "state", "NY", true},
		{"state bogus", "ZZ", "state", "", false},
		{"ein", "123456789", "ein", "12-3456789", true},
		{"ein dashed", "12-3456789", "ein", "12-3456789", true},
		{"ein question", "why do you need that?", "ein", "", false},
		{"hex short", "#f57", "hex_color", "#FF5577", true},
		{"hex long", "0066cc", "hex_color", "#0066CC", true},
		{"hex bad", "navy", "hex_color", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, rej := ShortText(tt.raw, 0, DefaultShortTextMax, tt.format)
			if tt.ok {
				if rej != nil {
					t.Fatalf("expected acceptance, got rejection %q", rej.Reason)
				}
				if a.Value != tt.want {
					t.Errorf("expected %q, got %q", tt.want, a.Value)
				}
				return
			}
			if rej == nil {
				t.Fatalf("expected rejection, got %q", a.Value)
			}
			if rej.Reason == "" {
				t.Error("rejection must carry a reason")
			}
		})
	}
}

func TestLongTextBounds(t *testing.T) {
	if _, rej := LongText("ok", 5, 100); rej == nil {
		t.Error("expected rejection below minimum length")
	}
	if _, rej := LongText(strings.Repeat("é", 100), 1, 100); rej != nil {
		t.Errorf("length is counted in characters, got rejection %q", rej.Reason)
	}
}

func TestEmail(t *testing.T) {
	good := map[string]string{
		"Info@Practice.com":                "info@practice.com",
		" dr.smith+intake@clinic.health. ": "dr.smith+intake@clinic.health",
	}
	for raw, want := range good {
		a, rej := Email(raw)
		if rej != nil {
			t.Errorf("Email(%q) rejected: %s", raw, rej.Reason)
			continue
		}
		if a.Value != want {
			t.Errorf("Email(%q) = %q, want %q", raw, a.Value, want)
		}
	}
	for _, raw := range []string{"", "practice.com", "a@b", "a@@b.com", "a..b@c.com"} {
		if _, rej := Email(raw); rej == nil {
			t.Errorf("Email(%q) should be rejected", raw)
		}
	}
}

func TestYesNo(t *testing.T) {
	tests := map[string]string{
		"yes":         "Yes",
		"Y":           "Yes",
		"Yep!":        "Yes",
		"sure.":       "Yes",
		"yes, we do":  "Yes",
		"nope":        "No",
		"NAH":         "No",
		"no we don't": "No",
		"not yet":     "No",
	}
	for raw, want := range tests {
		a, rej := YesNo(raw)
		if rej != nil {
			t.Errorf("YesNo(%q) rejected: %s", raw, rej.Reason)
			continue
		}
		if a.Value != want {
			t.Errorf("YesNo(%q) = %q, want %q", raw, a.Value, want)
		}
	}
	for _, raw := range []string{"maybe", "", "yes and no", "we're thinking about it"} {
		if _, rej := YesNo(raw); rej == nil {
			t.Errorf("YesNo(%q) should be rejected", raw)
		}
	}
}

func TestSingleChoice(t *testing.T) {
	options := []string{"Patients", "Clients", "Members", "Guests"}
	a, rej := SingleChoice("clients", options)
	if rej != nil || a.Value != "Clients" {
		t.Errorf("exact match failed: %v %v", a, rej)
	}
	a, rej = SingleChoice("mem", options)
	if rej != nil || a.Value != "Members" {
		t.Errorf("prefix match failed: %v %v", a, rej)
	}
	_, rej = SingleChoice("customers", options)
	if rej == nil {
		t.Fatal("expected rejection for unknown option")
	}
	if !reflect.DeepEqual(rej.Candidates, options) {
		t.Errorf("expected all options as candidates, got %v", rej.Candidates)
	}

	ambiguous := []string{"Conversational", "Consultative", "Formal"}
	_, rej = SingleChoice("con", ambiguous)
	if rej == nil {
		t.Fatal("expected rejection for ambiguous prefix")
	}
	if !reflect.DeepEqual(rej.Candidates, []string{"Conversational", "Consultative"}) {
		t.Errorf("unexpected candidates %v", rej.Candidates)
	}
}

func TestMultiSelect(t *testing.T) {
	options := []string{"Instagram", "Facebook", "LinkedIn", "TikTok", "Blog"}
	tests := []struct {
		raw  string
		want []string
	}{
		{"Facebook, instagram", []string{"Instagram", "Facebook"}},
		{"instagram; INSTAGRAM\nblog", []string{"Instagram", "Blog"}},
		{"Instagram and Facebook", []string{"Instagram", "Facebook"}},
		{"tik", []string{"TikTok"}},
	}
	for _, tt := range tests {
		a, rej := MultiSelect(tt.raw, options)
		if rej != nil {
			t.Errorf("MultiSelect(%q) rejected: %s", tt.raw, rej.Reason)
			continue
		}
		if !reflect.DeepEqual(a.Items, tt.want) {
			t.Errorf("MultiSelect(%q) = %v, want %v", tt.raw, a.Items, tt.want)
		}
		if a.Value != strings.Join(tt.want, ", ") {
			t.Errorf("MultiSelect(%q) value = %q", tt.raw, a.Value)
		}
	}

	if _, rej := MultiSelect("Instagram, MySpace", options); rej == nil {
		t.Error("an unknown item must reject the whole reply")
	}
	if _, rej := MultiSelect(" , ;", options); rej == nil {
		t.Error("an empty selection must be rejected")
	}
}

func TestScale(t *testing.T) {
	for raw, want := range map[string]string{"4": "4", " 5 ": "5", "3/5": "3", "2 out of 5": "2", "four": "4"} {
		a, rej := Scale(raw, 1, 5)
		if rej != nil {
			t.Errorf("Scale(%q) rejected: %s", raw, rej.Reason)
			continue
		}
		if a.Value != want {
			t.Errorf("Scale(%q) = %q, want %q", raw, a.Value, want)
		}
	}
	for _, raw := range []string{"0", "6", "4.5", "great", ""} {
		if _, rej := Scale(raw, 1, 5); rej == nil {
			t.Errorf("Scale(%q) should be rejected", raw)
		}
	}
}

func TestValidateDispatch(t *testing.T) {
	q := catalog.Question{ID: "Q1", Kind: catalog.KindYesNo, FieldKey: "x"}
	a, rej, err := Validate(q, "yeah")
	if err != nil || rej != nil || a.Value != "Yes" {
		t.Errorf("unexpected result %v %v %v", a, rej, err)
	}

	scale := catalog.Question{ID: "Q2", Kind: catalog.KindScale, FieldKey: "s"}
	if _, rej, _ := Validate(scale, "5"); rej != nil {
		t.Errorf("scale should default to 1..5, got rejection %s", rej.Reason)
	}
}

func TestValidateMisconfigured(t *testing.T) {
	for _, q := range []catalog.Question{
		{ID: "Q1", Kind: catalog.KindSingleChoice},
		{ID: "Q2", Kind: catalog.KindMultiSelect},
		{ID: "Q3", Kind: "essay"},
	} {
		_, _, err := Validate(q, "anything")
		if !errors.Is(err, ErrMisconfigured) {
			t.Errorf("%s: expected ErrMisconfigured, got %v", q.ID, err)
		}
	}
}

func TestCatalogQuestionsValidate(t *testing.T) {
	c, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default failed: %v", err)
	}
	for i := 0; i < c.TotalQuestions(); i++ {
		q, _ := c.QuestionAt(i)
		if _, _, err := Validate(q, "x"); err != nil {
			t.Errorf("%s: validator misconfigured: %v", q.ID, err)
		}
	}
}
