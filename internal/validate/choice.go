package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

var (
	yesTokens = map[string]bool{
		"yes": true, "y": true, "yeah": true, "yep": true, "yup": true, "sure": true,
		"true": true, "correct": true, "affirmative": true, "absolutely": true, "definitely": true,
	}
	noTokens = map[string]bool{
		"no": true, "n": true, "nope": true, "nah": true, "false": true, "negative": true, "not yet": true,
	}
	listSeparators = regexp.MustCompile(`[,;\n]+`)
	andSeparators  = regexp.MustCompile(`(?i)\s+(?:and|&)\s+`)
	scalePattern   = regexp.MustCompile(`^(-?\d+)(?:\s*(?:/|out of)\s*\d+)?$`)
)

var numberWords = map[string]int{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

func normalizeToken(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Trim(s, ".!?,;:'\" ")
}

// YesNo maps affirmative and negative tokens to "Yes" and "No". A reply that
// opens with a token ("yes, we do") counts when it contains no opposite token.
func YesNo(raw string) (models.Answer, *Rejection) {
	v := normalizeToken(raw)
	if yesTokens[v] {
		return models.TextAnswer("Yes"), nil
	}
	if noTokens[v] {
		return models.TextAnswer("No"), nil
	}

	words := strings.FieldsFunc(v, func(r rune) bool { return r == ' ' || r == ',' || r == '.' || r == '!' })
	if len(words) > 1 {
		first := words[0]
		hasYes, hasNo := false, false
		for _, w := range words {
			if yesTokens[w] {
				hasYes = true
			}
			if noTokens[w] || w == "not" || w == "don't" || w == "dont" {
				hasNo = true
			}
		}
		if yesTokens[first] && !hasNo {
			return models.TextAnswer("Yes"), nil
		}
		if noTokens[first] && !hasYes {
			return models.TextAnswer("No"), nil
		}
	}
	return models.Answer{}, reject("Please answer with Yes or No.")
}

// SingleChoice matches the reply to one option: exact (case-insensitive) first,
// then a unique prefix. Several prefix matches yield a rejection listing them.
func SingleChoice(raw string, options []string) (models.Answer, *Rejection) {
	opt, rej := matchOption(raw, options)
	if rej != nil {
		return models.Answer{}, rej
	}
	return models.TextAnswer(opt), nil
}

func matchOption(raw string, options []string) (string, *Rejection) {
	v := normalizeToken(raw)
	if v == "" {
		return "", reject("Please choose one of: "+strings.Join(options, ", ")+".", options...)
	}
	for _, o := range options {
		if normalizeToken(o) == v {
			return o, nil
		}
	}
	var candidates []string
	for _, o := range options {
		if strings.HasPrefix(normalizeToken(o), v) {
			candidates = append(candidates, o)
		}
	}
	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		return "", reject("Please choose one of: "+strings.Join(options, ", ")+".", options...)
	}
	return "", reject(fmt.Sprintf("%q could mean more than one option. Which did you mean?", strings.TrimSpace(raw)), candidates...)
}

// MultiSelect splits the reply on commas, semicolons and newlines (and on "and"
// when a piece is not itself an option), matches each piece like SingleChoice
// and returns the selections in option order. Any unmatched piece rejects the
// whole reply.
func MultiSelect(raw string, options []string) (models.Answer, *Rejection) {
	chosen := make(map[string]bool)
	for _, piece := range listSeparators.Split(raw, -1) {
		if normalizeToken(piece) == "" {
			continue
		}
		if opt, rej := matchOption(piece, options); rej == nil {
			chosen[opt] = true
			continue
		}
		for _, sub := range andSeparators.Split(piece, -1) {
			if normalizeToken(sub) == "" {
				continue
			}
			opt, rej := matchOption(sub, options)
			if rej != nil {
				if len(rej.Candidates) > 0 && len(rej.Candidates) < len(options) {
					return models.Answer{}, rej
				}
				return models.Answer{}, reject(fmt.Sprintf("%q isn't one of the options. Please choose from: %s.",
					strings.TrimSpace(sub), strings.Join(options, ", ")), options...)
			}
			chosen[opt] = true
		}
	}
	if len(chosen) == 0 {
		return models.Answer{}, reject("Please select at least one of: "+strings.Join(options, ", ")+".", options...)
	}

	items := make([]string, 0, len(chosen))
	for _, o := range options {
		if chosen[o] {
			items = append(items, o)
		}
	}
	return models.ListAnswer(items), nil
}

// Scale accepts an integer in min..max, written as a digit ("4", "4/5",
// "4 out of 5") or a number word.
func Scale(raw string, min, max int) (models.Answer, *Rejection) {
	v := normalizeToken(raw)
	n, ok := numberWords[v]
	if !ok {
		m := scalePattern.FindStringSubmatch(v)
		if m == nil {
			return models.Answer{}, reject(fmt.Sprintf("Please enter a whole number between %d and %d.", min, max))
		}
		var err error
		n, err = strconv.Atoi(m[1])
		if err != nil {
			return models.Answer{}, reject(fmt.Sprintf("Please enter a whole number between %d and %d.", min, max))
		}
	}
	if n < min || n > max {
		return models.Answer{}, reject(fmt.Sprintf("Please enter a number between %d and %d.", min, max))
	}
	return models.TextAnswer(strconv.Itoa(n)), nil
}
