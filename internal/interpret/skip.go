package interpret

import (
	"regexp"
	"strings"
)

// skipPhrases are the replies that decline a question. Matching is
// case-insensitive, anywhere in the reply, and starts on a word boundary so
// "compass" does not match "pass". Inflections such as "skipped" or "passing"
// match; other continuations such as "skipper" do not.
var skipPhrases = []string{
	"skip",
	"pass",
	"decline",
	"prefer not",
	"rather not",
	"don't want",
	"dont want",
	"do not want",
	"n/a",
	"not applicable",
	"no answer",
	"none of your business",
}

var skipPattern = buildSkipPattern(skipPhrases)

func buildSkipPattern(phrases []string) *regexp.Regexp {
	alts := make([]string, len(phrases))
	for i, p := range phrases {
		alts[i] = strings.ReplaceAll(regexp.QuoteMeta(p), " ", `\s+`)
	}
	// \b does not work next to "/" so boundaries are spelled out.
	return regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}])(?:` + strings.Join(alts, "|") + `)` +
		skipSuffixes + `(?:$|[^\p{L}\p{N}])`)
}

const skipSuffixes = `(?:s|es|d|ed|ing|ped|ping)?`

// IsSkip reports whether a reply asks to skip the current question. Reply
// length does not matter.
func IsSkip(raw string) bool {
	return skipPattern.MatchString(strings.ReplaceAll(raw, "’", "'"))
}
