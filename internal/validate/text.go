package validate

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

var (
	emailPattern = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}$`)
	hexPattern   = regexp.MustCompile(`^#?([0-9A-Fa-f]{3}|[0-9A-Fa-f]{6})$`)
	nonDigit     = regexp.MustCompile(`\D`)
)

// ShortText accepts a trimmed reply of min..max characters, then applies the
// optional sub-format (full_name, phone, url, zip, state, ein, hex_color).
func ShortText(raw string, min, max int, format string) (models.Answer, *Rejection) {
	a, rej := text(raw, min, max)
	if rej != nil || format == "" {
		return a, rej
	}
	return applyFormat(a.Value, format)
}

// LongText accepts a trimmed reply of min..max characters.
func LongText(raw string, min, max int) (models.Answer, *Rejection) {
	return text(raw, min, max)
}

func text(raw string, min, max int) (models.Answer, *Rejection) {
	v := strings.TrimSpace(raw)
	if min < 1 {
		min = 1
	}
	n := utf8.RuneCountInString(v)
	if n == 0 {
		return models.Answer{}, reject("Please type an answer.")
	}
	if n < min {
		return models.Answer{}, reject(fmt.Sprintf("Please give a bit more detail (at least %d characters).", min))
	}
	if max > 0 && n > max {
		return models.Answer{}, reject(fmt.Sprintf("Please keep your answer under %d characters.", max))
	}
	return models.TextAnswer(v), nil
}

// Email lower-cases the address and checks it has a local part, a domain and a TLD.
func Email(raw string) (models.Answer, *Rejection) {
	v := strings.ToLower(strings.TrimSpace(raw))
	v = strings.TrimRight(v, ".")
	if !emailPattern.MatchString(v) || strings.Contains(v, "..") {
		return models.Answer{}, reject("Please provide a valid email address (e.g., info@practice.com).")
	}
	return models.TextAnswer(v), nil
}

func applyFormat(v, format string) (models.Answer, *Rejection) {
	switch format {
	case "full_name":
		return FullName(v)
	case "phone":
		return Phone(v)
	case "url":
		return URL(v)
	case "zip":
		return ZIP(v)
	case "state":
		return StateCode(v)
	case "ein":
		return EIN(v)
	case "hex_color":
		return HexColor(v)
	}
	return models.TextAnswer(v), nil
}

var nameTitles = map[string]bool{
	"dr": true, "mr": true, "mrs": true, "ms": true, "mx": true, "miss": true, "prof": true, "rev": true,
	"md": true, "do": true, "phd": true, "dds": true, "dmd": true, "np": true, "pa": true, "rn": true,
	"dc": true, "jr": true, "sr": true,
}

// FullName requires a first and last name once titles and credentials are removed.
func FullName(raw string) (models.Answer, *Rejection) {
	v := strings.Join(strings.Fields(raw), " ")
	var parts []string
	for _, w := range strings.Fields(v) {
		bare := strings.ToLower(strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) }))
		if bare == "" || nameTitles[bare] {
			continue
		}
		parts = append(parts, bare)
	}
	if len(parts) < 2 || utf8.RuneCountInString(parts[len(parts)-1]) < 2 {
		return models.Answer{}, reject("Please share your full first and last name.")
	}
	return models.TextAnswer(v), nil
}

// Phone accepts a 10-digit US number, or 11 digits with a leading 1.
func Phone(raw string) (models.Answer, *Rejection) {
	d := nonDigit.ReplaceAllString(raw, "")
	switch {
	case len(d) == 10:
		return models.TextAnswer(fmt.Sprintf("(%s) %s-%s", d[:3], d[3:6], d[6:])), nil
	case len(d) == 11 && d[0] == '1':
		return models.TextAnswer(fmt.Sprintf("+1 (%s) %s-%s", d[1:4], d[4:7], d[7:])), nil
	}
	return models.Answer{}, reject("Please provide a valid 10-digit phone number.")
}

// URL adds a missing https:// scheme and requires a dotted host.
func URL(raw string) (models.Answer, *Rejection) {
	v := strings.TrimSpace(raw)
	if strings.ContainsAny(v, " \t\n") {
		return models.Answer{}, reject("Please provide a valid web address (e.g., https://practice.com).")
	}
	if !strings.Contains(v, "://") {
		v = "https://" + v
	}
	u, err := url.Parse(v)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || !strings.Contains(u.Host, ".") ||
		strings.HasPrefix(u.Host, ".") || strings.HasSuffix(u.Host, ".") {
		return models.Answer{}, reject("Please provide a valid web address (e.g., https://practice.com).")
	}
	u.Host = strings.ToLower(u.Host)
	return models.TextAnswer(u.String()), nil
}

// ZIP accepts 5 or 9 digit US ZIP codes.
func ZIP(raw string) (models.Answer, *Rejection) {
	v := strings.TrimSpace(raw)
	d := nonDigit.ReplaceAllString(v, "")
	if strings.IndexFunc(v, unicode.IsLetter) >= 0 {
		d = ""
	}
	switch len(d) {
	case 5:
		return models.TextAnswer(d), nil
	case 9:
		return models.TextAnswer(d[:5] + "-" + d[5:]), nil
	}
	return models.Answer{}, reject("Please provide a valid 5-digit ZIP code.")
}

// EIN accepts nine digits in any grouping and returns the XX-XXXXXXX form.
func EIN(raw string) (models.Answer, *Rejection) {
	v := strings.TrimSpace(raw)
	d := nonDigit.ReplaceAllString(v, "")
	if len(d) != 9 || strings.IndexFunc(v, unicode.IsLetter) >= 0 {
		return models.Answer{}, reject("Please provide your 9-digit EIN (e.g., 12-3456789).")
	}
	return models.TextAnswer(d[:2] + "-" + d[2:]), nil
}

// HexColor accepts #RGB or #RRGGBB, with or without the hash, and returns #RRGGBB.
func HexColor(raw string) (models.Answer, *Rejection) {
	v := strings.TrimSpace(raw)
	m := hexPattern.FindStringSubmatch(v)
	if m == nil {
		return models.Answer{}, reject("Please provide a hex color code (e.g., #FF5733).")
	}
	h := strings.ToUpper(m[1])
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	return models.TextAnswer("#" + h), nil
}

// StateCode accepts a two-letter code or a full state name and returns the code.
func StateCode(raw string) (models.Answer, *Rejection) {
	v := strings.ToUpper(strings.Trim(strings.TrimSpace(raw), "."))
	if _, ok := stateNames[v]; ok {
		return models.TextAnswer(v), nil
	}
	for code, name := range stateNames {
		if strings.EqualFold(name, v) {
			return models.TextAnswer(code), nil
		}
	}
	return models.Answer{}, reject("Please provide a valid two-letter state code (e.g., CA, NY).")
}

var stateNames = map[string]string{
	"AL": "Alabama", "AK": "Alaska", "AZ": "Arizona", "AR": "Arkansas", "CA": "California",
	"CO": "Colorado", "CT": "Connecticut", "DE": "Delaware", "FL": "Florida", "GA": "Georgia",
	"HI": "Hawaii", "ID": "Idaho", "IL": "Illinois", "IN": "Indiana", "IA": "Iowa",
	"KS": "Kansas", "KY": "Kentucky", "LA": "Louisiana", "ME": "Maine", "MD": "Maryland",
	"MA": "Massachusetts", "MI": "Michigan", "MN": "Minnesota", "MS": "Mississippi", "MO": "Missouri",
	"MT": "Montana", "NE": "Nebraska", "NV": "Nevada", "NH": "New Hampshire", "NJ": "New Jersey",
	"NM": "New Mexico", "NY": "New York", "NC": "North Carolina", "ND": "North Dakota", "OH": "Ohio",
	"OK": "Oklahoma", "OR": "Oregon", "PA": "Pennsylvania", "RI": "Rhode Island", "SC": "South Carolina",
	"SD": "South Dakota", "TN": "Tennessee", "TX": "Texas", "UT": "Utah", "VT": "Vermont",
	"VA": "Virginia", "WA": "Washington", "WV": "West Virginia", "WI": "Wisconsin", "WY": "Wyoming",
	"DC": "District of Columbia", "PR": "Puerto Rico",
}
