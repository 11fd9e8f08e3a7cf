package filenumber

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type IssueType string

const (
	IssuePadding IssueType = "padding"
	IssueYear    IssueType = "year"
	IssueSpacing IssueType = "spacing"
	IssueTemp    IssueType = "temp"
	IssueMissing IssueType = "missing"
)

type Severity string

const (
	SeverityLow    Severity = "Low"
	SeverityMedium Severity = "Medium"
	SeverityHigh   Severity = "High"
)

const tempSuffix = " (TEMP)"

const DefaultCenturyCutoff = 50

// Issue is a single deviation from the canonical file number format.
type Issue struct {
	Type         IssueType `json:"issueType"`
	Description  string    `json:"description"`
	SuggestedFix *string   `json:"suggestedFix,omitempty"`
	AutoFixable  bool      `json:"autoFixable"`
	Severity     Severity  `json:"severity"`
}

// Parts are the semantic pieces of a file number.
type Parts struct {
	Prefix []string `json:"prefix"`
	Year   int      `json:"year"`
	Serial int      `json:"serial"`
	Temp   bool     `json:"temp"`
}

// String renders PREFIX(-PREFIX)*-YYYY-N[ (TEMP)].
func (p Parts) String() string {
	s := fmt.Sprintf("%s-%04d-%d", strings.Join(p.Prefix, "-"), p.Year, p.Serial)
	if p.Temp {
		s += tempSuffix
	}
	return s
}

type Result struct {
	Raw        string  `json:"raw"`
	Canonical  string  `json:"canonical"`
	Recognized bool    `json:"recognized"`
	Parts      *Parts  `json:"parts,omitempty"`
	Issues     []Issue `json:"issues"`
}

// HasIssue reports whether the result carries an issue of the given type.
func (r Result) HasIssue(t IssueType) bool {
	for _, issue := range r.Issues {
		if issue.Type == t {
			return true
		}
	}
	return false
}

type Policy struct {
	// two digit years below the cutoff land in 20YY, the rest in 19YY
	CenturyCutoff int
}

func DefaultPolicy() Policy {
	return Policy{CenturyCutoff: DefaultCenturyCutoff}
}

func (p Policy) ExpandYear(yy int) int {
	if yy < p.CenturyCutoff {
		return 2000 + yy
	}
	return 1900 + yy
}

type Normalizer struct {
	Policy Policy
	Rules  []Rule
}

// NewNormalizer accepts a cutoff of 0..99; 0 puts every two-digit year in the 1900s.
// Anything outside that range falls back to DefaultCenturyCutoff.
func NewNormalizer(policy Policy) *Normalizer {
	if policy.CenturyCutoff < 0 || policy.CenturyCutoff > 99 {
		policy.CenturyCutoff = DefaultCenturyCutoff
	}
	return &Normalizer{Policy: policy, Rules: DefaultRules()}
}

var defaultNormalizer = NewNormalizer(DefaultPolicy())

// Normalize runs the default rule set with the default century cutoff.
func Normalize(raw string) Result {
	return defaultNormalizer.Normalize(raw)
}

var (
	// a TEMP marker trailing the serial, with whatever separator the operator typed
	tempPattern     = regexp.MustCompile(`(?i)^(.*\d)([\s-]*)(\(TEMP\)|\(TEMP|\(T\)|TEMP|T)$`)
	hyphenSpaces    = regexp.MustCompile(`\s*-\s*`)
	strayWhitespace = regexp.MustCompile(`\s+`)
	shapePattern    = regexp.MustCompile(`^([A-Za-z]+(?:-[A-Za-z]+)*)-(\d{2}|\d{4})-(\d+)$`)
	anyWhitespace   = regexp.MustCompile(`\s`)
)

// form is the intermediate representation every rule inspects and fixes.
type form struct {
	raw        string
	base       string // trimmed raw without the TEMP marker
	compact    string // base with whitespace collapsed to hyphens
	tempMarker string // separator + token exactly as typed, empty when absent
	prefix     []string
	year       string
	serial     string
	temp       bool
}

func (f *form) tempCanonical() bool {
	return f.tempMarker == tempSuffix
}

// onlyTempWhitespace is true when every whitespace character of the raw value
// belongs to the TEMP marker.
func (f *form) onlyTempWhitespace() bool {
	return f.raw == strings.TrimSpace(f.raw) && !anyWhitespace.MatchString(f.base)
}

func compact(s string) string {
	s = hyphenSpaces.ReplaceAllString(s, "-")
	return strayWhitespace.ReplaceAllString(s, "-")
}

func parse(raw string) (*form, bool) {
	f := &form{raw: raw}
	trimmed := strings.TrimSpace(raw)
	f.base = trimmed
	if m := tempPattern.FindStringSubmatch(trimmed); m != nil {
		f.base = m[1]
		f.tempMarker = m[2] + m[3]
		f.temp = true
	}
	f.compact = compact(f.base)

	m := shapePattern.FindStringSubmatch(f.compact)
	if m == nil {
		return f, false
	}
	f.prefix = strings.Split(m[1], "-")
	f.year = m[2]
	f.serial = m[3]
	return f, true
}

// Normalize returns the canonical form of raw together with every issue found.
// Values that match no known shape are passed through without issues.
func (n *Normalizer) Normalize(raw string) Result {
	result := Result{Raw: raw, Issues: []Issue{}}
	if strings.TrimSpace(raw) == "" {
		result.Issues = append(result.Issues, Issue{
			Type:        IssueMissing,
			Description: "File number is missing",
			AutoFixable: false,
			Severity:    SeverityHigh,
		})
		return result
	}

	f, ok := parse(raw)
	if !ok {
		result.Canonical = fallbackKey(f)
		return result
	}

	type hit struct {
		rule        Rule
		description string
	}
	var fired []hit
	for _, rule := range n.Rules {
		if rule.Detect(f) {
			fired = append(fired, hit{rule: rule, description: rule.Describe(raw, f)})
		}
	}
	for _, h := range fired {
		h.rule.Fix(f, n.Policy)
	}

	parts, err := f.parts()
	if err != nil {
		result.Canonical = fallbackKey(f)
		return result
	}
	result.Recognized = true
	result.Parts = parts
	result.Canonical = parts.String()

	for _, h := range fired {
		fix := result.Canonical
		result.Issues = append(result.Issues, Issue{
			Type:         h.rule.Type,
			Description:  h.description,
			SuggestedFix: &fix,
			AutoFixable:  true,
			Severity:     h.rule.Severity,
		})
	}
	return result
}

func (f *form) parts() (*Parts, error) {
	year, err := strconv.Atoi(f.year)
	if err != nil || len(f.year) != 4 {
		return nil, fmt.Errorf("year %q is not four digits", f.year)
	}
	serial, err := strconv.Atoi(f.serial)
	if err != nil {
		return nil, err
	}
	prefix := make([]string, len(f.prefix))
	for i, p := range f.prefix {
		prefix[i] = strings.ToUpper(p)
	}
	return &Parts{Prefix: prefix, Year: year, Serial: serial, Temp: f.temp}, nil
}

func fallbackKey(f *form) string {
	key := strings.ToUpper(f.compact)
	if f.temp {
		key += tempSuffix
	}
	return key
}
