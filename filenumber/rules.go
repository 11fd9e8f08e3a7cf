package filenumber

import (
	"fmt"
	"strconv"
	"strings"
)

// Rule pairs an independent predicate with the fixer that removes what it detects.
// Every rule sees the same intermediate form, so evaluation order does not matter.
type Rule struct {
	Type     IssueType
	Severity Severity
	Detect   func(f *form) bool
	Fix      func(f *form, policy Policy)
	Describe func(raw string, f *form) string
}

func DefaultRules() []Rule {
	return []Rule{paddingRule, yearRule, spacingRule, tempRule}
}

var paddingRule = Rule{
	Type:     IssuePadding,
	Severity: SeverityMedium,
	Detect: func(f *form) bool {
		return len(f.serial) > 1 && f.serial[0] == '0'
	},
	Fix: func(f *form, _ Policy) {
		f.serial = strings.TrimLeft(f.serial, "0")
		if f.serial == "" {
			f.serial = "0"
		}
	},
	Describe: func(raw string, f *form) string {
		return fmt.Sprintf("File number %q has leading zeros in serial %q", raw, f.serial)
	},
}

var yearRule = Rule{
	Type:     IssueYear,
	Severity: SeverityHigh,
	Detect: func(f *form) bool {
		return len(f.year) == 2
	},
	Fix: func(f *form, policy Policy) {
		yy, err := strconv.Atoi(f.year)
		if err != nil {
			return
		}
		f.year = strconv.Itoa(policy.ExpandYear(yy))
	},
	Describe: func(raw string, f *form) string {
		return fmt.Sprintf("File number %q uses a 2-digit year %q", raw, f.year)
	},
}

var spacingRule = Rule{
	Type:     IssueSpacing,
	Severity: SeverityMedium,
	Detect: func(f *form) bool {
		return !f.onlyTempWhitespace()
	},
	// parts are already hyphen-joined from the compacted copy; only the TEMP marker is left
	Fix: func(f *form, _ Policy) {
		if f.temp {
			f.tempMarker = tempSuffix
		}
	},
	Describe: func(raw string, _ *form) string {
		return fmt.Sprintf("File number %q contains stray whitespace", raw)
	},
}

var tempRule = Rule{
	Type:     IssueTemp,
	Severity: SeverityLow,
	Detect: func(f *form) bool {
		return f.temp && !f.tempCanonical()
	},
	Fix: func(f *form, _ Policy) {
		f.tempMarker = tempSuffix
	},
	Describe: func(raw string, f *form) string {
		return fmt.Sprintf("File number %q has non-standard TEMP marker %q", raw, strings.TrimSpace(f.tempMarker))
	},
}
