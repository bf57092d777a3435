// Package security implements the perimeter request filter: origin and
// method validation, proxy-spoofing rejection, injection-pattern detection
// with per-client violation throttling, and response security headers.
// Detection is pattern-based and intentionally conservative; it is a
// perimeter heuristic, not a guarantee.
package security

import "regexp"

// Severity represents the impact level of a pattern match.
type Severity string

const (
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Pattern declares one detection rule: a compiled expression and its
// classification.
type Pattern struct {
	Name     string
	Expr     *regexp.Regexp
	Severity Severity
}

// Violation type labels, used for metrics and the throttle counter key.
const (
	ViolationOrigin       = "origin"
	ViolationMethod       = "method"
	ViolationSpoofHeader  = "header_spoofing"
	ViolationSQLInjection = "sql_injection"
	ViolationXSS          = "xss"
)

var sqlPatterns = []Pattern{
	{
		Name:     "sql.union-select",
		Expr:     regexp.MustCompile(`(?i)union\s+select`),
		Severity: SeverityHigh,
	},
	{
		Name:     "sql.tautology",
		Expr:     regexp.MustCompile(`(?i)\b(or|and)\s+\d+\s*=\s*\d+`),
		Severity: SeverityHigh,
	},
	{
		Name:     "sql.stacked-query",
		Expr:     regexp.MustCompile(`(?i);\s*(drop|delete|insert|update|alter|truncate)\b`),
		Severity: SeverityHigh,
	},
	{
		Name:     "sql.quoted-boolean",
		Expr:     regexp.MustCompile(`(?i)'\s*(or|and)\s+'`),
		Severity: SeverityHigh,
	},
	{
		Name:     "sql.comment-probe",
		Expr:     regexp.MustCompile(`(?i)(\bor\b|\band\b|')\s*(--|#)`),
		Severity: SeverityMedium,
	},
}

var xssPatterns = []Pattern{
	{
		Name:     "xss.script-tag",
		Expr:     regexp.MustCompile(`(?i)<\s*script\b`),
		Severity: SeverityHigh,
	},
	{
		Name:     "xss.iframe-tag",
		Expr:     regexp.MustCompile(`(?i)<\s*iframe\b`),
		Severity: SeverityHigh,
	},
	{
		Name:     "xss.event-handler",
		Expr:     regexp.MustCompile(`(?i)\bon(load|error|click|mouseover|mouseout|focus|blur|submit|change|keydown|keyup)\s*=`),
		Severity: SeverityHigh,
	},
	{
		Name:     "xss.javascript-uri",
		Expr:     regexp.MustCompile(`(?i)javascript\s*:`),
		Severity: SeverityHigh,
	},
	{
		Name:     "xss.data-html-uri",
		Expr:     regexp.MustCompile(`(?i)data\s*:\s*text/html`),
		Severity: SeverityMedium,
	},
}

// DetectSQLInjection scans input against the SQL injection pattern table and
// returns the first matching pattern name.
func DetectSQLInjection(input string) (string, bool) {
	return match(sqlPatterns, input)
}

// DetectXSS scans input against the XSS pattern table and returns the first
// matching pattern name.
func DetectXSS(input string) (string, bool) {
	return match(xssPatterns, input)
}

func match(patterns []Pattern, input string) (string, bool) {
	if input == "" {
		return "", false
	}
	for _, p := range patterns {
		if p.Expr.MatchString(input) {
			return p.Name, true
		}
	}
	return "", false
}
