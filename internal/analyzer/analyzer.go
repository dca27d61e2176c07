// Package analyzer is the deterministic gate in front of every sandbox
// launch: a pre-compiled regex rule engine over generated code and container
// recipes. No LLM is ever in the loop here.
package analyzer

import (
	"strings"
)

// Severity of a finding.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
)

// Finding is one rule match in the analyzed text.
type Finding struct {
	Rule        string   `json:"rule"`
	Severity    Severity `json:"severity"`
	Line        int      `json:"line"`
	Snippet     string   `json:"snippet"`
	Description string   `json:"description"`
}

// Report is the outcome of an analysis. Passed is true iff no critical
// finding matched.
type Report struct {
	Passed        bool      `json:"passed"`
	CriticalCount int       `json:"critical_count"`
	WarningCount  int       `json:"warning_count"`
	Findings      []Finding `json:"findings"`
}

// SDKMarker identifies the injected runtime SDK line inside generated apps.
// Lines carrying it are exempt from code rules, as is the first-line
// capabilities comment.
const SDKMarker = "llmos-sdk"

const snippetMax = 120

// Analyze runs the code rule set over an HTML/JS app body.
func Analyze(code string) Report {
	lines := strings.Split(code, "\n")
	var findings []Finding

	for i, line := range lines {
		if exemptLine(i, line) {
			continue
		}
		for _, rule := range codeRules {
			if rule.pattern.MatchString(line) {
				findings = append(findings, Finding{
					Rule:        rule.id,
					Severity:    rule.severity,
					Line:        i + 1,
					Snippet:     snippet(line),
					Description: rule.description,
				})
			}
		}
	}

	// Rules that only make sense across line boundaries run on the whole
	// body; the finding is anchored to the line the match starts on.
	for _, rule := range blockRules {
		loc := rule.pattern.FindStringIndex(code)
		if loc == nil {
			continue
		}
		lineNo := 1 + strings.Count(code[:loc[0]], "\n")
		findings = append(findings, Finding{
			Rule:        rule.id,
			Severity:    rule.severity,
			Line:        lineNo,
			Snippet:     snippet(lines[lineNo-1]),
			Description: rule.description,
		})
	}

	return summarize(findings)
}

// AnalyzeDockerfile runs the container-recipe rule set. Comment lines are
// ignored.
func AnalyzeDockerfile(recipe string) Report {
	lines := strings.Split(recipe, "\n")
	var findings []Finding

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if i == 0 && isCapabilityComment(trimmed) {
			continue
		}
		for _, rule := range dockerRules {
			if rule.pattern.MatchString(line) {
				findings = append(findings, Finding{
					Rule:        rule.id,
					Severity:    rule.severity,
					Line:        i + 1,
					Snippet:     snippet(line),
					Description: rule.description,
				})
			}
		}
	}

	return summarize(findings)
}

func summarize(findings []Finding) Report {
	r := Report{Findings: findings}
	for _, f := range findings {
		switch f.Severity {
		case SeverityCritical:
			r.CriticalCount++
		case SeverityWarning:
			r.WarningCount++
		}
	}
	r.Passed = r.CriticalCount == 0
	return r
}

func exemptLine(idx int, line string) bool {
	if idx == 0 && isCapabilityComment(strings.TrimSpace(line)) {
		return true
	}
	return strings.Contains(line, SDKMarker)
}

func isCapabilityComment(line string) bool {
	return strings.HasPrefix(line, "<!-- capabilities:") ||
		strings.HasPrefix(line, "// capabilities:") ||
		strings.HasPrefix(line, "# capabilities:")
}

func snippet(line string) string {
	s := strings.TrimSpace(line)
	if len(s) > snippetMax {
		s = s[:snippetMax] + "…"
	}
	return s
}
