// Package scanner finds dangerous function calls in source text.
package scanner

import (
	"regexp"
	"strings"
)

// Pattern is a single dangerous-call rule.
type Pattern struct {
	Source   string
	Severity Severity
	re       *regexp.Regexp
}

// NewPattern compiles source and classifies its severity.
func NewPattern(source string) (Pattern, error) {
	re, err := regexp.Compile(source)
	if err != nil {
		return Pattern{}, err
	}
	return Pattern{Source: source, Severity: ClassifySeverity(source), re: re}, nil
}

func mustPattern(source string) Pattern {
	p, err := NewPattern(source)
	if err != nil {
		panic(err)
	}
	return p
}

// DefaultPatterns returns the built-in rules in match order.
func DefaultPatterns() []Pattern {
	return []Pattern{
		mustPattern(`eval\(`),
		mustPattern(`exec\(`),
		mustPattern(`os\.system\(`),
		mustPattern(`subprocess\.Popen\(`),
		mustPattern(`pickle\.loads\(`),
		mustPattern(`input\(`),
	}
}

// Matcher applies an ordered pattern list to source text.
type Matcher struct {
	patterns []Pattern
}

func NewMatcher(patterns ...Pattern) *Matcher {
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	return &Matcher{patterns: patterns}
}

// Patterns returns the pattern sources in match order.
func (m *Matcher) Patterns() []string {
	names := make([]string, len(m.patterns))
	for i, p := range m.patterns {
		names[i] = p.Source
	}
	return names
}

// Scan emits one finding per (line, matching pattern) pair. Lines are split on
// '\n' and numbered from 1; the returned slice is never nil.
func (m *Matcher) Scan(code string) []Finding {
	findings := make([]Finding, 0)

	for i, line := range strings.Split(code, "\n") {
		for _, p := range m.patterns {
			if !p.re.MatchString(line) {
				continue
			}
			findings = append(findings, Finding{
				Line:     i + 1,
				Code:     strings.TrimSpace(line),
				Pattern:  p.Source,
				Severity: p.Severity,
			})
		}
	}

	return findings
}

var defaultMatcher = NewMatcher()

// Scan runs the built-in patterns over code.
func Scan(code string) []Finding {
	return defaultMatcher.Scan(code)
}
