package scanner

import "strings"

type Severity string

const (
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) String() string {
	return string(s)
}

// ClassifySeverity derives a severity from the pattern text alone.
func ClassifySeverity(pattern string) Severity {
	p := strings.ToLower(pattern)
	if strings.Contains(p, "eval") {
		return SeverityCritical
	}
	if strings.Contains(p, "input") {
		return SeverityMedium
	}
	return SeverityHigh
}

// Finding is one dangerous-pattern match on one source line.
type Finding struct {
	Line             int      `json:"line"`
	Code             string   `json:"code"`
	Pattern          string   `json:"pattern"`
	Severity         Severity `json:"severity"`
	AIRecommendation *string  `json:"ai_recommendation"`
	File             string   `json:"file,omitempty"`
}

// Summary counts findings per severity.
type Summary struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Total    int `json:"total"`
}

func Summarize(findings []Finding) Summary {
	summary := Summary{Total: len(findings)}
	for _, f := range findings {
		switch f.Severity {
		case SeverityCritical:
			summary.Critical++
		case SeverityHigh:
			summary.High++
		case SeverityMedium:
			summary.Medium++
		}
	}
	return summary
}
