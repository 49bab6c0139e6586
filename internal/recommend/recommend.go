// Package recommend produces natural-language remediation advice for code
// snippets, either from an LLM provider or from a deterministic table.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Recommender returns remediation text for a single snippet.
type Recommender interface {
	Recommend(ctx context.Context, snippet string) (string, error)
	Available() bool
	Name() string
}

var (
	ErrNotConfigured   = errors.New("recommend: no provider configured")
	ErrDisabled        = errors.New("recommend: AI disabled")
	ErrRateLimited     = errors.New("recommend: provider rate limited")
	ErrEmptyCompletion = errors.New("recommend: empty completion")
	ErrUpstream        = errors.New("recommend: upstream request failed")
)

const promptTemplate = `You are a security expert. Analyze the following code snippet and:
1. Identify any security vulnerabilities present.
2. Explain the risk clearly and concisely.
3. Provide a concrete, secure fix or mitigation.

Code snippet:
%s
`

// BuildPrompt embeds snippet in the fixed instruction template.
func BuildPrompt(snippet string) string {
	return fmt.Sprintf(promptTemplate, snippet)
}

// A bare 429 only counts when it reads as a status code, so addresses and
// ports containing the digits are not mistaken for throttling.
var statusTooManyRequests = regexp.MustCompile(`\b(?:status|error|code|http)\b\W{0,3}429\b`)

// IsRateLimitMessage reports whether an error text describes a rate limit.
func IsRateLimitMessage(msg string) bool {
	m := strings.ToLower(msg)
	for _, marker := range []string{"rate limit", "rate_limit", "ratelimit", "too many requests", "resource_exhausted"} {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return statusTooManyRequests.MatchString(m)
}

// classifyError tags provider errors whose text indicates throttling.
func classifyError(err error) error {
	if err == nil || errors.Is(err, ErrRateLimited) {
		return err
	}
	if IsRateLimitMessage(err.Error()) {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return err
}
