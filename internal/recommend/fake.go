package recommend

import (
	"context"
	"strings"
)

// GenericAdvice is returned by Fake when no known dangerous call is present.
const GenericAdvice = "No obvious security issue detected; follow secure coding practices and validate all inputs."

type cannedAdvice struct {
	marker string
	advice string
}

// checked in order against the lower-cased snippet
var cannedAdvices = []cannedAdvice{
	{
		marker: "eval(",
		advice: "Avoid using eval(). If you need to evaluate expressions, prefer parsing " +
			"and using safe evaluators like ast.literal_eval or restrict to a whitelist.",
	},
	{
		marker: "exec(",
		advice: "Avoid exec() on untrusted input. Refactor to functions or use safer " +
			"abstractions; validate and sanitize any dynamic code before execution.",
	},
	{
		marker: "input(",
		advice: "Validate and sanitize input() results before use. Consider using " +
			"strict parsing and limiting characters/length.",
	},
	{
		marker: "os.system(",
		advice: "Avoid os.system() with user-controlled input. Use subprocess with a list " +
			"of arguments and avoid shell=True to prevent command injection.",
	},
	{
		marker: "pickle.loads(",
		advice: "Never unpickle data from untrusted sources. Use safer serialization " +
			"formats like JSON or MessagePack instead.",
	},
	{
		marker: "subprocess.popen(",
		advice: "Use subprocess.run() with a list of arguments instead of a shell string. " +
			"Avoid shell=True and validate all inputs to prevent command injection.",
	},
}

// Fake is an offline Recommender keyed on dangerous call substrings.
type Fake struct{}

func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) Recommend(_ context.Context, snippet string) (string, error) {
	return FakeAdvice(snippet), nil
}

func (f *Fake) Available() bool { return true }

func (f *Fake) Name() string { return "fake" }

// FakeAdvice returns the canned advice for snippet.
func FakeAdvice(snippet string) string {
	s := strings.ToLower(snippet)
	for _, c := range cannedAdvices {
		if strings.Contains(s, c.marker) {
			return c.advice
		}
	}
	return GenericAdvice
}
