package recommend

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

type generateFunc func(ctx context.Context, model string, contents []*genai.Content) (*genai.GenerateContentResponse, error)

// Gemini implements Recommender with the Google GenAI SDK.
type Gemini struct {
	model    string
	generate generateFunc
	logger   *zap.Logger
}

// NewGemini creates a Gemini-backed Recommender.
func NewGemini(ctx context.Context, apiKey, model string, timeout time.Duration, logger *zap.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return newGemini(model, func(ctx context.Context, model string, contents []*genai.Content) (*genai.GenerateContentResponse, error) {
		return client.Models.GenerateContent(ctx, model, contents, nil)
	}, logger), nil
}

func newGemini(model string, generate generateFunc, logger *zap.Logger) *Gemini {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gemini{
		model:    model,
		generate: generate,
		logger:   logger.Named("gemini"),
	}
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Available() bool { return g.generate != nil }

func (g *Gemini) Recommend(ctx context.Context, snippet string) (string, error) {
	g.logger.Debug("calling model", zap.String("model", g.model))

	resp, err := g.generate(ctx, g.model, genai.Text(BuildPrompt(snippet)))
	if err != nil {
		return "", classifyError(fmt.Errorf("GenAI generate failed: %w", err))
	}

	text := geminiText(resp)
	if text == "" {
		g.logger.Warn("empty response from model", zap.String("model", g.model))
		return "", ErrEmptyCompletion
	}

	return text, nil
}

// geminiText joins the text parts of the first candidate.
func geminiText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}

	candidate := resp.Candidates[0]
	if candidate == nil || candidate.Content == nil {
		return ""
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}

	return strings.TrimSpace(sb.String())
}
