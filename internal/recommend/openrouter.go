package recommend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// OpenRouterConfig configures the chat-completions HTTP provider.
type OpenRouterConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	FallbackModels []string // substituted on each rate-limited retry
	SiteURL        string   // optional HTTP-Referer
	SiteName       string   // optional X-Title
	Timeout        time.Duration
	MaxAttempts    int
	BaseBackoff    time.Duration // doubled after every 429
}

// DefaultOpenRouterConfig returns the settings used when nothing is overridden.
func DefaultOpenRouterConfig(apiKey string) OpenRouterConfig {
	return OpenRouterConfig{
		APIKey:  apiKey,
		BaseURL: "https://openrouter.ai/api/v1",
		Model:   "google/gemma-3-27b-it:free",
		FallbackModels: []string{
			"google/gemma-3-12b-it:free",
			"google/gemma-3-4b-it:free",
		},
		Timeout:     60 * time.Second,
		MaxAttempts: 3,
		BaseBackoff: time.Second,
	}
}

// OpenRouter implements Recommender against an OpenAI-compatible
// /chat/completions endpoint.
type OpenRouter struct {
	config     OpenRouterConfig
	httpClient *http.Client
	logger     *zap.Logger
}

func NewOpenRouter(config OpenRouterConfig, logger *zap.Logger) *OpenRouter {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenRouter{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger.Named("openrouter"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message *struct {
			Content string `json:"content"`
		} `json:"message"`
		Text string `json:"text"`
	} `json:"choices"`
	Text    string `json:"text"`
	Content string `json:"content"`
	Error   *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (c *OpenRouter) Name() string { return "openrouter" }

func (c *OpenRouter) Available() bool { return c.config.APIKey != "" }

// Model returns the model used for the given zero-based attempt.
func (c *OpenRouter) Model(attempt int) string {
	if attempt == 0 || len(c.config.FallbackModels) == 0 {
		return c.config.Model
	}
	idx := attempt - 1
	if idx > len(c.config.FallbackModels)-1 {
		idx = len(c.config.FallbackModels) - 1
	}
	return c.config.FallbackModels[idx]
}

// Recommend posts the prompt, retrying on HTTP 429 with exponential backoff
// and progressively smaller fallback models.
func (c *OpenRouter) Recommend(ctx context.Context, snippet string) (string, error) {
	if c.config.APIKey == "" {
		return "", ErrNotConfigured
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + "/chat/completions"
	reqBody := chatRequest{
		Messages: []chatMessage{{Role: "user", Content: BuildPrompt(snippet)}},
	}

	var lastErr error
	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		reqBody.Model = c.Model(attempt)
		c.logger.Debug("posting completion request",
			zap.String("url", url),
			zap.String("model", reqBody.Model),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", c.config.MaxAttempts))

		status, body, err := c.post(ctx, url, reqBody)
		if err != nil {
			return "", classifyError(err)
		}

		if status == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("%w: HTTP 429 on model %s", ErrRateLimited, reqBody.Model)
			// No wait after the last model: there is nothing left to retry.
			if attempt == c.config.MaxAttempts-1 {
				break
			}
			wait := c.config.BaseBackoff << uint(attempt)
			c.logger.Warn("rate limited, backing off",
				zap.String("model", reqBody.Model),
				zap.Duration("wait", wait))
			if err := sleep(ctx, wait); err != nil {
				return "", err
			}
			continue
		}

		if status < 200 || status >= 300 {
			c.logger.Error("completion request failed",
				zap.Int("status", status),
				zap.String("body", truncate(string(body), 500)))
			return "", fmt.Errorf("%w: HTTP %d: %s", ErrUpstream, status, truncate(string(body), 500))
		}

		text, err := extractCompletion(body)
		if err != nil {
			c.logger.Warn("empty completion", zap.Error(err))
			return "", err
		}
		c.logger.Debug("received completion", zap.Int("length", len(text)))
		return text, nil
	}

	return "", lastErr
}

func (c *OpenRouter) post(ctx context.Context, url string, payload chatRequest) (int, []byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	if c.config.SiteURL != "" {
		req.Header.Set("HTTP-Referer", c.config.SiteURL)
	}
	if c.config.SiteName != "" {
		req.Header.Set("X-Title", c.config.SiteName)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}

	return resp.StatusCode, body, nil
}

// extractCompletion understands the chat shape (choices[].message.content)
// and the plain-text shapes (choices[].text, top-level text or content).
func extractCompletion(body []byte) (string, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEmptyCompletion, err)
	}

	if resp.Error != nil && resp.Error.Message != "" {
		return "", classifyError(fmt.Errorf("%w: %s (code %v)", ErrUpstream, resp.Error.Message, resp.Error.Code))
	}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.Message != nil && strings.TrimSpace(choice.Message.Content) != "" {
			return choice.Message.Content, nil
		}
		if strings.TrimSpace(choice.Text) != "" {
			return choice.Text, nil
		}
	}

	if strings.TrimSpace(resp.Text) != "" {
		return resp.Text, nil
	}
	if strings.TrimSpace(resp.Content) != "" {
		return resp.Content, nil
	}

	return "", ErrEmptyCompletion
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
