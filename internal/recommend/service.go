package recommend

import (
	"context"
	"errors"

	"github.com/invisithreat/invisithreat/internal/config"
	"go.uber.org/zap"
)

// NewProvider selects the concrete provider named by cfg: OpenRouter when its
// key is set, otherwise Gemini, otherwise none (nil, nil). Fake mode is handled
// by Service and never reaches here.
func NewProvider(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Recommender, error) {
	switch {
	case cfg.OpenRouterAPIKey != "":
		orCfg := DefaultOpenRouterConfig(cfg.OpenRouterAPIKey)
		if cfg.OpenRouterBaseURL != "" {
			orCfg.BaseURL = cfg.OpenRouterBaseURL
		}
		if cfg.OpenRouterModel != "" {
			orCfg.Model = cfg.OpenRouterModel
			orCfg.FallbackModels = cfg.OpenRouterFallbackModels
		}
		if cfg.AIHTTPTimeout > 0 {
			orCfg.Timeout = cfg.AIHTTPTimeout
		}
		orCfg.SiteURL = cfg.OpenRouterSiteURL
		orCfg.SiteName = cfg.OpenRouterSiteName
		return NewOpenRouter(orCfg, logger), nil

	case cfg.GeminiAPIKey != "":
		gemini, err := NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.AIHTTPTimeout, logger)
		if err != nil {
			return nil, err
		}
		return gemini, nil

	default:
		return nil, nil
	}
}

// Service is the single entry point the enrichment pipeline talks to. It
// applies fake mode, the AI enable toggle and the rate-limit fallback on top
// of the selected provider.
type Service struct {
	provider        Recommender
	fake            *Fake
	fakeMode        bool
	fakeOnRateLimit bool
	useAI           bool
	logger          *zap.Logger
}

// NewService wraps provider (which may be nil) with the policy from cfg.
func NewService(cfg *config.Config, provider Recommender, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		provider:        provider,
		fake:            NewFake(),
		fakeMode:        cfg.FakeAI,
		fakeOnRateLimit: cfg.FakeAI || cfg.FakeAIOnRateLimit,
		useAI:           cfg.UseAI,
		logger:          logger.Named("recommend"),
	}
}

func (s *Service) Name() string {
	if s.fakeMode {
		return s.fake.Name()
	}
	if s.provider == nil {
		return "none"
	}
	return s.provider.Name()
}

// Available reports whether Recommend can produce text at all.
func (s *Service) Available() bool {
	if s.fakeMode {
		return true
	}
	return s.provider != nil && s.useAI && s.provider.Available()
}

func (s *Service) Recommend(ctx context.Context, snippet string) (string, error) {
	if s.fakeMode {
		return s.fake.Recommend(ctx, snippet)
	}

	if s.provider == nil {
		return "", ErrNotConfigured
	}

	if !s.useAI {
		return "", ErrDisabled
	}

	text, err := s.provider.Recommend(ctx, snippet)
	if err != nil {
		if errors.Is(err, ErrRateLimited) && s.fakeOnRateLimit {
			s.logger.Warn("provider rate limited, using offline advice",
				zap.String("provider", s.provider.Name()),
				zap.Error(err))
			return s.fake.Recommend(ctx, snippet)
		}
		return "", err
	}

	return text, nil
}
