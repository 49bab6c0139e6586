package enrich

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/invisithreat/invisithreat/internal/config"
	"github.com/invisithreat/invisithreat/internal/recommend"
	"github.com/invisithreat/invisithreat/internal/scanner"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Store is the slice of the persistence layer enrichment writes to.
type Store interface {
	UpdateRecommendations(ctx context.Context, texts map[int64]string) (int, error)
}

type Publisher interface {
	PublishRecommendationsStored(ids []int64, updated int) error
}

type Options struct {
	Workers           int
	ItemTimeout       time.Duration
	BackgroundTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Workers:           4,
		ItemTimeout:       8 * time.Second,
		BackgroundTimeout: 90 * time.Second,
	}
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Workers:           cfg.SyncWorkers,
		ItemTimeout:       cfg.SyncItemTimeout,
		BackgroundTimeout: cfg.BackgroundTimeout,
	}
}

// Enricher attaches AI recommendations to findings, either inline for a
// response or in the background for persisted rows. Provider failures and
// deadline expiry never surface as errors; the recommendation is just absent.
type Enricher struct {
	provider  recommend.Recommender
	store     Store
	publisher Publisher
	opts      Options
	logger    *zap.Logger

	wg sync.WaitGroup
}

func New(provider recommend.Recommender, store Store, publisher Publisher, opts Options, logger *zap.Logger) *Enricher {
	defaults := DefaultOptions()
	if opts.Workers < 1 {
		opts.Workers = defaults.Workers
	}
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = defaults.ItemTimeout
	}
	if opts.BackgroundTimeout <= 0 {
		opts.BackgroundTimeout = defaults.BackgroundTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Enricher{
		provider:  provider,
		store:     store,
		publisher: publisher,
		opts:      opts,
		logger:    logger.Named("enrich"),
	}
}

func (e *Enricher) Available() bool {
	return e.provider != nil && e.provider.Available()
}

// EnrichBatch returns a copy of findings with AIRecommendation filled where
// the provider answered within ItemTimeout. At most min(Workers, len) calls
// run at once and nothing is retried.
func (e *Enricher) EnrichBatch(ctx context.Context, findings []scanner.Finding) []scanner.Finding {
	out := slices.Clone(findings)
	if out == nil {
		out = []scanner.Finding{}
	}

	if !e.Available() {
		for i := range out {
			out[i].AIRecommendation = nil
		}
		return out
	}

	if len(out) == 0 {
		return out
	}

	var g errgroup.Group
	g.SetLimit(min(e.opts.Workers, len(out)))

	for i := range out {
		g.Go(func() error {
			out[i].AIRecommendation = e.call(ctx, e.opts.ItemTimeout, out[i].Code)
			return nil
		})
	}

	_ = g.Wait()

	return out
}

// Recommend makes a single bounded call for one finding.
func (e *Enricher) Recommend(ctx context.Context, finding scanner.Finding) *string {
	if !e.Available() {
		return nil
	}
	return e.call(ctx, e.opts.BackgroundTimeout, finding.Code)
}

// EnrichPersisted computes recommendations for the rows ids[i] created from
// findings[i] and commits them in one batch. An existing recommendation on a
// finding is reused without calling the provider. Rows that no longer exist
// are skipped. It returns the number of rows updated.
func (e *Enricher) EnrichPersisted(ctx context.Context, ids []int64, findings []scanner.Finding) (int, error) {
	n := len(ids)
	if len(findings) != n {
		e.logger.Warn("id and finding counts differ, pairing the shorter prefix",
			zap.Int("ids", len(ids)),
			zap.Int("findings", len(findings)))
		n = min(len(ids), len(findings))
	}

	texts := make(map[int64]string, n)
	reused := 0

	for i := 0; i < n; i++ {
		f := findings[i]

		if f.AIRecommendation != nil && strings.TrimSpace(*f.AIRecommendation) != "" {
			texts[ids[i]] = *f.AIRecommendation
			reused++
			continue
		}

		if !e.Available() {
			continue
		}

		if text := e.call(ctx, e.opts.BackgroundTimeout, f.Code); text != nil {
			texts[ids[i]] = *text
		}
	}

	if len(texts) == 0 {
		return 0, nil
	}

	updated, err := e.store.UpdateRecommendations(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to store recommendations: %w", err)
	}

	e.logger.Info("stored recommendations",
		zap.Int("updated", updated),
		zap.Int("computed", len(texts)-reused),
		zap.Int("reused", reused))

	if e.publisher != nil {
		stored := make([]int64, 0, len(texts))
		for id := range texts {
			stored = append(stored, id)
		}
		slices.Sort(stored)

		if err := e.publisher.PublishRecommendationsStored(stored, updated); err != nil {
			e.logger.Warn("failed to publish recommendations event", zap.Error(err))
		}
	}

	return updated, nil
}

// Schedule runs EnrichPersisted on a detached context after the caller has
// returned. Errors are logged and dropped.
func (e *Enricher) Schedule(ids []int64, findings []scanner.Finding) {
	if len(ids) == 0 {
		return
	}

	ids = slices.Clone(ids)
	findings = slices.Clone(findings)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		if _, err := e.EnrichPersisted(context.Background(), ids, findings); err != nil {
			e.logger.Error("background enrichment failed", zap.Error(err))
		}
	}()
}

// Wait blocks until every scheduled pass has finished.
func (e *Enricher) Wait() {
	e.wg.Wait()
}

type outcome struct {
	text string
	err  error
}

func (e *Enricher) call(parent context.Context, timeout time.Duration, snippet string) *string {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	result := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- outcome{err: fmt.Errorf("provider panic: %v", r)}
			}
		}()
		text, err := e.provider.Recommend(ctx, snippet)
		result <- outcome{text: text, err: err}
	}()

	select {
	case r := <-result:
		if r.err != nil {
			e.logFailure(r.err)
			return nil
		}
		if strings.TrimSpace(r.text) == "" {
			return nil
		}
		return &r.text
	case <-ctx.Done():
		e.logFailure(ctx.Err())
		return nil
	}
}

func (e *Enricher) logFailure(err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		e.logger.Debug("recommendation timed out")
	case errors.Is(err, recommend.ErrRateLimited):
		e.logger.Warn("recommendation rate limited", zap.Error(err))
	default:
		e.logger.Warn("recommendation failed", zap.Error(err))
	}
}
