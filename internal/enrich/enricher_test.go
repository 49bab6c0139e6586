package enrich

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/invisithreat/invisithreat/internal/scanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type stubProvider struct {
	calls     atomic.Int32
	inFlight  atomic.Int32
	maxFlight atomic.Int32
	delay     time.Duration
	respond   func(ctx context.Context, snippet string) (string, error)
}

func (s *stubProvider) Recommend(ctx context.Context, snippet string) (string, error) {
	s.calls.Add(1)
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxFlight.Load()
		if n <= m || s.maxFlight.CompareAndSwap(m, n) {
			break
		}
	}

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if s.respond != nil {
		return s.respond(ctx, snippet)
	}
	return "fix: " + snippet, nil
}

func (s *stubProvider) Available() bool { return true }

func (s *stubProvider) Name() string { return "stub" }

type fakeStore struct {
	mu    sync.Mutex
	rows  map[int64]*string
	calls int
	err   error
}

func newFakeStore(ids ...int64) *fakeStore {
	rows := make(map[int64]*string)
	for _, id := range ids {
		rows[id] = nil
	}
	return &fakeStore{rows: rows}
}

func (f *fakeStore) UpdateRecommendations(_ context.Context, texts map[int64]string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	updated := 0
	for id, text := range texts {
		if _, ok := f.rows[id]; ok {
			f.rows[id] = &text
			updated++
		}
	}
	return updated, nil
}

func (f *fakeStore) get(id int64) *string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id]
}

type recordingPublisher struct {
	mu      sync.Mutex
	ids     []int64
	updated int
}

func (r *recordingPublisher) PublishRecommendationsStored(ids []int64, updated int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = ids
	r.updated = updated
	return nil
}

func findings(codes ...string) []scanner.Finding {
	out := make([]scanner.Finding, len(codes))
	for i, code := range codes {
		out[i] = scanner.Finding{Line: i + 1, Code: code, Pattern: `eval\(`, Severity: scanner.SeverityCritical}
	}
	return out
}

func strPtr(s string) *string { return &s }

func TestEnrichBatch_PopulatesEveryFinding(t *testing.T) {
	provider := &stubProvider{delay: 5 * time.Millisecond}
	e := New(provider, nil, nil, DefaultOptions(), zaptest.NewLogger(t))

	in := findings("eval(a)", "eval(b)", "eval(c)", "eval(d)", "eval(e)", "eval(f)")
	out := e.EnrichBatch(context.Background(), in)

	require.Len(t, out, len(in))
	for i, f := range out {
		require.NotNil(t, f.AIRecommendation)
		assert.Equal(t, "fix: "+in[i].Code, *f.AIRecommendation)
		assert.Nil(t, in[i].AIRecommendation, "input must not be mutated")
	}
	assert.Equal(t, int32(6), provider.calls.Load())
	assert.LessOrEqual(t, provider.maxFlight.Load(), int32(4))
}

func TestEnrichBatch_WorkersBoundedByFindings(t *testing.T) {
	provider := &stubProvider{delay: 10 * time.Millisecond}
	e := New(provider, nil, nil, Options{Workers: 8}, zap.NewNop())

	out := e.EnrichBatch(context.Background(), findings("eval(a)", "eval(b)"))

	assert.Len(t, out, 2)
	assert.LessOrEqual(t, provider.maxFlight.Load(), int32(2))
}

func TestEnrichBatch_TimeoutsYieldNil(t *testing.T) {
	defer goleak.VerifyNone(t)

	provider := &stubProvider{respond: func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	e := New(provider, nil, nil, Options{Workers: 4, ItemTimeout: 20 * time.Millisecond}, zap.NewNop())

	start := time.Now()
	out := e.EnrichBatch(context.Background(), findings("a", "b", "c", "d", "e", "f", "g", "h"))
	elapsed := time.Since(start)

	require.Len(t, out, 8)
	for _, f := range out {
		assert.Nil(t, f.AIRecommendation)
	}
	assert.Equal(t, int32(8), provider.calls.Load(), "no retries")
	assert.Less(t, elapsed, 2*time.Second)
}

func TestEnrichBatch_ErrorsAndPanicsYieldNil(t *testing.T) {
	provider := &stubProvider{respond: func(_ context.Context, snippet string) (string, error) {
		switch snippet {
		case "boom":
			panic("provider exploded")
		case "err":
			return "", errors.New("upstream 500")
		case "blank":
			return "   ", nil
		}
		return "ok", nil
	}}
	e := New(provider, nil, nil, DefaultOptions(), zap.NewNop())

	out := e.EnrichBatch(context.Background(), findings("boom", "err", "blank", "fine"))

	assert.Nil(t, out[0].AIRecommendation)
	assert.Nil(t, out[1].AIRecommendation)
	assert.Nil(t, out[2].AIRecommendation)
	require.NotNil(t, out[3].AIRecommendation)
	assert.Equal(t, "ok", *out[3].AIRecommendation)
}

func TestEnrichBatch_UnavailableProvider(t *testing.T) {
	e := New(nil, nil, nil, DefaultOptions(), zap.NewNop())

	in := findings("eval(a)")
	in[0].AIRecommendation = strPtr("stale")
	out := e.EnrichBatch(context.Background(), in)

	require.Len(t, out, 1)
	assert.Nil(t, out[0].AIRecommendation)
	assert.Equal(t, "eval(a)", out[0].Code)

	assert.NotNil(t, e.EnrichBatch(context.Background(), nil))
}

func TestEnrichPersisted_ReusesExistingRecommendation(t *testing.T) {
	provider := &stubProvider{}
	store := newFakeStore(1, 2)
	publisher := &recordingPublisher{}
	e := New(provider, store, publisher, DefaultOptions(), zaptest.NewLogger(t))

	in := findings("eval(a)", "eval(b)")
	in[0].AIRecommendation = strPtr("already computed")

	updated, err := e.EnrichPersisted(context.Background(), []int64{1, 2}, in)
	require.NoError(t, err)

	assert.Equal(t, 2, updated)
	assert.Equal(t, int32(1), provider.calls.Load())
	assert.Equal(t, "already computed", *store.get(1))
	assert.Equal(t, "fix: eval(b)", *store.get(2))
	assert.Equal(t, 1, store.calls, "single batch commit")
	assert.Equal(t, []int64{1, 2}, publisher.ids)
	assert.Equal(t, 2, publisher.updated)
}

func TestEnrichPersisted_SkipsMissingRows(t *testing.T) {
	store := newFakeStore(1)
	e := New(&stubProvider{}, store, nil, DefaultOptions(), zap.NewNop())

	updated, err := e.EnrichPersisted(context.Background(), []int64{1, 42}, findings("eval(a)", "eval(b)"))
	require.NoError(t, err)

	assert.Equal(t, 1, updated)
	assert.NotNil(t, store.get(1))
}

func TestEnrichPersisted_NothingToStore(t *testing.T) {
	store := newFakeStore(1)
	e := New(nil, store, nil, DefaultOptions(), zap.NewNop())

	updated, err := e.EnrichPersisted(context.Background(), []int64{1}, findings("eval(a)"))
	require.NoError(t, err)

	assert.Zero(t, updated)
	assert.Zero(t, store.calls)
}

func TestEnrichPersisted_StoreError(t *testing.T) {
	store := newFakeStore(1)
	store.err = errors.New("database is locked")
	e := New(&stubProvider{}, store, nil, DefaultOptions(), zap.NewNop())

	_, err := e.EnrichPersisted(context.Background(), []int64{1}, findings("eval(a)"))

	assert.ErrorContains(t, err, "database is locked")
}

func TestSchedule_CommitsInBackground(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newFakeStore(7, 8)
	e := New(&stubProvider{delay: 5 * time.Millisecond}, store, nil, DefaultOptions(), zap.NewNop())

	in := findings("eval(a)", "eval(b)")
	e.Schedule([]int64{7, 8}, in)
	in[0].Code = "mutated after scheduling"
	e.Wait()

	require.NotNil(t, store.get(7))
	assert.Equal(t, "fix: eval(a)", *store.get(7))
	require.NotNil(t, store.get(8))
}

func TestRecommend_Single(t *testing.T) {
	e := New(&stubProvider{}, nil, nil, DefaultOptions(), zap.NewNop())

	text := e.Recommend(context.Background(), scanner.Finding{Code: "pickle.loads(b)"})
	require.NotNil(t, text)
	assert.Equal(t, "fix: pickle.loads(b)", *text)

	assert.Nil(t, New(nil, nil, nil, DefaultOptions(), zap.NewNop()).Recommend(context.Background(), scanner.Finding{Code: "x"}))
}
