package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alecgard/metergate/internal/budget"
	"github.com/alecgard/metergate/internal/cache"
	"github.com/alecgard/metergate/internal/call"
	"github.com/alecgard/metergate/internal/dedup"
	"github.com/alecgard/metergate/internal/ledger"
	"github.com/alecgard/metergate/internal/pricing"
	"github.com/alecgard/metergate/internal/provider"
	"github.com/alecgard/metergate/internal/results"
	"github.com/alecgard/metergate/internal/tenant"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memLedger is an in-memory ledger satisfying Ledger, budget.SpendSource
// and dedup.Finder.
type memLedger struct {
	mu        sync.Mutex
	rows      []call.Outcome
	appendErr error
	sumErr    error
	sums      atomic.Int32
}

func (l *memLedger) Append(_ context.Context, o *call.Outcome) error {
	if l.appendErr != nil {
		return l.appendErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows = append(l.rows, *o)
	return nil
}

func (l *memLedger) SumCost(_ context.Context, tenantID string, since time.Time) (int64, error) {
	l.sums.Add(1)
	if l.sumErr != nil {
		return 0, l.sumErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var total int64
	for _, r := range l.rows {
		if r.TenantID == tenantID && r.Status == call.StatusSucceeded && !r.CreatedAt.Before(since) {
			total += r.CostMicros
		}
	}
	return total, nil
}

func (l *memLedger) FindRecentSuccess(_ context.Context, tenantID, fingerprint string, since time.Time) (*call.Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var best *call.Outcome
	for i := range l.rows {
		r := l.rows[i]
		if r.TenantID != tenantID || r.Fingerprint != fingerprint || r.Status != call.StatusSucceeded || r.ResultReference == "" || r.CreatedAt.Before(since) {
			continue
		}
		if best == nil || !r.CreatedAt.Before(best.CreatedAt) {
			best = &r
		}
	}
	if best == nil {
		return nil, ledger.ErrNotFound
	}
	return best, nil
}

func (l *memLedger) snapshot() []call.Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]call.Outcome, len(l.rows))
	copy(out, l.rows)
	return out
}

type memResults struct {
	mu     sync.Mutex
	data   map[string][]byte
	putErr error
}

func (m *memResults) Put(_ context.Context, tenantID, fingerprint string, payload []byte) (string, error) {
	if m.putErr != nil {
		return "", m.putErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string][]byte{}
	}
	ref := uuid.NewString()
	m.data[ref] = append([]byte(nil), payload...)
	return ref, nil
}

func (m *memResults) Get(_ context.Context, ref string) (*results.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.data[ref]
	if !ok {
		return nil, results.ErrNotFound
	}
	return &results.Result{Reference: ref, Payload: p}, nil
}

type staticSettings struct {
	mu sync.Mutex
	s  tenant.Settings
}

func (s *staticSettings) Get(context.Context, string) (tenant.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s, nil
}

func (s *staticSettings) set(fn func(*tenant.Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.s)
}

// fakeProvider answers from queued responses; once the queue is empty it
// returns the fallback.
type fakeProvider struct {
	mu       sync.Mutex
	queue    []fakeReply
	fallback fakeReply
	calls    map[string]int
	block    chan struct{}
}

type fakeReply struct {
	resp *provider.Response
	err  error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) reply(ctx context.Context, op string) (*provider.Response, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[op]++
	r := f.fallback
	if len(f.queue) > 0 {
		r = f.queue[0]
		f.queue = f.queue[1:]
	}
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, provider.Wrap("fake", ctx.Err())
		}
	}
	if r.resp != nil {
		cp := *r.resp
		return &cp, r.err
	}
	return nil, r.err
}

func (f *fakeProvider) ExtractFromText(ctx context.Context, _ provider.Call) (*provider.Response, error) {
	return f.reply(ctx, "text")
}

func (f *fakeProvider) ExtractFromImages(ctx context.Context, _ provider.Call) (*provider.Response, error) {
	return f.reply(ctx, "images")
}

func (f *fakeProvider) RepairOutput(ctx context.Context, _ provider.Call) (*provider.Response, error) {
	return f.reply(ctx, "repair")
}

func (f *fakeProvider) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

type spySpool struct {
	mu   sync.Mutex
	rows []call.Outcome
}

func (s *spySpool) Record(o call.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, o)
}

type countingObserver struct {
	mu       sync.Mutex
	calls    map[string]int
	denials  map[string]int
	errors   map[string]int
	cost     int64
	ledgerKO int
	budgetKO int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{calls: map[string]int{}, denials: map[string]int{}, errors: map[string]int{}}
}

func (c *countingObserver) IncCalls(_, _, _, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[status]++
}

func (c *countingObserver) AddCost(_, _, _ string, micros int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cost += micros
}

func (c *countingObserver) AddTokens(string, string, int64, int64) {}

func (c *countingObserver) ObserveProviderLatency(string, string, float64) {}

func (c *countingObserver) IncDenial(_, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.denials[reason]++
}

func (c *countingObserver) IncProviderError(_, kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors[kind]++
}

func (c *countingObserver) IncLedgerWriteFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ledgerKO++
}

func (c *countingObserver) IncBudgetCheckError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.budgetKO++
}

// 10 micros per input token, 20 per output token.
var testRate = pricing.Rate{InputPerMTok: 10_000_000, OutputPerMTok: 20_000_000}

type harness struct {
	gw       *Gateway
	ledger   *memLedger
	results  *memResults
	provider *fakeProvider
	settings *staticSettings
	spool    *spySpool
	metrics  *countingObserver
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		ledger:  &memLedger{},
		results: &memResults{},
		provider: &fakeProvider{fallback: fakeReply{resp: &provider.Response{
			Output: `{"total":42}`, Model: "m", TokensIn: 3000, TokensOut: 0,
		}}},
		settings: &staticSettings{s: tenant.Settings{
			Provider:    "fake",
			TextModel:   "m",
			VisionModel: "m-vision",
		}},
		spool:   &spySpool{},
		metrics: newCountingObserver(),
	}

	prices := pricing.NewTable(map[string]map[string]pricing.Rate{
		"fake": {pricing.Wildcard: testRate},
	})
	gate := budget.NewGate(h.ledger, cache.NewMemory(), time.Minute)
	deduper := dedup.New(h.ledger, cache.NewMemory())

	h.gw = New(h.settings, provider.NewRegistry(h.provider), prices, gate, deduper, h.ledger, h.results, opts)
	h.gw.SetSpool(h.spool)
	h.gw.SetMetrics(h.metrics)
	return h
}

func textRequest(fp string) call.Request {
	return call.Request{
		TenantID:    "tenant-1",
		Kind:        call.KindTextExtraction,
		Fingerprint: fp,
		Size:        4000,
		Payload:     []byte("Invoice INV-1, total 42"),
	}
}

func TestInvoke_Success(t *testing.T) {
	h := newHarness(t, Options{})

	res, err := h.gw.Invoke(context.Background(), textRequest("fp-1"))
	require.NoError(t, err)

	assert.Equal(t, call.StatusSucceeded, res.Status)
	assert.Equal(t, `{"total":42}`, res.Output)
	assert.NotEmpty(t, res.ResultReference)
	assert.False(t, res.AccountingUnconfirmed)
	assert.Equal(t, int64(30_000), res.Outcome.CostMicros)

	// 4000 chars -> 1000 tokens -> 1200 with template -> 1700 with overhead.
	assert.Equal(t, int64(1700), res.Estimate.TokensIn)
	assert.Equal(t, int64(2048), res.Estimate.TokensOut)
	assert.Equal(t, int64(1700*10+2048*20), res.Estimate.CostMicros)

	rows := h.ledger.snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, call.StatusSucceeded, rows[0].Status)
	assert.Equal(t, "fake", rows[0].Provider)
	assert.Equal(t, "m", rows[0].ModelVariant)
	assert.Equal(t, res.ResultReference, rows[0].ResultReference)
	assert.NotEmpty(t, rows[0].ID)

	assert.Equal(t, 1, h.metrics.calls["SUCCEEDED"])
	assert.Equal(t, int64(30_000), h.metrics.cost)
}

func TestInvoke_DedupHit(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	first, err := h.gw.Invoke(ctx, textRequest("fp-doc"))
	require.NoError(t, err)
	require.Equal(t, call.StatusSucceeded, first.Status)

	second, err := h.gw.Invoke(ctx, textRequest("fp-doc"))
	require.NoError(t, err)

	assert.Equal(t, call.StatusCacheHit, second.Status)
	assert.Equal(t, first.ResultReference, second.ResultReference)
	assert.Equal(t, first.Output, second.Output)
	assert.Equal(t, int64(0), second.Outcome.CostMicros)
	assert.Equal(t, 1, h.provider.count("text"), "provider must not be called on a hit")

	rows := h.ledger.snapshot()
	require.Len(t, rows, 2)
	assert.Equal(t, call.StatusCacheHit, rows[1].Status)
	assert.Equal(t, int64(0), rows[1].CostMicros)
}

func TestInvoke_DedupIsScopedToTenant(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	first, err := h.gw.Invoke(ctx, textRequest("shared-content-hash"))
	require.NoError(t, err)
	require.Equal(t, call.StatusSucceeded, first.Status)

	req := textRequest("shared-content-hash")
	req.TenantID = "tenant-2"
	second, err := h.gw.Invoke(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, call.StatusSucceeded, second.Status)
	assert.NotEqual(t, first.ResultReference, second.ResultReference)
	assert.Equal(t, 2, h.provider.count("text"), "each tenant pays for its own call")

	third, err := h.gw.Invoke(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, call.StatusCacheHit, third.Status)
	assert.Equal(t, second.ResultReference, third.ResultReference)
}

func TestInvoke_VisionDuplicateUpload(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	pages, _ := json.Marshal(provider.PagesPayload{Pages: []provider.Page{{MediaType: "image/png", Data: []byte{1}}}})
	req := call.Request{
		TenantID:    "tenant-1",
		Kind:        call.KindVisionExtraction,
		Fingerprint: call.Fingerprint("tenant-1", "sha-of-pdf", call.KindVisionExtraction, "m-vision"),
		Size:        10,
		Payload:     pages,
	}

	_, err := h.gw.Invoke(ctx, req)
	require.NoError(t, err)
	res, err := h.gw.Invoke(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, call.StatusCacheHit, res.Status)
	assert.Equal(t, 1, h.provider.count("images"))

	spend, err := h.ledger.SumCost(ctx, "tenant-1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(30_000), spend, "the duplicate adds no cost")
}

func TestInvoke_BypassCache(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	first, err := h.gw.Invoke(ctx, textRequest("fp-b"))
	require.NoError(t, err)

	req := textRequest("fp-b")
	req.BypassCache = true
	bypassed, err := h.gw.Invoke(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, call.StatusSucceeded, bypassed.Status)
	assert.Equal(t, 2, h.provider.count("text"))
	assert.NotEqual(t, first.ResultReference, bypassed.ResultReference)

	later, err := h.gw.Invoke(ctx, textRequest("fp-b"))
	require.NoError(t, err)
	assert.Equal(t, call.StatusCacheHit, later.Status)
	assert.Equal(t, bypassed.ResultReference, later.ResultReference, "the bypassed success becomes the reusable one")
}

func TestInvoke_ModelChangeInvalidatesCache(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.gw.Invoke(ctx, textRequest("fp-m"))
	require.NoError(t, err)

	h.settings.set(func(s *tenant.Settings) { s.TextModel = "m2" })

	res, err := h.gw.Invoke(ctx, textRequest("fp-m"))
	require.NoError(t, err)
	assert.Equal(t, call.StatusSucceeded, res.Status)
	assert.Equal(t, "m2", res.Outcome.ModelVariant)
	assert.Equal(t, 2, h.provider.count("text"))
}

func TestInvoke_PurgedResultIsMiss(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	first, err := h.gw.Invoke(ctx, textRequest("fp-p"))
	require.NoError(t, err)

	h.results.mu.Lock()
	delete(h.results.data, first.ResultReference)
	h.results.mu.Unlock()

	res, err := h.gw.Invoke(ctx, textRequest("fp-p"))
	require.NoError(t, err)
	assert.Equal(t, call.StatusSucceeded, res.Status)
}

func TestInvoke_SizeDeniedPages(t *testing.T) {
	h := newHarness(t, Options{})
	h.settings.set(func(s *tenant.Settings) {
		s.MaxPagesPerCall = 5
		s.DailyBudgetMicros = 1_000_000
	})

	res, err := h.gw.Invoke(context.Background(), call.Request{
		TenantID: "tenant-1", Kind: call.KindVisionExtraction, Fingerprint: "fp-big", Size: 6,
	})
	require.NoError(t, err)

	assert.Equal(t, call.StatusDeniedSize, res.Status)
	assert.Equal(t, call.ErrorSizeDenied, res.ErrorKind)
	assert.False(t, res.Retryable)
	assert.Equal(t, 0, h.provider.count("images"))
	assert.Equal(t, int32(0), h.ledger.sums.Load(), "size denial must precede any budget read")

	rows := h.ledger.snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, call.StatusDeniedSize, rows[0].Status)
	assert.Equal(t, int64(0), rows[0].CostMicros)
	assert.Equal(t, 1, h.metrics.denials["size"])
}

func TestInvoke_SizeDeniedTokens(t *testing.T) {
	h := newHarness(t, Options{})
	h.settings.set(func(s *tenant.Settings) { s.MaxTokensPerCall = 10_000 })

	req := textRequest("fp-long")
	req.Size = 40_000 // 10000 tokens before overhead
	res, err := h.gw.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, call.StatusDeniedSize, res.Status)

	req.Size = 100
	res, err = h.gw.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, call.StatusSucceeded, res.Status)
}

func TestInvoke_SoftCeilingScenario(t *testing.T) {
	h := newHarness(t, Options{})
	h.settings.set(func(s *tenant.Settings) { s.DailyBudgetMicros = 50_000 })
	ctx := context.Background()

	first, err := h.gw.Invoke(ctx, textRequest("fp-a"))
	require.NoError(t, err)
	require.Equal(t, call.StatusSucceeded, first.Status)
	require.Equal(t, int64(30_000), first.Outcome.CostMicros)

	second, err := h.gw.Invoke(ctx, textRequest("fp-b"))
	require.NoError(t, err)
	assert.Equal(t, call.StatusSucceeded, second.Status, "usage 30000 < 50000 admits")

	third, err := h.gw.Invoke(ctx, textRequest("fp-c"))
	require.NoError(t, err)
	assert.Equal(t, call.StatusDeniedBudget, third.Status)
	assert.Equal(t, call.ErrorBudgetDenied, third.ErrorKind)
	assert.Equal(t, int64(60_000), third.UsageMicros)
	assert.Equal(t, int64(50_000), third.LimitMicros)
	assert.Equal(t, 2, h.provider.count("text"))
	assert.Equal(t, 1, h.metrics.denials["budget"])

	rows := h.ledger.snapshot()
	require.Len(t, rows, 3)
	assert.Equal(t, call.StatusDeniedBudget, rows[2].Status)
	assert.Equal(t, int64(0), rows[2].CostMicros)
}

func TestInvoke_UnlimitedBudget(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := h.gw.Invoke(ctx, textRequest(uuid.NewString()))
		require.NoError(t, err)
		assert.Equal(t, call.StatusSucceeded, res.Status)
	}
	assert.Equal(t, int32(0), h.ledger.sums.Load())
}

func TestInvoke_BudgetReadFailureAdmits(t *testing.T) {
	h := newHarness(t, Options{})
	h.settings.set(func(s *tenant.Settings) { s.DailyBudgetMicros = 1 })
	h.ledger.sumErr = errors.New("db down")

	res, err := h.gw.Invoke(context.Background(), textRequest("fp-x"))
	require.NoError(t, err)
	assert.Equal(t, call.StatusSucceeded, res.Status)
	assert.Equal(t, 1, h.metrics.budgetKO)
}

func TestInvoke_ProviderFailures(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      call.ErrorKind
		retryable bool
	}{
		{"rate limited", &provider.Error{Kind: call.ErrorRateLimited, StatusCode: 429, Provider: "fake", Err: errors.New("slow down")}, call.ErrorRateLimited, true},
		{"auth", &provider.Error{Kind: call.ErrorAuth, StatusCode: 401, Provider: "fake", Err: errors.New("bad key")}, call.ErrorAuth, false},
		{"invalid", &provider.Error{Kind: call.ErrorInvalidRequest, StatusCode: 400, Provider: "fake", Err: errors.New("bad")}, call.ErrorInvalidRequest, false},
		{"network", errors.New("connection reset by peer"), call.ErrorServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			h.provider.fallback = fakeReply{err: tt.err}

			res, err := h.gw.Invoke(context.Background(), textRequest("fp-f"))
			require.NoError(t, err)

			assert.Equal(t, call.StatusFailed, res.Status)
			assert.Equal(t, tt.kind, res.ErrorKind)
			assert.Equal(t, tt.retryable, res.Retryable)
			assert.NotEmpty(t, res.Message)

			rows := h.ledger.snapshot()
			require.Len(t, rows, 1)
			assert.Equal(t, call.StatusFailed, rows[0].Status)
			assert.Equal(t, tt.kind, rows[0].ErrorKind)
			assert.Equal(t, int64(0), rows[0].CostMicros)
			assert.Equal(t, 1, h.metrics.errors[string(tt.kind)])
			assert.Equal(t, 1, h.provider.count("text"), "the gateway never retries")
		})
	}
}

func TestInvoke_MalformedOutputRepaired(t *testing.T) {
	h := newHarness(t, Options{})
	h.provider.queue = []fakeReply{
		{resp: &provider.Response{Output: `{"total": 4`, TokensIn: 1000, TokensOut: 100}},
		{resp: &provider.Response{Output: `{"total": 42}`, TokensIn: 200, TokensOut: 50}},
	}

	res, err := h.gw.Invoke(context.Background(), textRequest("fp-r"))
	require.NoError(t, err)

	assert.Equal(t, call.StatusSucceeded, res.Status)
	assert.Equal(t, `{"total": 42}`, res.Output)
	assert.Equal(t, 1, h.provider.count("repair"))
	assert.Equal(t, int64(1200), res.Outcome.TokensIn)
	assert.Equal(t, int64(150), res.Outcome.TokensOut)
	assert.Equal(t, pricing.Cost(testRate, 1200, 150), res.Outcome.CostMicros)
	assert.Equal(t, 1, h.metrics.errors["MALFORMED_OUTPUT"])
}

func TestInvoke_MalformedOutputEscalates(t *testing.T) {
	h := newHarness(t, Options{})
	h.provider.fallback = fakeReply{resp: &provider.Response{Output: `not json`, TokensIn: 10, TokensOut: 10}}

	res, err := h.gw.Invoke(context.Background(), textRequest("fp-bad"))
	require.NoError(t, err)

	assert.Equal(t, call.StatusFailed, res.Status)
	assert.Equal(t, call.ErrorInvalidRequest, res.ErrorKind)
	assert.False(t, res.Retryable)
	assert.Equal(t, 1, h.provider.count("repair"), "exactly one repair attempt")
	assert.Equal(t, int64(0), res.Outcome.CostMicros)
	assert.Empty(t, res.ResultReference)
}

func TestInvoke_JSONRepairIsNotRepairedAgain(t *testing.T) {
	h := newHarness(t, Options{})
	h.provider.fallback = fakeReply{resp: &provider.Response{Output: `{broken`}}

	req := textRequest("fp-jr")
	req.Kind = call.KindJSONRepair
	res, err := h.gw.Invoke(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, call.StatusFailed, res.Status)
	assert.Equal(t, 1, h.provider.count("repair"))
}

func TestInvoke_LedgerFailureUnconfirmed(t *testing.T) {
	h := newHarness(t, Options{})
	h.ledger.appendErr = errors.New("db down")

	res, err := h.gw.Invoke(context.Background(), textRequest("fp-u"))
	require.NoError(t, err)

	assert.Equal(t, call.StatusSucceeded, res.Status)
	assert.Equal(t, `{"total":42}`, res.Output)
	assert.True(t, res.AccountingUnconfirmed)
	assert.Equal(t, 1, h.metrics.ledgerKO)

	h.spool.mu.Lock()
	defer h.spool.mu.Unlock()
	require.Len(t, h.spool.rows, 1)
	assert.Equal(t, res.Outcome.ID, h.spool.rows[0].ID)
	assert.Equal(t, int64(30_000), h.spool.rows[0].CostMicros)
}

func TestInvoke_ResultStoreFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.results.putErr = errors.New("disk full")
	ctx := context.Background()

	res, err := h.gw.Invoke(ctx, textRequest("fp-s"))
	require.NoError(t, err)
	assert.Equal(t, call.StatusSucceeded, res.Status)
	assert.Equal(t, `{"total":42}`, res.Output)
	assert.Empty(t, res.ResultReference)

	again, err := h.gw.Invoke(ctx, textRequest("fp-s"))
	require.NoError(t, err)
	assert.Equal(t, call.StatusSucceeded, again.Status, "a result without a stored payload is not reusable")
}

func TestInvoke_AbandonedCallerStillRecorded(t *testing.T) {
	h := newHarness(t, Options{CallTimeout: 5 * time.Second})
	release := make(chan struct{})
	h.provider.block = release

	ctx, cancel := context.WithCancel(context.Background())
	resCh := make(chan *Result, 1)
	go func() {
		res, _ := h.gw.Invoke(ctx, textRequest("fp-abandon"))
		resCh <- res
	}()

	require.Eventually(t, func() bool { return h.provider.count("text") == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	res := <-resCh
	assert.True(t, res.Abandoned)
	assert.Equal(t, call.StatusFailed, res.Status)
	assert.Equal(t, call.ErrorTimeout, res.ErrorKind)
	assert.True(t, res.Retryable)
	assert.Empty(t, h.ledger.snapshot())

	close(release)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, h.gw.Wait(waitCtx))

	rows := h.ledger.snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, call.StatusSucceeded, rows[0].Status)
	assert.Equal(t, int64(30_000), rows[0].CostMicros)
}

func TestInvoke_HardDeadlineIsTimeout(t *testing.T) {
	h := newHarness(t, Options{CallTimeout: 50 * time.Millisecond})
	h.provider.block = make(chan struct{}) // never released

	res, err := h.gw.Invoke(context.Background(), textRequest("fp-slow"))
	require.NoError(t, err)

	assert.Equal(t, call.StatusFailed, res.Status)
	assert.Equal(t, call.ErrorTimeout, res.ErrorKind)
	assert.False(t, res.Abandoned)

	rows := h.ledger.snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, call.ErrorTimeout, rows[0].ErrorKind)
}

func TestInvoke_RequestErrors(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.gw.Invoke(ctx, call.Request{Kind: call.KindTextExtraction, Fingerprint: "x"})
	assert.ErrorIs(t, err, call.ErrInvalidRequest)

	h.settings.set(func(s *tenant.Settings) { s.Provider = "openai" })
	_, err = h.gw.Invoke(ctx, textRequest("fp"))
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)

	h.settings.set(func(s *tenant.Settings) {
		s.Provider = "fake"
		s.TextModel = ""
	})
	_, err = h.gw.Invoke(ctx, textRequest("fp"))
	assert.ErrorIs(t, err, call.ErrInvalidRequest)

	assert.Empty(t, h.ledger.snapshot())
}

func TestInvoke_ModelVariantOverride(t *testing.T) {
	h := newHarness(t, Options{})
	req := textRequest("fp-v")
	req.ModelVariant = "m-large"

	res, err := h.gw.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "m-large", res.Outcome.ModelVariant)
}

func TestInvoke_ConcurrentAppendsAreNotLost(t *testing.T) {
	h := newHarness(t, Options{})
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := textRequest(uuid.NewString())
			_, _ = h.gw.Invoke(context.Background(), req)
		}()
	}
	wg.Wait()

	rows := h.ledger.snapshot()
	require.Len(t, rows, n)
	ids := map[string]bool{}
	for _, r := range rows {
		ids[r.ID] = true
	}
	assert.Len(t, ids, n)
}
