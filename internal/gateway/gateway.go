// Package gateway is the single entry point for metered model calls. Each
// Invoke estimates cost, consults the dedup cache, enforces size and budget
// ceilings, calls the tenant's provider and records exactly one ledger row.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alecgard/metergate/internal/budget"
	"github.com/alecgard/metergate/internal/call"
	"github.com/alecgard/metergate/internal/dedup"
	"github.com/alecgard/metergate/internal/estimate"
	"github.com/alecgard/metergate/internal/ledger"
	"github.com/alecgard/metergate/internal/pricing"
	"github.com/alecgard/metergate/internal/provider"
	"github.com/alecgard/metergate/internal/results"
	"github.com/alecgard/metergate/internal/tenant"
)

const (
	DefaultCallTimeout   = 120 * time.Second
	DefaultRecordTimeout = 30 * time.Second
)

// Ledger is the durable outcome store.
type Ledger interface {
	Append(ctx context.Context, o *call.Outcome) error
}

// Spooler accepts outcomes whose synchronous append failed.
type Spooler interface {
	Record(o call.Outcome)
}

// ResultStore persists provider payloads.
type ResultStore interface {
	Put(ctx context.Context, tenantID, fingerprint string, payload []byte) (string, error)
	Get(ctx context.Context, ref string) (*results.Result, error)
}

// SettingsSource resolves effective tenant settings.
type SettingsSource interface {
	Get(ctx context.Context, tenantID string) (tenant.Settings, error)
}

// Admitter is the budget gate.
type Admitter interface {
	Admit(ctx context.Context, tenantID string, limit, estimate int64) (budget.Decision, error)
	RecordSpend(ctx context.Context, tenantID string, at time.Time, micros int64)
}

// Deduper finds reusable outcomes.
type Deduper interface {
	Lookup(ctx context.Context, fingerprint string, expect dedup.Match, maxAge time.Duration) (*call.Outcome, error)
	Remember(ctx context.Context, o *call.Outcome, maxAge time.Duration)
}

// Providers resolves provider identifiers.
type Providers interface {
	Get(name string) (provider.Provider, error)
}

// Observer is an optional interface receiving every terminal call event.
type Observer interface {
	IncCalls(tenantID, kind, providerName, status string)
	AddCost(tenantID, providerName, model string, micros int64)
	AddTokens(providerName, model string, in, out int64)
	ObserveProviderLatency(providerName, kind string, seconds float64)
	IncDenial(tenantID, reason string)
	IncProviderError(providerName, errorKind string)
	IncLedgerWriteFailure()
	IncBudgetCheckError()
}

// Options tunes deadlines and freshness.
type Options struct {
	CallTimeout   time.Duration
	RecordTimeout time.Duration
	DedupMaxAge   time.Duration
}

// Gateway orchestrates metered calls. It holds no lock across provider
// calls and is safe for concurrent use.
type Gateway struct {
	settings  SettingsSource
	providers Providers
	prices    *pricing.Table
	budget    Admitter
	dedup     Deduper
	ledger    Ledger
	results   ResultStore
	spool     Spooler
	metrics   Observer
	opts      Options
	now       func() time.Time

	inflight sync.WaitGroup
}

// New creates a Gateway.
func New(
	settings SettingsSource,
	providers Providers,
	prices *pricing.Table,
	gate Admitter,
	deduper Deduper,
	ledgerStore Ledger,
	resultStore ResultStore,
	opts Options,
) *Gateway {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = DefaultRecordTimeout
	}
	if opts.DedupMaxAge <= 0 {
		opts.DedupMaxAge = dedup.DefaultMaxAge
	}
	return &Gateway{
		settings:  settings,
		providers: providers,
		prices:    prices,
		budget:    gate,
		dedup:     deduper,
		ledger:    ledgerStore,
		results:   resultStore,
		opts:      opts,
		now:       time.Now,
	}
}

// SetSpool sets the retry queue for outcomes whose append failed.
func (g *Gateway) SetSpool(s Spooler) {
	g.spool = s
}

// SetMetrics sets the optional metrics observer.
func (g *Gateway) SetMetrics(m Observer) {
	g.metrics = m
}

// plan is the resolved routing for one request.
type plan struct {
	req      call.Request
	settings tenant.Settings
	provider provider.Provider
	model    string
	rate     pricing.Rate
	estimate estimate.CostEstimate
}

func (p *plan) outcome(status call.Status) *call.Outcome {
	return &call.Outcome{
		TenantID:     p.req.TenantID,
		Kind:         p.req.Kind,
		Fingerprint:  p.req.Fingerprint,
		Status:       status,
		Provider:     p.provider.Name(),
		ModelVariant: p.model,
	}
}

// Invoke runs one metered call. It returns an error only when the request
// itself is unusable (validation, settings or provider resolution); every
// other outcome is a Result.
func (g *Gateway) Invoke(ctx context.Context, req call.Request) (*Result, error) {
	p, err := g.plan(ctx, req)
	if err != nil {
		return nil, err
	}

	if !req.BypassCache {
		if res := g.lookupDedup(ctx, p); res != nil {
			return res, nil
		}
	}

	if reason := sizeExceeded(p); reason != "" {
		o := p.outcome(call.StatusDeniedSize)
		o.ErrorKind = call.ErrorSizeDenied
		res := resultFor(o, p.estimate)
		res.Message = reason
		res.AccountingUnconfirmed = g.record(ctx, o)
		g.incDenial(req.TenantID, "size")
		return res, nil
	}

	decision, err := g.budget.Admit(ctx, req.TenantID, p.settings.DailyBudgetMicros, p.estimate.CostMicros)
	if err != nil {
		slog.Warn("budget check failed, admitting call",
			"tenant_id", req.TenantID, "error", err)
		if g.metrics != nil {
			g.metrics.IncBudgetCheckError()
		}
		decision = budget.Decision{Allowed: true, Limit: p.settings.DailyBudgetMicros, Estimate: p.estimate.CostMicros}
	}
	if !decision.Allowed {
		o := p.outcome(call.StatusDeniedBudget)
		o.ErrorKind = call.ErrorBudgetDenied
		res := resultFor(o, p.estimate)
		res.UsageMicros = decision.Usage
		res.LimitMicros = decision.Limit
		res.Message = fmt.Sprintf("daily budget exhausted: usage %d of %d micros", decision.Usage, decision.Limit)
		res.AccountingUnconfirmed = g.record(ctx, o)
		g.incDenial(req.TenantID, "budget")
		return res, nil
	}

	return g.invokeProvider(ctx, p, decision), nil
}

func (g *Gateway) plan(ctx context.Context, req call.Request) (*plan, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	settings, err := g.settings.Get(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	prov, err := g.providers.Get(settings.Provider)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", req.TenantID, err)
	}

	model := req.ModelVariant
	if model == "" {
		model = settings.ModelFor(req.Kind)
	}
	if model == "" {
		return nil, fmt.Errorf("%w: no model configured for %s", call.ErrInvalidRequest, req.Kind)
	}

	rate := g.prices.Lookup(prov.Name(), model)
	return &plan{
		req:      req,
		settings: settings,
		provider: prov,
		model:    model,
		rate:     rate,
		estimate: estimate.Estimate(req.Kind, req.Size, rate),
	}, nil
}

// lookupDedup returns a CACHE_HIT result, or nil to continue. Lookup
// failures and purged payloads are treated as misses.
func (g *Gateway) lookupDedup(ctx context.Context, p *plan) *Result {
	prior, err := g.dedup.Lookup(ctx, p.req.Fingerprint, dedup.Match{TenantID: p.req.TenantID, Provider: p.provider.Name(), Model: p.model}, g.opts.DedupMaxAge)
	if err != nil {
		slog.Warn("dedup lookup failed, treating as miss",
			"tenant_id", p.req.TenantID, "fingerprint", p.req.Fingerprint, "error", err)
		return nil
	}
	if prior == nil {
		return nil
	}

	stored, err := g.results.Get(ctx, prior.ResultReference)
	if errors.Is(err, results.ErrNotFound) {
		return nil
	}
	if err != nil {
		slog.Warn("loading cached result failed, treating as miss",
			"tenant_id", p.req.TenantID, "result_reference", prior.ResultReference, "error", err)
		return nil
	}

	o := p.outcome(call.StatusCacheHit)
	o.ResultReference = prior.ResultReference
	res := resultFor(o, p.estimate)
	res.Output = string(stored.Payload)
	res.AccountingUnconfirmed = g.record(ctx, o)
	return res
}

// sizeExceeded returns a non-empty reason when the request is over the
// tenant's per-call ceilings.
func sizeExceeded(p *plan) string {
	s := p.settings
	if p.req.Kind.PageShaped() && s.MaxPagesPerCall > 0 && p.req.Size > s.MaxPagesPerCall {
		return fmt.Sprintf("%d pages exceeds the limit of %d", p.req.Size, s.MaxPagesPerCall)
	}
	total := p.estimate.TokensIn + p.estimate.TokensOut
	if s.MaxTokensPerCall > 0 && total > s.MaxTokensPerCall {
		return fmt.Sprintf("estimated %d tokens exceeds the limit of %d", total, s.MaxTokensPerCall)
	}
	return ""
}

// invokeProvider runs the provider call detached from the caller's context
// so that an abandoned call is still recorded once the provider answers or
// the hard deadline passes.
func (g *Gateway) invokeProvider(ctx context.Context, p *plan, decision budget.Decision) *Result {
	done := make(chan *Result, 1)

	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.CallTimeout)
		defer cancel()
		done <- g.execute(callCtx, p, decision)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		slog.Warn("caller abandoned call, outcome will be recorded when the provider returns",
			"tenant_id", p.req.TenantID, "call_kind", p.req.Kind, "fingerprint", p.req.Fingerprint)
		return &Result{
			Status:    call.StatusFailed,
			ErrorKind: call.ErrorTimeout,
			Retryable: true,
			Abandoned: true,
			Message:   ctx.Err().Error(),
			Estimate:  p.estimate,
		}
	}
}

func (g *Gateway) execute(ctx context.Context, p *plan, decision budget.Decision) *Result {
	pc := provider.Call{Model: p.model, Payload: p.req.Payload, Context: p.req.Context}
	name := p.provider.Name()

	start := time.Now()
	resp, err := dispatch(ctx, p.provider, p.req.Kind, pc)
	var tokensIn, tokensOut int64
	if err == nil {
		tokensIn, tokensOut = resp.TokensIn, resp.TokensOut
	}

	malformed := false
	if err == nil && !json.Valid([]byte(resp.Output)) {
		g.incProviderError(name, call.ErrorMalformedOutput)
		malformed = true
		if p.req.Kind != call.KindJSONRepair {
			repair := provider.Call{Model: p.model, Payload: []byte(resp.Output), Context: p.req.Context}
			resp, err = p.provider.RepairOutput(ctx, repair)
			if err == nil {
				tokensIn += resp.TokensIn
				tokensOut += resp.TokensOut
				malformed = !json.Valid([]byte(resp.Output))
			}
		}
	}
	latency := time.Since(start)

	if g.metrics != nil {
		g.metrics.ObserveProviderLatency(name, string(p.req.Kind), latency.Seconds())
	}

	if err != nil || malformed {
		o := p.outcome(call.StatusFailed)
		o.LatencyMs = latency.Milliseconds()
		o.TokensIn, o.TokensOut = tokensIn, tokensOut

		var msg string
		if err != nil {
			o.ErrorKind = provider.Classify(err)
			msg = err.Error()
			g.incProviderError(name, o.ErrorKind)
			if o.ErrorKind.Alerting() {
				slog.Error("provider rejected credentials", "provider", name, "error", err)
			}
		} else {
			o.ErrorKind = call.ErrorInvalidRequest
			msg = "provider output is not valid JSON after repair"
		}

		res := resultFor(o, p.estimate)
		res.Message = msg
		res.AccountingUnconfirmed = g.record(ctx, o)
		return res
	}

	o := p.outcome(call.StatusSucceeded)
	o.LatencyMs = latency.Milliseconds()
	o.TokensIn, o.TokensOut = tokensIn, tokensOut
	o.CostMicros = pricing.Cost(p.rate, tokensIn, tokensOut)

	recCtx, cancel := g.recordContext(ctx)
	ref, err := g.results.Put(recCtx, p.req.TenantID, p.req.Fingerprint, []byte(resp.Output))
	cancel()
	if err != nil {
		slog.Warn("storing result failed, outcome will not be reusable",
			"tenant_id", p.req.TenantID, "fingerprint", p.req.Fingerprint, "error", err)
	}
	o.ResultReference = ref

	res := resultFor(o, p.estimate)
	res.Output = resp.Output
	res.AccountingUnconfirmed = g.record(ctx, o)

	recCtx, cancel = g.recordContext(ctx)
	defer cancel()
	g.budget.RecordSpend(recCtx, p.req.TenantID, o.CreatedAt, o.CostMicros)
	g.dedup.Remember(recCtx, o, g.opts.DedupMaxAge)

	if limit := p.settings.DailyBudgetMicros; limit > 0 && decision.Usage < limit && decision.Usage+o.CostMicros >= limit {
		slog.Warn("daily budget crossed by in-flight call",
			"tenant_id", p.req.TenantID, "usage_before", decision.Usage, "cost_micros", o.CostMicros, "limit", limit)
	}
	if g.metrics != nil {
		g.metrics.AddCost(p.req.TenantID, name, p.model, o.CostMicros)
		g.metrics.AddTokens(name, p.model, tokensIn, tokensOut)
	}
	return res
}

func dispatch(ctx context.Context, p provider.Provider, kind call.Kind, c provider.Call) (*provider.Response, error) {
	switch kind {
	case call.KindVisionExtraction:
		return p.ExtractFromImages(ctx, c)
	case call.KindJSONRepair:
		return p.RepairOutput(ctx, c)
	default:
		return p.ExtractFromText(ctx, c)
	}
}

// recordContext bounds bookkeeping writes independently of the caller.
func (g *Gateway) recordContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), g.opts.RecordTimeout)
}

// record appends o to the ledger and emits the call event. It reports
// whether the append failed and the row was queued for retry instead.
func (g *Gateway) record(ctx context.Context, o *call.Outcome) (unconfirmed bool) {
	ledger.Prepare(o, g.now())

	recCtx, cancel := g.recordContext(ctx)
	defer cancel()

	if err := g.ledger.Append(recCtx, o); err != nil {
		unconfirmed = true
		slog.Error("ledger append failed, accounting unconfirmed",
			"outcome_id", o.ID, "tenant_id", o.TenantID, "status", o.Status, "cost_micros", o.CostMicros, "error", err)
		if g.metrics != nil {
			g.metrics.IncLedgerWriteFailure()
		}
		if g.spool != nil {
			g.spool.Record(*o)
		}
	}

	slog.Info("llm call",
		"outcome_id", o.ID,
		"tenant_id", o.TenantID,
		"call_kind", o.Kind,
		"provider", o.Provider,
		"model", o.ModelVariant,
		"tokens_in", o.TokensIn,
		"tokens_out", o.TokensOut,
		"latency_ms", o.LatencyMs,
		"cost_micros", o.CostMicros,
		"status", o.Status,
		"error_kind", o.ErrorKind,
	)
	if g.metrics != nil {
		g.metrics.IncCalls(o.TenantID, string(o.Kind), o.Provider, string(o.Status))
	}
	return unconfirmed
}

func (g *Gateway) incDenial(tenantID, reason string) {
	if g.metrics != nil {
		g.metrics.IncDenial(tenantID, reason)
	}
}

func (g *Gateway) incProviderError(name string, kind call.ErrorKind) {
	if g.metrics != nil {
		g.metrics.IncProviderError(name, string(kind))
	}
}

// Wait blocks until every provider call started by Invoke has been recorded
// or ctx ends.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
