// Package reconcile finalizes pending fix receipts in the background and
// announces each finalized receipt on the bus.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/gyaneshwarpardhi/pulsewire/internal/event"
	"github.com/gyaneshwarpardhi/pulsewire/internal/ledger"
	"github.com/gyaneshwarpardhi/pulsewire/internal/metrics"
)

// Ledger is the part of the receipt ledger the poller drives.
type Ledger interface {
	Pending(ctx context.Context, limit int) ([]ledger.Receipt, error)
	FinalizePending(ctx context.Context, tenantID, id string, finalDelta float64, contextPatch map[string]any) (ledger.Receipt, bool, error)
}

// Publisher announces finalized receipts.
type Publisher interface {
	Publish(channel event.Type, ev event.Event) int
}

// Options tunes a Poller. Zero values fall back to the defaults in New.
type Options struct {
	Interval       time.Duration
	BatchSize      int
	Workers        int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Report summarizes one pass.
type Report struct {
	Scanned   int `json:"scanned"`
	Finalized int `json:"finalized"`
	Pending   int `json:"pending"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

type outcome int

const (
	outcomeFinalized outcome = iota
	outcomeNotReady
	outcomeSkipped
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeFinalized:
		return "finalized"
	case outcomeNotReady:
		return "pending"
	case outcomeSkipped:
		return "skipped"
	default:
		return "error"
	}
}

type retryState struct {
	policy *backoff.ExponentialBackOff
	next   time.Time
}

// Poller periodically resolves pending receipts. Several pollers may run
// against the same store: only the first finalize of a receipt applies, so a
// late resolution of the same receipt is skipped and announced once.
type Poller struct {
	ledger   Ledger
	resolver Resolver
	bus      Publisher
	opts     Options
	interval atomic.Int64
	reset    chan struct{}
	Now      func() time.Time
	logger   *slog.Logger

	mu    sync.Mutex
	retry map[string]*retryState
}

// New builds a Poller. bus may be nil.
func New(l Ledger, r Resolver, bus Publisher, opts Options, logger *slog.Logger) *Poller {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 30 * time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		ledger:   l,
		resolver: r,
		bus:      bus,
		opts:     opts,
		reset:    make(chan struct{}, 1),
		logger:   logger,
		retry:    make(map[string]*retryState),
	}
	p.SetInterval(opts.Interval)
	return p
}

// SetInterval changes the tick period. A running loop picks it up at once.
func (p *Poller) SetInterval(d time.Duration) {
	if d <= 0 {
		d = 30 * time.Second
	}
	if time.Duration(p.interval.Swap(int64(d))) == d {
		return
	}
	select {
	case p.reset <- struct{}{}:
	default:
	}
}

// Interval returns the current tick period.
func (p *Poller) Interval() time.Duration { return time.Duration(p.interval.Load()) }

// Run ticks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Interval())
	defer ticker.Stop()
	p.logger.Info("reconcile poller started", "module", "internal/reconcile", "interval", p.Interval())
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("reconcile poller stopped", "module", "internal/reconcile")
			return
		case <-p.reset:
			ticker.Reset(p.Interval())
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("reconcile pass failed",
					"event", "reconcile_failed",
					"module", "internal/reconcile",
					"err", err,
				)
			}
		}
	}
}

// RunOnce performs a single pass over up to BatchSize pending receipts.
func (p *Poller) RunOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	metrics.ReconcileRuns.Inc()
	defer func() {
		metrics.ReconcileDuration.Observe(float64(time.Since(start).Milliseconds()))
	}()

	pending, err := p.ledger.Pending(ctx, p.opts.BatchSize)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Scanned: len(pending)}
	if len(pending) < p.opts.BatchSize {
		p.prune(pending)
	}
	if len(pending) == 0 {
		return rep, nil
	}

	now := p.now()
	due := make([]ledger.Receipt, 0, len(pending))
	for _, r := range pending {
		if p.waiting(r.ID, now) {
			rep.Skipped++
			metrics.ReconcileResolutions.WithLabelValues(outcomeSkipped.String()).Inc()
			continue
		}
		due = append(due, r)
	}

	pool := newWorkerPool[ledger.Receipt, outcome](ctx, p.opts.Workers, len(due), p.resolve)
	for _, r := range due {
		pool.Submit(r)
	}
	for res := range pool.Drain() {
		metrics.ReconcileResolutions.WithLabelValues(res.value.String()).Inc()
		switch res.value {
		case outcomeFinalized:
			rep.Finalized++
		case outcomeNotReady:
			rep.Pending++
		case outcomeSkipped:
			rep.Skipped++
		case outcomeFailed:
			rep.Failed++
		}
	}

	p.logger.Info("reconcile pass complete",
		"event", "reconcile_pass",
		"module", "internal/reconcile",
		"scanned", rep.Scanned,
		"finalized", rep.Finalized,
		"pending", rep.Pending,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
	)
	return rep, ctx.Err()
}

func (p *Poller) resolve(ctx context.Context, r ledger.Receipt) (outcome, error) {
	res, err := p.resolver.Resolve(ctx, r)
	if errors.Is(err, ErrNotReady) {
		return outcomeNotReady, nil
	}
	if err != nil {
		p.fail(r, err)
		return outcomeFailed, err
	}

	patch := event.MergeContext(res.Context, nil)
	updated, applied, err := p.ledger.FinalizePending(ctx, r.TenantID, r.ID, res.DeltaUSD, patch)
	if err != nil {
		p.fail(r, err)
		return outcomeFailed, err
	}
	p.clear(r.ID)
	if !applied {
		return outcomeSkipped, nil
	}
	if p.bus != nil {
		p.bus.Publish(event.TypeReceiptFinalized, ledger.FinalizedEvent(updated, p.now()))
	}
	return outcomeFinalized, nil
}

// waiting reports whether id is still inside its backoff window.
func (p *Poller) waiting(id string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.retry[id]
	return ok && now.Before(st.next)
}

func (p *Poller) fail(r ledger.Receipt, err error) {
	p.mu.Lock()
	st, ok := p.retry[r.ID]
	if !ok {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = p.opts.BackoffInitial
		policy.MaxInterval = p.opts.BackoffMax
		st = &retryState{policy: policy}
		p.retry[r.ID] = st
	}
	wait := st.policy.NextBackOff()
	st.next = p.now().Add(wait)
	p.mu.Unlock()

	p.logger.Warn("receipt resolution failed",
		"event", "reconcile_receipt_failed",
		"module", "internal/reconcile",
		"receipt_id", r.ID,
		"tenant_id", r.TenantID,
		"retry_in", wait,
		"err", err,
	)
}

// prune drops backoff state for receipts that are no longer pending. Only
// valid when pending is the complete pending set.
func (p *Poller) prune(pending []ledger.Receipt) {
	live := make(map[string]struct{}, len(pending))
	for _, r := range pending {
		live[r.ID] = struct{}{}
	}
	p.mu.Lock()
	for id := range p.retry {
		if _, ok := live[id]; !ok {
			delete(p.retry, id)
		}
	}
	p.mu.Unlock()
}

func (p *Poller) clear(id string) {
	p.mu.Lock()
	delete(p.retry, id)
	p.mu.Unlock()
}

func (p *Poller) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}
