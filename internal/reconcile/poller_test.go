package reconcile_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/pulsewire/internal/bus"
	"github.com/gyaneshwarpardhi/pulsewire/internal/event"
	"github.com/gyaneshwarpardhi/pulsewire/internal/ledger"
	"github.com/gyaneshwarpardhi/pulsewire/internal/reconcile"
	"github.com/gyaneshwarpardhi/pulsewire/internal/store/sqlite"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "reconcile.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return ledger.New(store, 15*time.Minute, quiet)
}

func insert(t *testing.T, l *ledger.Ledger, ctx map[string]any, undoable bool) ledger.Receipt {
	t.Helper()
	r, err := l.InsertReceipt(context.Background(), ledger.NewReceipt{
		TenantID: "T1", Tier: ledger.TierApply, Actor: ledger.ActorAgent,
		Summary: "Repriced stale unit", Undoable: undoable, Context: ctx,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return r
}

func TestContextResolver(t *testing.T) {
	created := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	res := reconcile.ContextResolver{
		SettleAfter: 10 * time.Minute,
		Now:         func() time.Time { return created.Add(5 * time.Minute) },
	}
	settled := reconcile.ContextResolver{
		SettleAfter: 10 * time.Minute,
		Now:         func() time.Time { return created.Add(time.Hour) },
	}
	cases := []struct {
		name     string
		resolver reconcile.ContextResolver
		ctx      map[string]any
		want     float64
		wantErr  error
		anyErr   bool
	}{
		{name: "realized", resolver: res, ctx: map[string]any{"realized_delta_usd": 120.5}, want: 120.5},
		{name: "realized string", resolver: res, ctx: map[string]any{"realized_delta_usd": "-40"}, want: -40},
		{name: "estimate too early", resolver: res, ctx: map[string]any{"estimated_delta_usd": 80.0}, wantErr: reconcile.ErrNotReady},
		{name: "estimate settled", resolver: settled, ctx: map[string]any{"estimated_delta_usd": 80.0}, want: 80},
		{name: "realized wins", resolver: settled, ctx: map[string]any{"estimated_delta_usd": 80.0, "realized_delta_usd": 95.0}, want: 95},
		{name: "nothing", resolver: settled, ctx: map[string]any{}, wantErr: reconcile.ErrNotReady},
		{name: "garbage", resolver: res, ctx: map[string]any{"realized_delta_usd": "lots"}, anyErr: true},
		{name: "wrong type", resolver: res, ctx: map[string]any{"realized_delta_usd": true}, anyErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.resolver.Resolve(context.Background(), ledger.Receipt{CreatedAt: created, Context: tc.ctx})
			switch {
			case tc.wantErr != nil:
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
			case tc.anyErr:
				if err == nil || errors.Is(err, reconcile.ErrNotReady) {
					t.Fatalf("err = %v, want a resolution error", err)
				}
			default:
				if err != nil {
					t.Fatalf("resolve: %v", err)
				}
				if got.DeltaUSD != tc.want {
					t.Fatalf("delta = %v, want %v", got.DeltaUSD, tc.want)
				}
			}
		})
	}
}

func TestRunOnceFinalizesAndPublishes(t *testing.T) {
	l := newLedger(t)
	b := bus.New(quiet)
	var published []event.Event
	var mu sync.Mutex
	b.Subscribe(event.TypeReceiptFinalized, func(ev event.Event) {
		mu.Lock()
		published = append(published, ev)
		mu.Unlock()
	})

	ready := insert(t, l, map[string]any{"realized_delta_usd": 120.0}, false)
	waiting := insert(t, l, map[string]any{"estimated_delta_usd": 60.0}, false)

	p := reconcile.New(l, reconcile.ContextResolver{SettleAfter: time.Hour}, b, reconcile.Options{Workers: 2}, quiet)
	rep, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Scanned != 2 || rep.Finalized != 1 || rep.Pending != 1 {
		t.Fatalf("report = %+v", rep)
	}

	got, _ := l.Get(context.Background(), "T1", ready.ID)
	if got.DeltaUSD == nil || *got.DeltaUSD != 120 || got.Context["resolved_from"] != "realized" {
		t.Fatalf("finalized receipt = %+v", got)
	}
	still, _ := l.Get(context.Background(), "T1", waiting.ID)
	if !still.Pending() {
		t.Fatal("unsettled estimate was finalized")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(published) != 1 || published[0].DealerID != "T1" {
		t.Fatalf("published = %+v", published)
	}
	if r, ok := published[0].Payload.(ledger.Receipt); !ok || r.ID != ready.ID {
		t.Fatalf("payload = %#v", published[0].Payload)
	}
}

func TestConcurrentPollersAreIdempotent(t *testing.T) {
	l := newLedger(t)
	for i := 0; i < 5; i++ {
		insert(t, l, map[string]any{"realized_delta_usd": 10.0}, false)
	}
	b := bus.New(quiet)
	var published atomic.Int32
	b.Subscribe(event.TypeReceiptFinalized, func(event.Event) { published.Add(1) })

	resolver := reconcile.ContextResolver{}
	pollers := []*reconcile.Poller{
		reconcile.New(l, resolver, b, reconcile.Options{Workers: 3}, quiet),
		reconcile.New(l, resolver, b, reconcile.Options{Workers: 3}, quiet),
	}

	reports := make([]reconcile.Report, len(pollers))
	var wg sync.WaitGroup
	for i, p := range pollers {
		wg.Add(1)
		go func(i int, p *reconcile.Poller) {
			defer wg.Done()
			rep, err := p.RunOnce(context.Background())
			if err != nil {
				t.Errorf("run: %v", err)
			}
			reports[i] = rep
		}(i, p)
	}
	wg.Wait()

	total, err := l.Total(context.Background(), "T1")
	if err != nil || total != 50 {
		t.Fatalf("total = %v err=%v, want 50", total, err)
	}
	pending, _ := l.Pending(context.Background(), 10)
	if len(pending) != 0 {
		t.Fatalf("pending = %d, want 0", len(pending))
	}
	if n := reports[0].Finalized + reports[1].Finalized; n != 5 {
		t.Fatalf("finalized across pollers = %d, want 5 (%+v)", n, reports)
	}
	if n := published.Load(); n != 5 {
		t.Fatalf("published %d receipt_finalized events, want 5", n)
	}
}

// snapshotLedger serves a fixed pending list, like a poller that loaded its
// batch before another poller finalized it.
type snapshotLedger struct {
	*ledger.Ledger
	pending []ledger.Receipt
}

func (s snapshotLedger) Pending(context.Context, int) ([]ledger.Receipt, error) {
	return s.pending, nil
}

func TestStaleSnapshotDoesNotRefinalize(t *testing.T) {
	l := newLedger(t)
	r := insert(t, l, map[string]any{"realized_delta_usd": 20.0}, false)
	stale, err := l.Pending(context.Background(), 10)
	if err != nil || len(stale) != 1 {
		t.Fatalf("pending = %v err=%v", stale, err)
	}

	b := bus.New(quiet)
	var published atomic.Int32
	b.Subscribe(event.TypeReceiptFinalized, func(event.Event) { published.Add(1) })

	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newPoller := func(at time.Time) *reconcile.Poller {
		resolver := reconcile.ContextResolver{Now: func() time.Time { return at }}
		return reconcile.New(snapshotLedger{Ledger: l, pending: stale}, resolver, b, reconcile.Options{}, quiet)
	}

	rep, err := newPoller(first).RunOnce(context.Background())
	if err != nil || rep.Finalized != 1 {
		t.Fatalf("first pass = %+v err=%v", rep, err)
	}
	before, _ := l.Get(context.Background(), "T1", r.ID)

	rep, err = newPoller(first.Add(time.Second)).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if rep.Finalized != 0 || rep.Skipped != 1 {
		t.Fatalf("second pass = %+v, want skipped", rep)
	}
	after, _ := l.Get(context.Background(), "T1", r.ID)
	if after.Context["resolved_at"] != before.Context["resolved_at"] || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("receipt rewritten: before=%+v after=%+v", before, after)
	}
	if n := published.Load(); n != 1 {
		t.Fatalf("published %d receipt_finalized events, want 1", n)
	}
}

func TestUndoneDuringResolutionIsNotFinalized(t *testing.T) {
	l := newLedger(t)
	r := insert(t, l, nil, true)

	resolver := reconcile.ResolverFunc(func(ctx context.Context, rc ledger.Receipt) (reconcile.Resolution, error) {
		if res, err := l.MarkUndone(ctx, rc.TenantID, rc.ID); err != nil || !res.Applied {
			t.Errorf("undo inside resolver: %+v err=%v", res, err)
		}
		return reconcile.Resolution{DeltaUSD: 75}, nil
	})
	p := reconcile.New(l, resolver, nil, reconcile.Options{}, quiet)
	rep, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Finalized != 0 || rep.Skipped != 1 {
		t.Fatalf("report = %+v", rep)
	}
	got, _ := l.Get(context.Background(), "T1", r.ID)
	if got.DeltaUSD != nil || !got.Undone {
		t.Fatalf("undone receipt was finalized: %+v", got)
	}

	rep, _ = p.RunOnce(context.Background())
	if rep.Scanned != 0 {
		t.Fatalf("undone receipt still pending: %+v", rep)
	}
}

func TestFailedResolutionBacksOff(t *testing.T) {
	l := newLedger(t)
	r := insert(t, l, nil, false)

	var calls atomic.Int32
	resolver := reconcile.ResolverFunc(func(context.Context, ledger.Receipt) (reconcile.Resolution, error) {
		if calls.Add(1) == 1 {
			return reconcile.Resolution{}, errors.New("dms unavailable")
		}
		return reconcile.Resolution{DeltaUSD: 30}, nil
	})
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	p := reconcile.New(l, resolver, nil, reconcile.Options{BackoffInitial: time.Minute, BackoffMax: 10 * time.Minute}, quiet)
	p.Now = func() time.Time { return now }

	rep, _ := p.RunOnce(context.Background())
	if rep.Failed != 1 {
		t.Fatalf("first pass = %+v, want one failure", rep)
	}
	got, _ := l.Get(context.Background(), "T1", r.ID)
	if !got.Pending() {
		t.Fatal("failed resolution wrote a delta")
	}

	rep, _ = p.RunOnce(context.Background())
	if rep.Skipped != 1 || calls.Load() != 1 {
		t.Fatalf("second pass = %+v calls=%d, want skipped inside backoff", rep, calls.Load())
	}

	now = now.Add(time.Hour)
	rep, _ = p.RunOnce(context.Background())
	if rep.Finalized != 1 {
		t.Fatalf("third pass = %+v, want finalized", rep)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	l := newLedger(t)
	insert(t, l, map[string]any{"realized_delta_usd": 5.0}, false)
	p := reconcile.New(l, reconcile.ContextResolver{}, nil, reconcile.Options{Interval: 10 * time.Millisecond}, quiet)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		total, _ := l.Total(context.Background(), "T1")
		if total == 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("poller never finalized the receipt")
		}
		time.Sleep(5 * time.Millisecond)
	}
	p.SetInterval(20 * time.Millisecond)
	if p.Interval() != 20*time.Millisecond {
		t.Fatalf("interval = %v", p.Interval())
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
