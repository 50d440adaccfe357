package ledger_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/pulsewire/internal/ledger"
	"github.com/gyaneshwarpardhi/pulsewire/internal/store/sqlite"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLedger(t *testing.T) (*ledger.Ledger, *clock) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	clk := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	l := ledger.New(store, 15*time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	l.Now = clk.Now
	return l, clk
}

func TestInsertReceiptValidation(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	cases := []struct {
		name string
		in   ledger.NewReceipt
	}{
		{"missing tenant", ledger.NewReceipt{Tier: ledger.TierApply, Actor: ledger.ActorHuman, Summary: "s"}},
		{"missing summary", ledger.NewReceipt{TenantID: "T1", Tier: ledger.TierApply, Actor: ledger.ActorHuman}},
		{"bad tier", ledger.NewReceipt{TenantID: "T1", Tier: "deploy", Actor: ledger.ActorHuman, Summary: "s"}},
		{"bad actor", ledger.NewReceipt{TenantID: "T1", Tier: ledger.TierApply, Actor: "robot", Summary: "s"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := l.InsertReceipt(ctx, tc.in); !errors.Is(err, ledger.ErrInvalidInput) {
				t.Fatalf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestInsertReceiptDefaultsUndoDeadline(t *testing.T) {
	l, clk := newLedger(t)
	r, err := l.InsertReceipt(context.Background(), ledger.NewReceipt{
		TenantID: "T1", Tier: ledger.TierApply, Actor: ledger.ActorAgent, Summary: "Dropped price", Undoable: true,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	want := clk.Now().Add(15 * time.Minute)
	if r.UndoDeadline == nil || !r.UndoDeadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", r.UndoDeadline, want)
	}
	if !r.Pending() {
		t.Fatal("receipt without delta should be pending")
	}
}

func TestConcurrentUndoAppliesOnce(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	r, err := l.InsertReceipt(ctx, ledger.NewReceipt{
		TenantID: "T1", Tier: ledger.TierApply, Actor: ledger.ActorHuman, Summary: "Swapped lender", Undoable: true,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	const n = 16
	results := make(chan ledger.UndoResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.MarkUndone(ctx, "T1", r.ID)
			if err != nil {
				t.Errorf("undo: %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	applied, already := 0, 0
	for res := range results {
		switch {
		case res.Applied:
			applied++
		case res.Reason == ledger.RefusalAlreadyUndone:
			already++
		default:
			t.Errorf("unexpected refusal %q", res.Reason)
		}
	}
	if applied != 1 || already != n-1 {
		t.Fatalf("applied=%d already_undone=%d, want 1/%d", applied, already, n-1)
	}
}

func TestUndoAfterDeadlineIsRefused(t *testing.T) {
	l, clk := newLedger(t)
	ctx := context.Background()
	r, _ := l.InsertReceipt(ctx, ledger.NewReceipt{
		TenantID: "T1", Tier: ledger.TierApply, Actor: ledger.ActorHuman, Summary: "Adjusted reserve", Undoable: true,
	})

	clk.Advance(16 * time.Minute)
	res, err := l.MarkUndone(ctx, "T1", r.ID)
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if res.Applied || res.Reason != ledger.RefusalExpired {
		t.Fatalf("result = %+v, want expired refusal", res)
	}
	if res.Receipt.Undone || !res.Receipt.UpdatedAt.Equal(r.UpdatedAt) {
		t.Fatalf("expired undo mutated the receipt: %+v", res.Receipt)
	}
}

func TestUndoRefusals(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	r, _ := l.InsertReceipt(ctx, ledger.NewReceipt{
		TenantID: "T1", Tier: ledger.TierPreview, Actor: ledger.ActorHuman, Summary: "Preview only",
	})
	res, err := l.MarkUndone(ctx, "T1", r.ID)
	if err != nil || res.Applied || res.Reason != ledger.RefusalNotUndoable {
		t.Fatalf("result = %+v err=%v, want not_undoable", res, err)
	}
	if _, err := l.MarkUndone(ctx, "T1", "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("missing err = %v, want ErrNotFound", err)
	}
	if _, err := l.MarkUndone(ctx, "T2", r.ID); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("cross-tenant err = %v, want ErrNotFound", err)
	}
}

func TestFinalizeAfterUndoIsNoop(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	r, _ := l.InsertReceipt(ctx, ledger.NewReceipt{
		TenantID: "T1", Tier: ledger.TierAutopilot, Actor: ledger.ActorAgent, Summary: "Auto reprice", Undoable: true,
	})
	if res, _ := l.MarkUndone(ctx, "T1", r.ID); !res.Applied {
		t.Fatal("undo not applied")
	}
	got, applied, err := l.UpdateFinalDelta(ctx, "T1", r.ID, 250, map[string]any{"source": "reconcile"})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if applied || got.DeltaUSD != nil {
		t.Fatalf("finalize on undone receipt applied=%v delta=%v", applied, got.DeltaUSD)
	}
}

func TestFinalizePendingWritesOnce(t *testing.T) {
	l, clk := newLedger(t)
	ctx := context.Background()
	r, _ := l.InsertReceipt(ctx, ledger.NewReceipt{
		TenantID: "T1", Tier: ledger.TierApply, Actor: ledger.ActorAgent, Summary: "Reprice",
	})

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := l.FinalizePending(ctx, "T1", r.ID, 30, map[string]any{"runner": i})
			if err != nil {
				t.Errorf("finalize: %v", err)
				return
			}
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if applied != 1 {
		t.Fatalf("applied %d times, want 1", applied)
	}

	clk.Advance(time.Minute)
	got, ok, err := l.UpdateFinalDelta(ctx, "T1", r.ID, 35, nil)
	if err != nil || !ok || *got.DeltaUSD != 35 {
		t.Fatalf("correction: applied=%v err=%v got=%+v", ok, err, got)
	}
	if _, ok, _ := l.FinalizePending(ctx, "T1", r.ID, 99, nil); ok {
		t.Fatal("pending-only finalize overwrote a finalized receipt")
	}
}

func TestTotalExcludesUndoneAndPending(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	a, _ := l.InsertReceipt(ctx, ledger.NewReceipt{
		TenantID: "T1", Tier: ledger.TierApply, Actor: ledger.ActorHuman, Summary: "A",
		DeltaUSD: ledger.Float(100), Undoable: true,
	})
	b, _ := l.InsertReceipt(ctx, ledger.NewReceipt{
		TenantID: "T1", Tier: ledger.TierApply, Actor: ledger.ActorHuman, Summary: "B",
	})

	total, _ := l.Total(ctx, "T1")
	if total != 100 {
		t.Fatalf("total before finalize = %v, want 100", total)
	}
	if _, applied, err := l.UpdateFinalDelta(ctx, "T1", b.ID, 50, nil); err != nil || !applied {
		t.Fatalf("finalize b: applied=%v err=%v", applied, err)
	}
	if res, err := l.MarkUndone(ctx, "T1", a.ID); err != nil || !res.Applied {
		t.Fatalf("undo a: %+v err=%v", res, err)
	}
	total, err := l.Total(ctx, "T1")
	if err != nil || total != 50 {
		t.Fatalf("total = %v err=%v, want 50", total, err)
	}
}

func TestListSinceNewestFirst(t *testing.T) {
	l, clk := newLedger(t)
	ctx := context.Background()
	start := clk.Now()
	var ids []string
	for _, s := range []string{"first", "second", "third"} {
		r, err := l.InsertReceipt(ctx, ledger.NewReceipt{
			TenantID: "T1", Tier: ledger.TierApply, Actor: ledger.ActorHuman, Summary: s,
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		ids = append(ids, r.ID)
		clk.Advance(time.Second)
	}

	got, err := l.ListSince(ctx, "T1", start.Add(time.Second))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != ids[2] || got[1].ID != ids[1] {
		t.Fatalf("list = %+v", got)
	}
	if _, err := l.ListSince(ctx, "", start); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("empty tenant err = %v", err)
	}
}

func TestPendingDefaultsLimit(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = l.InsertReceipt(ctx, ledger.NewReceipt{
			TenantID: "T1", Tier: ledger.TierApply, Actor: ledger.ActorHuman, Summary: "pending",
		})
	}
	got, err := l.Pending(ctx, 0)
	if err != nil || len(got) != 3 {
		t.Fatalf("pending = %d err=%v, want 3", len(got), err)
	}
}
