// Package storetest holds the behavior every card and receipt store must
// share. Backend packages run it from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/pulsewire/internal/ledger"
	"github.com/gyaneshwarpardhi/pulsewire/internal/pulse"
)

// Store is a backend that persists both cards and receipts.
type Store interface {
	pulse.Store
	ledger.Store
}

// Opener returns an empty store; cleanup is registered on t.
type Opener func(t *testing.T) Store

var base = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// Run executes the whole suite against open.
func Run(t *testing.T, open Opener) {
	t.Run("cards", func(t *testing.T) { runCards(t, open) })
	t.Run("receipts", func(t *testing.T) { runReceipts(t, open) })
}

func card(dealerID, key string, at time.Time, ctx map[string]any) pulse.Card {
	return pulse.Card{
		ID:        uuid.NewString(),
		DealerID:  dealerID,
		TS:        at,
		Level:     pulse.LevelWarn,
		Kind:      pulse.KindKPIDelta,
		Title:     "Gross margin dipped",
		Actions:   []string{"fix", "assign"},
		DedupeKey: key,
		Context:   ctx,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func runCards(t *testing.T, open Opener) {
	ctx := context.Background()

	t.Run("merge into active card", func(t *testing.T) {
		s := open(t)
		first, created, err := s.UpsertCard(ctx, card("D1", "k1", base, map[string]any{"a": "1", "b": "1"}))
		if err != nil || !created {
			t.Fatalf("first upsert: created=%v err=%v", created, err)
		}

		later := card("D1", "k1", base.Add(time.Minute), map[string]any{"b": "2", "c": "3"})
		later.Title = "Gross margin dipped again"
		merged, created, err := s.UpsertCard(ctx, later)
		if err != nil {
			t.Fatalf("second upsert: %v", err)
		}
		if created {
			t.Fatal("second upsert created a new card")
		}
		if merged.ID != first.ID {
			t.Fatalf("merged id = %s, want %s", merged.ID, first.ID)
		}
		got, err := s.GetCard(ctx, first.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		want := map[string]any{"a": "1", "b": "2", "c": "3"}
		if fmt.Sprint(got.Context) != fmt.Sprint(want) {
			t.Fatalf("context = %v, want %v", got.Context, want)
		}
		if got.Title != later.Title || !got.UpdatedAt.Equal(later.UpdatedAt) || !got.CreatedAt.Equal(base) {
			t.Fatalf("merged card = %+v", got)
		}
	})

	t.Run("same key other dealer is separate", func(t *testing.T) {
		s := open(t)
		a, _, _ := s.UpsertCard(ctx, card("D1", "k1", base, nil))
		b, created, err := s.UpsertCard(ctx, card("D2", "k1", base, nil))
		if err != nil || !created || a.ID == b.ID {
			t.Fatalf("other dealer upsert: created=%v err=%v", created, err)
		}
	})

	t.Run("resolve then reopen", func(t *testing.T) {
		s := open(t)
		first, _, _ := s.UpsertCard(ctx, card("D1", "k1", base, nil))
		resolved, err := s.ResolveCard(ctx, "D1", first.ID, base.Add(time.Minute))
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if resolved.Active() {
			t.Fatal("card still active after resolve")
		}
		again, err := s.ResolveCard(ctx, "D1", first.ID, base.Add(2*time.Minute))
		if err != nil || !again.ResolvedAt.Equal(*resolved.ResolvedAt) {
			t.Fatalf("second resolve changed the card: %+v err=%v", again, err)
		}
		if _, err := s.ResolveCard(ctx, "D2", first.ID, base); !errors.Is(err, pulse.ErrNotFound) {
			t.Fatalf("resolve other dealer err = %v, want ErrNotFound", err)
		}

		second, created, err := s.UpsertCard(ctx, card("D1", "k1", base.Add(3*time.Minute), nil))
		if err != nil || !created {
			t.Fatalf("upsert after resolve: created=%v err=%v", created, err)
		}
		if second.ID == first.ID {
			t.Fatal("resolved card was reused")
		}
	})

	t.Run("concurrent upserts keep one active card", func(t *testing.T) {
		s := open(t)
		const n = 8
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, _, err := s.UpsertCard(ctx, card("D1", "race", base, map[string]any{fmt.Sprintf("k%d", i): "v"}))
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("upsert: %v", err)
			}
		}
		cards, err := s.ListCards(ctx, pulse.CardQuery{DealerID: "D1", Status: pulse.StatusActive})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(cards) != 1 {
			t.Fatalf("active cards = %d, want 1", len(cards))
		}
		if len(cards[0].Context) != n {
			t.Fatalf("context keys = %d, want %d", len(cards[0].Context), n)
		}
	})

	t.Run("assign", func(t *testing.T) {
		s := open(t)
		c, _, _ := s.UpsertCard(ctx, card("D1", "k1", base, nil))
		at := base.Add(time.Minute)
		got, err := s.AssignCard(ctx, c.ID, pulse.Assignment{
			AssigneeID: "u-7", AssigneeName: "Sam", AssignedBy: "u-1", AssignedAt: at, Note: "call back",
		}, at)
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		if got.Assignment == nil || got.Assignment.AssigneeID != "u-7" || !got.Assignment.AssignedAt.Equal(at) {
			t.Fatalf("assignment = %+v", got.Assignment)
		}
		if !got.UpdatedAt.Equal(at) {
			t.Fatalf("updatedAt = %v, want %v", got.UpdatedAt, at)
		}
		if _, err := s.AssignCard(ctx, "missing", pulse.Assignment{AssigneeID: "u"}, at); !errors.Is(err, pulse.ErrNotFound) {
			t.Fatalf("assign missing err = %v, want ErrNotFound", err)
		}
	})

	t.Run("list filters and order", func(t *testing.T) {
		s := open(t)
		old, _, _ := s.UpsertCard(ctx, card("D1", "old", base, nil))
		mid, _, _ := s.UpsertCard(ctx, card("D1", "mid", base.Add(time.Minute), nil))
		recent, _, _ := s.UpsertCard(ctx, card("D1", "new", base.Add(2*time.Minute), nil))
		_, _, _ = s.UpsertCard(ctx, card("D2", "other", base.Add(3*time.Minute), nil))
		if _, err := s.ResolveCard(ctx, "D1", old.ID, base.Add(90*time.Second)); err != nil {
			t.Fatalf("resolve: %v", err)
		}

		all, err := s.ListCards(ctx, pulse.CardQuery{DealerID: "D1"})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if ids(all) != ids([]pulse.Card{recent, old, mid}) {
			t.Fatalf("order = %s", ids(all))
		}

		active, _ := s.ListCards(ctx, pulse.CardQuery{DealerID: "D1", Status: pulse.StatusActive})
		if len(active) != 2 {
			t.Fatalf("active = %d, want 2", len(active))
		}
		resolved, _ := s.ListCards(ctx, pulse.CardQuery{DealerID: "D1", Status: pulse.StatusResolved})
		if len(resolved) != 1 || resolved[0].ID != old.ID {
			t.Fatalf("resolved = %s", ids(resolved))
		}
		since, _ := s.ListCards(ctx, pulse.CardQuery{DealerID: "D1", UpdatedSince: base.Add(90 * time.Second)})
		if len(since) != 2 {
			t.Fatalf("updated since = %s, want 2 cards", ids(since))
		}
		limited, _ := s.ListCards(ctx, pulse.CardQuery{DealerID: "D1", Limit: 1})
		if len(limited) != 1 || limited[0].ID != recent.ID {
			t.Fatalf("limited = %s", ids(limited))
		}
	})
}

func ids(cards []pulse.Card) string {
	out := ""
	for _, c := range cards {
		out += c.ID + ","
	}
	return out
}

func receipt(tenantID string, created time.Time, delta *float64, undoable bool, deadline *time.Time) ledger.Receipt {
	return ledger.Receipt{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		PulseID:      "card-1",
		Tier:         ledger.TierApply,
		Actor:        ledger.ActorHuman,
		Summary:      "Repriced aged unit",
		DeltaUSD:     delta,
		Undoable:     undoable,
		UndoDeadline: deadline,
		Context:      map[string]any{"source": "pulse"},
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func runReceipts(t *testing.T, open Opener) {
	ctx := context.Background()
	deadline := base.Add(15 * time.Minute)

	t.Run("insert and get", func(t *testing.T) {
		s := open(t)
		r := receipt("T1", base, ledger.Float(12.5), true, &deadline)
		if err := s.InsertReceipt(ctx, r); err != nil {
			t.Fatalf("insert: %v", err)
		}
		got, err := s.GetReceipt(ctx, "T1", r.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.DeltaUSD == nil || *got.DeltaUSD != 12.5 || !got.UndoDeadline.Equal(deadline) || got.Context["source"] != "pulse" {
			t.Fatalf("receipt = %+v", got)
		}
		if _, err := s.GetReceipt(ctx, "T2", r.ID); !errors.Is(err, ledger.ErrNotFound) {
			t.Fatalf("cross-tenant get err = %v, want ErrNotFound", err)
		}
		if err := s.InsertReceipt(ctx, r); !errors.Is(err, ledger.ErrDuplicate) {
			t.Fatalf("duplicate insert err = %v, want ErrDuplicate", err)
		}
	})

	t.Run("undo applies once", func(t *testing.T) {
		s := open(t)
		r := receipt("T1", base, nil, true, &deadline)
		_ = s.InsertReceipt(ctx, r)
		applied, err := s.UndoReceipt(ctx, "T1", r.ID, base.Add(time.Minute))
		if err != nil || !applied {
			t.Fatalf("first undo: applied=%v err=%v", applied, err)
		}
		applied, err = s.UndoReceipt(ctx, "T1", r.ID, base.Add(time.Minute))
		if err != nil || applied {
			t.Fatalf("second undo: applied=%v err=%v", applied, err)
		}
		got, _ := s.GetReceipt(ctx, "T1", r.ID)
		if !got.Undone || got.Undoable {
			t.Fatalf("after undo undone=%v undoable=%v", got.Undone, got.Undoable)
		}
	})

	t.Run("undo after deadline leaves row untouched", func(t *testing.T) {
		s := open(t)
		r := receipt("T1", base, nil, true, &deadline)
		_ = s.InsertReceipt(ctx, r)
		applied, err := s.UndoReceipt(ctx, "T1", r.ID, deadline.Add(time.Millisecond))
		if err != nil || applied {
			t.Fatalf("late undo: applied=%v err=%v", applied, err)
		}
		got, _ := s.GetReceipt(ctx, "T1", r.ID)
		if got.Undone || !got.Undoable || !got.UpdatedAt.Equal(base) {
			t.Fatalf("late undo mutated the row: %+v", got)
		}
	})

	t.Run("undo at the deadline is accepted", func(t *testing.T) {
		s := open(t)
		r := receipt("T1", base, nil, true, &deadline)
		_ = s.InsertReceipt(ctx, r)
		if applied, err := s.UndoReceipt(ctx, "T1", r.ID, deadline); err != nil || !applied {
			t.Fatalf("undo at deadline: applied=%v err=%v", applied, err)
		}
	})

	t.Run("not undoable", func(t *testing.T) {
		s := open(t)
		r := receipt("T1", base, nil, false, nil)
		_ = s.InsertReceipt(ctx, r)
		if applied, err := s.UndoReceipt(ctx, "T1", r.ID, base); err != nil || applied {
			t.Fatalf("undo: applied=%v err=%v", applied, err)
		}
	})

	t.Run("finalize merges context", func(t *testing.T) {
		s := open(t)
		r := receipt("T1", base, nil, false, nil)
		_ = s.InsertReceipt(ctx, r)
		got, applied, err := s.FinalizeReceipt(ctx, "T1", r.ID, 42, map[string]any{"resolved_by": "poller"}, false, base.Add(time.Hour))
		if err != nil || !applied {
			t.Fatalf("finalize: applied=%v err=%v", applied, err)
		}
		if *got.DeltaUSD != 42 || got.Context["source"] != "pulse" || got.Context["resolved_by"] != "poller" {
			t.Fatalf("finalized = %+v", got)
		}
		stored, _ := s.GetReceipt(ctx, "T1", r.ID)
		if stored.DeltaUSD == nil || *stored.DeltaUSD != 42 || stored.Context["resolved_by"] != "poller" {
			t.Fatalf("stored = %+v", stored)
		}
		if _, _, err := s.FinalizeReceipt(ctx, "T1", "missing", 1, nil, false, base); !errors.Is(err, ledger.ErrNotFound) {
			t.Fatalf("finalize missing err = %v, want ErrNotFound", err)
		}
	})

	t.Run("finalize skips undone receipt", func(t *testing.T) {
		s := open(t)
		r := receipt("T1", base, nil, true, &deadline)
		_ = s.InsertReceipt(ctx, r)
		_, _ = s.UndoReceipt(ctx, "T1", r.ID, base)
		got, applied, err := s.FinalizeReceipt(ctx, "T1", r.ID, 99, map[string]any{"x": "y"}, false, base.Add(time.Hour))
		if err != nil || applied {
			t.Fatalf("finalize undone: applied=%v err=%v", applied, err)
		}
		if got.DeltaUSD != nil {
			t.Fatalf("undone receipt got delta %v", *got.DeltaUSD)
		}
		stored, _ := s.GetReceipt(ctx, "T1", r.ID)
		if stored.DeltaUSD != nil || stored.Context["x"] != nil {
			t.Fatalf("undone receipt was written: %+v", stored)
		}
	})

	t.Run("pending-only finalize applies once", func(t *testing.T) {
		s := open(t)
		r := receipt("T1", base, nil, false, nil)
		_ = s.InsertReceipt(ctx, r)
		first, applied, err := s.FinalizeReceipt(ctx, "T1", r.ID, 40, map[string]any{"resolved_at": "a"}, true, base.Add(time.Hour))
		if err != nil || !applied || *first.DeltaUSD != 40 {
			t.Fatalf("first finalize: applied=%v err=%v got=%+v", applied, err, first)
		}
		second, applied, err := s.FinalizeReceipt(ctx, "T1", r.ID, 41, map[string]any{"resolved_at": "b"}, true, base.Add(2*time.Hour))
		if err != nil || applied {
			t.Fatalf("second finalize: applied=%v err=%v", applied, err)
		}
		if *second.DeltaUSD != 40 || second.Context["resolved_at"] != "a" {
			t.Fatalf("second finalize returned %+v", second)
		}
		stored, _ := s.GetReceipt(ctx, "T1", r.ID)
		if *stored.DeltaUSD != 40 || stored.Context["resolved_at"] != "a" || !stored.UpdatedAt.Equal(base.Add(time.Hour)) {
			t.Fatalf("stored = %+v", stored)
		}

		// An explicit correction still overwrites.
		if _, applied, err := s.FinalizeReceipt(ctx, "T1", r.ID, 45, nil, false, base.Add(3*time.Hour)); err != nil || !applied {
			t.Fatalf("correction: applied=%v err=%v", applied, err)
		}
		stored, _ = s.GetReceipt(ctx, "T1", r.ID)
		if *stored.DeltaUSD != 45 {
			t.Fatalf("corrected delta = %v, want 45", *stored.DeltaUSD)
		}
	})

	t.Run("totals and listings", func(t *testing.T) {
		s := open(t)
		a := receipt("T1", base, ledger.Float(100), true, &deadline)
		b := receipt("T1", base.Add(time.Minute), nil, false, nil)
		c := receipt("T1", base.Add(2*time.Minute), nil, true, &deadline)
		other := receipt("T2", base, ledger.Float(7), false, nil)
		for _, r := range []ledger.Receipt{a, b, c, other} {
			if err := s.InsertReceipt(ctx, r); err != nil {
				t.Fatalf("insert: %v", err)
			}
		}

		pending, err := s.ListPendingReceipts(ctx, 10)
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if len(pending) != 2 || pending[0].ID != b.ID || pending[1].ID != c.ID {
			t.Fatalf("pending = %+v", pending)
		}

		if _, _, err := s.FinalizeReceipt(ctx, "T1", b.ID, 50, nil, false, base.Add(time.Hour)); err != nil {
			t.Fatalf("finalize: %v", err)
		}
		if _, err := s.UndoReceipt(ctx, "T1", a.ID, base.Add(time.Minute)); err != nil {
			t.Fatalf("undo: %v", err)
		}
		_, _ = s.UndoReceipt(ctx, "T1", c.ID, base.Add(time.Minute))

		total, err := s.SumDelta(ctx, "T1")
		if err != nil || total != 50 {
			t.Fatalf("total = %v err=%v, want 50", total, err)
		}
		pending, _ = s.ListPendingReceipts(ctx, 10)
		if len(pending) != 0 {
			t.Fatalf("pending after resolution = %d, want 0", len(pending))
		}
		empty, err := s.SumDelta(ctx, "T3")
		if err != nil || empty != 0 {
			t.Fatalf("empty tenant total = %v err=%v", empty, err)
		}

		since, err := s.ListReceiptsSince(ctx, "T1", base.Add(time.Minute))
		if err != nil {
			t.Fatalf("since: %v", err)
		}
		if len(since) != 2 || since[0].ID != c.ID || since[1].ID != b.ID {
			t.Fatalf("since order wrong: %+v", since)
		}
	})
}
