// Package ledger records value-generating fixes and their monetary deltas,
// with deadline-bounded undo.
//
// Totals are computed from the stored rows on every read. There is no running
// counter, so finalize and undo can interleave freely without drift.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gyaneshwarpardhi/pulsewire/internal/event"
	"github.com/gyaneshwarpardhi/pulsewire/internal/metrics"
)

var tracer = otel.Tracer("github.com/gyaneshwarpardhi/pulsewire/internal/ledger")

// Ledger is the receipt use case.
type Ledger struct {
	Store  Store
	Now    func() time.Time
	Logger *slog.Logger

	undoWindow atomic.Int64
}

// New creates a Ledger backed by store. defaultUndoWindow sets the deadline
// of undoable receipts inserted without one.
func New(store Store, defaultUndoWindow time.Duration, logger *slog.Logger) *Ledger {
	l := &Ledger{Store: store, Logger: logger}
	l.SetDefaultUndoWindow(defaultUndoWindow)
	return l
}

// SetDefaultUndoWindow changes the window applied to later inserts.
func (l *Ledger) SetDefaultUndoWindow(d time.Duration) {
	l.undoWindow.Store(int64(d))
}

// InsertReceipt validates and stores a new receipt. Storage errors are
// returned; a financial record is never dropped silently.
func (l *Ledger) InsertReceipt(ctx context.Context, in NewReceipt) (Receipt, error) {
	ctx, span := tracer.Start(ctx, "ledger.InsertReceipt")
	defer span.End()

	tenantID := strings.TrimSpace(in.TenantID)
	summary := strings.TrimSpace(in.Summary)
	if tenantID == "" || summary == "" || !in.Tier.valid() || !in.Actor.valid() {
		return Receipt{}, ErrInvalidInput
	}
	if in.DeltaUSD != nil && (math.IsNaN(*in.DeltaUSD) || math.IsInf(*in.DeltaUSD, 0)) {
		return Receipt{}, ErrInvalidInput
	}

	now := l.now()
	r := Receipt{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		PulseID:   strings.TrimSpace(in.PulseID),
		Tier:      in.Tier,
		Actor:     in.Actor,
		Summary:   summary,
		DeltaUSD:  copyFloat(in.DeltaUSD),
		Undoable:  in.Undoable,
		Context:   event.MergeContext(nil, in.Context),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if r.Undoable {
		switch {
		case in.UndoDeadline != nil:
			d := in.UndoDeadline.UTC().Truncate(time.Millisecond)
			r.UndoDeadline = &d
		case l.undoWindow.Load() > 0:
			d := now.Add(time.Duration(l.undoWindow.Load()))
			r.UndoDeadline = &d
		default:
			return Receipt{}, fmt.Errorf("%w: undoable receipt needs an undo deadline", ErrInvalidInput)
		}
	}
	span.SetAttributes(attribute.String("tenant_id", tenantID), attribute.String("receipt_id", r.ID))

	if err := l.Store.InsertReceipt(ctx, r); err != nil {
		span.RecordError(err)
		return Receipt{}, fmt.Errorf("insert receipt: %w", err)
	}
	metrics.ReceiptsInserted.WithLabelValues(string(r.Tier)).Inc()
	l.logger().Info("fix receipt recorded",
		"event", "fix_receipt_recorded",
		"module", "internal/ledger",
		"receipt_id", r.ID,
		"tenant_id", r.TenantID,
		"tier", r.Tier,
		"actor", r.Actor,
		"pending", r.Pending(),
	)
	return r, nil
}

// UpdateFinalDelta sets the realized delta and merges contextPatch into the
// receipt context. It is a no-op on an undone receipt; applied reports
// whether the write happened. An already finalized delta is overwritten,
// which is how an estimate gets corrected.
func (l *Ledger) UpdateFinalDelta(ctx context.Context, tenantID, id string, finalDelta float64, contextPatch map[string]any) (Receipt, bool, error) {
	ctx, span := tracer.Start(ctx, "ledger.UpdateFinalDelta")
	defer span.End()
	return l.finalize(ctx, span, tenantID, id, finalDelta, contextPatch, false)
}

// FinalizePending is UpdateFinalDelta for receipts still awaiting a delta.
// Once one caller has finalized the receipt, every later call reports
// applied = false and leaves the row untouched.
func (l *Ledger) FinalizePending(ctx context.Context, tenantID, id string, finalDelta float64, contextPatch map[string]any) (Receipt, bool, error) {
	ctx, span := tracer.Start(ctx, "ledger.FinalizePending")
	defer span.End()
	return l.finalize(ctx, span, tenantID, id, finalDelta, contextPatch, true)
}

func (l *Ledger) finalize(ctx context.Context, span trace.Span, tenantID, id string, finalDelta float64, contextPatch map[string]any, pendingOnly bool) (Receipt, bool, error) {
	if math.IsNaN(finalDelta) || math.IsInf(finalDelta, 0) {
		return Receipt{}, false, ErrInvalidInput
	}
	r, applied, err := l.Store.FinalizeReceipt(ctx, strings.TrimSpace(tenantID), strings.TrimSpace(id), finalDelta, contextPatch, pendingOnly, l.now())
	if err != nil {
		span.RecordError(err)
		return Receipt{}, false, fmt.Errorf("finalize receipt %s: %w", id, err)
	}
	if applied {
		metrics.ReceiptsFinalized.Inc()
		l.logger().Info("fix receipt finalized",
			"event", "fix_receipt_finalized",
			"module", "internal/ledger",
			"receipt_id", r.ID,
			"tenant_id", r.TenantID,
			"delta_usd", finalDelta,
		)
	}
	return r, applied, nil
}

// FinalizedEvent is the bus announcement of a receipt whose delta was just
// written. It is scoped to the receipt's tenant.
func FinalizedEvent(r Receipt, at time.Time) event.Event {
	return event.Event{
		Type:        event.TypeReceiptFinalized,
		DealerID:    r.TenantID,
		Payload:     r,
		PublishedAt: at.UTC(),
	}
}

// MarkUndone undoes a receipt if it is undoable, not yet undone and within its
// deadline. Refusals come back as UndoResult{Applied: false}; only storage
// failures and unknown ids are errors.
func (l *Ledger) MarkUndone(ctx context.Context, tenantID, id string) (UndoResult, error) {
	ctx, span := tracer.Start(ctx, "ledger.MarkUndone")
	defer span.End()

	tenantID = strings.TrimSpace(tenantID)
	id = strings.TrimSpace(id)
	applied, err := l.Store.UndoReceipt(ctx, tenantID, id, l.now())
	if err != nil {
		span.RecordError(err)
		return UndoResult{}, fmt.Errorf("undo receipt %s: %w", id, err)
	}
	r, err := l.Store.GetReceipt(ctx, tenantID, id)
	if err != nil {
		return UndoResult{}, err
	}

	res := UndoResult{Receipt: r, Applied: applied}
	if !applied {
		res.Reason = refusalFor(r)
	}
	label := "applied"
	if !applied {
		label = string(res.Reason)
	}
	metrics.UndoAttempts.WithLabelValues(label).Inc()
	span.SetAttributes(attribute.Bool("applied", applied))
	l.logger().Info("fix receipt undo",
		"event", "fix_receipt_undo",
		"module", "internal/ledger",
		"receipt_id", id,
		"tenant_id", tenantID,
		"applied", applied,
		"reason", string(res.Reason),
	)
	return res, nil
}

// Get returns one receipt.
func (l *Ledger) Get(ctx context.Context, tenantID, id string) (Receipt, error) {
	return l.Store.GetReceipt(ctx, strings.TrimSpace(tenantID), strings.TrimSpace(id))
}

// ListSince returns the tenant's receipts created at or after since, newest first.
func (l *Ledger) ListSince(ctx context.Context, tenantID string, since time.Time) ([]Receipt, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, ErrInvalidInput
	}
	return l.Store.ListReceiptsSince(ctx, strings.TrimSpace(tenantID), since.UTC())
}

// Total is the aggregate ledger view: the sum of finalized, non-undone deltas.
func (l *Ledger) Total(ctx context.Context, tenantID string) (float64, error) {
	if strings.TrimSpace(tenantID) == "" {
		return 0, ErrInvalidInput
	}
	return l.Store.SumDelta(ctx, strings.TrimSpace(tenantID))
}

// Pending returns up to limit receipts awaiting a delta, across tenants.
func (l *Ledger) Pending(ctx context.Context, limit int) ([]Receipt, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.Store.ListPendingReceipts(ctx, limit)
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC().Truncate(time.Millisecond)
	}
	return time.Now().UTC().Truncate(time.Millisecond)
}

func (l *Ledger) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}
