package ledger

import (
	"context"
	"time"
)

// Store persists receipts.
type Store interface {
	InsertReceipt(ctx context.Context, r Receipt) error
	GetReceipt(ctx context.Context, tenantID, id string) (Receipt, error)

	// FinalizeReceipt sets the delta and merges patch into the context unless
	// the receipt is undone. With pendingOnly it also refuses a receipt whose
	// delta is already set. applied is false when a guard held.
	FinalizeReceipt(ctx context.Context, tenantID, id string, delta float64, patch map[string]any, pendingOnly bool, now time.Time) (r Receipt, applied bool, err error)

	// UndoReceipt performs the single conditional update
	//   SET undone = true, undoable = false
	//   WHERE undone = false AND undoable = true AND undo_deadline >= now
	// and reports whether a row changed. It never reads before writing.
	UndoReceipt(ctx context.Context, tenantID, id string, now time.Time) (applied bool, err error)

	// ListReceiptsSince returns receipts created at or after since, newest first.
	ListReceiptsSince(ctx context.Context, tenantID string, since time.Time) ([]Receipt, error)
	// ListPendingReceipts returns receipts across tenants with a nil delta and
	// undone = false, oldest first.
	ListPendingReceipts(ctx context.Context, limit int) ([]Receipt, error)
	// SumDelta totals delta over non-undone, non-pending receipts.
	SumDelta(ctx context.Context, tenantID string) (float64, error)
}
