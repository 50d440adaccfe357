package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gyaneshwarpardhi/pulsewire/internal/event"
	"github.com/gyaneshwarpardhi/pulsewire/internal/ledger"
)

const receiptColumns = `id, tenant_id, pulse_id, tier, actor, summary, delta_usd, undoable,
	undo_deadline, undone, context, created_at, updated_at`

// InsertReceipt stores a new receipt.
func (s *Store) InsertReceipt(ctx context.Context, r ledger.Receipt) error {
	receiptCtx, err := encodeJSON(r.Context)
	if err != nil {
		return err
	}
	var delta sql.NullFloat64
	if r.DeltaUSD != nil {
		delta = sql.NullFloat64{Float64: *r.DeltaUSD, Valid: true}
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO fix_receipts (`+receiptColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.PulseID, string(r.Tier), string(r.Actor), r.Summary, delta,
		boolInt(r.Undoable), nullMillis(r.UndoDeadline), boolInt(r.Undone), receiptCtx,
		toMillis(r.CreatedAt), toMillis(r.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicate
		}
		return fmt.Errorf("insert receipt %s: %w", r.ID, err)
	}
	return nil
}

// GetReceipt loads one receipt scoped to tenantID.
func (s *Store) GetReceipt(ctx context.Context, tenantID, id string) (ledger.Receipt, error) {
	r, err := scanReceipt(s.sqlDB.QueryRowContext(ctx,
		`SELECT `+receiptColumns+` FROM fix_receipts WHERE tenant_id = ? AND id = ?`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Receipt{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("get receipt %s: %w", id, err)
	}
	return r, nil
}

// FinalizeReceipt sets delta_usd and merges patch into context, guarded by
// undone = 0 (and delta_usd IS NULL when pendingOnly) in the UPDATE itself.
func (s *Store) FinalizeReceipt(ctx context.Context, tenantID, id string, delta float64, patch map[string]any, pendingOnly bool, now time.Time) (ledger.Receipt, bool, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Receipt{}, false, fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback()

	current, err := scanReceipt(tx.QueryRowContext(ctx,
		`SELECT `+receiptColumns+` FROM fix_receipts WHERE tenant_id = ? AND id = ?`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Receipt{}, false, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Receipt{}, false, fmt.Errorf("load receipt %s: %w", id, err)
	}
	if current.Undone || (pendingOnly && current.DeltaUSD != nil) {
		return current, false, nil
	}

	merged := event.MergeContext(current.Context, patch)
	mergedCtx, err := encodeJSON(merged)
	if err != nil {
		return ledger.Receipt{}, false, err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE fix_receipts SET delta_usd = ?, context = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ? AND undone = 0
		   AND (? = 0 OR delta_usd IS NULL)`,
		delta, mergedCtx, toMillis(now), tenantID, id, boolInt(pendingOnly),
	)
	if err != nil {
		return ledger.Receipt{}, false, fmt.Errorf("finalize receipt %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.Receipt{}, false, fmt.Errorf("finalize receipt rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ledger.Receipt{}, false, fmt.Errorf("commit finalize %s: %w", id, err)
	}
	if n == 0 {
		return current, false, nil
	}
	current.DeltaUSD = &delta
	current.Context = merged
	current.UpdatedAt = now
	return current, true, nil
}

// UndoReceipt flips undone in one conditional UPDATE.
func (s *Store) UndoReceipt(ctx context.Context, tenantID, id string, now time.Time) (bool, error) {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE fix_receipts SET undone = 1, undoable = 0, updated_at = ?
		 WHERE tenant_id = ? AND id = ?
		   AND undone = 0 AND undoable = 1
		   AND undo_deadline IS NOT NULL AND undo_deadline >= ?`,
		toMillis(now), tenantID, id, toMillis(now),
	)
	if err != nil {
		return false, fmt.Errorf("undo receipt %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("undo receipt rows affected: %w", err)
	}
	return n == 1, nil
}

// ListReceiptsSince returns the tenant's receipts created at or after since,
// newest first.
func (s *Store) ListReceiptsSince(ctx context.Context, tenantID string, since time.Time) ([]ledger.Receipt, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+receiptColumns+` FROM fix_receipts
		 WHERE tenant_id = ? AND created_at >= ?
		 ORDER BY created_at DESC, id DESC`,
		tenantID, toMillis(since),
	)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	return collectReceipts(rows)
}

// ListPendingReceipts returns unresolved, non-undone receipts oldest first.
func (s *Store) ListPendingReceipts(ctx context.Context, limit int) ([]ledger.Receipt, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+receiptColumns+` FROM fix_receipts
		 WHERE delta_usd IS NULL AND undone = 0
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending receipts: %w", err)
	}
	return collectReceipts(rows)
}

// SumDelta totals finalized deltas of receipts that are not undone.
func (s *Store) SumDelta(ctx context.Context, tenantID string) (float64, error) {
	var total sql.NullFloat64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT SUM(delta_usd) FROM fix_receipts
		 WHERE tenant_id = ? AND undone = 0 AND delta_usd IS NOT NULL`,
		tenantID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum receipts: %w", err)
	}
	return total.Float64, nil
}

func collectReceipts(rows *sql.Rows) ([]ledger.Receipt, error) {
	defer rows.Close()
	var out []ledger.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReceipt(row rowScanner) (ledger.Receipt, error) {
	var (
		r                    ledger.Receipt
		tier, actor, rawCtx  string
		delta                sql.NullFloat64
		undoable, undone     int64
		deadline             sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&r.ID, &r.TenantID, &r.PulseID, &tier, &actor, &r.Summary, &delta, &undoable,
		&deadline, &undone, &rawCtx, &createdAt, &updatedAt,
	); err != nil {
		return ledger.Receipt{}, err
	}
	r.Tier = ledger.Tier(tier)
	r.Actor = ledger.Actor(actor)
	if delta.Valid {
		v := delta.Float64
		r.DeltaUSD = &v
	}
	r.Undoable = undoable != 0
	r.Undone = undone != 0
	r.UndoDeadline = timePtr(deadline)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	ctxMap, err := decodeContext(rawCtx)
	if err != nil {
		return ledger.Receipt{}, err
	}
	r.Context = ctxMap
	return r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
