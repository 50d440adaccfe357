package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gyaneshwarpardhi/pulsewire/internal/event"
	"github.com/gyaneshwarpardhi/pulsewire/internal/ledger"
)

// InsertReceipt stores a new receipt.
func (s *Store) InsertReceipt(ctx context.Context, r ledger.Receipt) error {
	model, err := newReceiptModel(r)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicate
		}
		return s.logError("fix_receipt_insert_failed", err, "receipt_id", r.ID, "tenant_id", r.TenantID)
	}
	return nil
}

// GetReceipt loads one receipt scoped to tenantID.
func (s *Store) GetReceipt(ctx context.Context, tenantID, id string) (ledger.Receipt, error) {
	var m receiptModel
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Receipt{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Receipt{}, s.logError("fix_receipt_get_failed", err, "receipt_id", id)
	}
	return m.toReceipt(), nil
}

// FinalizeReceipt locks the row, merges patch into its context and sets
// delta_usd unless the receipt is undone, or already finalized when
// pendingOnly is set.
func (s *Store) FinalizeReceipt(ctx context.Context, tenantID, id string, delta float64, patch map[string]any, pendingOnly bool, now time.Time) (ledger.Receipt, bool, error) {
	var (
		out     ledger.Receipt
		applied bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m receiptModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND id = ?", tenantID, id).
			Take(&m).Error; err != nil {
			return err
		}
		current := m.toReceipt()
		if current.Undone || (pendingOnly && current.DeltaUSD != nil) {
			out = current
			return nil
		}

		merged := event.MergeContext(current.Context, patch)
		mergedCtx, err := encodeJSON(merged)
		if err != nil {
			return err
		}
		q := tx.Model(&receiptModel{}).
			Where("tenant_id = ? AND id = ? AND undone = FALSE", tenantID, id)
		if pendingOnly {
			q = q.Where("delta_usd IS NULL")
		}
		res := q.Updates(map[string]any{
				"delta_usd":  delta,
				"context":    mergedCtx,
				"updated_at": now.UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		out = current
		if res.RowsAffected == 1 {
			applied = true
			out.DeltaUSD = &delta
			out.Context = merged
			out.UpdatedAt = now.UTC()
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Receipt{}, false, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Receipt{}, false, s.logError("fix_receipt_finalize_failed", err, "receipt_id", id)
	}
	return out, applied, nil
}

// UndoReceipt flips undone in one conditional UPDATE.
func (s *Store) UndoReceipt(ctx context.Context, tenantID, id string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&receiptModel{}).
		Where(`tenant_id = ? AND id = ? AND undone = FALSE AND undoable = TRUE
			AND undo_deadline IS NOT NULL AND undo_deadline >= ?`, tenantID, id, now.UTC()).
		Updates(map[string]any{
			"undone":     true,
			"undoable":   false,
			"updated_at": now.UTC(),
		})
	if res.Error != nil {
		return false, s.logError("fix_receipt_undo_failed", res.Error, "receipt_id", id)
	}
	return res.RowsAffected == 1, nil
}

// ListReceiptsSince returns the tenant's receipts created at or after since,
// newest first.
func (s *Store) ListReceiptsSince(ctx context.Context, tenantID string, since time.Time) ([]ledger.Receipt, error) {
	var models []receiptModel
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND created_at >= ?", tenantID, since.UTC()).
		Order("created_at DESC").Order("id DESC").
		Find(&models).Error; err != nil {
		return nil, s.logError("fix_receipt_list_failed", err, "tenant_id", tenantID)
	}
	return toReceipts(models), nil
}

// ListPendingReceipts returns unresolved, non-undone receipts oldest first.
func (s *Store) ListPendingReceipts(ctx context.Context, limit int) ([]ledger.Receipt, error) {
	var models []receiptModel
	if err := s.db.WithContext(ctx).
		Where("delta_usd IS NULL AND undone = FALSE").
		Order("created_at ASC").Order("id ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, s.logError("fix_receipt_pending_failed", err)
	}
	return toReceipts(models), nil
}

// SumDelta totals finalized deltas of receipts that are not undone.
func (s *Store) SumDelta(ctx context.Context, tenantID string) (float64, error) {
	var total float64
	err := s.db.WithContext(ctx).Model(&receiptModel{}).
		Select("COALESCE(SUM(delta_usd), 0)").
		Where("tenant_id = ? AND undone = FALSE AND delta_usd IS NOT NULL", tenantID).
		Row().Scan(&total)
	if err != nil {
		return 0, s.logError("fix_receipt_sum_failed", err, "tenant_id", tenantID)
	}
	return total, nil
}

func toReceipts(models []receiptModel) []ledger.Receipt {
	out := make([]ledger.Receipt, 0, len(models))
	for _, m := range models {
		out = append(out, m.toReceipt())
	}
	return out
}
