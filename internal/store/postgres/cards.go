package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gyaneshwarpardhi/pulsewire/internal/pulse"
)

var activeDedupeConflict = clause.OnConflict{
	Columns: []clause.Column{{Name: "dealer_id"}, {Name: "dedupe_key"}},
	TargetWhere: clause.Where{Exprs: []clause.Expression{
		clause.Expr{SQL: "resolved_at IS NULL"},
	}},
	DoNothing: true,
}

// UpsertCard inserts c or merges it into the active card for the same
// (dealer_id, dedupe_key) under a row lock.
func (s *Store) UpsertCard(ctx context.Context, c pulse.Card) (pulse.Card, bool, error) {
	model, err := newCardModel(c)
	if err != nil {
		return pulse.Card{}, false, err
	}

	var (
		stored  pulse.Card
		created bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(activeDedupeConflict).Create(&model)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			stored, created = c, true
			return nil
		}

		var existing cardModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("dealer_id = ? AND dedupe_key = ? AND resolved_at IS NULL", c.DealerID, c.DedupeKey).
			Take(&existing).Error; err != nil {
			return err
		}

		merged := pulse.Merge(existing.toCard(), c)
		mergedModel, err := newCardModel(merged)
		if err != nil {
			return err
		}
		if err := tx.Model(&cardModel{}).Where("id = ?", merged.ID).Updates(map[string]any{
			"ts":          mergedModel.TS,
			"level":       mergedModel.Level,
			"kind":        mergedModel.Kind,
			"title":       mergedModel.Title,
			"detail":      mergedModel.Detail,
			"thread_type": mergedModel.ThreadType,
			"thread_id":   mergedModel.ThreadID,
			"actions":     mergedModel.Actions,
			"context":     mergedModel.Context,
			"updated_at":  mergedModel.UpdatedAt,
		}).Error; err != nil {
			return err
		}
		stored = merged
		return nil
	})
	if err != nil {
		return pulse.Card{}, false, s.logError("pulse_card_upsert_failed", err,
			"dealer_id", c.DealerID, "dedupe_key", c.DedupeKey)
	}
	return stored, created, nil
}

// GetCard loads one card by id.
func (s *Store) GetCard(ctx context.Context, id string) (pulse.Card, error) {
	var m cardModel
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pulse.Card{}, pulse.ErrNotFound
	}
	if err != nil {
		return pulse.Card{}, s.logError("pulse_card_get_failed", err, "card_id", id)
	}
	return m.toCard(), nil
}

// AssignCard stores assignment metadata on a card.
func (s *Store) AssignCard(ctx context.Context, id string, a pulse.Assignment, now time.Time) (pulse.Card, error) {
	res := s.db.WithContext(ctx).Model(&cardModel{}).Where("id = ?", id).Updates(map[string]any{
		"assignee_id":     a.AssigneeID,
		"assignee_name":   a.AssigneeName,
		"assigned_by":     a.AssignedBy,
		"assigned_at":     a.AssignedAt.UTC(),
		"assignment_note": a.Note,
		"updated_at":      now.UTC(),
	})
	if res.Error != nil {
		return pulse.Card{}, s.logError("pulse_card_assign_failed", res.Error, "card_id", id)
	}
	if res.RowsAffected == 0 {
		return pulse.Card{}, pulse.ErrNotFound
	}
	return s.GetCard(ctx, id)
}

// ResolveCard closes the active card id for dealerID. Resolving an already
// resolved card returns it unchanged.
func (s *Store) ResolveCard(ctx context.Context, dealerID, id string, now time.Time) (pulse.Card, error) {
	res := s.db.WithContext(ctx).Model(&cardModel{}).
		Where("id = ? AND dealer_id = ? AND resolved_at IS NULL", id, dealerID).
		Updates(map[string]any{"resolved_at": now.UTC(), "updated_at": now.UTC()})
	if res.Error != nil {
		return pulse.Card{}, s.logError("pulse_card_resolve_failed", res.Error, "card_id", id)
	}
	c, err := s.GetCard(ctx, id)
	if err != nil {
		return pulse.Card{}, err
	}
	if c.DealerID != dealerID {
		return pulse.Card{}, pulse.ErrNotFound
	}
	return c, nil
}

// ListCards returns cards matching q, most recently updated first.
func (s *Store) ListCards(ctx context.Context, q pulse.CardQuery) ([]pulse.Card, error) {
	tx := s.db.WithContext(ctx).Model(&cardModel{})
	if q.DealerID != "" {
		tx = tx.Where("dealer_id = ?", q.DealerID)
	}
	if q.Assignee != "" {
		tx = tx.Where("assignee_id = ?", q.Assignee)
	}
	switch q.Status {
	case pulse.StatusActive:
		tx = tx.Where("resolved_at IS NULL")
	case pulse.StatusResolved:
		tx = tx.Where("resolved_at IS NOT NULL")
	}
	if !q.UpdatedSince.IsZero() {
		tx = tx.Where("updated_at >= ?", q.UpdatedSince.UTC())
	}
	tx = tx.Order("updated_at DESC").Order("id ASC")
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var models []cardModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, s.logError("pulse_card_list_failed", err, "dealer_id", q.DealerID)
	}
	out := make([]pulse.Card, 0, len(models))
	for _, m := range models {
		out = append(out, m.toCard())
	}
	return out, nil
}
