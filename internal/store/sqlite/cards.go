package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/pulsewire/internal/pulse"
)

const cardColumns = `id, dealer_id, ts, level, kind, title, detail, thread_type, thread_id,
	actions, dedupe_key, context, assignee_id, assignee_name, assigned_by, assigned_at,
	assignment_note, parent_id, resolved_at, created_at, updated_at`

// UpsertCard inserts c or merges it into the active card for the same
// (dealer_id, dedupe_key). The partial unique index decides which path runs;
// both happen inside one write transaction.
func (s *Store) UpsertCard(ctx context.Context, c pulse.Card) (pulse.Card, bool, error) {
	actions, err := encodeJSON(c.Actions)
	if err != nil {
		return pulse.Card{}, false, err
	}
	cardCtx, err := encodeJSON(c.Context)
	if err != nil {
		return pulse.Card{}, false, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return pulse.Card{}, false, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO pulse_cards (`+cardColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', '', NULL, '', ?, NULL, ?, ?)
		 ON CONFLICT (dealer_id, dedupe_key) WHERE resolved_at IS NULL DO NOTHING`,
		c.ID, c.DealerID, toMillis(c.TS), string(c.Level), c.Kind, c.Title, c.Detail,
		c.ThreadType, c.ThreadID, actions, c.DedupeKey, cardCtx, c.ParentID,
		toMillis(c.CreatedAt), toMillis(c.UpdatedAt),
	)
	if err != nil {
		return pulse.Card{}, false, fmt.Errorf("insert card: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return pulse.Card{}, false, fmt.Errorf("insert card rows affected: %w", err)
	} else if n == 1 {
		if err := tx.Commit(); err != nil {
			return pulse.Card{}, false, fmt.Errorf("commit insert card: %w", err)
		}
		return c, true, nil
	}

	existing, err := scanCard(tx.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM pulse_cards
		 WHERE dealer_id = ? AND dedupe_key = ? AND resolved_at IS NULL`,
		c.DealerID, c.DedupeKey,
	))
	if err != nil {
		return pulse.Card{}, false, fmt.Errorf("load active card: %w", err)
	}

	merged := pulse.Merge(existing, c)
	mergedCtx, err := encodeJSON(merged.Context)
	if err != nil {
		return pulse.Card{}, false, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE pulse_cards
		 SET ts = ?, level = ?, kind = ?, title = ?, detail = ?, thread_type = ?, thread_id = ?,
		     actions = ?, context = ?, updated_at = ?
		 WHERE id = ?`,
		toMillis(merged.TS), string(merged.Level), merged.Kind, merged.Title, merged.Detail,
		merged.ThreadType, merged.ThreadID, actions, mergedCtx, toMillis(merged.UpdatedAt),
		merged.ID,
	); err != nil {
		return pulse.Card{}, false, fmt.Errorf("merge card: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return pulse.Card{}, false, fmt.Errorf("commit merge card: %w", err)
	}
	return merged, false, nil
}

// GetCard loads one card by id.
func (s *Store) GetCard(ctx context.Context, id string) (pulse.Card, error) {
	c, err := scanCard(s.sqlDB.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM pulse_cards WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return pulse.Card{}, pulse.ErrNotFound
	}
	if err != nil {
		return pulse.Card{}, fmt.Errorf("get card %s: %w", id, err)
	}
	return c, nil
}

// AssignCard stores assignment metadata on a card.
func (s *Store) AssignCard(ctx context.Context, id string, a pulse.Assignment, now time.Time) (pulse.Card, error) {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE pulse_cards
		 SET assignee_id = ?, assignee_name = ?, assigned_by = ?, assigned_at = ?,
		     assignment_note = ?, updated_at = ?
		 WHERE id = ?`,
		a.AssigneeID, a.AssigneeName, a.AssignedBy, toMillis(a.AssignedAt), a.Note, toMillis(now), id,
	)
	if err != nil {
		return pulse.Card{}, fmt.Errorf("assign card %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pulse.Card{}, pulse.ErrNotFound
	}
	return s.GetCard(ctx, id)
}

// ResolveCard closes the active card id for dealerID.
func (s *Store) ResolveCard(ctx context.Context, dealerID, id string, now time.Time) (pulse.Card, error) {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE pulse_cards SET resolved_at = ?, updated_at = ?
		 WHERE id = ? AND dealer_id = ? AND resolved_at IS NULL`,
		toMillis(now), toMillis(now), id, dealerID,
	)
	if err != nil {
		return pulse.Card{}, fmt.Errorf("resolve card %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		c, err := s.GetCard(ctx, id)
		if err != nil {
			return pulse.Card{}, err
		}
		if c.DealerID != dealerID {
			return pulse.Card{}, pulse.ErrNotFound
		}
		return c, nil
	}
	return s.GetCard(ctx, id)
}

// ListCards returns cards matching q, most recently updated first.
func (s *Store) ListCards(ctx context.Context, q pulse.CardQuery) ([]pulse.Card, error) {
	var (
		where []string
		args  []any
	)
	if q.DealerID != "" {
		where = append(where, "dealer_id = ?")
		args = append(args, q.DealerID)
	}
	if q.Assignee != "" {
		where = append(where, "assignee_id = ?")
		args = append(args, q.Assignee)
	}
	switch q.Status {
	case pulse.StatusActive:
		where = append(where, "resolved_at IS NULL")
	case pulse.StatusResolved:
		where = append(where, "resolved_at IS NOT NULL")
	}
	if !q.UpdatedSince.IsZero() {
		where = append(where, "updated_at >= ?")
		args = append(args, toMillis(q.UpdatedSince))
	}

	query := `SELECT ` + cardColumns + ` FROM pulse_cards`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	var out []pulse.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCard(row rowScanner) (pulse.Card, error) {
	var (
		c                                          pulse.Card
		level, actions, cardCtx                    string
		ts, createdAt, updatedAt                   int64
		assigneeID, assigneeName, assignedBy, note string
		assignedAt, resolvedAt                     sql.NullInt64
	)
	if err := row.Scan(
		&c.ID, &c.DealerID, &ts, &level, &c.Kind, &c.Title, &c.Detail, &c.ThreadType, &c.ThreadID,
		&actions, &c.DedupeKey, &cardCtx, &assigneeID, &assigneeName, &assignedBy, &assignedAt,
		&note, &c.ParentID, &resolvedAt, &createdAt, &updatedAt,
	); err != nil {
		return pulse.Card{}, err
	}
	c.Level = pulse.Level(level)
	c.TS = fromMillis(ts)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	c.ResolvedAt = timePtr(resolvedAt)
	if err := json.Unmarshal([]byte(actions), &c.Actions); err != nil {
		return pulse.Card{}, fmt.Errorf("decode actions: %w", err)
	}
	ctxMap, err := decodeContext(cardCtx)
	if err != nil {
		return pulse.Card{}, err
	}
	c.Context = ctxMap
	if assigneeID != "" {
		c.Assignment = &pulse.Assignment{
			AssigneeID:   assigneeID,
			AssigneeName: assigneeName,
			AssignedBy:   assignedBy,
			Note:         note,
		}
		if assignedAt.Valid {
			c.Assignment.AssignedAt = fromMillis(assignedAt.Int64)
		}
	}
	return c, nil
}
