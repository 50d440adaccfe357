package postgres

import (
	"encoding/json"
	"time"

	"github.com/gyaneshwarpardhi/pulsewire/internal/ledger"
	"github.com/gyaneshwarpardhi/pulsewire/internal/pulse"
)

type cardModel struct {
	ID             string     `gorm:"column:id;primaryKey"`
	DealerID       string     `gorm:"column:dealer_id"`
	TS             time.Time  `gorm:"column:ts"`
	Level          string     `gorm:"column:level"`
	Kind           string     `gorm:"column:kind"`
	Title          string     `gorm:"column:title"`
	Detail         string     `gorm:"column:detail"`
	ThreadType     string     `gorm:"column:thread_type"`
	ThreadID       string     `gorm:"column:thread_id"`
	Actions        string     `gorm:"column:actions;type:jsonb"`
	DedupeKey      string     `gorm:"column:dedupe_key"`
	Context        string     `gorm:"column:context;type:jsonb"`
	AssigneeID     string     `gorm:"column:assignee_id"`
	AssigneeName   string     `gorm:"column:assignee_name"`
	AssignedBy     string     `gorm:"column:assigned_by"`
	AssignedAt     *time.Time `gorm:"column:assigned_at"`
	AssignmentNote string     `gorm:"column:assignment_note"`
	ParentID       string     `gorm:"column:parent_id"`
	ResolvedAt     *time.Time `gorm:"column:resolved_at"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (cardModel) TableName() string { return "pulse_cards" }

func newCardModel(c pulse.Card) (cardModel, error) {
	actions, err := encodeJSON(c.Actions)
	if err != nil {
		return cardModel{}, err
	}
	cardCtx, err := encodeJSON(c.Context)
	if err != nil {
		return cardModel{}, err
	}
	m := cardModel{
		ID:         c.ID,
		DealerID:   c.DealerID,
		TS:         c.TS.UTC(),
		Level:      string(c.Level),
		Kind:       c.Kind,
		Title:      c.Title,
		Detail:     c.Detail,
		ThreadType: c.ThreadType,
		ThreadID:   c.ThreadID,
		Actions:    actions,
		DedupeKey:  c.DedupeKey,
		Context:    cardCtx,
		ParentID:   c.ParentID,
		ResolvedAt: utcPtr(c.ResolvedAt),
		CreatedAt:  c.CreatedAt.UTC(),
		UpdatedAt:  c.UpdatedAt.UTC(),
	}
	if a := c.Assignment; a != nil {
		m.AssigneeID = a.AssigneeID
		m.AssigneeName = a.AssigneeName
		m.AssignedBy = a.AssignedBy
		m.AssignmentNote = a.Note
		at := a.AssignedAt.UTC()
		m.AssignedAt = &at
	}
	return m, nil
}

func (m cardModel) toCard() pulse.Card {
	c := pulse.Card{
		ID:         m.ID,
		DealerID:   m.DealerID,
		TS:         m.TS.UTC(),
		Level:      pulse.Level(m.Level),
		Kind:       m.Kind,
		Title:      m.Title,
		Detail:     m.Detail,
		ThreadType: m.ThreadType,
		ThreadID:   m.ThreadID,
		DedupeKey:  m.DedupeKey,
		Context:    decodeContext(m.Context),
		ParentID:   m.ParentID,
		ResolvedAt: utcPtr(m.ResolvedAt),
		CreatedAt:  m.CreatedAt.UTC(),
		UpdatedAt:  m.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(m.Actions), &c.Actions); err != nil || c.Actions == nil {
		c.Actions = []string{}
	}
	if m.AssigneeID != "" {
		c.Assignment = &pulse.Assignment{
			AssigneeID:   m.AssigneeID,
			AssigneeName: m.AssigneeName,
			AssignedBy:   m.AssignedBy,
			Note:         m.AssignmentNote,
		}
		if m.AssignedAt != nil {
			c.Assignment.AssignedAt = m.AssignedAt.UTC()
		}
	}
	return c
}

type receiptModel struct {
	ID           string     `gorm:"column:id;primaryKey"`
	TenantID     string     `gorm:"column:tenant_id"`
	PulseID      string     `gorm:"column:pulse_id"`
	Tier         string     `gorm:"column:tier"`
	Actor        string     `gorm:"column:actor"`
	Summary      string     `gorm:"column:summary"`
	DeltaUSD     *float64   `gorm:"column:delta_usd"`
	Undoable     bool       `gorm:"column:undoable"`
	UndoDeadline *time.Time `gorm:"column:undo_deadline"`
	Undone       bool       `gorm:"column:undone"`
	Context      string     `gorm:"column:context;type:jsonb"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (receiptModel) TableName() string { return "fix_receipts" }

func newReceiptModel(r ledger.Receipt) (receiptModel, error) {
	receiptCtx, err := encodeJSON(r.Context)
	if err != nil {
		return receiptModel{}, err
	}
	return receiptModel{
		ID:           r.ID,
		TenantID:     r.TenantID,
		PulseID:      r.PulseID,
		Tier:         string(r.Tier),
		Actor:        string(r.Actor),
		Summary:      r.Summary,
		DeltaUSD:     r.DeltaUSD,
		Undoable:     r.Undoable,
		UndoDeadline: utcPtr(r.UndoDeadline),
		Undone:       r.Undone,
		Context:      receiptCtx,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}, nil
}

func (m receiptModel) toReceipt() ledger.Receipt {
	return ledger.Receipt{
		ID:           m.ID,
		TenantID:     m.TenantID,
		PulseID:      m.PulseID,
		Tier:         ledger.Tier(m.Tier),
		Actor:        ledger.Actor(m.Actor),
		Summary:      m.Summary,
		DeltaUSD:     m.DeltaUSD,
		Undoable:     m.Undoable,
		UndoDeadline: utcPtr(m.UndoDeadline),
		Undone:       m.Undone,
		Context:      decodeContext(m.Context),
		CreatedAt:    m.CreatedAt.UTC(),
		UpdatedAt:    m.UpdatedAt.UTC(),
	}
}
