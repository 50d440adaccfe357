package ledger

import (
	"errors"
	"time"
)

// Tier is how far a fix went.
type Tier string

const (
	TierPreview   Tier = "preview"
	TierApply     Tier = "apply"
	TierAutopilot Tier = "autopilot"
)

// Actor is who initiated a fix.
type Actor string

const (
	ActorHuman Actor = "human"
	ActorAgent Actor = "agent"
)

func (t Tier) valid() bool {
	return t == TierPreview || t == TierApply || t == TierAutopilot
}

func (a Actor) valid() bool {
	return a == ActorHuman || a == ActorAgent
}

var (
	ErrNotFound     = errors.New("fix receipt not found")
	ErrInvalidInput = errors.New("fix receipt input is invalid")
	ErrDuplicate    = errors.New("fix receipt already exists")
)

// Receipt is one ledger entry. DeltaUSD nil means the delta is pending.
type Receipt struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenantId"`
	PulseID      string         `json:"pulseId,omitempty"`
	Tier         Tier           `json:"tier"`
	Actor        Actor          `json:"actor"`
	Summary      string         `json:"summary"`
	DeltaUSD     *float64       `json:"deltaUsd"`
	Undoable     bool           `json:"undoable"`
	UndoDeadline *time.Time     `json:"undoDeadline"`
	Undone       bool           `json:"undone"`
	Context      map[string]any `json:"context"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Pending reports whether the delta is still unresolved.
func (r Receipt) Pending() bool { return r.DeltaUSD == nil }

// CanUndo reports whether an undo at now would be accepted.
func (r Receipt) CanUndo(now time.Time) bool {
	return !r.Undone && r.Undoable && r.UndoDeadline != nil && !now.After(*r.UndoDeadline)
}

// NewReceipt is the input of InsertReceipt.
type NewReceipt struct {
	TenantID     string
	PulseID      string
	Tier         Tier
	Actor        Actor
	Summary      string
	DeltaUSD     *float64
	Undoable     bool
	UndoDeadline *time.Time
	Context      map[string]any
}

// UndoRefusal explains why an undo was not applied.
type UndoRefusal string

const (
	RefusalNone          UndoRefusal = ""
	RefusalAlreadyUndone UndoRefusal = "already_undone"
	RefusalExpired       UndoRefusal = "expired"
	RefusalNotUndoable   UndoRefusal = "not_undoable"
)

// UndoResult is the outcome of MarkUndone. Applied=false is a normal result,
// not an error.
type UndoResult struct {
	Receipt Receipt     `json:"receipt"`
	Applied bool        `json:"applied"`
	Reason  UndoRefusal `json:"reason,omitempty"`
}

// refusalFor classifies a receipt that the conditional update did not touch.
func refusalFor(r Receipt) UndoRefusal {
	switch {
	case r.Undone:
		return RefusalAlreadyUndone
	case !r.Undoable || r.UndoDeadline == nil:
		return RefusalNotUndoable
	default:
		return RefusalExpired
	}
}

// Float is a helper for building optional deltas.
func Float(v float64) *float64 { return &v }
