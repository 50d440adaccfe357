package pulse

import (
	"errors"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/pulsewire/internal/event"
)

// Level is the severity of a card.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarn     Level = "warn"
	LevelCritical Level = "critical"
)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case LevelInfo, LevelWarn, LevelCritical:
		return true
	}
	return false
}

// Card kinds used by the dashboard buckets.
const (
	KindKPIDelta         = "kpi_delta"
	KindIncidentOpened   = "incident_opened"
	KindIncidentResolved = "incident_resolved"
	KindMarketSignal     = "market_signal"
	KindSystemHealth     = "system_health"
)

// Status filters cards by lifecycle.
type Status string

const (
	StatusAny      Status = ""
	StatusActive   Status = "active"
	StatusResolved Status = "resolved"
)

var (
	ErrNotFound     = errors.New("pulse card not found")
	ErrInvalidInput = errors.New("pulse card input is invalid")
)

// Assignment records who owns a card.
type Assignment struct {
	AssigneeID   string    `json:"assigneeId"`
	AssigneeName string    `json:"assigneeName,omitempty"`
	AssignedBy   string    `json:"assignedBy,omitempty"`
	AssignedAt   time.Time `json:"assignedAt"`
	Note         string    `json:"note,omitempty"`
}

// Card is a persisted alert or incident. At most one active card exists per
// (DealerID, DedupeKey).
type Card struct {
	ID         string         `json:"id"`
	DealerID   string         `json:"dealerId"`
	TS         time.Time      `json:"ts"`
	Level      Level          `json:"level"`
	Kind       string         `json:"kind"`
	Title      string         `json:"title"`
	Detail     string         `json:"detail,omitempty"`
	ThreadType string         `json:"threadType,omitempty"`
	ThreadID   string         `json:"threadId,omitempty"`
	Actions    []string       `json:"actions"`
	DedupeKey  string         `json:"dedupeKey"`
	Context    map[string]any `json:"context"`
	Assignment *Assignment    `json:"assignment,omitempty"`
	ParentID   string         `json:"parentId,omitempty"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Active reports whether the card is still open.
func (c Card) Active() bool { return c.ResolvedAt == nil }

// CardQuery filters List. Zero values match everything.
type CardQuery struct {
	DealerID     string
	Assignee     string
	Status       Status
	UpdatedSince time.Time
	Limit        int
}

// Merge applies an incoming card on top of the stored active one with the same
// dedupe key. Identity, assignment and creation time are kept; context is
// merged; everything else is overwritten.
func Merge(existing, incoming Card) Card {
	out := existing
	out.TS = incoming.TS
	out.Level = incoming.Level
	out.Kind = incoming.Kind
	out.Title = incoming.Title
	out.Detail = incoming.Detail
	out.ThreadType = incoming.ThreadType
	out.ThreadID = incoming.ThreadID
	out.Actions = incoming.Actions
	out.Context = event.MergeContext(existing.Context, incoming.Context)
	out.UpdatedAt = incoming.UpdatedAt
	return out
}

func normalize(dealerID string, c Card, now time.Time) (Card, error) {
	c.DealerID = strings.TrimSpace(dealerID)
	c.DedupeKey = strings.TrimSpace(c.DedupeKey)
	c.Title = strings.TrimSpace(c.Title)
	c.Kind = strings.TrimSpace(c.Kind)
	if c.DealerID == "" || c.DedupeKey == "" || c.Title == "" || c.Kind == "" {
		return Card{}, ErrInvalidInput
	}
	if c.Level == "" {
		c.Level = LevelInfo
	}
	if !c.Level.Valid() {
		return Card{}, ErrInvalidInput
	}
	if c.TS.IsZero() {
		c.TS = now
	}
	c.TS = c.TS.UTC()
	if c.Actions == nil {
		c.Actions = []string{}
	}
	if c.Context == nil {
		c.Context = map[string]any{}
	}
	c.ResolvedAt = nil
	c.CreatedAt = now
	c.UpdatedAt = now
	return c, nil
}
