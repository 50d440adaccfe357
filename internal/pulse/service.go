// Package pulse ingests alert and incident cards and publishes them to the bus.
package pulse

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gyaneshwarpardhi/pulsewire/internal/bus"
	"github.com/gyaneshwarpardhi/pulsewire/internal/event"
	"github.com/gyaneshwarpardhi/pulsewire/internal/metrics"
)

var tracer = otel.Tracer("github.com/gyaneshwarpardhi/pulsewire/internal/pulse")

// AssignmentDedupePrefix prefixes the dedupe key of assignment audit cards.
const AssignmentDedupePrefix = "assignment:"

// Publisher is the subset of the bus the service needs.
type Publisher interface {
	Publish(channel event.Type, ev event.Event) int
}

var _ Publisher = (*bus.Bus)(nil)

// Service is the card ingestion use case.
type Service struct {
	Store  Store
	Bus    Publisher
	Now    func() time.Time
	Logger *slog.Logger
}

// NewService wires a Service with the wall clock.
func NewService(store Store, b Publisher, logger *slog.Logger) *Service {
	return &Service{Store: store, Bus: b, Logger: logger}
}

// CardAssigned is the payload of a card_assigned event.
type CardAssigned struct {
	Card      Card `json:"card"`
	AuditCard Card `json:"auditCard"`
}

// AssignInput carries the assign request.
type AssignInput struct {
	DealerID     string // when set, the card must belong to this dealer
	CardID       string
	AssigneeID   string
	AssigneeName string
	AssignedBy   string
	Note         string
}

// Ingest upserts card under dealerID and publishes it.
func (s *Service) Ingest(ctx context.Context, dealerID string, card Card) (Card, error) {
	ctx, span := tracer.Start(ctx, "pulse.Ingest")
	defer span.End()

	now := s.now()
	c, err := normalize(dealerID, card, now)
	if err != nil {
		return Card{}, err
	}
	c.ID = uuid.NewString()
	span.SetAttributes(attribute.String("dealer_id", c.DealerID), attribute.String("dedupe_key", c.DedupeKey))

	stored, created, err := s.Store.UpsertCard(ctx, c)
	if err != nil {
		span.RecordError(err)
		return Card{}, fmt.Errorf("ingest card %s/%s: %w", c.DealerID, c.DedupeKey, err)
	}
	outcome := "merged"
	if created {
		outcome = "created"
	}
	metrics.CardsIngested.WithLabelValues(outcome).Inc()
	s.logger().Info("pulse card ingested",
		"event", "pulse_card_ingested",
		"module", "internal/pulse",
		"card_id", stored.ID,
		"dealer_id", stored.DealerID,
		"dedupe_key", stored.DedupeKey,
		"outcome", outcome,
	)

	s.publish(event.Event{Type: event.TypeCardUpserted, DealerID: stored.DealerID, Payload: stored})
	return stored, nil
}

// Assign attaches assignment metadata to a card and opens a linked audit
// card. Retrying the same assignment merges into the existing audit card.
func (s *Service) Assign(ctx context.Context, in AssignInput) (Card, Card, error) {
	ctx, span := tracer.Start(ctx, "pulse.Assign")
	defer span.End()

	cardID := strings.TrimSpace(in.CardID)
	assignee := strings.TrimSpace(in.AssigneeID)
	if cardID == "" || assignee == "" {
		return Card{}, Card{}, ErrInvalidInput
	}
	if dealerID := strings.TrimSpace(in.DealerID); dealerID != "" {
		if _, err := s.Get(ctx, dealerID, cardID); err != nil {
			return Card{}, Card{}, fmt.Errorf("assign card %s: %w", cardID, err)
		}
	}
	now := s.now()
	card, err := s.Store.AssignCard(ctx, cardID, Assignment{
		AssigneeID:   assignee,
		AssigneeName: strings.TrimSpace(in.AssigneeName),
		AssignedBy:   strings.TrimSpace(in.AssignedBy),
		AssignedAt:   now,
		Note:         strings.TrimSpace(in.Note),
	}, now)
	if err != nil {
		span.RecordError(err)
		return Card{}, Card{}, fmt.Errorf("assign card %s: %w", cardID, err)
	}

	who := assignee
	if card.Assignment.AssigneeName != "" {
		who = card.Assignment.AssigneeName
	}
	auditCtx := map[string]any{
		"original_pulse_id": card.ID,
		"assignee_id":       assignee,
	}
	if card.Assignment.AssigneeName != "" {
		auditCtx["assignee_name"] = card.Assignment.AssigneeName
	}
	if card.Assignment.Note != "" {
		auditCtx["note"] = card.Assignment.Note
	}
	audit := Card{
		Level:      LevelInfo,
		Kind:       KindIncidentOpened,
		Title:      fmt.Sprintf("Assigned to %s: %s", who, card.Title),
		Detail:     card.Assignment.Note,
		ThreadType: card.ThreadType,
		ThreadID:   card.ThreadID,
		Actions:    []string{"open"},
		DedupeKey:  AssignmentDedupePrefix + card.ID,
		Context:    auditCtx,
		ParentID:   card.ID,
	}
	audit, err = normalize(card.DealerID, audit, now)
	if err != nil {
		return Card{}, Card{}, err
	}
	audit.ID = uuid.NewString()
	storedAudit, _, err := s.Store.UpsertCard(ctx, audit)
	if err != nil {
		span.RecordError(err)
		return Card{}, Card{}, fmt.Errorf("record assignment audit for %s: %w", card.ID, err)
	}

	s.logger().Info("pulse card assigned",
		"event", "pulse_card_assigned",
		"module", "internal/pulse",
		"card_id", card.ID,
		"dealer_id", card.DealerID,
		"assignee_id", assignee,
		"audit_card_id", storedAudit.ID,
	)
	s.publish(event.Event{
		Type:     event.TypeCardAssigned,
		DealerID: card.DealerID,
		Payload:  CardAssigned{Card: card, AuditCard: storedAudit},
	})
	return card, storedAudit, nil
}

// Resolve closes an active card. A later ingest with the same dedupe key opens
// a new card.
func (s *Service) Resolve(ctx context.Context, dealerID, cardID string) (Card, error) {
	ctx, span := tracer.Start(ctx, "pulse.Resolve")
	defer span.End()

	card, err := s.Store.ResolveCard(ctx, strings.TrimSpace(dealerID), strings.TrimSpace(cardID), s.now())
	if err != nil {
		span.RecordError(err)
		return Card{}, fmt.Errorf("resolve card %s: %w", cardID, err)
	}
	s.publish(event.Event{Type: event.TypeCardUpserted, DealerID: card.DealerID, Payload: card})
	return card, nil
}

// Get returns one card scoped to dealerID.
func (s *Service) Get(ctx context.Context, dealerID, cardID string) (Card, error) {
	card, err := s.Store.GetCard(ctx, strings.TrimSpace(cardID))
	if err != nil {
		return Card{}, err
	}
	if dealerID != "" && card.DealerID != dealerID {
		return Card{}, ErrNotFound
	}
	return card, nil
}

// List returns cards matching q, newest update first.
func (s *Service) List(ctx context.Context, q CardQuery) ([]Card, error) {
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 50
	}
	return s.Store.ListCards(ctx, q)
}

// publish never fails the caller; the store already holds the truth.
func (s *Service) publish(ev event.Event) {
	if s.Bus == nil {
		return
	}
	ev.PublishedAt = s.now()
	s.Bus.Publish(ev.Type, ev)
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC().Truncate(time.Millisecond)
	}
	return time.Now().UTC().Truncate(time.Millisecond)
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
