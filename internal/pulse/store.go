package pulse

import (
	"context"
	"time"
)

// Store persists cards. Implementations enforce the active-card uniqueness
// with a storage constraint, not a read-then-insert check.
type Store interface {
	// UpsertCard inserts c, or merges it into the active card with the same
	// (DealerID, DedupeKey): context is merged, the other mutable fields are
	// overwritten and TS/UpdatedAt bumped. created reports which happened.
	UpsertCard(ctx context.Context, c Card) (stored Card, created bool, err error)
	GetCard(ctx context.Context, id string) (Card, error)
	AssignCard(ctx context.Context, id string, a Assignment, now time.Time) (Card, error)
	ResolveCard(ctx context.Context, dealerID, id string, now time.Time) (Card, error)
	// ListCards returns matching cards ordered by UpdatedAt descending.
	ListCards(ctx context.Context, q CardQuery) ([]Card, error)
}
