package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/gyaneshwarpardhi/pulsewire/internal/ledger"
)

// ErrNotReady means the realized value is not known yet. The receipt stays
// pending without a retry penalty.
var ErrNotReady = errors.New("realized delta not available yet")

// Resolution is the realized outcome of a fix.
type Resolution struct {
	DeltaUSD float64
	Context  map[string]any
}

// Resolver looks up the realized value of a pending receipt.
type Resolver interface {
	Resolve(ctx context.Context, r ledger.Receipt) (Resolution, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, r ledger.Receipt) (Resolution, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, r ledger.Receipt) (Resolution, error) {
	return f(ctx, r)
}

// Context keys read by ContextResolver.
const (
	KeyRealizedDelta  = "realized_delta_usd"
	KeyEstimatedDelta = "estimated_delta_usd"
)

// ContextResolver finalizes receipts from values producers left in the
// receipt context: realized_delta_usd when present, otherwise
// estimated_delta_usd once the receipt is older than SettleAfter.
type ContextResolver struct {
	SettleAfter time.Duration
	Now         func() time.Time
}

// Resolve implements Resolver.
func (c ContextResolver) Resolve(_ context.Context, r ledger.Receipt) (Resolution, error) {
	now := time.Now()
	if c.Now != nil {
		now = c.Now()
	}
	if v, ok := r.Context[KeyRealizedDelta]; ok {
		delta, err := number(v)
		if err != nil {
			return Resolution{}, fmt.Errorf("%s: %w", KeyRealizedDelta, err)
		}
		return Resolution{DeltaUSD: delta, Context: map[string]any{
			"resolved_from": "realized",
			"resolved_at":   now.UTC().Format(time.RFC3339),
		}}, nil
	}
	if v, ok := r.Context[KeyEstimatedDelta]; ok && now.Sub(r.CreatedAt) >= c.SettleAfter {
		delta, err := number(v)
		if err != nil {
			return Resolution{}, fmt.Errorf("%s: %w", KeyEstimatedDelta, err)
		}
		return Resolution{DeltaUSD: delta, Context: map[string]any{
			"resolved_from": "estimate",
			"resolved_at":   now.UTC().Format(time.RFC3339),
		}}, nil
	}
	return Resolution{}, ErrNotReady
}

func number(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number: %v", f)
	}
	return f, nil
}
