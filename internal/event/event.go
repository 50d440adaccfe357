package event

import "time"

// Type names a business event. It doubles as the bus channel and the SSE
// event name.
type Type string

const (
	TypeAIScoreUpdate    Type = "ai_score_update"
	TypeMSRPChange       Type = "msrp_change"
	TypeCardUpserted     Type = "pulse_card"
	TypeCardAssigned     Type = "card_assigned"
	TypeReceiptFinalized Type = "receipt_finalized"
)

// Types lists every business event type a stream session listens on.
func Types() []Type {
	return []Type{
		TypeAIScoreUpdate,
		TypeMSRPChange,
		TypeCardUpserted,
		TypeCardAssigned,
		TypeReceiptFinalized,
	}
}

// Event is the transient envelope routed by the bus. It is never persisted.
type Event struct {
	Type        Type      `json:"type"`
	DealerID    string    `json:"dealer_id,omitempty"` // routing key, empty = all dealers
	VIN         string    `json:"vin,omitempty"`       // routing key, empty = not vehicle scoped
	Payload     any       `json:"payload"`
	PublishedAt time.Time `json:"published_at"`
}

// AIScoreUpdate is produced by the scoring jobs.
type AIScoreUpdate struct {
	VIN      string    `json:"vin"`
	DealerID string    `json:"dealerId,omitempty"`
	Reason   string    `json:"reason"`
	AVI      float64   `json:"avi"`
	ATI      float64   `json:"ati"`
	CIS      float64   `json:"cis"`
	TS       time.Time `json:"ts"`
}

// Event wraps the update in a routable envelope.
func (u AIScoreUpdate) Event() Event {
	return Event{Type: TypeAIScoreUpdate, DealerID: u.DealerID, VIN: u.VIN, Payload: u}
}

// MSRPChange is produced by the price-sync jobs. It is not dealer scoped.
type MSRPChange struct {
	VIN      string    `json:"vin"`
	Old      float64   `json:"old"`
	New      float64   `json:"new"`
	DeltaPct float64   `json:"deltaPct"`
	TS       time.Time `json:"ts"`
}

// Event wraps the change in a routable envelope.
func (c MSRPChange) Event() Event {
	return Event{Type: TypeMSRPChange, VIN: c.VIN, Payload: c}
}

// DeltaPct returns the percentage change from old to new, rounded to two
// decimals. A zero old price yields zero.
func DeltaPct(old, new float64) float64 {
	if old == 0 {
		return 0
	}
	pct := (new - old) / old * 100
	return float64(int64(pct*100+sign(pct)*0.5)) / 100
}

func sign(f float64) float64 {
	if f < 0 {
		return -1
	}
	return 1
}

// MergeContext returns a new map with patch applied over base. Values are
// copied as-is; nested maps are replaced, not merged. Card and receipt
// contexts both merge this way.
func MergeContext(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
