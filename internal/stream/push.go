package stream

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gyaneshwarpardhi/pulsewire/internal/bus"
	"github.com/gyaneshwarpardhi/pulsewire/internal/event"
	"github.com/gyaneshwarpardhi/pulsewire/internal/metrics"
)

// Subscriber is the part of the bus a push session needs.
type Subscriber interface {
	Subscribe(channel event.Type, h bus.Handler) *bus.Subscription
}

var _ Subscriber = (*bus.Bus)(nil)

// Filter narrows a push session to one dealer and/or one vehicle.
type Filter struct {
	DealerID string `json:"dealerId,omitempty"`
	VIN      string `json:"vin,omitempty"`
}

// Match reports whether ev should be forwarded. Events without a dealer are
// broadcast to every dealer filter.
func (f Filter) Match(ev event.Event) bool {
	if f.VIN != "" && ev.VIN != f.VIN {
		return false
	}
	if f.DealerID != "" && ev.DealerID != "" && ev.DealerID != f.DealerID {
		return false
	}
	return true
}

// PushGateway forwards bus events to SSE clients.
type PushGateway struct {
	bus       Subscriber
	buffer    int
	heartbeat atomic.Int64
	logger    *slog.Logger
}

// NewPushGateway builds a gateway. buffer bounds the per-session queue.
func NewPushGateway(b Subscriber, heartbeat time.Duration, buffer int, logger *slog.Logger) *PushGateway {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &PushGateway{bus: b, buffer: buffer, logger: logger}
	g.SetHeartbeat(heartbeat)
	return g
}

// SetHeartbeat changes the heartbeat period for sessions opened afterwards.
func (g *PushGateway) SetHeartbeat(d time.Duration) {
	if d <= 0 {
		d = 25 * time.Second
	}
	g.heartbeat.Store(int64(d))
}

// ServeHTTP runs one session until the client leaves or a write fails.
func (g *PushGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter := Filter{
		DealerID: dealerFrom(r),
		VIN:      strings.TrimSpace(r.URL.Query().Get("vin")),
	}
	queue := make(chan event.Event, g.buffer)
	forward := func(ev event.Event) {
		if !filter.Match(ev) {
			return
		}
		select {
		case queue <- ev:
		default:
			metrics.StreamEventsDropped.Inc()
		}
	}

	ticker := time.NewTicker(time.Duration(g.heartbeat.Load()))
	subs := make([]*bus.Subscription, 0, len(event.Types()))
	for _, t := range event.Types() {
		subs = append(subs, g.bus.Subscribe(t, forward))
	}
	var once sync.Once
	teardown := func() {
		once.Do(func() {
			ticker.Stop()
			for _, s := range subs {
				s.Close()
			}
			metrics.StreamSessions.WithLabelValues("push").Dec()
		})
	}
	metrics.StreamSessions.WithLabelValues("push").Inc()
	defer teardown()

	log := g.logger.With("module", "internal/stream", "mode", "push",
		"dealer_id", filter.DealerID, "vin", filter.VIN)
	out := NewWriter(w)
	if err := out.Send(EventHello, hello{Filter: filter, TS: time.Now().UTC()}); err != nil {
		log.Debug("stream write failed", "err", err)
		return
	}
	log.Info("stream session opened", "event", "stream_opened")

	ctx := r.Context()
	for {
		var err error
		select {
		case <-ctx.Done():
			log.Info("stream session closed", "event", "stream_closed")
			return
		case ev := <-queue:
			err = out.Send(string(ev.Type), ev.Payload)
		case t := <-ticker.C:
			err = out.Send(EventHeartbeat, heartbeat{TS: t.UTC()})
		}
		if err != nil {
			log.Debug("stream write failed", "err", err)
			return
		}
	}
}

// dealerFrom reads the dealer filter from the query, then the tenant header.
func dealerFrom(r *http.Request) string {
	if d := strings.TrimSpace(r.URL.Query().Get("dealerId")); d != "" {
		return d
	}
	return strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
}
