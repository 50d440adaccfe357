package stream

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gyaneshwarpardhi/pulsewire/internal/metrics"
	"github.com/gyaneshwarpardhi/pulsewire/internal/pulse"
)

// CardLister is the read side of the card store.
type CardLister interface {
	ListCards(ctx context.Context, q pulse.CardQuery) ([]pulse.Card, error)
}

// PollGateway re-reads the card store on an interval and streams what changed.
// It is slower than push but cannot lose an update that reached the store
// within the lookback window of its updatedAt stamp.
type PollGateway struct {
	cards     CardLister
	interval  atomic.Int64
	heartbeat atomic.Int64
	lookback  atomic.Int64
	batch     int
	logger    *slog.Logger
}

// NewPollGateway builds a gateway. batch caps the cards per update frame.
func NewPollGateway(cards CardLister, interval, heartbeat time.Duration, batch int, logger *slog.Logger) *PollGateway {
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &PollGateway{cards: cards, batch: batch, logger: logger}
	g.SetInterval(interval)
	g.SetHeartbeat(heartbeat)
	g.SetLookback(0)
	return g
}

// SetLookback changes how far behind the wall clock each poll re-reads. It
// bounds how late a write may commit after its updatedAt stamp and still be
// streamed. Zero restores the 30s default.
func (g *PollGateway) SetLookback(d time.Duration) {
	if d <= 0 {
		d = 30 * time.Second
	}
	g.lookback.Store(int64(d))
}

// SetInterval changes the poll period for sessions opened afterwards.
func (g *PollGateway) SetInterval(d time.Duration) {
	if d <= 0 {
		d = 2 * time.Second
	}
	g.interval.Store(int64(d))
}

// SetHeartbeat changes the heartbeat period for sessions opened afterwards.
func (g *PollGateway) SetHeartbeat(d time.Duration) {
	if d <= 0 {
		d = 25 * time.Second
	}
	g.heartbeat.Store(int64(d))
}

type pollFilter struct {
	DealerID string       `json:"dealerId,omitempty"`
	Assignee string       `json:"assignee,omitempty"`
	Status   pulse.Status `json:"status,omitempty"`
}

type update struct {
	Cards []pulse.Card `json:"cards"`
}

// window re-reads every card updated within the lookback period and remembers
// which version of each card it already sent. Writes that commit out of
// updatedAt order are still picked up, and nothing is sent twice.
type window struct {
	delivered map[string]time.Time // card id -> updatedAt last sent
}

func newWindow() *window {
	return &window{delivered: make(map[string]time.Time)}
}

// advance returns the cards whose current version has not been sent, then
// forgets versions older than since, which no later query can return.
func (w *window) advance(cards []pulse.Card, since time.Time) []pulse.Card {
	fresh := make([]pulse.Card, 0, len(cards))
	for _, card := range cards {
		if at, ok := w.delivered[card.ID]; ok && at.Equal(card.UpdatedAt) {
			continue
		}
		w.delivered[card.ID] = card.UpdatedAt
		fresh = append(fresh, card)
	}
	for id, at := range w.delivered {
		if at.Before(since) {
			delete(w.delivered, id)
		}
	}
	return fresh
}

// ServeHTTP runs one polling session until the client leaves or a write fails.
func (g *PollGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := pollFilter{
		DealerID: dealerFrom(r),
		Assignee: strings.TrimSpace(q.Get("assignee")),
		Status:   pulse.Status(strings.TrimSpace(q.Get("status"))),
	}

	poll := time.NewTicker(time.Duration(g.interval.Load()))
	hb := time.NewTicker(time.Duration(g.heartbeat.Load()))
	var once sync.Once
	teardown := func() {
		once.Do(func() {
			poll.Stop()
			hb.Stop()
			metrics.StreamSessions.WithLabelValues("poll").Dec()
		})
	}
	metrics.StreamSessions.WithLabelValues("poll").Inc()
	defer teardown()

	log := g.logger.With("module", "internal/stream", "mode", "poll", "dealer_id", filter.DealerID)
	out := NewWriter(w)
	now := time.Now().UTC()
	if err := out.Send(EventHello, hello{Filter: filter, TS: now}); err != nil {
		log.Debug("stream write failed", "err", err)
		return
	}
	win := newWindow()

	ctx := r.Context()
	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case t := <-hb.C:
			err = out.Send(EventHeartbeat, heartbeat{TS: t.UTC()})
		case <-poll.C:
			err = g.pollOnce(ctx, out, filter, win, log)
		}
		if err != nil {
			log.Debug("stream write failed", "err", err)
			return
		}
	}
}

// pollOnce only returns transport errors; a failed query is retried next tick.
func (g *PollGateway) pollOnce(ctx context.Context, out *Writer, f pollFilter, win *window, log *slog.Logger) error {
	since := time.Now().UTC().Add(-time.Duration(g.lookback.Load())).Truncate(time.Millisecond)
	cards, err := g.cards.ListCards(ctx, pulse.CardQuery{
		DealerID:     f.DealerID,
		Assignee:     f.Assignee,
		Status:       f.Status,
		UpdatedSince: since,
	})
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("poll query failed", "event", "stream_poll_failed", "err", err)
		}
		return nil
	}
	fresh := win.advance(cards, since)
	for start := 0; start < len(fresh); start += g.batch {
		end := min(start+g.batch, len(fresh))
		if err := out.Send(EventUpdate, update{Cards: fresh[start:end]}); err != nil {
			return err
		}
	}
	return nil
}
