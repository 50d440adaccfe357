// Package bus is the in-process publish/subscribe router that fans events out
// to stream sessions and other observers.
//
// Delivery is synchronous on the publisher's goroutine, so a handler sees
// events from one publisher in publish order. Handlers must not block: slow
// work (network writes) belongs on the subscriber's own goroutine. The bus
// keeps no history; a subscriber attaching after a publish never sees it.
//
// The bus is single-process. Deployments that run producers and stream
// gateways in different processes need an external pub/sub behind the same
// Publish/Subscribe surface.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gyaneshwarpardhi/pulsewire/internal/event"
	"github.com/gyaneshwarpardhi/pulsewire/internal/metrics"
)

// Handler receives one published event.
type Handler func(event.Event)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      uint64
	channel event.Type
	handler Handler
	active  atomic.Bool
	bus     *Bus
}

// Channel returns the channel this subscription listens on.
func (s *Subscription) Channel() event.Type { return s.channel }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.Unsubscribe(s)
}

// Bus routes events by channel.
type Bus struct {
	mu     sync.RWMutex
	subs   map[event.Type]map[uint64]*Subscription
	nextID atomic.Uint64
	logger *slog.Logger
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[event.Type]map[uint64]*Subscription),
		logger: logger,
	}
}

// Subscribe registers h on channel.
func (b *Bus) Subscribe(channel event.Type, h Handler) *Subscription {
	s := &Subscription{
		id:      b.nextID.Add(1),
		channel: channel,
		handler: h,
		bus:     b,
	}
	s.active.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[uint64]*Subscription)
	}
	b.subs[channel][s.id] = s
	return s
}

// Unsubscribe removes s. Unknown or already removed subscriptions are ignored.
// A publish already in flight skips s once Unsubscribe has returned.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil || !s.active.CompareAndSwap(true, false) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if m := b.subs[s.channel]; m != nil {
		delete(m, s.id)
		if len(m) == 0 {
			delete(b.subs, s.channel)
		}
	}
}

// Publish delivers ev to every handler subscribed on channel and returns how
// many handlers returned normally. A panicking handler is logged and does not
// stop the rest.
func (b *Bus) Publish(channel event.Type, ev event.Event) int {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[channel]))
	for _, s := range b.subs[channel] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	if ev.Type == "" {
		ev.Type = channel
	}
	metrics.EventsPublished.WithLabelValues(string(channel)).Inc()

	delivered := 0
	for _, s := range targets {
		if !s.active.Load() {
			continue
		}
		if b.invoke(s, ev) {
			delivered++
		}
	}
	return delivered
}

// Subscribers returns how many handlers are registered on channel.
func (b *Bus) Subscribers(channel event.Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

func (b *Bus) invoke(s *Subscription, ev event.Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			metrics.HandlerFaults.WithLabelValues(string(s.channel)).Inc()
			b.logger.Error("bus handler panicked",
				"event", "bus_handler_fault",
				"module", "internal/bus",
				"channel", s.channel,
				"subscription_id", s.id,
				"err", fmt.Sprint(r),
			)
		}
	}()
	s.handler(ev)
	return true
}
