// Package stream serves live dashboard updates over server-sent events, either
// pushed from the bus or polled from the card store.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gyaneshwarpardhi/pulsewire/internal/metrics"
)

// Frame names that are not business events.
const (
	EventHello     = "hello"
	EventHeartbeat = "hb"
	EventUpdate    = "update"
)

// Writer frames server-sent events. Every call returns the transport error so
// the session can tear itself down.
type Writer struct {
	w  io.Writer
	rc *http.ResponseController
}

// NewWriter sets the streaming headers, writes the status line and returns a
// Writer bound to w.
func NewWriter(w http.ResponseWriter) *Writer {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &Writer{w: w, rc: http.NewResponseController(w)}
}

// Send writes one `event: name` / `data: json` block and flushes it.
func (sw *Writer) Send(name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", name, err)
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	if err := sw.rc.Flush(); err != nil {
		return err
	}
	metrics.StreamEventsSent.WithLabelValues(name).Inc()
	return nil
}

type heartbeat struct {
	TS time.Time `json:"ts"`
}

type hello struct {
	Filter any       `json:"filter"`
	TS     time.Time `json:"ts"`
}
