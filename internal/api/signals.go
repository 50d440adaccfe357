package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/pulsewire/internal/event"
)

// POST /v1/signals/ai-score — publish a score update to live sessions.
func (h *Handler) publishAIScore(w http.ResponseWriter, r *http.Request) {
	var u event.AIScoreUpdate
	if !decode(w, r, &u) {
		return
	}
	u.VIN = strings.TrimSpace(u.VIN)
	if u.VIN == "" {
		writeError(w, http.StatusBadRequest, "vin is required")
		return
	}
	if u.DealerID == "" {
		u.DealerID = tenant(r)
	}
	if u.TS.IsZero() {
		u.TS = time.Now().UTC()
	}
	h.publish(w, u.Event())
}

// POST /v1/signals/msrp — publish a price change. deltaPct is derived when
// omitted.
func (h *Handler) publishMSRP(w http.ResponseWriter, r *http.Request) {
	var c event.MSRPChange
	if !decode(w, r, &c) {
		return
	}
	c.VIN = strings.TrimSpace(c.VIN)
	if c.VIN == "" {
		writeError(w, http.StatusBadRequest, "vin is required")
		return
	}
	if c.DeltaPct == 0 {
		c.DeltaPct = event.DeltaPct(c.Old, c.New)
	}
	if c.TS.IsZero() {
		c.TS = time.Now().UTC()
	}
	h.publish(w, c.Event())
}

func (h *Handler) publish(w http.ResponseWriter, ev event.Event) {
	ev.PublishedAt = time.Now().UTC()
	delivered := h.Bus.Publish(ev.Type, ev)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"type":      ev.Type,
		"delivered": delivered,
	})
}
