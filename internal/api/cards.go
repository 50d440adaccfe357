package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gyaneshwarpardhi/pulsewire/internal/ledger"
	"github.com/gyaneshwarpardhi/pulsewire/internal/pulse"
)

// POST /v1/pulse/cards — upsert a card by dedupe key.
func (h *Handler) ingestCard(w http.ResponseWriter, r *http.Request) {
	dealerID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var in pulse.Card
	if !decode(w, r, &in) {
		return
	}
	card, err := h.Cards.Ingest(r.Context(), dealerID, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// GET /v1/pulse/cards?assignee=&status=&since=&limit=
func (h *Handler) listCards(w http.ResponseWriter, r *http.Request) {
	dealerID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	query := pulse.CardQuery{
		DealerID: dealerID,
		Assignee: strings.TrimSpace(q.Get("assignee")),
		Status:   pulse.Status(strings.TrimSpace(q.Get("status"))),
	}
	switch query.Status {
	case pulse.StatusAny, pulse.StatusActive, pulse.StatusResolved:
	default:
		writeError(w, http.StatusBadRequest, "status must be active or resolved")
		return
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		query.UpdatedSince = since
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		query.Limit = limit
	}

	cards, err := h.Cards.List(r.Context(), query)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if cards == nil {
		cards = []pulse.Card{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cards": cards})
}

// GET /v1/pulse/cards/{id}
func (h *Handler) getCard(w http.ResponseWriter, r *http.Request) {
	dealerID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	card, err := h.Cards.Get(r.Context(), dealerID, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

type assignRequest struct {
	AssigneeID   string `json:"assigneeId"`
	AssigneeName string `json:"assigneeName"`
	AssignedBy   string `json:"assignedBy"`
	Note         string `json:"note"`
}

// POST /v1/pulse/cards/{id}/assign
func (h *Handler) assignCard(w http.ResponseWriter, r *http.Request) {
	dealerID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req assignRequest
	if !decode(w, r, &req) {
		return
	}
	card, audit, err := h.Cards.Assign(r.Context(), pulse.AssignInput{
		DealerID:     dealerID,
		CardID:       chi.URLParam(r, "id"),
		AssigneeID:   req.AssigneeID,
		AssigneeName: req.AssigneeName,
		AssignedBy:   req.AssignedBy,
		Note:         req.Note,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pulse.CardAssigned{Card: card, AuditCard: audit})
}

// POST /v1/pulse/cards/{id}/resolve
func (h *Handler) resolveCard(w http.ResponseWriter, r *http.Request) {
	dealerID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	card, err := h.Cards.Resolve(r.Context(), dealerID, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// POST /v1/pulse/cards/{id}/fix — record the fix, then close the card.
func (h *Handler) fixCard(w http.ResponseWriter, r *http.Request) {
	dealerID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req receiptRequest
	if !decode(w, r, &req) {
		return
	}
	cardID := chi.URLParam(r, "id")
	if _, err := h.Cards.Get(r.Context(), dealerID, cardID); err != nil {
		h.fail(w, r, err)
		return
	}

	in := req.toNewReceipt(dealerID)
	in.PulseID = cardID
	receipt, err := h.Ledger.InsertReceipt(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	card, err := h.Cards.Resolve(r.Context(), dealerID, cardID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Card    pulse.Card     `json:"card"`
		Receipt ledger.Receipt `json:"receipt"`
	}{card, receipt})
}
