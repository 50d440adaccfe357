package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gyaneshwarpardhi/pulsewire/internal/event"
	"github.com/gyaneshwarpardhi/pulsewire/internal/ledger"
)

type receiptRequest struct {
	PulseID      string         `json:"pulseId"`
	Tier         ledger.Tier    `json:"tier"`
	Actor        ledger.Actor   `json:"actor"`
	Summary      string         `json:"summary"`
	DeltaUSD     *float64       `json:"deltaUsd"`
	Undoable     bool           `json:"undoable"`
	UndoDeadline *time.Time     `json:"undoDeadline"`
	Context      map[string]any `json:"context"`
}

func (req receiptRequest) toNewReceipt(tenantID string) ledger.NewReceipt {
	return ledger.NewReceipt{
		TenantID:     tenantID,
		PulseID:      req.PulseID,
		Tier:         req.Tier,
		Actor:        req.Actor,
		Summary:      req.Summary,
		DeltaUSD:     req.DeltaUSD,
		Undoable:     req.Undoable,
		UndoDeadline: req.UndoDeadline,
		Context:      req.Context,
	}
}

// POST /v1/receipts
func (h *Handler) insertReceipt(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req receiptRequest
	if !decode(w, r, &req) {
		return
	}
	receipt, err := h.Ledger.InsertReceipt(r.Context(), req.toNewReceipt(tenantID))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// GET /v1/receipts?since= — newest first. Without since, all receipts.
func (h *Handler) listReceipts(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}
	receipts, err := h.Ledger.ListSince(r.Context(), tenantID, since)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if receipts == nil {
		receipts = []ledger.Receipt{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"receipts": receipts})
}

// GET /v1/receipts/total — sum of finalized, non-undone deltas.
func (h *Handler) receiptTotal(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	total, err := h.Ledger.Total(r.Context(), tenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenantId": tenantID,
		"totalUsd": total,
	})
}

// GET /v1/receipts/{id}
func (h *Handler) getReceipt(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	receipt, err := h.Ledger.Get(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

type finalizeRequest struct {
	DeltaUSD *float64       `json:"deltaUsd"`
	Context  map[string]any `json:"context"`
}

// POST /v1/receipts/{id}/finalize — no-op (applied=false) on undone receipts.
// An applied finalize is announced to live sessions.
func (h *Handler) finalizeReceipt(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req finalizeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.DeltaUSD == nil {
		writeError(w, http.StatusBadRequest, "deltaUsd is required")
		return
	}
	receipt, applied, err := h.Ledger.UpdateFinalDelta(r.Context(), tenantID, chi.URLParam(r, "id"), *req.DeltaUSD, req.Context)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if applied && h.Bus != nil {
		h.Bus.Publish(event.TypeReceiptFinalized, ledger.FinalizedEvent(receipt, time.Now()))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"receipt": receipt,
		"applied": applied,
	})
}

// POST /v1/receipts/{id}/undo — 200 when applied, 409 with the reason
// otherwise.
func (h *Handler) undoReceipt(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	res, err := h.Ledger.MarkUndone(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.Applied {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}
