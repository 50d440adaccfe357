package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/pulsewire/internal/api"
	"github.com/gyaneshwarpardhi/pulsewire/internal/bus"
	"github.com/gyaneshwarpardhi/pulsewire/internal/event"
	"github.com/gyaneshwarpardhi/pulsewire/internal/ledger"
	"github.com/gyaneshwarpardhi/pulsewire/internal/pulse"
	"github.com/gyaneshwarpardhi/pulsewire/internal/reconcile"
	"github.com/gyaneshwarpardhi/pulsewire/internal/store/sqlite"
	"github.com/gyaneshwarpardhi/pulsewire/internal/stream"
)

type fixture struct {
	handler http.Handler
	bus     *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(logger)
	l := ledger.New(store, 15*time.Minute, logger)
	h := api.New(api.Deps{
		Cards:      pulse.NewService(store, b, logger),
		Ledger:     l,
		Bus:        b,
		Push:       stream.NewPushGateway(b, time.Hour, 8, logger),
		Poll:       stream.NewPollGateway(store, time.Second, time.Hour, 10, logger),
		Reconciler: reconcile.New(l, reconcile.ContextResolver{}, b, reconcile.Options{}, logger),
		Ping:       store.Ping,
		Logger:     logger,
	})
	return &fixture{handler: h, bus: b}
}

func (f *fixture) do(t *testing.T, method, path, tenant string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenant != "" {
		req.Header.Set(api.TenantHeader, tenant)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		if rec := f.do(t, http.MethodGet, path, "", nil); rec.Code != http.StatusOK {
			t.Fatalf("%s = %d", path, rec.Code)
		}
	}
}

func TestTenantRequired(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/pulse/cards", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/v1/pulse/cards?dealerId=D1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dealerId fallback status = %d, want 200", rec.Code)
	}
}

func TestCardLifecycle(t *testing.T) {
	f := newFixture(t)
	card := map[string]any{
		"kind": "incident_opened", "title": "Lender API down", "level": "critical",
		"dedupeKey": "lender:ally", "actions": []string{"fix", "assign"},
		"context": map[string]any{"lender": "ally"},
	}

	rec := f.do(t, http.MethodPost, "/v1/pulse/cards", "D1", card)
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest = %d %s", rec.Code, rec.Body)
	}
	var created pulse.Card
	decodeInto(t, rec, &created)

	rec = f.do(t, http.MethodPost, "/v1/pulse/cards", "D1", card)
	var merged pulse.Card
	decodeInto(t, rec, &merged)
	if merged.ID != created.ID {
		t.Fatalf("re-ingest opened %s, want %s", merged.ID, created.ID)
	}

	rec = f.do(t, http.MethodPost, "/v1/pulse/cards/"+created.ID+"/assign", "D1",
		map[string]string{"assigneeId": "u-2", "assigneeName": "Jordan", "note": "call the lender"})
	if rec.Code != http.StatusOK {
		t.Fatalf("assign = %d %s", rec.Code, rec.Body)
	}
	var assigned pulse.CardAssigned
	decodeInto(t, rec, &assigned)
	if assigned.AuditCard.ParentID != created.ID {
		t.Fatalf("audit card parent = %q", assigned.AuditCard.ParentID)
	}

	if rec := f.do(t, http.MethodGet, "/v1/pulse/cards/"+created.ID, "D2", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("cross-dealer get = %d, want 404", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/v1/pulse/cards?status=active", "D1", nil)
	var list struct {
		Cards []pulse.Card `json:"cards"`
	}
	decodeInto(t, rec, &list)
	if len(list.Cards) != 2 {
		t.Fatalf("active cards = %d, want card + audit card", len(list.Cards))
	}
	if rec := f.do(t, http.MethodGet, "/v1/pulse/cards?status=open", "D1", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status = %d, want 400", rec.Code)
	}
}

func TestFixUndoAndTotal(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/pulse/cards", "D1", map[string]any{
		"kind": "kpi_delta", "title": "Aged unit", "dedupeKey": "aged:V1",
	})
	var card pulse.Card
	decodeInto(t, rec, &card)

	rec = f.do(t, http.MethodPost, "/v1/pulse/cards/"+card.ID+"/fix", "D1", map[string]any{
		"tier": "apply", "actor": "human", "summary": "Dropped price $500", "deltaUsd": 100, "undoable": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("fix = %d %s", rec.Code, rec.Body)
	}
	var fixed struct {
		Card    pulse.Card     `json:"card"`
		Receipt ledger.Receipt `json:"receipt"`
	}
	decodeInto(t, rec, &fixed)
	if fixed.Card.Active() || fixed.Receipt.PulseID != card.ID || fixed.Receipt.UndoDeadline == nil {
		t.Fatalf("fix result = %+v", fixed)
	}

	rec = f.do(t, http.MethodPost, "/v1/receipts", "D1", map[string]any{
		"tier": "autopilot", "actor": "agent", "summary": "Auto reprice",
		"context": map[string]any{"realized_delta_usd": 50},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("insert = %d %s", rec.Code, rec.Body)
	}

	rec = f.do(t, http.MethodPost, "/v1/reconcile/run", "", nil)
	var rep reconcile.Report
	decodeInto(t, rec, &rep)
	if rep.Finalized != 1 {
		t.Fatalf("reconcile report = %+v", rep)
	}

	rec = f.do(t, http.MethodPost, "/v1/receipts/"+fixed.Receipt.ID+"/undo", "D1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("undo = %d %s", rec.Code, rec.Body)
	}
	rec = f.do(t, http.MethodPost, "/v1/receipts/"+fixed.Receipt.ID+"/undo", "D1", nil)
	var refused ledger.UndoResult
	decodeInto(t, rec, &refused)
	if rec.Code != http.StatusConflict || refused.Reason != ledger.RefusalAlreadyUndone {
		t.Fatalf("second undo = %d %+v", rec.Code, refused)
	}

	rec = f.do(t, http.MethodGet, "/v1/receipts/total", "D1", nil)
	var total struct {
		TotalUSD float64 `json:"totalUsd"`
	}
	decodeInto(t, rec, &total)
	if total.TotalUSD != 50 {
		t.Fatalf("total = %v, want 50", total.TotalUSD)
	}

	rec = f.do(t, http.MethodGet, "/v1/receipts", "D1", nil)
	var list struct {
		Receipts []ledger.Receipt `json:"receipts"`
	}
	decodeInto(t, rec, &list)
	if len(list.Receipts) != 2 {
		t.Fatalf("receipts = %d, want 2", len(list.Receipts))
	}

	if rec := f.do(t, http.MethodGet, "/v1/receipts/missing", "D1", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing receipt = %d, want 404", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/v1/receipts", "D1", map[string]any{"tier": "ship", "actor": "human", "summary": "x"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid tier = %d, want 400", rec.Code)
	}
}

func TestFinalizeEndpoint(t *testing.T) {
	f := newFixture(t)
	var finalized []event.Event
	f.bus.Subscribe(event.TypeReceiptFinalized, func(ev event.Event) {
		finalized = append(finalized, ev)
	})
	rec := f.do(t, http.MethodPost, "/v1/receipts", "D1", map[string]any{
		"tier": "apply", "actor": "human", "summary": "Swapped lender",
	})
	var r ledger.Receipt
	decodeInto(t, rec, &r)

	if rec := f.do(t, http.MethodPost, "/v1/receipts/"+r.ID+"/finalize", "D1", map[string]any{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("finalize without delta = %d, want 400", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/v1/receipts/"+r.ID+"/finalize", "D1", map[string]any{
		"deltaUsd": 320.5, "context": map[string]any{"source": "dms"},
	})
	var out struct {
		Receipt ledger.Receipt `json:"receipt"`
		Applied bool           `json:"applied"`
	}
	decodeInto(t, rec, &out)
	if !out.Applied || out.Receipt.DeltaUSD == nil || *out.Receipt.DeltaUSD != 320.5 {
		t.Fatalf("finalize = %+v", out)
	}
	if len(finalized) != 1 || finalized[0].DealerID != "D1" {
		t.Fatalf("published = %+v, want one receipt_finalized for D1", finalized)
	}
	if p, ok := finalized[0].Payload.(ledger.Receipt); !ok || p.ID != r.ID || *p.DeltaUSD != 320.5 {
		t.Fatalf("payload = %#v", finalized[0].Payload)
	}

	undoable := f.do(t, http.MethodPost, "/v1/receipts", "D1", map[string]any{
		"tier": "apply", "actor": "human", "summary": "Price drop", "undoable": true,
	})
	var u ledger.Receipt
	decodeInto(t, undoable, &u)
	if rec := f.do(t, http.MethodPost, "/v1/receipts/"+u.ID+"/undo", "D1", nil); rec.Code != http.StatusOK {
		t.Fatalf("undo = %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/v1/receipts/"+u.ID+"/finalize", "D1", map[string]any{"deltaUsd": 10})
	decodeInto(t, rec, &out)
	if out.Applied || len(finalized) != 1 {
		t.Fatalf("finalize of undone receipt applied=%v published=%d", out.Applied, len(finalized))
	}
}

func TestSignalsPublish(t *testing.T) {
	f := newFixture(t)
	var scores, prices atomic.Int32
	var got atomic.Value
	f.bus.Subscribe(event.TypeAIScoreUpdate, func(ev event.Event) {
		scores.Add(1)
		got.Store(ev)
	})
	f.bus.Subscribe(event.TypeMSRPChange, func(ev event.Event) {
		prices.Add(1)
		if c, ok := ev.Payload.(event.MSRPChange); !ok || c.DeltaPct != 2.5 {
			t.Errorf("msrp payload = %#v", ev.Payload)
		}
	})

	rec := f.do(t, http.MethodPost, "/v1/signals/ai-score", "D1", map[string]any{"vin": "V1", "avi": 80})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("ai-score = %d %s", rec.Code, rec.Body)
	}
	ev := got.Load().(event.Event)
	if ev.DealerID != "D1" || ev.VIN != "V1" {
		t.Fatalf("published = %+v", ev)
	}

	rec = f.do(t, http.MethodPost, "/v1/signals/msrp", "", map[string]any{"vin": "V1", "old": 40000, "new": 41000})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("msrp = %d %s", rec.Code, rec.Body)
	}
	if scores.Load() != 1 || prices.Load() != 1 {
		t.Fatalf("deliveries = %d/%d", scores.Load(), prices.Load())
	}
	if rec := f.do(t, http.MethodPost, "/v1/signals/ai-score", "", map[string]any{"avi": 1}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing vin = %d, want 400", rec.Code)
	}
}

func TestStreamRouteServesHello(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/stream?dealerId=D1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	buf := make([]byte, len("event: hello"))
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "event: hello" {
		t.Fatalf("first bytes = %q", buf)
	}
}
