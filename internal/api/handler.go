package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/pulsewire/internal/event"
	"github.com/gyaneshwarpardhi/pulsewire/internal/ledger"
	"github.com/gyaneshwarpardhi/pulsewire/internal/pulse"
	"github.com/gyaneshwarpardhi/pulsewire/internal/reconcile"
)

// TenantHeader carries the dealer/tenant resolved by the auth layer in front
// of this service.
const TenantHeader = "X-Tenant-ID"

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(channel event.Type, ev event.Event) int
}

// Reconciler runs one reconciliation pass on demand.
type Reconciler interface {
	RunOnce(ctx context.Context) (reconcile.Report, error)
}

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Cards      *pulse.Service
	Ledger     *ledger.Ledger
	Bus        Publisher
	Push       http.Handler
	Poll       http.Handler
	Reconciler Reconciler
	Ping       func(ctx context.Context) error
	Logger     *slog.Logger
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	Deps
	router chi.Router
}

// New creates an HTTP handler and registers all routes.
func New(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	h := &Handler{Deps: d, router: chi.NewRouter()}

	r := h.router
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(tracingMiddleware)
	r.Use(loggingMiddleware(d.Logger))
	r.Use(chimiddleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/signals/ai-score", h.publishAIScore)
		r.Post("/signals/msrp", h.publishMSRP)

		r.Route("/pulse/cards", func(r chi.Router) {
			r.Post("/", h.ingestCard)
			r.Get("/", h.listCards)
			r.Get("/{id}", h.getCard)
			r.Post("/{id}/assign", h.assignCard)
			r.Post("/{id}/resolve", h.resolveCard)
			r.Post("/{id}/fix", h.fixCard)
		})

		r.Route("/receipts", func(r chi.Router) {
			r.Post("/", h.insertReceipt)
			r.Get("/", h.listReceipts)
			r.Get("/total", h.receiptTotal)
			r.Get("/{id}", h.getReceipt)
			r.Post("/{id}/finalize", h.finalizeReceipt)
			r.Post("/{id}/undo", h.undoReceipt)
		})

		if d.Push != nil {
			r.Get("/stream", d.Push.ServeHTTP)
		}
		if d.Poll != nil {
			r.Get("/stream/poll", d.Poll.ServeHTTP)
		}
		r.Post("/reconcile/run", h.runReconcile)
	})

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// tenant resolves the caller's dealer/tenant id.
func tenant(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get(TenantHeader)); t != "" {
		return t
	}
	return strings.TrimSpace(r.URL.Query().Get("dealerId"))
}

// requireTenant writes a 400 and returns false when no tenant is present.
func requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	t := tenant(r)
	if t == "" {
		writeError(w, http.StatusBadRequest, TenantHeader+" header or dealerId query parameter is required")
		return "", false
	}
	return t, true
}

// POST /v1/reconcile/run — one reconciliation pass, synchronously.
func (h *Handler) runReconcile(w http.ResponseWriter, r *http.Request) {
	if h.Reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "reconciliation is disabled")
		return
	}
	rep, err := h.Reconciler.RunOnce(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GET /healthz — always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz — 503 when the store is unreachable.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
