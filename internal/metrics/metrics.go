package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsewire_bus_events_published_total",
		Help: "Total number of events published on the bus, labelled by channel.",
	}, []string{"channel"})

	HandlerFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsewire_bus_handler_faults_total",
		Help: "Total number of bus handlers that panicked during publish, labelled by channel.",
	}, []string{"channel"})

	StreamSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulsewire_stream_sessions",
		Help: "Currently open stream sessions, labelled by mode (push or poll).",
	}, []string{"mode"})

	StreamEventsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsewire_stream_events_sent_total",
		Help: "Total number of SSE frames written, labelled by event name.",
	}, []string{"event"})

	StreamEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsewire_stream_events_dropped_total",
		Help: "Total number of bus events dropped because a session buffer was full.",
	})

	CardsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsewire_cards_ingested_total",
		Help: "Total number of pulse cards ingested, labelled by outcome (created or merged).",
	}, []string{"outcome"})

	ReceiptsInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsewire_receipts_inserted_total",
		Help: "Total number of fix receipts recorded, labelled by tier.",
	}, []string{"tier"})

	ReceiptsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsewire_receipts_finalized_total",
		Help: "Total number of receipts whose delta was set.",
	})

	UndoAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsewire_undo_attempts_total",
		Help: "Total number of undo attempts, labelled by result (applied, already_undone, expired, not_undoable).",
	}, []string{"result"})

	ReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsewire_reconcile_runs_total",
		Help: "Total number of reconciliation passes.",
	})

	ReconcileResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsewire_reconcile_resolutions_total",
		Help: "Reconciliation attempts, labelled by status (finalized, pending, skipped, error).",
	}, []string{"status"})

	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pulsewire_reconcile_duration_ms",
		Help:    "Duration of one reconciliation pass in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})
)
