package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("derive.coordinator")

var (
	computationsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "derive_coordinator_computations_started_total",
		Help: "Computations started, by document kind",
	}, []string{"kind"})

	computationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "derive_coordinator_computation_failures_total",
		Help: "Computation functions that failed to start, by document kind",
	}, []string{"kind"})

	computationsStopped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "derive_coordinator_computations_stopped_total",
		Help: "Active computations stopped because their subscriber left",
	}, []string{"kind"})

	activeComputations = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "derive_coordinator_active_computations",
		Help: "Documents with a computation in flight",
	}, []string{"kind"})

	pendingSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "derive_coordinator_pending_subscribers",
		Help: "Subscriber tokens waiting for the active slot",
	}, []string{"kind"})

	coordinatorEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "derive_coordinator_entries",
		Help: "Documents with coordinator state",
	}, []string{"kind"})
)
