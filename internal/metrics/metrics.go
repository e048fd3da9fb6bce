package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels operations that completed normally.
	OutcomeSuccess = "success"
	// OutcomeError labels operations that failed or degraded.
	OutcomeError = "error"
)

var (
	eventsCollectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_incident",
			Name:      "events_collected_total",
			Help:      "Normalized events emitted by collectors, partitioned by source kind.",
		},
		[]string{"source"},
	)

	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_incident",
			Name:      "collection_cycles_total",
			Help:      "Collection cycles run, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	cycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mirador_incident",
			Name:      "collection_cycle_seconds",
			Help:      "Collection cycle latency in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 3, 4, 5, 6, 8, 10},
		},
	)

	incidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_incident",
			Name:      "incidents_total",
			Help:      "Incidents created, partitioned by severity tier.",
		},
		[]string{"severity"},
	)

	incidentsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mirador_incident",
			Name:      "incidents_open",
			Help:      "Incidents currently in the open or investigating state.",
		},
	)

	oracleRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_incident",
			Name:      "oracle_requests_total",
			Help:      "Reasoning oracle calls, partitioned by task and outcome.",
		},
		[]string{"task", "outcome"},
	)

	ticketRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mirador_incident",
			Name:      "ticket_retries_total",
			Help:      "Background ticket creation retries after an initial failure.",
		},
	)

	feedbackWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_incident",
			Name:      "feedback_writes_total",
			Help:      "Case records written to the knowledge index, partitioned by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register attaches the agent collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		eventsCollectedTotal,
		cyclesTotal,
		cycleDurationSeconds,
		incidentsTotal,
		incidentsOpen,
		oracleRequestsTotal,
		ticketRetriesTotal,
		feedbackWritesTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveEventsCollected counts events emitted for one source.
func ObserveEventsCollected(source string, n int) {
	if n <= 0 {
		return
	}
	eventsCollectedTotal.WithLabelValues(source).Add(float64(n))
}

// ObserveCycle records a collection cycle duration and outcome label.
func ObserveCycle(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	cyclesTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	cycleDurationSeconds.Observe(duration.Seconds())
}

// ObserveIncidentCreated counts a new incident at its initial severity.
func ObserveIncidentCreated(severity string) {
	incidentsTotal.WithLabelValues(severity).Inc()
}

// SetOpenIncidents updates the open incident gauge.
func SetOpenIncidents(n int) {
	incidentsOpen.Set(float64(n))
}

// ObserveOracleRequest counts one oracle call for a task.
func ObserveOracleRequest(task string, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	oracleRequestsTotal.WithLabelValues(task, label).Inc()
}

// ObserveTicketRetry counts one background ticket retry attempt.
func ObserveTicketRetry() {
	ticketRetriesTotal.Inc()
}

// ObserveFeedbackWrite counts a knowledge case write attempt.
func ObserveFeedbackWrite(outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	feedbackWritesTotal.WithLabelValues(label).Inc()
}
