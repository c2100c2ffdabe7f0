// Package metrics exports Prometheus collectors for the turn-taking loop.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "turnagent"

var (
	// turnsTotal counts completed user turns by outcome.
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total user turns by outcome",
		},
		[]string{"outcome"}, // answered, echo, no_speech, empty, failed
	)

	replyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Agent replies by source",
		},
		[]string{"source"}, // model, fallback
	)

	staleTasksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_tasks_dropped_total",
			Help:      "Completions dropped because their session was superseded",
		},
	)

	transcribeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcribe_duration_seconds",
			Help:      "Duration of transcription requests in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 20},
		},
		[]string{"status"}, // success, error, canceled
	)

	conversationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversations_active",
			Help:      "Number of conversations currently started",
		},
	)

	registry = prometheus.NewRegistry()
)

func init() {
	registry.MustRegister(
		turnsTotal,
		replyTotal,
		staleTasksTotal,
		transcribeDuration,
		conversationsActive,
	)
}

// Turn outcomes.
const (
	OutcomeAnswered = "answered"
	OutcomeEcho     = "echo"
	OutcomeNoSpeech = "no_speech"
	OutcomeEmpty    = "empty"
	OutcomeFailed   = "failed"
)

// RecordTurn counts one user turn with the given outcome.
func RecordTurn(outcome string) { turnsTotal.WithLabelValues(outcome).Inc() }

// RecordReply counts an agent reply, split by whether the rule table produced it.
func RecordReply(fallback bool) {
	src := "model"
	if fallback {
		src = "fallback"
	}
	replyTotal.WithLabelValues(src).Inc()
}

// RecordStale counts a dropped stale completion.
func RecordStale() { staleTasksTotal.Inc() }

// ObserveTranscribe records a transcription latency.
func ObserveTranscribe(status string, seconds float64) {
	transcribeDuration.WithLabelValues(status).Observe(seconds)
}

// ConversationStarted and ConversationEnded track the active gauge.
func ConversationStarted() { conversationsActive.Inc() }
func ConversationEnded()   { conversationsActive.Dec() }

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
