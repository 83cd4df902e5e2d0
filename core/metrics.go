package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"seqthink/stream"
	"seqthink/thinking"
)

var (
	// streamSessions counts finished upstream stream sessions.
	// Labels: signal (sentinel, embedded_flag, stream_close, aborted, none)
	streamSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seqthink",
		Subsystem: "stream",
		Name:      "sessions_total",
		Help:      "Finished upstream stream sessions by completion signal",
	}, []string{"signal"})

	// streamErrors counts aborted sessions by failure kind.
	// Labels: kind (timeout, transport, cancelled)
	streamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seqthink",
		Subsystem: "stream",
		Name:      "errors_total",
		Help:      "Aborted upstream stream sessions by failure kind",
	}, []string{"kind"})

	streamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "seqthink",
		Subsystem: "stream",
		Name:      "duration_seconds",
		Help:      "Upstream stream session duration in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	streamTokens = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "seqthink",
		Subsystem: "stream",
		Name:      "tokens_total",
		Help:      "Tokens received from upstream stream sessions",
	})

	// thoughtSteps counts committed thought steps.
	// Labels: source (generated, supplied, fallback)
	thoughtSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seqthink",
		Subsystem: "thinking",
		Name:      "steps_total",
		Help:      "Committed thought steps by source of the thought text",
	}, []string{"source"})

	thoughtStepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "seqthink",
		Subsystem: "thinking",
		Name:      "step_duration_seconds",
		Help:      "Thought step duration in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 200},
	})

	// thoughtRejections counts steps that did not commit.
	// Labels: reason (busy, invalid, out_of_order, completed, abandoned, cancelled)
	thoughtRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seqthink",
		Subsystem: "thinking",
		Name:      "rejections_total",
		Help:      "Thought steps that did not commit, by reason",
	}, []string{"reason"})

	// orchestratorResets counts resets.
	// Labels: reason (manual, stuck)
	orchestratorResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seqthink",
		Subsystem: "thinking",
		Name:      "resets_total",
		Help:      "Orchestrator resets by reason",
	}, []string{"reason"})

	// llmCalls counts model calls made by the langchaingo generators.
	// Labels: status (success, error)
	llmCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seqthink",
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "Language model calls by status",
	}, []string{"status"})

	activeRelays = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "seqthink",
		Subsystem: "relay",
		Name:      "active_streams",
		Help:      "Relay streams currently open",
	})
)

// observeStreamOutcome is the stream client's outcome hook.
func observeStreamOutcome(o stream.Outcome) {
	streamSessions.WithLabelValues(o.Signal.String()).Inc()
	streamDuration.Observe(o.Duration.Seconds())
	streamTokens.Add(float64(o.Tokens))

	switch {
	case o.Cancelled:
		streamErrors.WithLabelValues("cancelled").Inc()
	case o.Err != nil:
		streamErrors.WithLabelValues(errorKind(o.Err)).Inc()
	}
}

func observeThought(res thinking.ThoughtResult) {
	source := "supplied"
	switch {
	case res.Fallback:
		source = "fallback"
	case res.Generated:
		source = "generated"
	}
	thoughtSteps.WithLabelValues(source).Inc()
	thoughtStepDuration.Observe(res.Duration.Seconds())
}

func observeStepError(reason string) {
	thoughtRejections.WithLabelValues(reason).Inc()
}
