package scalellm

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsAdmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scalellm",
		Subsystem: "scheduler",
		Name:      "requests_admitted_total",
		Help:      "Requests accepted into the waiting queue",
	})

	requestsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scalellm",
		Subsystem: "scheduler",
		Name:      "requests_rejected_total",
		Help:      "Requests rejected at admission",
	}, []string{"reason"})

	requestsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scalellm",
		Subsystem: "scheduler",
		Name:      "requests_finished_total",
		Help:      "Requests finished, by finish reason",
	}, []string{"reason"})

	preemptionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scalellm",
		Subsystem: "scheduler",
		Name:      "preemptions_total",
		Help:      "Sequence group preemptions, by mode",
	}, []string{"mode"})

	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "scalellm",
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Sequence groups per scheduler queue",
	}, []string{"queue"})

	freeBlocksGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scalellm",
		Subsystem: "kv_cache",
		Name:      "free_blocks",
		Help:      "Free blocks in the device pool",
	})

	stepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scalellm",
		Subsystem: "scheduler",
		Name:      "step_duration_seconds",
		Help:      "Wall time of one scheduling step including execution",
		Buckets:   prometheus.DefBuckets,
	})

	generatedTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scalellm",
		Subsystem: "scheduler",
		Name:      "generated_tokens_total",
		Help:      "Tokens generated across all sequences",
	})
)

func init() {
	prometheus.MustRegister(
		requestsAdmitted,
		requestsRejected,
		requestsFinished,
		preemptionsTotal,
		queueDepth,
		freeBlocksGauge,
		stepDuration,
		generatedTokens,
	)
}
