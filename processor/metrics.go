package processor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricStage = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailet_processor_stage_duration_seconds",
			Help:    "Duration of executing a stage, matcher and mailet.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20},
		},
		[]string{
			"processor",
			"mailet",
		},
	)
	metricMails = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailet_processor_mails_total",
			Help: "Mails processed, by final outcome.",
		},
		[]string{
			"outcome", // ghost, error
		},
	)
	metricLoopGuard = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailet_processor_loopguard_total",
			Help: "Mails that reached the end of a processor without being moved or ghosted.",
		},
		[]string{
			"processor",
		},
	)
	metricMatcherException = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailet_processor_matcher_exception_total",
			Help: "Matcher errors, by the policy applied.",
		},
		[]string{
			"policy", // error, processor, nomatch
		},
	)
)
