package hook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricResult = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailet_hook_chain_result_total",
			Help: "Results of hook chains, by capability.",
		},
		[]string{
			"capability", // connect, helo, mail, rcpt, message
			"result",     // ok, deny, denysoft, declined
		},
	)
	metricDNSBL = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailet_hook_dnsbl_total",
			Help: "DNSBL checks for sessions.",
		},
		[]string{
			"result", // pass, listed, error, skipped
		},
	)
	metricDenyRate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailet_hook_denyrate_limited_total",
			Help: "Results turned into a temporary rejection because the remote IP had too many rejected commands.",
		},
	)
)
