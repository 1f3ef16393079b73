package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricAuthentication = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mailet_authentication_total",
		Help: "Authentication attempts and results.",
	},
	[]string{
		"kind",   // continuation, access
		"method", // password, token
		"result", // ok, badcreds, badtoken, expired, ratelimited, error
	},
)

// AuthenticationInc counts an authentication attempt.
func AuthenticationInc(kind, method, result string) {
	metricAuthentication.WithLabelValues(kind, method, result).Inc()
}
