// Package metrics has prometheus metrics shared between packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mailet_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

// Panic is the package in which a panic was recovered.
type Panic string

const (
	Processor Panic = "processor"
	Hook      Panic = "hook"
	Serve     Panic = "serve"
	Tokenauth Panic = "tokenauth"
	Admin     Panic = "admin"
)

// PanicInc increases the panic counter for pkg.
func PanicInc(pkg Panic) {
	metricPanic.WithLabelValues(string(pkg)).Inc()
}
