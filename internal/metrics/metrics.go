// Package metrics holds the prometheus counters for the opt-in flow and
// the drip queue. Everything registers on the default registerer and is
// exposed through the /metrics endpoint of the web server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OptInsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drip_optins_started_total",
		Help: "Number of opt-in requests that stored a token and dispatched a confirmation email.",
	})

	OptInsConfirmed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drip_optins_confirmed_total",
		Help: "Number of confirmation attempts by outcome.",
	}, []string{"outcome"})

	ItemsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drip_items_enqueued_total",
		Help: "Number of drip items added to the queue.",
	})

	ItemsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drip_items_sent_total",
		Help: "Number of drip items transitioned to sent.",
	})

	ItemsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drip_items_failed_total",
		Help: "Number of drip items transitioned to failed.",
	})

	ProcessRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drip_process_runs_total",
		Help: "Number of queue processor passes.",
	})
)
