package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ChatRequests         prometheus.Counter
	ChatFailures         prometheus.Counter
	RelayDuration        prometheus.Histogram
	InstructionMutations prometheus.Counter
	UsageRows            prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ChatRequests: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "napochat",
				Name:      "chat_requests_total",
				Help:      "Total chat relay requests received",
			}),
			ChatFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "napochat",
				Name:      "chat_failures_total",
				Help:      "Total chat relay requests that failed",
			}),
			RelayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "napochat",
				Name:      "relay_duration_seconds",
				Help:      "Wall time of one relay round trip",
				Buckets:   prometheus.DefBuckets,
			}),
			InstructionMutations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "napochat",
				Name:      "instruction_mutations_total",
				Help:      "Total instruction create/update/delete operations",
			}),
			UsageRows: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "napochat",
				Name:      "usage_rows_total",
				Help:      "Total usage log rows written",
			}),
		}
		prometheus.MustRegister(
			global.ChatRequests,
			global.ChatFailures,
			global.RelayDuration,
			global.InstructionMutations,
			global.UsageRows,
		)
	})
	return global
}
