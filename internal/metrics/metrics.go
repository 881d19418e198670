// Package metrics exposes the daemon's prometheus counters and gauges,
// and the loopback-bound HTTP endpoint that serves them.
package metrics

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge the dispatcher and gateway update.
type Metrics struct {
	CommandsTotal       *prometheus.CounterVec
	EventsAppendedTotal prometheus.Counter
	ActiveSubscriptions prometheus.Gauge
	SlowConsumerTotal   prometheus.Counter
	BrokerBacklogBytes  prometheus.Gauge
	SessionsLive        prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Metrics bound to a fresh registry (not the global default,
// so tests and multiple daemons in one process don't collide).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harness",
			Name:      "commands_total",
			Help:      "Commands processed by the dispatcher, by command name and outcome.",
		}, []string{"command", "outcome"}),
		EventsAppendedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "harness",
			Name:      "events_appended_total",
			Help:      "Events committed to the event log.",
		}),
		ActiveSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "harness",
			Name:      "active_subscriptions",
			Help:      "Currently open stream subscriptions.",
		}),
		SlowConsumerTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "harness",
			Name:      "slow_consumer_terminations_total",
			Help:      "Subscriptions terminated for exceeding their delivery queue.",
		}),
		BrokerBacklogBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "harness",
			Name:      "broker_backlog_bytes",
			Help:      "Approximate total backlog bytes retained across live sessions.",
		}),
		SessionsLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "harness",
			Name:      "sessions_live",
			Help:      "Sessions not yet in the exited state.",
		}),
	}
}

// Serve starts an HTTP server bound to addr (expected to be a loopback
// address) exposing /metrics, and blocks until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}
