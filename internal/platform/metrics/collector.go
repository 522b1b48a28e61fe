package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "walletlink"

const (
	CallbackAccepted    = "accepted"
	CallbackRateLimited = "rate_limited"
	CallbackRejected    = "rejected"
)

// Collector holds the protocol counters. A nil *Collector is valid and
// records nothing.
type Collector struct {
	requests  *prometheus.CounterVec
	results   *prometheus.CounterVec
	inflight  *prometheus.GaugeVec
	callbacks *prometheus.CounterVec
}

func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Wallet requests dispatched, by operation.",
		}, []string{"operation"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_results_total",
			Help:      "Settled wallet requests, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_inflight",
			Help:      "Wallet requests awaiting their callback.",
		}, []string{"operation"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Inbound callback URLs seen by the callback server, by status.",
		}, []string{"status"}),
	}
	if reg == nil {
		return c, nil
	}
	var err error
	if c.requests, err = register(reg, c.requests); err != nil {
		return nil, err
	}
	if c.results, err = register(reg, c.results); err != nil {
		return nil, err
	}
	if c.inflight, err = register(reg, c.inflight); err != nil {
		return nil, err
	}
	if c.callbacks, err = register(reg, c.callbacks); err != nil {
		return nil, err
	}
	return c, nil
}

// register reuses an identical collector that is already registered, so two
// providers can share one registry.
func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return col, nil
}

// RequestStarted records a dispatch and returns the matching completion hook.
func (c *Collector) RequestStarted(operation string) func(outcome string) {
	if c == nil {
		return func(string) {}
	}
	c.requests.WithLabelValues(operation).Inc()
	c.inflight.WithLabelValues(operation).Inc()
	return func(outcome string) {
		c.inflight.WithLabelValues(operation).Dec()
		c.results.WithLabelValues(operation, outcome).Inc()
	}
}

func (c *Collector) CallbackSeen(status string) {
	if c == nil {
		return
	}
	c.callbacks.WithLabelValues(status).Inc()
}
