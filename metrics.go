package actortx

import (
	"actortx/pkg"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type agentMetrics struct {
	started       prometheus.Counter
	committed     prometheus.Counter
	aborted       *prometheus.CounterVec
	inDoubt       prometheus.Counter
	overloaded    prometheus.Counter
	commitLatency prometheus.Histogram
}

func newAgentMetrics(reg prometheus.Registerer) *agentMetrics {
	m := &agentMetrics{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "actortx", Subsystem: "agent", Name: "started_total",
			Help: "Transactions started.",
		}),
		committed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "actortx", Subsystem: "agent", Name: "committed_total",
			Help: "Transactions committed.",
		}),
		aborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "actortx", Subsystem: "agent", Name: "aborted_total",
			Help: "Transactions aborted, by final status.",
		}, []string{"status"}),
		inDoubt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "actortx", Subsystem: "agent", Name: "in_doubt_total",
			Help: "Transactions whose outcome is unknown to the caller.",
		}),
		overloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "actortx", Subsystem: "agent", Name: "overload_rejections_total",
			Help: "Transactions rejected by the overload detector.",
		}),
		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "actortx", Subsystem: "agent", Name: "commit_duration_seconds",
			Help:    "Latency of Commit calls.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
	if reg == nil {
		return m
	}
	m.started = register(reg, m.started)
	m.committed = register(reg, m.committed)
	m.aborted = register(reg, m.aborted)
	m.inDoubt = register(reg, m.inDoubt)
	m.overloaded = register(reg, m.overloaded)
	m.commitLatency = register(reg, m.commitLatency)
	return m
}

// register 同一个Registerer上的多个agent共享collector
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *agentMetrics) observe(err error) {
	var (
		aborted   pkg.TransactionAbortedError
		cascading pkg.CascadingAbortError
		orphan    pkg.OrphanCallError
		inDoubt   pkg.TransactionInDoubtError
	)
	switch {
	case err == nil:
		m.committed.Inc()
	case errors.As(err, &inDoubt):
		m.inDoubt.Inc()
	case errors.As(err, &aborted):
		m.aborted.WithLabelValues(aborted.Status.String()).Inc()
	case errors.As(err, &cascading):
		m.aborted.WithLabelValues(pkg.StatusCascadingAbort.String()).Inc()
	case errors.As(err, &orphan):
		m.aborted.WithLabelValues("OrphanCall").Inc()
	default:
		m.aborted.WithLabelValues("Unknown").Inc()
	}
}
