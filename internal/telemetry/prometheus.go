package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus is a Metrics backed by client_golang collectors.
type Prometheus struct {
	transactions *prometheus.HistogramVec
	busyRetries  *prometheus.CounterVec
	occRetries   *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	dispatch     *prometheus.HistogramVec
}

// NewPrometheus creates the collectors under namespace and registers them
// with reg. A nil reg registers nothing, which keeps tests isolated.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	p := &Prometheus{
		transactions: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "transaction_seconds",
			Help:      "Duration of physical transaction attempts by outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"outcome"}),
		busyRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "busy_retries_total",
			Help:      "Storage-busy retries by call site.",
		}, []string{"site"}),
		occRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "occ_conflicts_total",
			Help:      "Optimistic-concurrency conflicts by table.",
		}, []string{"table"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "transitions_total",
			Help:      "Pending mutation state transitions.",
		}, []string{"operation", "from", "to"}),
		dispatch: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "dispatch_seconds",
			Help:      "Time an executor held a dispatched mutation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{p.transactions, p.busyRetries, p.occRetries, p.transitions, p.dispatch} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// ObserveTransaction implements Metrics.
func (p *Prometheus) ObserveTransaction(outcome string, d time.Duration) {
	p.transactions.WithLabelValues(outcome).Observe(d.Seconds())
}

// IncBusyRetry implements Metrics.
func (p *Prometheus) IncBusyRetry(site string) {
	p.busyRetries.WithLabelValues(site).Inc()
}

// IncOCCRetry implements Metrics.
func (p *Prometheus) IncOCCRetry(table string) {
	p.occRetries.WithLabelValues(table).Inc()
}

// IncTransition implements Metrics.
func (p *Prometheus) IncTransition(operation, from, to string) {
	p.transitions.WithLabelValues(operation, from, to).Inc()
}

// ObserveDispatch implements Metrics.
func (p *Prometheus) ObserveDispatch(operation string, d time.Duration) {
	p.dispatch.WithLabelValues(operation).Observe(d.Seconds())
}
