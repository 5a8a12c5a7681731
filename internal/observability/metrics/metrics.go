package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DrainResultSubmitted  = "submitted"
	DrainResultDuplicate  = "duplicate"
	DrainResultFailed     = "failed"
	DrainResultAuthHalted = "auth_halted"
	DrainResultSkipped    = "skipped"
)

// Metrics groups the terminal's counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	offlineCaptured prometheus.Counter
	drainResults    *prometheus.CounterVec
	payments        *prometheus.CounterVec
	closes          *prometheus.CounterVec
	ledgerRequests  *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		offlineCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "posclient",
			Name:      "offline_sales_captured_total",
			Help:      "Sales captured into the local queue while the ledger was unreachable.",
		}),
		drainResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posclient",
			Name:      "offline_drain_results_total",
			Help:      "Per-sale outcomes of offline queue drains.",
		}, []string{"result"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posclient",
			Name:      "settlement_payments_total",
			Help:      "Payments submitted per settlement mode and outcome.",
		}, []string{"mode", "outcome"}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posclient",
			Name:      "account_closes_total",
			Help:      "Account close attempts by outcome.",
		}, []string{"outcome"}),
		ledgerRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "posclient",
			Name:      "ledger_request_duration_seconds",
			Help:      "Ledger Service request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.offlineCaptured, m.drainResults, m.payments, m.closes, m.ledgerRequests)
	}
	return m
}

func (m *Metrics) IncOfflineCaptured() {
	if m == nil {
		return
	}
	m.offlineCaptured.Inc()
}

func (m *Metrics) IncDrainResult(result string) {
	if m == nil {
		return
	}
	m.drainResults.WithLabelValues(result).Inc()
}

func (m *Metrics) IncPayment(mode string, err error) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(mode, outcome(err)).Inc()
}

func (m *Metrics) IncClose(err error) {
	if m == nil {
		return
	}
	m.closes.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) ObserveLedgerRequest(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ledgerRequests.WithLabelValues(op, outcome(err)).Observe(elapsed.Seconds())
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
