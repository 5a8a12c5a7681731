package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersRecordByLabel(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.IncOfflineCaptured()
	m.IncOfflineCaptured()
	m.IncDrainResult(DrainResultSubmitted)
	m.IncDrainResult(DrainResultFailed)
	m.IncDrainResult(DrainResultFailed)
	m.IncPayment("split", nil)
	m.IncPayment("split", errors.New("boom"))
	m.ObserveLedgerRequest("ledger.create_sale", nil, 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.offlineCaptured))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.drainResults.WithLabelValues(DrainResultSubmitted)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.drainResults.WithLabelValues(DrainResultFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.payments.WithLabelValues("split", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ledgerRequests))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncOfflineCaptured()
		m.IncDrainResult(DrainResultSkipped)
		m.IncPayment("full", nil)
		m.IncClose(nil)
		m.ObserveLedgerRequest("op", nil, time.Second)
	})
}
