package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.RecordDecision("BTC-USD", "EXECUTE")
	r.RecordDecision("BTC-USD", "EXECUTE")
	r.RecordOrder("paper", "FILLED")
	r.RecordError("transient_io")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.decisions.WithLabelValues("BTC-USD", "EXECUTE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.orders.WithLabelValues("paper", "FILLED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.errorsTotal.WithLabelValues("transient_io")))
}

func TestRecordersOnSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
