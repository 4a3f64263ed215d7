package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if out.Gauge != nil {
		return out.GetGauge().GetValue()
	}
	return out.GetCounter().GetValue()
}

func TestPrometheusObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := NewPrometheusObserver(reg)
	require.NoError(t, err)

	o.RecordSubmission("completed")
	o.RecordSubmission("completed")
	o.RecordSubmission("rejected")
	o.RecordViolation("import")
	o.RecordExecution("completed", 150*time.Millisecond)
	o.RecordHelperCall("fetch", nil)
	o.RecordHelperCall("fetch", errors.New("404"))
	o.SlotAcquired()
	o.SlotAcquired()
	o.SlotReleased()

	assert.InDelta(t, 2, value(t, o.submissions.WithLabelValues("completed")), 0)
	assert.InDelta(t, 1, value(t, o.submissions.WithLabelValues("rejected")), 0)
	assert.InDelta(t, 1, value(t, o.violations.WithLabelValues("import")), 0)
	assert.InDelta(t, 1, value(t, o.helperCalls.WithLabelValues("fetch", "ok")), 0)
	assert.InDelta(t, 1, value(t, o.helperCalls.WithLabelValues("fetch", "error")), 0)
	assert.InDelta(t, 1, value(t, o.slotsInUse), 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "databox_execution_duration_seconds")
	assert.Contains(t, names, "databox_submissions_total")
}

func TestPrometheusObserverSharesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusObserver(reg)
	require.NoError(t, err)
	second, err := NewPrometheusObserver(reg)
	require.NoError(t, err)

	second.RecordSubmission("killed")

	assert.InDelta(t, 1, value(t, first.submissions.WithLabelValues("killed")), 0)
}

func TestNop(t *testing.T) {
	o := Nop()
	o.RecordSubmission("completed")
	o.RecordViolation("import")
	o.RecordExecution("completed", time.Second)
	o.RecordHelperCall("upload", nil)
	o.SlotAcquired()
	o.SlotReleased()
}
