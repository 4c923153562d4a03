package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	before := testutil.ToFloat64(tasksFinished.WithLabelValues("download", "completed"))
	RecordTaskStarted("download")
	RecordTaskFinished("download", "completed", 1024)
	RecordEventDropped("progress")
	RecordExpired()

	assert.Equal(t, before+1, testutil.ToFloat64(tasksFinished.WithLabelValues("download", "completed")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(eventsDropped.WithLabelValues("progress")), float64(1))
}
