package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ChangeApplied("ADDC")
		m.ChangeDropped("malformed")
		m.UploadBatch("change", "ok", 3)
		m.DownloadPage(1, 1)
		m.TableSyncEmitted("ADDN")
		m.CallsRecorded(2)
		m.SetQueueDepth("execute", 1)
		m.SetWatermark(10)
		m.ObserveStage("upload", time.Now(), nil)
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()

	m.ChangeApplied("ADDC")
	m.ChangeApplied("ADDC")
	m.UploadBatch("change", "partial", 149)
	m.DownloadPage(3, 2)
	m.SetWatermark(200)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.changesApplied.WithLabelValues("ADDC")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploadBatches.WithLabelValues("change", "partial")))
	assert.Equal(t, 149.0, testutil.ToFloat64(m.uploadedRows.WithLabelValues("change")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.downloadChanges.WithLabelValues("new")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.downloadChanges.WithLabelValues("duplicate")))
	assert.Equal(t, 200.0, testutil.ToFloat64(m.watermark))
}

func TestHandler_ExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveStage("download", time.Now(), errors.New("boom"))
	m.SetQueueDepth("execute", 4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `telefender_queue_depth{queue="execute"} 4`))
	assert.True(t, strings.Contains(body, `telefender_stage_duration_seconds_count{outcome="error",stage="download"} 1`))
}
