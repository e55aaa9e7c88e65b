package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldsync/backend/internal/models"
)

// sample returns the value of the series name{labels}: counter or gauge
// value, or the sample count of a histogram.
func sample(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("series %s%v not found", name, labels)
	return 0
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotNil(t, collector.mutations)
	assert.NotNil(t, collector.drainDuration)
	assert.NotPanics(t, func() { NewCollector(nil) }, "nil registerer uses a private registry")
}

func TestRecordOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	collector.RecordOutcome("update_work_order", "success")
	collector.RecordOutcome("update_work_order", "success")
	collector.RecordOutcome("upload_image", "transient")

	assert.Equal(t, 2.0, sample(t, reg, "fieldsync_mutations_total", map[string]string{"type": "update_work_order", "outcome": "success"}))
	assert.Equal(t, 1.0, sample(t, reg, "fieldsync_mutations_total", map[string]string{"type": "upload_image", "outcome": "transient"}))
}

func TestRecordDrain(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	for _, d := range []time.Duration{time.Millisecond, 50 * time.Millisecond, 2 * time.Second} {
		collector.RecordDrain(d, 1)
	}
	assert.Equal(t, 3.0, sample(t, reg, "fieldsync_drains_total", nil))
	assert.Equal(t, 3.0, sample(t, reg, "fieldsync_drain_duration_seconds", nil))
}

func TestUpdateQueueStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	collector.UpdateQueueStats(models.QueueStats{
		Total: 4, Pending: 2, Failed: 2,
		Items: []models.QueueItem{
			{Status: models.QueueStatusFailed, ConflictData: &models.ConflictData{}},
			{Status: models.QueueStatusFailed},
		},
	})

	assert.Equal(t, 2.0, sample(t, reg, "fieldsync_queue_items", map[string]string{"status": "pending"}))
	assert.Equal(t, 0.0, sample(t, reg, "fieldsync_queue_items", map[string]string{"status": "syncing"}))
	assert.Equal(t, 2.0, sample(t, reg, "fieldsync_queue_items", map[string]string{"status": "failed"}))
	assert.Equal(t, 1.0, sample(t, reg, "fieldsync_queue_conflicts", nil))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)
	collector.SetOnline(true)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "fieldsync_online 1")
}
