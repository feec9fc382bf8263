package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsSameInstance(t *testing.T) {
	assert.Same(t, Get(), Get())
}

func TestRecordQueryOutcomes(t *testing.T) {
	m := &PipelineMetrics{startTime: time.Now()}

	m.RecordQuery("answered", nil)
	m.RecordQuery("no_answer", nil)
	m.RecordQuery("refused", nil)
	m.RecordQuery("cancelled", nil)
	m.RecordQuery("answered", errors.New("boom"))

	stats := m.Stats()
	queries := stats["queries"].(map[string]interface{})

	assert.Equal(t, uint64(5), queries["total"])
	assert.Equal(t, uint64(1), queries["errors"])
	assert.Equal(t, uint64(1), queries["no_answer"])
	assert.Equal(t, uint64(1), queries["refused"])
	assert.Equal(t, uint64(1), queries["cancelled"])
}

func TestCacheHitRates(t *testing.T) {
	m := &PipelineMetrics{startTime: time.Now()}

	m.RecordEmbedCache(true)
	m.RecordEmbedCache(true)
	m.RecordEmbedCache(false)
	m.RecordRetrievalCache(false)

	caches := m.Stats()["caches"].(map[string]interface{})
	assert.InDelta(t, 2.0/3.0, caches["embedding_hit_rate"], 1e-9)
	assert.Equal(t, 0.0, caches["retrieval_hit_rate"])
}

func TestRecordGenerationAccumulatesTokens(t *testing.T) {
	m := &PipelineMetrics{startTime: time.Now()}

	m.RecordGeneration(100*time.Millisecond, 120, 30, nil)
	m.RecordGeneration(200*time.Millisecond, 80, 20, nil)
	m.RecordGeneration(0, 0, 0, errors.New("boom"))

	gen := m.Stats()["generation"].(map[string]interface{})
	assert.Equal(t, uint64(3), gen["total"])
	assert.Equal(t, uint64(1), gen["errors"])
	assert.Equal(t, uint64(200), gen["tokens_prompt"])
	assert.Equal(t, uint64(50), gen["tokens_completion"])
	assert.InDelta(t, 0.1, gen["avg_duration_secs"], 1e-9)
}

func TestExportPrometheusFormat(t *testing.T) {
	m := &PipelineMetrics{startTime: time.Now()}
	m.RecordQuery("answered", nil)
	m.RecordGuardrailTrip()

	out := m.Export("policyqa", "pipeline")

	require.Contains(t, out, "# TYPE policyqa_pipeline_queries_total counter")
	assert.Contains(t, out, "policyqa_pipeline_queries_total 1")
	assert.Contains(t, out, "policyqa_pipeline_guardrail_trips_total 1")
	assert.True(t, strings.Contains(out, "policyqa_pipeline_uptime_seconds"))
}

func TestReset(t *testing.T) {
	m := &PipelineMetrics{startTime: time.Now()}
	m.RecordQuery("answered", nil)
	m.RecordRetrieval(time.Second, nil)

	m.Reset()

	queries := m.Stats()["queries"].(map[string]interface{})
	assert.Equal(t, uint64(0), queries["total"])
	retrieval := m.Stats()["retrieval"].(map[string]interface{})
	assert.Equal(t, 0.0, retrieval["total_duration_secs"])
}
