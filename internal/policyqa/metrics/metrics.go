// Package metrics collects business metrics for the query pipeline.
package metrics

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// PipelineMetrics tracks query pipeline counters.
type PipelineMetrics struct {
	// Query outcomes.
	queriesTotal     uint64
	queriesErrors    uint64
	queriesNoAnswer  uint64
	queriesRefused   uint64
	queriesCancelled uint64
	answerCacheHits  uint64

	// Pipeline caches.
	embedCacheHits       uint64
	embedCacheMisses     uint64
	retrievalCacheHits   uint64
	retrievalCacheMisses uint64

	// Retrieval.
	retrievalTotal    uint64
	retrievalErrors   uint64
	retrievalDuration float64

	// Generation.
	generationTotal    uint64
	generationErrors   uint64
	generationDuration float64
	tokensPrompt       uint64
	tokensCompletion   uint64

	// Degradation.
	rerankSkipped    uint64
	guardrailTrips   uint64
	breakerFastFails uint64

	startTime  time.Time
	durationMu sync.Mutex
}

var (
	global *PipelineMetrics
	once   sync.Once
)

// Get returns the process-wide metrics instance.
func Get() *PipelineMetrics {
	once.Do(func() {
		global = &PipelineMetrics{startTime: time.Now()}
	})
	return global
}

// RecordQuery records a finished query and its outcome.
func (m *PipelineMetrics) RecordQuery(outcome string, err error) {
	atomic.AddUint64(&m.queriesTotal, 1)

	if err != nil {
		atomic.AddUint64(&m.queriesErrors, 1)
		return
	}

	switch outcome {
	case "no_answer":
		atomic.AddUint64(&m.queriesNoAnswer, 1)
	case "refused":
		atomic.AddUint64(&m.queriesRefused, 1)
	case "cancelled":
		atomic.AddUint64(&m.queriesCancelled, 1)
	}
}

// RecordAnswerCacheHit records a full-answer cache hit.
func (m *PipelineMetrics) RecordAnswerCacheHit() {
	atomic.AddUint64(&m.answerCacheHits, 1)
}

// RecordEmbedCache records an embedding cache lookup.
func (m *PipelineMetrics) RecordEmbedCache(hit bool) {
	if hit {
		atomic.AddUint64(&m.embedCacheHits, 1)
	} else {
		atomic.AddUint64(&m.embedCacheMisses, 1)
	}
}

// RecordRetrievalCache records a retrieval result cache lookup.
func (m *PipelineMetrics) RecordRetrievalCache(hit bool) {
	if hit {
		atomic.AddUint64(&m.retrievalCacheHits, 1)
	} else {
		atomic.AddUint64(&m.retrievalCacheMisses, 1)
	}
}

// RecordRetrieval records one search engine round trip.
func (m *PipelineMetrics) RecordRetrieval(duration time.Duration, err error) {
	atomic.AddUint64(&m.retrievalTotal, 1)
	if err != nil {
		atomic.AddUint64(&m.retrievalErrors, 1)
		return
	}

	m.durationMu.Lock()
	m.retrievalDuration += duration.Seconds()
	m.durationMu.Unlock()
}

// RecordGeneration records one generation call with its token usage.
func (m *PipelineMetrics) RecordGeneration(duration time.Duration, promptTokens, completionTokens int, err error) {
	atomic.AddUint64(&m.generationTotal, 1)
	if err != nil {
		atomic.AddUint64(&m.generationErrors, 1)
		return
	}

	m.durationMu.Lock()
	m.generationDuration += duration.Seconds()
	m.durationMu.Unlock()

	if promptTokens > 0 {
		atomic.AddUint64(&m.tokensPrompt, uint64(promptTokens))
	}
	if completionTokens > 0 {
		atomic.AddUint64(&m.tokensCompletion, uint64(completionTokens))
	}
}

// RecordRerankSkipped records a query answered without reranking.
func (m *PipelineMetrics) RecordRerankSkipped() {
	atomic.AddUint64(&m.rerankSkipped, 1)
}

// RecordGuardrailTrip records an answer replaced by the citation
// guardrail.
func (m *PipelineMetrics) RecordGuardrailTrip() {
	atomic.AddUint64(&m.guardrailTrips, 1)
}

// RecordBreakerFastFail records a call rejected by an open breaker.
func (m *PipelineMetrics) RecordBreakerFastFail() {
	atomic.AddUint64(&m.breakerFastFails, 1)
}

// Stats returns the current counters for the stats endpoint.
func (m *PipelineMetrics) Stats() map[string]interface{} {
	m.durationMu.Lock()
	retrievalDuration := m.retrievalDuration
	generationDuration := m.generationDuration
	m.durationMu.Unlock()

	retrievalTotal := atomic.LoadUint64(&m.retrievalTotal)
	avgRetrieval := 0.0
	if retrievalTotal > 0 {
		avgRetrieval = retrievalDuration / float64(retrievalTotal)
	}

	generationTotal := atomic.LoadUint64(&m.generationTotal)
	avgGeneration := 0.0
	if generationTotal > 0 {
		avgGeneration = generationDuration / float64(generationTotal)
	}

	embedHits := atomic.LoadUint64(&m.embedCacheHits)
	embedMisses := atomic.LoadUint64(&m.embedCacheMisses)
	retrHits := atomic.LoadUint64(&m.retrievalCacheHits)
	retrMisses := atomic.LoadUint64(&m.retrievalCacheMisses)

	return map[string]interface{}{
		"queries": map[string]interface{}{
			"total":     atomic.LoadUint64(&m.queriesTotal),
			"errors":    atomic.LoadUint64(&m.queriesErrors),
			"no_answer": atomic.LoadUint64(&m.queriesNoAnswer),
			"refused":   atomic.LoadUint64(&m.queriesRefused),
			"cancelled": atomic.LoadUint64(&m.queriesCancelled),
		},
		"caches": map[string]interface{}{
			"answer_hits":        atomic.LoadUint64(&m.answerCacheHits),
			"embedding_hits":     embedHits,
			"embedding_misses":   embedMisses,
			"embedding_hit_rate": hitRate(embedHits, embedMisses),
			"retrieval_hits":     retrHits,
			"retrieval_misses":   retrMisses,
			"retrieval_hit_rate": hitRate(retrHits, retrMisses),
		},
		"retrieval": map[string]interface{}{
			"total":               retrievalTotal,
			"total_duration_secs": retrievalDuration,
			"avg_duration_secs":   avgRetrieval,
			"errors":              atomic.LoadUint64(&m.retrievalErrors),
		},
		"generation": map[string]interface{}{
			"total":               generationTotal,
			"total_duration_secs": generationDuration,
			"avg_duration_secs":   avgGeneration,
			"errors":              atomic.LoadUint64(&m.generationErrors),
			"tokens_prompt":       atomic.LoadUint64(&m.tokensPrompt),
			"tokens_completion":   atomic.LoadUint64(&m.tokensCompletion),
		},
		"degradation": map[string]interface{}{
			"rerank_skipped":     atomic.LoadUint64(&m.rerankSkipped),
			"guardrail_trips":    atomic.LoadUint64(&m.guardrailTrips),
			"breaker_fast_fails": atomic.LoadUint64(&m.breakerFastFails),
		},
		"uptime_seconds": time.Since(m.startTime).Seconds(),
	}
}

func hitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Export renders the counters in Prometheus text exposition format.
func (m *PipelineMetrics) Export(namespace, subsystem string) string {
	var sb strings.Builder
	prefix := namespace
	if subsystem != "" {
		prefix = prefix + "_" + subsystem
	}

	counter := func(name, help string, value uint64) {
		sb.WriteString(fmt.Sprintf("# HELP %s_%s %s\n", prefix, name, help))
		sb.WriteString(fmt.Sprintf("# TYPE %s_%s counter\n", prefix, name))
		sb.WriteString(fmt.Sprintf("%s_%s %d\n\n", prefix, name, value))
	}
	gauge := func(name, help string, value float64) {
		sb.WriteString(fmt.Sprintf("# HELP %s_%s %s\n", prefix, name, help))
		sb.WriteString(fmt.Sprintf("# TYPE %s_%s gauge\n", prefix, name))
		sb.WriteString(fmt.Sprintf("%s_%s %.6f\n\n", prefix, name, value))
	}

	counter("queries_total", "Total number of queries.", atomic.LoadUint64(&m.queriesTotal))
	counter("queries_errors_total", "Number of failed queries.", atomic.LoadUint64(&m.queriesErrors))
	counter("queries_no_answer_total", "Queries with no accessible chunks.", atomic.LoadUint64(&m.queriesNoAnswer))
	counter("queries_refused_total", "Queries answered with the refusal message.", atomic.LoadUint64(&m.queriesRefused))
	counter("queries_cancelled_total", "Queries cancelled by the caller.", atomic.LoadUint64(&m.queriesCancelled))
	counter("answer_cache_hits_total", "Full-answer cache hits.", atomic.LoadUint64(&m.answerCacheHits))
	counter("embedding_cache_hits_total", "Embedding cache hits.", atomic.LoadUint64(&m.embedCacheHits))
	counter("embedding_cache_misses_total", "Embedding cache misses.", atomic.LoadUint64(&m.embedCacheMisses))
	counter("retrieval_cache_hits_total", "Retrieval result cache hits.", atomic.LoadUint64(&m.retrievalCacheHits))
	counter("retrieval_cache_misses_total", "Retrieval result cache misses.", atomic.LoadUint64(&m.retrievalCacheMisses))
	counter("retrieval_total", "Search engine round trips.", atomic.LoadUint64(&m.retrievalTotal))
	counter("retrieval_errors_total", "Failed search engine round trips.", atomic.LoadUint64(&m.retrievalErrors))
	counter("generation_total", "Generation calls.", atomic.LoadUint64(&m.generationTotal))
	counter("generation_errors_total", "Failed generation calls.", atomic.LoadUint64(&m.generationErrors))
	counter("tokens_prompt_total", "Total prompt tokens.", atomic.LoadUint64(&m.tokensPrompt))
	counter("tokens_completion_total", "Total completion tokens.", atomic.LoadUint64(&m.tokensCompletion))
	counter("rerank_skipped_total", "Queries answered without reranking.", atomic.LoadUint64(&m.rerankSkipped))
	counter("guardrail_trips_total", "Answers replaced by the citation guardrail.", atomic.LoadUint64(&m.guardrailTrips))
	counter("breaker_fast_fails_total", "Calls rejected by an open circuit breaker.", atomic.LoadUint64(&m.breakerFastFails))

	m.durationMu.Lock()
	retrievalDuration := m.retrievalDuration
	generationDuration := m.generationDuration
	m.durationMu.Unlock()

	gauge("retrieval_duration_seconds_total", "Total retrieval duration.", retrievalDuration)
	gauge("generation_duration_seconds_total", "Total generation duration.", generationDuration)
	gauge("uptime_seconds", "Service uptime in seconds.", time.Since(m.startTime).Seconds())

	return sb.String()
}

// Reset clears all counters. Used by tests.
func (m *PipelineMetrics) Reset() {
	atomic.StoreUint64(&m.queriesTotal, 0)
	atomic.StoreUint64(&m.queriesErrors, 0)
	atomic.StoreUint64(&m.queriesNoAnswer, 0)
	atomic.StoreUint64(&m.queriesRefused, 0)
	atomic.StoreUint64(&m.queriesCancelled, 0)
	atomic.StoreUint64(&m.answerCacheHits, 0)
	atomic.StoreUint64(&m.embedCacheHits, 0)
	atomic.StoreUint64(&m.embedCacheMisses, 0)
	atomic.StoreUint64(&m.retrievalCacheHits, 0)
	atomic.StoreUint64(&m.retrievalCacheMisses, 0)
	atomic.StoreUint64(&m.retrievalTotal, 0)
	atomic.StoreUint64(&m.retrievalErrors, 0)
	atomic.StoreUint64(&m.generationTotal, 0)
	atomic.StoreUint64(&m.generationErrors, 0)
	atomic.StoreUint64(&m.tokensPrompt, 0)
	atomic.StoreUint64(&m.tokensCompletion, 0)
	atomic.StoreUint64(&m.rerankSkipped, 0)
	atomic.StoreUint64(&m.guardrailTrips, 0)
	atomic.StoreUint64(&m.breakerFastFails, 0)

	m.durationMu.Lock()
	m.retrievalDuration = 0
	m.generationDuration = 0
	m.startTime = time.Now()
	m.durationMu.Unlock()
}
