package usecase

import (
	"sync"
	"time"

	"github.com/example/vrclassify/internal/apperror"
)

// MetricsSummary represents aggregated classification insights since startup.
type MetricsSummary struct {
	TotalRequests      int64            `json:"total_requests"`
	SuccessfulRequests int64            `json:"successful_requests"`
	CacheHits          int64            `json:"cache_hits"`
	SuccessRate        float64          `json:"success_rate"`
	AverageTopScore    float64          `json:"average_top_score"`
	AverageLatencyMs   float64          `json:"average_latency_ms"`
	FailuresByKind     map[string]int64 `json:"failures_by_kind"`
}

// metrics is an in-memory recorder; the zero value is ready to use.
type metrics struct {
	mu          sync.Mutex
	total       int64
	success     int64
	cacheHits   int64
	scoredCount int64
	topScoreSum float64
	latencySum  time.Duration
	failures    map[string]int64
}

func (m *metrics) recordSuccess(latency time.Duration, results []ClassificationResult, cached bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	m.success++
	m.latencySum += latency
	if cached {
		m.cacheHits++
	}
	if len(results) > 0 {
		m.scoredCount++
		m.topScoreSum += results[0].Confidence
	}
}

func (m *metrics) recordFailure(latency time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	m.latencySum += latency
	if m.failures == nil {
		m.failures = make(map[string]int64)
	}
	m.failures[apperror.KindOf(err).String()]++
}

// GetMetricsSummary aggregates the classification counters.
func (uc *ClassificationUseCase) GetMetricsSummary() *MetricsSummary {
	m := &uc.stats
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := &MetricsSummary{
		TotalRequests:      m.total,
		SuccessfulRequests: m.success,
		CacheHits:          m.cacheHits,
		FailuresByKind:     make(map[string]int64, len(m.failures)),
	}
	for k, v := range m.failures {
		summary.FailuresByKind[k] = v
	}
	if m.total > 0 {
		summary.SuccessRate = float64(m.success) / float64(m.total)
		summary.AverageLatencyMs = float64(m.latencySum.Microseconds()) / 1000 / float64(m.total)
	}
	if m.scoredCount > 0 {
		summary.AverageTopScore = m.topScoreSum / float64(m.scoredCount)
	}
	return summary
}
