package observability

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// OperationEvaluate is the SLO operation key for Decision Engine evaluations.
const OperationEvaluate = "evaluate"

// SLOTarget defines a service level objective.
type SLOTarget struct {
	SLOID       string        `json:"slo_id"`
	Name        string        `json:"name"`
	Operation   string        `json:"operation"`
	Percentile  float64       `json:"percentile"`   // e.g. 0.95
	Latency     time.Duration `json:"latency"`      // bound at Percentile
	SuccessRate float64       `json:"success_rate"` // 0-1
	Window      time.Duration `json:"window"`
}

// CertificationSLO is the gate objective: p95 evaluation latency within the
// 200ms certification budget, and 99.9% of evaluations free of fail-closed
// infrastructure denials, over one hour.
func CertificationSLO() *SLOTarget {
	return &SLOTarget{
		SLOID:       "gate-certification",
		Name:        "Certifiable evaluation latency",
		Operation:   OperationEvaluate,
		Percentile:  0.95,
		Latency:     200 * time.Millisecond,
		SuccessRate: 0.999,
		Window:      time.Hour,
	}
}

// SLOObservation is a single data point.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports current compliance.
type SLOStatus struct {
	SLOID            string  `json:"slo_id"`
	Operation        string  `json:"operation"`
	LatencyMs        float64 `json:"latency_ms"` // observed at the target percentile
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"`         // >1 burns faster than budget allows
	ErrorBudgetLeft  float64 `json:"error_budget_left"` // percent
	ObservationCount int     `json:"observation_count"`
}

// SLOTracker keeps a sliding window of observations per operation.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget
	observations map[string][]SLOObservation
	clock        func() time.Time
}

// NewSLOTracker creates a tracker with the given targets.
func NewSLOTracker(targets ...*SLOTarget) *SLOTracker {
	t := &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]SLOObservation),
		clock:        time.Now,
	}
	for _, target := range targets {
		t.targets[target.Operation] = target
	}
	return t
}

// WithClock overrides clock for testing.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// Record stores an observation and drops those outside the target window.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	if obs.Timestamp.IsZero() {
		obs.Timestamp = now
	}
	list := append(t.observations[obs.Operation], obs)
	if target, ok := t.targets[obs.Operation]; ok {
		list = prune(list, now.Add(-target.Window))
	}
	t.observations[obs.Operation] = list
}

func prune(list []SLOObservation, cutoff time.Time) []SLOObservation {
	i := 0
	for i < len(list) && !list[i].Timestamp.After(cutoff) {
		i++
	}
	return list[i:]
}

// Status computes current SLO status for an operation.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("no SLO target for operation %q", operation)
	}
	windowed := prune(t.observations[operation], t.clock().Add(-target.Window))
	status := &SLOStatus{
		SLOID:            target.SLOID,
		Operation:        operation,
		InCompliance:     true,
		ErrorBudgetLeft:  100.0,
		ObservationCount: len(windowed),
	}
	if len(windowed) == 0 {
		return status, nil
	}

	successes := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.Success {
			successes++
		}
		latencies[i] = float64(obs.Latency) / float64(time.Millisecond)
	}
	sort.Float64s(latencies)
	status.LatencyMs = percentile(latencies, target.Percentile)
	status.CurrentSuccess = float64(successes) / float64(len(windowed))

	budget := 1.0 - target.SuccessRate
	errorRate := 1.0 - status.CurrentSuccess
	if budget > 0 {
		status.BurnRate = errorRate / budget
		status.ErrorBudgetLeft = math.Max(0, 100.0*(1.0-status.BurnRate))
	} else if errorRate > 0 {
		status.ErrorBudgetLeft = 0
	}

	latencyOK := status.LatencyMs <= float64(target.Latency)/float64(time.Millisecond)
	status.InCompliance = latencyOK && status.CurrentSuccess >= target.SuccessRate
	return status, nil
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
