package browser

import (
	"time"
)

// Reason is a critical recycling trigger reported by a scoring strategy.
type Reason string

const (
	ReasonMaxLifetime       Reason = "max_lifetime"
	ReasonMaxUsage          Reason = "max_usage"
	ReasonMaxErrors         Reason = "max_errors"
	ReasonHealthDegradation Reason = "health_degradation"
	ReasonMemoryPressure    Reason = "memory_pressure"
	ReasonCPUPressure       Reason = "cpu_pressure"
)

// LifecycleState is derived from the hybrid score.
type LifecycleState string

const (
	LifecycleHealthy  LifecycleState = "healthy"
	LifecycleDegraded LifecycleState = "degraded"
	LifecycleCritical LifecycleState = "critical"
)

// Limits bound each scoring axis.
type Limits struct {
	MaxLifetime     time.Duration
	MaxIdleTime     time.Duration
	MaxUseCount     int64
	MaxPageCount    int
	MaxErrorCount   int64
	HealthThreshold float64
	MemoryLimitMB   float64
	CPULimitPercent float64
}

// AxisScore is one strategy's verdict: a 0-100 score plus any critical
// reasons that force recycling regardless of the hybrid score.
type AxisScore struct {
	Score   float64
	Reasons []Reason
}

// Strategy scores one recycling axis for an instance snapshot.
type Strategy interface {
	Name() string
	Score(s Snapshot, limits Limits) AxisScore
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func ratio(n, d float64) float64 {
	if d <= 0 {
		return 0
	}
	return n / d
}

// TimeStrategy scores age against max lifetime and idleness against the
// idle cap.
type TimeStrategy struct{}

func (TimeStrategy) Name() string { return "time" }

func (TimeStrategy) Score(s Snapshot, limits Limits) AxisScore {
	age := ratio(float64(s.Age), float64(limits.MaxLifetime)) * 100
	idle := ratio(float64(s.Idle), float64(limits.MaxIdleTime)) * 100

	score := AxisScore{Score: clampScore(age)*0.6 + clampScore(idle)*0.4}
	if limits.MaxLifetime > 0 && s.Age > limits.MaxLifetime {
		score.Reasons = append(score.Reasons, ReasonMaxLifetime)
	}
	return score
}

// UsageStrategy scores lifetime use count and current page load.
type UsageStrategy struct{}

func (UsageStrategy) Name() string { return "usage" }

func (UsageStrategy) Score(s Snapshot, limits Limits) AxisScore {
	use := ratio(float64(s.UseCount), float64(limits.MaxUseCount)) * 100
	pages := ratio(float64(s.PageCount), float64(limits.MaxPageCount)) * 100

	score := AxisScore{Score: clampScore(use)*0.6 + clampScore(pages)*0.4}
	if limits.MaxUseCount > 0 && s.UseCount >= limits.MaxUseCount {
		score.Reasons = append(score.Reasons, ReasonMaxUsage)
	}
	return score
}

// HealthStrategy scores the inverted health score with an error-rate
// penalty, and flags instances whose error count exceeds the cap.
type HealthStrategy struct{}

func (HealthStrategy) Name() string { return "health" }

func (HealthStrategy) Score(s Snapshot, limits Limits) AxisScore {
	base := (100 - clampScore(s.HealthScore)) * 0.8

	errorRate := 0.0
	if s.UseCount > 0 {
		errorRate = ratio(float64(s.ErrorCount), float64(s.UseCount))
	} else if s.ErrorCount > 0 {
		errorRate = 1
	}
	penalty := clampScore(errorRate*100) * 0.2

	score := AxisScore{Score: clampScore(base + penalty)}
	if limits.MaxErrorCount > 0 && s.ErrorCount > limits.MaxErrorCount {
		score.Reasons = append(score.Reasons, ReasonMaxErrors)
	}
	if s.HealthScore < limits.HealthThreshold {
		score.Reasons = append(score.Reasons, ReasonHealthDegradation)
	}
	return score
}

// ResourceStrategy scores estimated memory and CPU pressure.
type ResourceStrategy struct{}

func (ResourceStrategy) Name() string { return "resource" }

func (ResourceStrategy) Score(s Snapshot, limits Limits) AxisScore {
	mem := ratio(s.MemoryMB, limits.MemoryLimitMB) * 100
	cpu := ratio(s.CPUPercent, limits.CPULimitPercent) * 100

	score := AxisScore{Score: clampScore(mem)*0.6 + clampScore(cpu)*0.4}
	if limits.MemoryLimitMB > 0 && s.MemoryMB > limits.MemoryLimitMB {
		score.Reasons = append(score.Reasons, ReasonMemoryPressure)
	}
	if limits.CPULimitPercent > 0 && s.CPUPercent > limits.CPULimitPercent {
		score.Reasons = append(score.Reasons, ReasonCPUPressure)
	}
	return score
}

// Weights assign each axis's share of the hybrid score. They must sum to 1.
type Weights struct {
	Time     float64
	Usage    float64
	Health   float64
	Resource float64
}

// DefaultWeights favor health and age: a sick or old browser is a bigger
// liability than a busy one.
func DefaultWeights() Weights {
	return Weights{Time: 0.3, Usage: 0.2, Health: 0.3, Resource: 0.2}
}

// Evaluation is the recycler's verdict for one instance.
type Evaluation struct {
	Score     float64
	Reasons   []Reason
	Lifecycle LifecycleState
}

// ShouldRecycle reports whether the instance must be recycled now or on
// next release.
func (e Evaluation) ShouldRecycle(cutoff float64) bool {
	return e.Score >= cutoff || len(e.Reasons) > 0
}

// PrimaryReason returns the first critical reason, or empty.
func (e Evaluation) PrimaryReason() Reason {
	if len(e.Reasons) > 0 {
		return e.Reasons[0]
	}
	return ""
}

// Recycler combines the four axis strategies into a weighted hybrid score.
type Recycler struct {
	limits  Limits
	weights Weights
	cutoff  float64
}

// NewRecycler builds the hybrid recycler. A cutoff of 0 means 90.
func NewRecycler(limits Limits, weights Weights, cutoff float64) *Recycler {
	if cutoff <= 0 {
		cutoff = 90
	}
	sum := weights.Time + weights.Usage + weights.Health + weights.Resource
	if sum <= 0 {
		weights = DefaultWeights()
		sum = 1
	}
	// Normalize so callers can pass unnormalized weights.
	weights.Time /= sum
	weights.Usage /= sum
	weights.Health /= sum
	weights.Resource /= sum

	return &Recycler{limits: limits, weights: weights, cutoff: cutoff}
}

// Cutoff returns the hybrid score at which the pool recycles.
func (r *Recycler) Cutoff() float64 {
	return r.cutoff
}

// Evaluate scores an instance on all axes and derives its lifecycle state.
func (r *Recycler) Evaluate(s Snapshot) Evaluation {
	timeScore := TimeStrategy{}.Score(s, r.limits)
	usageScore := UsageStrategy{}.Score(s, r.limits)
	healthScore := HealthStrategy{}.Score(s, r.limits)
	resourceScore := ResourceStrategy{}.Score(s, r.limits)

	eval := Evaluation{
		Score: timeScore.Score*r.weights.Time +
			usageScore.Score*r.weights.Usage +
			healthScore.Score*r.weights.Health +
			resourceScore.Score*r.weights.Resource,
	}
	for _, axis := range []AxisScore{timeScore, usageScore, healthScore, resourceScore} {
		eval.Reasons = append(eval.Reasons, axis.Reasons...)
	}

	switch {
	case eval.Score >= 95 || len(eval.Reasons) > 0:
		eval.Lifecycle = LifecycleCritical
	case eval.Score >= 80:
		eval.Lifecycle = LifecycleDegraded
	default:
		eval.Lifecycle = LifecycleHealthy
	}
	return eval
}
