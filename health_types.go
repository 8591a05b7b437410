package modkernel

import (
	"math"
)

// HealthStatus classifies a module's health score.
type HealthStatus int

const (
	// HealthStatusUnknown indicates the status has not been determined.
	HealthStatusUnknown HealthStatus = iota

	// HealthStatusHealthy is a running module scoring at least the
	// healthy threshold.
	HealthStatusHealthy

	// HealthStatusDegraded is a running module scoring between the
	// degraded and healthy thresholds.
	HealthStatusDegraded

	// HealthStatusUnhealthy is a module that is not running or scores
	// below the degraded threshold.
	HealthStatusUnhealthy

	// HealthStatusDisabled is a module switched off at runtime.
	HealthStatusDisabled
)

// String returns the string representation of the health status.
func (s HealthStatus) String() string {
	switch s {
	case HealthStatusHealthy:
		return "healthy"
	case HealthStatusDegraded:
		return "degraded"
	case HealthStatusUnhealthy:
		return "unhealthy"
	case HealthStatusDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name.
func (s HealthStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsHealthy returns true if the status represents a healthy state
func (s HealthStatus) IsHealthy() bool {
	return s == HealthStatusHealthy
}

// HealthPolicy holds the capped penalties that turn module statistics
// into a 0..100 score.
type HealthPolicy struct {
	// NotRunningPenalty applies when the module is not initialized or
	// reports itself unhealthy.
	NotRunningPenalty int
	// ErrorPenalty is charged per recorded error, up to MaxErrorPenalty.
	ErrorPenalty    int
	MaxErrorPenalty int
	// MissRateThreshold is the deadline miss ratio above which the miss
	// penalty applies. The penalty is the ratio times 100, capped at
	// MaxMissPenalty.
	MissRateThreshold float64
	MaxMissPenalty    int
	// HealthyThreshold and DegradedThreshold classify scores.
	HealthyThreshold  int
	DegradedThreshold int
}

// DefaultHealthPolicy returns the standard penalties.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		NotRunningPenalty: 10,
		ErrorPenalty:      10,
		MaxErrorPenalty:   50,
		MissRateThreshold: 0.10,
		MaxMissPenalty:    20,
		HealthyThreshold:  80,
		DegradedThreshold: 50,
	}
}

type healthInputs struct {
	running    bool
	selfOK     bool
	selfScore  int
	errorCount uint64
	calls      uint64
	misses     uint64
}

// score starts at 100 and subtracts each capped penalty, flooring at zero.
func (p HealthPolicy) score(in healthInputs) int {
	score := 100

	if !in.running || !in.selfOK {
		score -= p.NotRunningPenalty
	}

	if in.errorCount > 0 {
		penalty := p.MaxErrorPenalty
		if in.errorCount < uint64(math.MaxInt32) {
			penalty = min(p.MaxErrorPenalty, int(in.errorCount)*p.ErrorPenalty)
		}
		score -= penalty
	}

	if in.calls > 0 {
		rate := float64(in.misses) / float64(in.calls)
		if rate > p.MissRateThreshold {
			score -= min(p.MaxMissPenalty, int(rate*100))
		}
	}

	self := min(max(in.selfScore, 0), 100)
	score -= 100 - self

	return max(score, 0)
}

// classify maps a module to a status.
func (p HealthPolicy) classify(enabled bool, state ModuleState, score int) HealthStatus {
	switch {
	case !enabled:
		return HealthStatusDisabled
	case state != StateInitialized:
		return HealthStatusUnhealthy
	case score >= p.HealthyThreshold:
		return HealthStatusHealthy
	case score >= p.DegradedThreshold:
		return HealthStatusDegraded
	default:
		return HealthStatusUnhealthy
	}
}

// ModuleHealth is the health of one module.
type ModuleHealth struct {
	Name   string       `json:"name"`
	Score  int          `json:"score"`
	Status HealthStatus `json:"status"`
	State  ModuleState  `json:"state"`
}

// SystemHealthReport summarizes the health of all registered modules.
type SystemHealthReport struct {
	Score     int            `json:"score"`
	Total     int            `json:"total"`
	Healthy   int            `json:"healthy"`
	Degraded  int            `json:"degraded"`
	Unhealthy int            `json:"unhealthy"`
	Disabled  int            `json:"disabled"`
	Modules   []ModuleHealth `json:"modules"`
}
