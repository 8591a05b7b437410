package modkernel

import (
	"sync"
	"time"
)

// ApplicationState is the lifecycle state of the Application.
type ApplicationState int32

const (
	// AppStateBoot is the state before Initialize.
	AppStateBoot ApplicationState = iota
	// AppStateInit covers configuration load and module initialization.
	AppStateInit
	// AppStateRunning is normal operation; only here are modules ticked.
	AppStateRunning
	// AppStateError is entered on a Critical error report or a failed boot.
	AppStateError
	// AppStateShutdown is terminal until a restart.
	AppStateShutdown
)

// String returns the state name.
func (s ApplicationState) String() string {
	switch s {
	case AppStateBoot:
		return "boot"
	case AppStateInit:
		return "init"
	case AppStateRunning:
		return "running"
	case AppStateError:
		return "error"
	case AppStateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s ApplicationState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CycleStats summarizes the wall-clock time of scheduling cycles.
type CycleStats struct {
	Count       uint64        `json:"count"`
	Last        time.Duration `json:"last"`
	Min         time.Duration `json:"min"`
	Max         time.Duration `json:"max"`
	Avg         time.Duration `json:"avg"`
	Overruns    uint64        `json:"overruns"`
	MissedWakes uint64        `json:"missedWakes"`
}

// cycleRecorder accumulates CycleStats for one loop.
type cycleRecorder struct {
	mu    sync.Mutex
	stats CycleStats
	total time.Duration
}

func (r *cycleRecorder) record(d, period time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &r.stats
	s.Count++
	s.Last = d
	r.total += d
	if s.Count == 1 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
	s.Avg = r.total / time.Duration(s.Count)
	overrun := d > period
	if overrun {
		s.Overruns++
	}
	return overrun
}

func (r *cycleRecorder) missedWakes(n uint64) {
	r.mu.Lock()
	r.stats.MissedWakes += n
	r.mu.Unlock()
}

func (r *cycleRecorder) snapshot() CycleStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// ErrorSeverity grades a reported error. Higher values trigger a stronger
// system response.
type ErrorSeverity int

const (
	// SeverityWarning is logged and published.
	SeverityWarning ErrorSeverity = iota
	// SeverityError is logged and published.
	SeverityError
	// SeverityCritical additionally moves the Application to Error.
	SeverityCritical
	// SeverityFatal additionally restarts the Application.
	SeverityFatal
)

// String returns the severity name.
func (s ErrorSeverity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// MarshalText encodes the severity by name.
func (s ErrorSeverity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
