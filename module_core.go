package modkernel

import (
	"fmt"
	"strings"
	"time"
)

// Priority is a scheduling class. Lower values are more urgent and are
// ticked first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityStandard
	PriorityLow
	PriorityBackground

	priorityCount = int(PriorityBackground) + 1
)

var priorityNames = [priorityCount]string{"critical", "high", "standard", "low", "background"}

// String returns the lower-case class name.
func (p Priority) String() string {
	if p < 0 || int(p) >= priorityCount {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// ParsePriority converts a class name into a Priority.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPriority, s)
}

// DeadlinePolicy holds the maximum per-call duration of each priority
// class. Exceeding it counts as a deadline miss; it never preempts.
type DeadlinePolicy [priorityCount]time.Duration

// DefaultDeadlinePolicy returns the standard per-class deadlines.
func DefaultDeadlinePolicy() DeadlinePolicy {
	return DeadlinePolicy{
		PriorityCritical:   100 * time.Microsecond,
		PriorityHigh:       500 * time.Microsecond,
		PriorityStandard:   2 * time.Millisecond,
		PriorityLow:        5 * time.Millisecond,
		PriorityBackground: 10 * time.Millisecond,
	}
}

// For returns the deadline of class p.
func (d DeadlinePolicy) For(p Priority) time.Duration {
	if p < 0 || int(p) >= priorityCount {
		return d[PriorityBackground]
	}
	return d[p]
}

// Core selects the scheduling context that ticks a module.
type Core int

const (
	// CorePrimary modules are ticked by the main fixed-rate loop.
	CorePrimary Core = iota
	// CoreSecondary modules are ticked by the secondary periodic loop.
	CoreSecondary
)

// String returns the core name.
func (c Core) String() string {
	if c == CoreSecondary {
		return "secondary"
	}
	return "primary"
}

// MarshalText encodes the core by name.
func (c Core) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// ModuleState is the lifecycle state of a registered module.
type ModuleState int

const (
	StateCreated ModuleState = iota
	StateConfigured
	StateInitialized
	StateStopped
	StateError
)

// String returns the lower-case state name.
func (s ModuleState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConfigured:
		return "configured"
	case StateInitialized:
		return "initialized"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s ModuleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConfigSectionName maps a module name to its configuration section: a
// trailing "Module" is stripped when something remains, and the result is
// lower-cased. "LoggerModule" maps to "logging".
func ConfigSectionName(moduleName string) string {
	if moduleName == "LoggerModule" {
		return "logging"
	}
	base := moduleName
	if trimmed, ok := strings.CutSuffix(base, "Module"); ok && trimmed != "" {
		base = trimmed
	}
	return strings.ToLower(base)
}

func sectionNameFor(m Module) string {
	if n, ok := m.(ConfigSectionNamer); ok {
		if name := n.ConfigSection(); name != "" {
			return name
		}
	}
	return ConfigSectionName(m.Name())
}
