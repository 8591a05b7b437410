package modkernel

import (
	"context"
	"runtime"
)

// SystemProbe reports the resource headroom used by health checks.
type SystemProbe interface {
	// FreeMemory returns available memory in bytes.
	FreeMemory() uint64
	// StackHeadroom returns unused stack memory in bytes.
	StackHeadroom() uint64
}

// Platform brings up hardware before any kernel service starts.
type Platform interface {
	Init(ctx context.Context) error
}

// PlatformFunc adapts a function to Platform.
type PlatformFunc func(ctx context.Context) error

// Init calls f.
func (f PlatformFunc) Init(ctx context.Context) error { return f(ctx) }

// RuntimeProbe derives headroom from the Go runtime against fixed budgets.
type RuntimeProbe struct {
	MemoryBudget uint64
	StackBudget  uint64
}

// FreeMemory is the memory budget minus heap in use.
func (p RuntimeProbe) FreeMemory() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapInuse >= p.MemoryBudget {
		return 0
	}
	return p.MemoryBudget - ms.HeapInuse
}

// StackHeadroom is the stack budget minus stack in use.
func (p RuntimeProbe) StackHeadroom() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.StackInuse >= p.StackBudget {
		return 0
	}
	return p.StackBudget - ms.StackInuse
}
