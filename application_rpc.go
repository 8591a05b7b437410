package modkernel

import (
	"context"
	"fmt"
	"runtime"
)

// Version is reported by system.info.
var Version = "dev"

// registerBuiltinRPC exposes the kernel's own control surface.
func (a *Application) registerBuiltinRPC() error {
	mgr := a.kernel.Modules()
	st := a.kernel.State()
	methods := []struct {
		name, desc string
		fn         RPCHandler
	}{
		{"system.health", "System and per-module health", func(context.Context, RPCParams) (any, error) {
			return mgr.HealthReport(), nil
		}},
		{"system.info", "Build and runtime information", func(context.Context, RPCParams) (any, error) {
			return map[string]any{
				"version":    Version,
				"go_version": runtime.Version(),
				"state":      a.State().String(),
				"uptime_ms":  a.Uptime().Milliseconds(),
				"modules":    mgr.Len(),
			}, nil
		}},
		{"system.metrics", "Loop, bus and store counters", func(context.Context, RPCParams) (any, error) {
			return a.PerformanceMetrics(), nil
		}},
		{"modules.list", "Statistics for every module", func(context.Context, RPCParams) (any, error) {
			return mgr.AllStats(), nil
		}},
		{"modules.enable", "Resume scheduling a module", func(_ context.Context, p RPCParams) (any, error) {
			name, err := StringParam(p, "name")
			if err != nil {
				return nil, err
			}
			return map[string]any{"name": name, "enabled": true}, mgr.Enable(name)
		}},
		{"modules.disable", "Stop scheduling a module", func(_ context.Context, p RPCParams) (any, error) {
			name, err := StringParam(p, "name")
			if err != nil {
				return nil, err
			}
			return map[string]any{"name": name, "enabled": false}, mgr.Disable(name)
		}},
		{"modules.reload", "Stop, reconfigure and reinitialize a module", func(ctx context.Context, p RPCParams) (any, error) {
			name, err := StringParam(p, "name")
			if err != nil {
				return nil, err
			}
			var section Section
			if raw, ok := p["config"]; ok && raw != nil {
				if section, ok = raw.(map[string]any); !ok {
					return nil, fmt.Errorf("%w: %q must be an object", ErrInvalidRPCParams, "config")
				}
			}
			if err := mgr.Reload(ctx, name, section); err != nil {
				return nil, err
			}
			return mgr.Stats(name)
		}},
		{"state.get", "Read a shared state value", func(_ context.Context, p RPCParams) (any, error) {
			key, err := StringParam(p, "key")
			if err != nil {
				return nil, err
			}
			v, ok := st.Get(key)
			return map[string]any{"key": key, "value": v, "found": ok}, nil
		}},
		{"state.set", "Write a shared state value", func(_ context.Context, p RPCParams) (any, error) {
			key, err := StringParam(p, "key")
			if err != nil {
				return nil, err
			}
			v, ok := p["value"]
			if !ok {
				return nil, fmt.Errorf("%w: missing %q", ErrInvalidRPCParams, "value")
			}
			if err := st.Set(key, v); err != nil {
				return nil, err
			}
			return map[string]any{"key": key, "value": v}, nil
		}},
		{"state.keys", "List shared state keys matching a pattern", func(_ context.Context, p RPCParams) (any, error) {
			pat, _ := p["pattern"].(string)
			return st.Keys(pat), nil
		}},
		{"events.stats", "Event bus counters", func(context.Context, RPCParams) (any, error) {
			return a.kernel.Bus().Stats(), nil
		}},
	}

	rpc := a.kernel.RPC()
	for _, m := range methods {
		if err := rpc.RegisterMethod(m.name, m.fn, m.desc); err != nil {
			return err
		}
	}
	return nil
}
