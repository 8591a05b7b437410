package modkernel

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/golobby/cast"
)

// RPCParams carries the named parameters of a call.
type RPCParams = map[string]any

// RPCHandler serves one RPC method.
type RPCHandler func(ctx context.Context, params RPCParams) (any, error)

// RPCMethodInfo describes a registered method.
type RPCMethodInfo struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Notification bool   `json:"notification"`
}

// RPCRegistrar is handed to modules so they can expose methods.
type RPCRegistrar interface {
	RegisterMethod(name string, handler RPCHandler, description string) error
	// RegisterNotification registers a method whose result is discarded.
	RegisterNotification(name string, handler RPCHandler, description string) error
	Unregister(name string) error
	Methods() []RPCMethodInfo
}

type rpcMethod struct {
	info    RPCMethodInfo
	handler RPCHandler
}

// MethodRegistry is a concurrency-safe RPCRegistrar that can also
// dispatch calls.
type MethodRegistry struct {
	mu      sync.RWMutex
	methods map[string]rpcMethod
	logger  Logger
}

// NewMethodRegistry creates an empty registry.
func NewMethodRegistry(logger Logger) *MethodRegistry {
	return &MethodRegistry{
		methods: make(map[string]rpcMethod),
		logger:  loggerOrNop(logger),
	}
}

// RegisterMethod adds a request/response method.
func (r *MethodRegistry) RegisterMethod(name string, handler RPCHandler, description string) error {
	return r.register(RPCMethodInfo{Name: name, Description: description}, handler)
}

// RegisterNotification adds a fire-and-forget method.
func (r *MethodRegistry) RegisterNotification(name string, handler RPCHandler, description string) error {
	return r.register(RPCMethodInfo{Name: name, Description: description, Notification: true}, handler)
}

func (r *MethodRegistry) register(info RPCMethodInfo, handler RPCHandler) error {
	if strings.TrimSpace(info.Name) == "" {
		return ErrEmptyRPCMethod
	}
	if handler == nil {
		return fmt.Errorf("%w: %s", ErrNilRPCHandler, info.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.methods[info.Name]; exists {
		return fmt.Errorf("%w: %s", ErrRPCMethodExists, info.Name)
	}
	r.methods[info.Name] = rpcMethod{info: info, handler: handler}
	r.logger.Debug("Registered RPC method", "method", info.Name, "notification", info.Notification)
	return nil
}

// Unregister removes a method.
func (r *MethodRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.methods[name]; !ok {
		return fmt.Errorf("%w: %s", ErrRPCMethodNotFound, name)
	}
	delete(r.methods, name)
	return nil
}

// Methods lists registered methods sorted by name.
func (r *MethodRegistry) Methods() []RPCMethodInfo {
	r.mu.RLock()
	out := make([]RPCMethodInfo, 0, len(r.methods))
	for _, m := range r.methods {
		out = append(out, m.info)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b RPCMethodInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Lookup returns the description of one method.
func (r *MethodRegistry) Lookup(name string) (RPCMethodInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	return m.info, ok
}

// Call invokes a method. Notifications return a nil result. A panicking
// handler is reported as an error.
func (r *MethodRegistry) Call(ctx context.Context, name string, params RPCParams) (result any, err error) {
	r.mu.RLock()
	m, ok := r.methods[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRPCMethodNotFound, name)
	}
	if params == nil {
		params = RPCParams{}
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("rpc method %s panicked: %v", name, rec)
			r.logger.Error("RPC handler panicked", "method", name, "panic", rec)
		}
	}()

	result, err = m.handler(ctx, params)
	if m.info.Notification {
		return nil, err
	}
	return result, err
}

// StringParam extracts a required string parameter.
func StringParam(params RPCParams, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", ErrInvalidRPCParams, key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %q must be a non-empty string", ErrInvalidRPCParams, key)
	}
	return s, nil
}

// FloatParam extracts a required numeric parameter. Numeric strings are
// accepted.
func FloatParam(params RPCParams, key string) (float64, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrInvalidRPCParams, key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		converted, err := cast.FromType(strings.TrimSpace(n), reflect.TypeOf(float64(0)))
		if err != nil {
			return 0, fmt.Errorf("%w: %q must be a number", ErrInvalidRPCParams, key)
		}
		return converted.(float64), nil
	default:
		return 0, fmt.Errorf("%w: %q must be a number", ErrInvalidRPCParams, key)
	}
}
