package modkernel

import (
	"errors"
)

// Kernel errors
var (
	// Registry errors
	ErrNilModule               = errors.New("module cannot be nil")
	ErrEmptyModuleName         = errors.New("module name cannot be empty")
	ErrModuleAlreadyRegistered = errors.New("module already registered")
	ErrModuleNotFound          = errors.New("module not found")
	ErrUnknownPriority         = errors.New("unknown priority class")

	// Lifecycle errors
	ErrModuleConfigFailed   = errors.New("module configuration failed")
	ErrModuleInitFailed     = errors.New("module initialization failed")
	ErrCriticalModuleFailed = errors.New("critical module failed to initialize")
	ErrModuleUpdateFailed   = errors.New("module update failed")
	ErrModuleStopFailed     = errors.New("module stop failed")
	ErrModulePanic          = errors.New("module panicked")
	ErrModuleNotInitialized = errors.New("module is not initialized")
	ErrModuleUnresponsive   = errors.New("module stopped responding")
	ErrInvalidSection       = errors.New("configuration section is not a map")

	// Application errors
	ErrNilKernel             = errors.New("kernel cannot be nil")
	ErrApplicationNotRunning = errors.New("application is not running")
	ErrAlreadyInitialized    = errors.New("application already initialized")
	ErrAlreadyRunning        = errors.New("application loop already running")
	ErrInvalidTransition     = errors.New("invalid application state transition")
	ErrInvalidAppConfig      = errors.New("invalid system configuration")

	// RPC errors
	ErrRPCMethodExists   = errors.New("rpc method already registered")
	ErrRPCMethodNotFound = errors.New("rpc method not found")
	ErrNilRPCHandler     = errors.New("rpc handler cannot be nil")
	ErrEmptyRPCMethod    = errors.New("rpc method name cannot be empty")
	ErrInvalidRPCParams  = errors.New("invalid rpc params")

	// Observer errors
	ErrNilObserver = errors.New("observer cannot be nil")
)
