package registry

import (
	"context"
	"time"
)

// Module is the capability surface every simulation subsystem implements.
// The dispatcher knows nothing about what a module computes; it only drives
// the lifecycle and accounts for the cost of each tick.
type Module interface {
	// Init prepares the module. Called once, in priority order, before any
	// tick. A non-nil error aborts startup and rolls back earlier modules.
	Init(ctx context.Context, cfg ModuleConfig) error
	// Tick advances the module by one fixed simulation step. All modules in
	// a step observe the same step duration. A non-nil error moves the
	// module to StatusError and excludes it from future steps.
	Tick(ctx context.Context, step time.Duration) error
	// Cleanup releases module resources. Called in reverse priority order
	// during teardown and during init rollback.
	Cleanup(ctx context.Context) error
}

// ModuleConfig is the opaque configuration blob handed to every module's
// Init. The dispatcher does not interpret it.
type ModuleConfig map[string]any

// Status tracks where a module is in its lifecycle.
type Status int

const (
	StatusUninitialized Status = iota
	StatusInitialized
	StatusActive
	StatusError
	StatusDisabled
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusInitialized:
		return "initialized"
	case StatusActive:
		return "active"
	case StatusError:
		return "error"
	case StatusDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// ModuleStats is a read-only snapshot of a module's dispatch accounting.
type ModuleStats struct {
	ID           string
	Priority     int
	Status       Status
	Invocations  uint64
	Errors       uint64
	AvgTickTime  time.Duration
	PeakTickTime time.Duration
}
