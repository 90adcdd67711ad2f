// Package registry owns the ordered table of simulation subsystems and
// dispatches them once per simulation step, isolating per-module faults and
// recording per-module cost.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/signalsfoundry/citysim-core/internal/logging"
)

var (
	// ErrDuplicateModule is returned when an id is registered twice.
	ErrDuplicateModule = errors.New("module already registered")
	// ErrRegistryFull is returned when the preallocated table is exhausted.
	ErrRegistryFull = errors.New("module registry full")
	// ErrUnknownModule is returned for operations on an unregistered id.
	ErrUnknownModule = errors.New("unknown module")
	// ErrModuleInitFailed is returned by InitAll after rolling back.
	ErrModuleInitFailed = errors.New("module init failed")
	// ErrModuleTickFailed is the non-fatal aggregate returned by TickAll
	// when at least one module entered the error state this call.
	ErrModuleTickFailed = errors.New("module tick failed")
)

// MetricsRecorder receives one measurement per dispatched module tick.
// Implemented by observability.SimCollector; nil recorders are allowed.
type MetricsRecorder interface {
	ObserveModuleTick(id string, d time.Duration, failed bool)
}

type descriptor struct {
	id       string
	priority int
	order    int // registration order, breaks priority ties
	status   Status
	module   Module

	invocations uint64
	errors      uint64
	totalTick   time.Duration
	peakTick    time.Duration
}

func (d *descriptor) record(elapsed time.Duration) {
	d.invocations++
	d.totalTick += elapsed
	if elapsed > d.peakTick {
		d.peakTick = elapsed
	}
}

func (d *descriptor) stats() ModuleStats {
	avg := time.Duration(0)
	if d.invocations > 0 {
		avg = d.totalTick / time.Duration(d.invocations)
	}
	return ModuleStats{
		ID:           d.id,
		Priority:     d.priority,
		Status:       d.status,
		Invocations:  d.invocations,
		Errors:       d.errors,
		AvgTickTime:  avg,
		PeakTickTime: d.peakTick,
	}
}

// Registry is the module dispatch table. It is owned by the simulation
// thread; none of its methods are safe for concurrent use.
type Registry struct {
	log      logging.Logger
	metrics  MetricsRecorder
	slowTick time.Duration

	maxModules int
	modules    []*descriptor
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetricsRecorder attaches a per-tick metrics sink.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithSlowTickThreshold makes TickAll log a warning whenever a single module
// tick exceeds d. Zero disables the check.
func WithSlowTickThreshold(d time.Duration) Option {
	return func(r *Registry) { r.slowTick = d }
}

// New constructs a registry with a fixed capacity.
func New(maxModules int, opts ...Option) *Registry {
	if maxModules < 1 {
		maxModules = 1
	}
	r := &Registry{
		log:        logging.Noop(),
		maxModules: maxModules,
		modules:    make([]*descriptor, 0, maxModules),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a module. Lower priorities run first; equal priorities keep
// registration order.
func (r *Registry) Register(id string, priority int, m Module) error {
	if m == nil {
		return fmt.Errorf("module %q: nil implementation", id)
	}
	if _, ok := r.find(id); ok {
		return fmt.Errorf("%w: %q", ErrDuplicateModule, id)
	}
	if len(r.modules) >= r.maxModules {
		return fmt.Errorf("%w: capacity %d", ErrRegistryFull, r.maxModules)
	}

	r.modules = append(r.modules, &descriptor{
		id:       id,
		priority: priority,
		order:    len(r.modules),
		status:   StatusUninitialized,
		module:   m,
	})
	sort.SliceStable(r.modules, func(i, j int) bool {
		if r.modules[i].priority != r.modules[j].priority {
			return r.modules[i].priority < r.modules[j].priority
		}
		return r.modules[i].order < r.modules[j].order
	})
	return nil
}

// InitAll initialises every registered module in priority order. On the
// first failure it cleans up all previously-initialised modules in reverse
// order and returns ErrModuleInitFailed: startup is all-or-nothing.
func (r *Registry) InitAll(ctx context.Context, cfg ModuleConfig) error {
	for i, d := range r.modules {
		if d.status == StatusDisabled {
			continue
		}
		mctx, mlog := logging.WithModuleLogger(ctx, r.log, d.id)
		if err := d.module.Init(mctx, cfg); err != nil {
			d.status = StatusError
			mlog.Error(mctx, "module init failed; rolling back", logging.String("error", err.Error()))
			r.rollback(ctx, i)
			return fmt.Errorf("module %q: %w: %v", d.id, ErrModuleInitFailed, err)
		}
		d.status = StatusInitialized
	}
	for _, d := range r.modules {
		if d.status == StatusInitialized {
			d.status = StatusActive
		}
	}
	return nil
}

func (r *Registry) rollback(ctx context.Context, failedIndex int) {
	for j := failedIndex - 1; j >= 0; j-- {
		d := r.modules[j]
		if d.status != StatusInitialized {
			continue
		}
		if err := d.module.Cleanup(ctx); err != nil {
			r.log.Warn(ctx, "rollback cleanup failed",
				logging.String("module", d.id),
				logging.String("error", err.Error()))
		}
		d.status = StatusUninitialized
	}
}

// TickAll dispatches one simulation step to every active module in priority
// order. A failing tick moves only that module to StatusError and dispatch
// continues: one misbehaving subsystem must not halt the frame. The return
// is nil on full success, or ErrModuleTickFailed as a non-fatal warning.
func (r *Registry) TickAll(ctx context.Context, step time.Duration) error {
	failed := 0
	for _, d := range r.modules {
		if d.status != StatusActive {
			continue
		}
		mctx := logging.ContextWithModuleID(ctx, d.id)
		start := time.Now()
		err := d.module.Tick(mctx, step)
		elapsed := time.Since(start)
		d.record(elapsed)
		if r.metrics != nil {
			r.metrics.ObserveModuleTick(d.id, elapsed, err != nil)
		}
		if err != nil {
			d.status = StatusError
			d.errors++
			failed++
			r.log.Warn(ctx, "module tick failed; excluded from dispatch until reactivated",
				logging.String("module", d.id),
				logging.String("error", err.Error()))
			continue
		}
		if r.slowTick > 0 && elapsed > r.slowTick {
			r.log.Warn(ctx, "slow module tick",
				logging.String("module", d.id),
				logging.Duration("elapsed", elapsed),
				logging.Duration("threshold", r.slowTick))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d module(s) entered error state", ErrModuleTickFailed, failed)
	}
	return nil
}

// CleanupAll tears down every module in reverse priority order regardless of
// status. Errors are logged, never propagated: teardown is best-effort.
func (r *Registry) CleanupAll(ctx context.Context) {
	for i := len(r.modules) - 1; i >= 0; i-- {
		d := r.modules[i]
		if err := d.module.Cleanup(ctx); err != nil {
			r.log.Warn(ctx, "module cleanup failed",
				logging.String("module", d.id),
				logging.String("error", err.Error()))
		}
		d.status = StatusUninitialized
	}
}

// Reactivate returns a module from StatusError to StatusActive. The error
// state is terminal until the host explicitly asks for another chance.
func (r *Registry) Reactivate(id string) error {
	d, ok := r.find(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownModule, id)
	}
	if d.status != StatusError {
		return fmt.Errorf("module %q: cannot reactivate from status %s", id, d.status)
	}
	d.status = StatusActive
	return nil
}

// Disable excludes a module from init and dispatch without unregistering it.
func (r *Registry) Disable(id string) error {
	d, ok := r.find(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownModule, id)
	}
	d.status = StatusDisabled
	return nil
}

// Enable returns a disabled module to dispatch.
func (r *Registry) Enable(id string) error {
	d, ok := r.find(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownModule, id)
	}
	if d.status == StatusDisabled {
		d.status = StatusActive
	}
	return nil
}

// Stats returns the dispatch accounting for one module.
func (r *Registry) Stats(id string) (ModuleStats, error) {
	d, ok := r.find(id)
	if !ok {
		return ModuleStats{}, fmt.Errorf("%w: %q", ErrUnknownModule, id)
	}
	return d.stats(), nil
}

// ModuleIDs returns registered ids in dispatch order.
func (r *Registry) ModuleIDs() []string {
	ids := make([]string, 0, len(r.modules))
	for _, d := range r.modules {
		ids = append(ids, d.id)
	}
	return ids
}

// Len returns the number of registered modules.
func (r *Registry) Len() int { return len(r.modules) }

func (r *Registry) find(id string) (*descriptor, bool) {
	for _, d := range r.modules {
		if d.id == id {
			return d, true
		}
	}
	return nil, false
}
