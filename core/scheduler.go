// Package core wires the frame controller, the module registry, and the
// double-buffered world into one simulation scheduler that a host drives one
// frame at a time.
package core

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/citysim-core/internal/logging"
	"github.com/signalsfoundry/citysim-core/registry"
	"github.com/signalsfoundry/citysim-core/timectrl"
	"github.com/signalsfoundry/citysim-core/world"
)

const tracerName = "github.com/signalsfoundry/citysim-core/core"

// Collector receives scheduler heartbeat measurements. Implemented by
// observability.SimCollector; a nil collector disables recording.
type Collector interface {
	registry.MetricsRecorder
	ObserveFrame(steps int, d time.Duration)
	ObserveSwap(wait, latency time.Duration)
	SetQualityLevel(level int)
	SetActiveReaders(n int64)
	IncLeaseDenied()
}

// FrameResult reports what one RunFrame call did.
type FrameResult struct {
	// StepsRun is how many fixed simulation steps executed this frame.
	StepsRun int
	// Alpha is the render interpolation fraction in [0, 1].
	Alpha float64
	// QualityLevel is the adaptive quality signal after this frame.
	QualityLevel int
	// Tick is the simulation tick of the snapshot published this frame. It
	// is unchanged from the previous frame when no steps ran.
	Tick uint64
	// Swapped reports whether a new world snapshot was published.
	Swapped bool
	// Duration is the wall time RunFrame spent.
	Duration time.Duration
}

// Stats aggregates the counters of all three scheduler components.
type Stats struct {
	Frame   timectrl.Stats
	World   world.Stats
	Modules []registry.ModuleStats
}

// Scheduler owns the per-frame control flow: advance the clock, dispatch the
// due simulation steps to every module, publish the written world state. All
// methods except AcquireReadLease belong to the single simulation thread.
type Scheduler struct {
	cfg       Config
	log       logging.Logger
	collector Collector

	frames  *timectrl.FrameController
	modules *registry.Registry
	world   *world.DoubleBufferedWorld

	tick    uint64
	started bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*schedulerOptions)

type schedulerOptions struct {
	log       logging.Logger
	clock     timectrl.Clock
	collector Collector
}

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) SchedulerOption {
	return func(o *schedulerOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// WithClock overrides the wall-clock source, mainly for tests.
func WithClock(c timectrl.Clock) SchedulerOption {
	return func(o *schedulerOptions) { o.clock = c }
}

// WithCollector attaches a metrics sink.
func WithCollector(c Collector) SchedulerOption {
	return func(o *schedulerOptions) { o.collector = c }
}

// NewScheduler validates cfg and builds the three components.
func NewScheduler(cfg Config, opts ...SchedulerOption) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler config: %w", err)
	}

	o := schedulerOptions{log: logging.Noop()}
	for _, opt := range opts {
		opt(&o)
	}

	frames, err := timectrl.New(cfg.timeConfig(o.clock))
	if err != nil {
		return nil, err
	}
	w, err := world.New(cfg.componentSpecs())
	if err != nil {
		return nil, err
	}

	regOpts := []registry.Option{
		registry.WithLogger(o.log),
		registry.WithSlowTickThreshold(cfg.SlowTickThreshold()),
	}
	if o.collector != nil {
		regOpts = append(regOpts, registry.WithMetricsRecorder(o.collector))
	}

	return &Scheduler{
		cfg:       cfg,
		log:       o.log,
		collector: o.collector,
		frames:    frames,
		modules:   registry.New(cfg.MaxModules, regOpts...),
		world:     w,
	}, nil
}

// Register adds a simulation module. Must be called before Start.
func (s *Scheduler) Register(id string, priority int, m registry.Module) error {
	if s.started {
		return fmt.Errorf("module %q: registration after start", id)
	}
	return s.modules.Register(id, priority, m)
}

// Start initialises every registered module. Startup is all-or-nothing: on
// failure the already-initialised modules are rolled back and the scheduler
// stays stopped.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	if err := s.modules.InitAll(ctx, registry.ModuleConfig(s.cfg.ModuleSettings)); err != nil {
		return err
	}
	s.started = true
	s.log.Info(ctx, "scheduler started",
		logging.Int("modules", s.modules.Len()),
		logging.Int("simulation_hz", s.cfg.TargetSimulationHz),
		logging.Duration("step", s.frames.StepDuration()))
	return nil
}

// RunFrame executes one scheduler frame: it converts elapsed wall time into
// due simulation steps, dispatches each step to every active module, and
// publishes the written world state when at least one step ran.
//
// A registry.ErrModuleTickFailed return is a warning, not a failure: the
// frame completed and dispatch continues next frame without the faulted
// module. The host decides whether to reactivate it.
func (s *Scheduler) RunFrame(ctx context.Context) (FrameResult, error) {
	if !s.started {
		return FrameResult{}, fmt.Errorf("scheduler not started")
	}

	start := time.Now()
	steps, alpha := s.frames.Advance()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "scheduler.frame",
		trace.WithAttributes(
			attribute.Int("sim.steps", steps),
			attribute.Float64("sim.alpha", alpha),
			attribute.Int("sim.quality_level", s.frames.QualityLevel()),
		))
	defer span.End()

	var tickErr error
	step := s.frames.StepDuration()
	for i := 0; i < steps; i++ {
		s.tick++
		span.AddEvent("step", trace.WithAttributes(attribute.Int64("sim.tick", int64(s.tick))))
		if err := s.modules.TickAll(ctx, step); err != nil {
			// Faulted modules are already excluded; remember the last
			// aggregate so the host sees the frame was degraded.
			tickErr = err
		}
	}

	res := FrameResult{
		StepsRun:     steps,
		Alpha:        alpha,
		QualityLevel: s.frames.QualityLevel(),
		Tick:         s.tick,
	}

	if steps > 0 {
		swap, err := s.world.Swap(s.tick)
		if err != nil {
			return res, err
		}
		res.Swapped = true
		if s.collector != nil {
			s.collector.ObserveSwap(swap.WaitDuration, swap.Latency)
		}
		span.SetAttributes(attribute.Int64("sim.swap_sequence", int64(swap.Sequence)))
	}

	res.Duration = time.Since(start)
	if s.collector != nil {
		s.collector.ObserveFrame(steps, res.Duration)
		s.collector.SetQualityLevel(res.QualityLevel)
		s.collector.SetActiveReaders(s.world.Stats().ActiveReaders)
	}
	return res, tickErr
}

// AcquireReadLease grants a renderer or observer bounded access to the most
// recent published snapshot. Safe to call from any goroutine; a denial is the
// expected transient signal while a swap is pending.
func (s *Scheduler) AcquireReadLease() (*world.ReadLease, error) {
	lease, err := s.world.AcquireReadLease()
	if err != nil && s.collector != nil {
		s.collector.IncLeaseDenied()
	}
	return lease, err
}

// Writable returns the module-facing view of the in-progress world state.
func (s *Scheduler) Writable() *world.WritableWorld {
	return s.world.Writable()
}

// Pause stops simulation time. Frames keep running (and rendering) but no
// steps execute until Resume.
func (s *Scheduler) Pause() { s.frames.Pause() }

// Resume re-enables simulation time from the next frame.
func (s *Scheduler) Resume() { s.frames.Resume() }

// Paused reports whether simulation time is stopped.
func (s *Scheduler) Paused() bool { return s.frames.Paused() }

// Reactivate gives a faulted module another chance at dispatch.
func (s *Scheduler) Reactivate(id string) error { return s.modules.Reactivate(id) }

// Tick returns the current simulation tick.
func (s *Scheduler) Tick() uint64 { return s.tick }

// QualityLevel returns the adaptive quality signal. Modules call this from
// their tick to decide how much optional work to shed.
func (s *Scheduler) QualityLevel() int { return s.frames.QualityLevel() }

// StepDuration returns the fixed simulation step.
func (s *Scheduler) StepDuration() time.Duration { return s.frames.StepDuration() }

// Stats snapshots all scheduler counters. Module stats come back in dispatch
// order.
func (s *Scheduler) Stats() Stats {
	ids := s.modules.ModuleIDs()
	mods := make([]registry.ModuleStats, 0, len(ids))
	for _, id := range ids {
		if ms, err := s.modules.Stats(id); err == nil {
			mods = append(mods, ms)
		}
	}
	return Stats{
		Frame:   s.frames.Stats(),
		World:   s.world.Stats(),
		Modules: mods,
	}
}

// Diagnostics exposes the world store's debug snapshot.
func (s *Scheduler) Diagnostics() world.Diagnostics {
	return s.world.Diagnostics()
}

// ValidateCoherency cross-checks the two world slots between frames.
func (s *Scheduler) ValidateCoherency() error {
	return s.world.ValidateCoherency()
}

// Shutdown tears every module down in reverse order. Best-effort: module
// cleanup errors are logged, never propagated.
func (s *Scheduler) Shutdown(ctx context.Context) {
	if !s.started {
		return
	}
	s.modules.CleanupAll(ctx)
	s.started = false
	s.log.Info(ctx, "scheduler stopped", logging.Uint64("ticks", s.tick))
}
