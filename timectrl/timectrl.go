// Package timectrl converts elapsed wall time into a bounded number of
// fixed-duration simulation steps plus a render interpolation fraction.
//
// The controller is owned by the simulation thread and is not safe for
// concurrent use; hosts read quality and counters through Stats snapshots
// taken between frames.
package timectrl

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned when a controller is constructed with a
// non-positive rate or step bound.
var ErrInvalidConfig = errors.New("invalid frame controller config")

// MaxQualityLevel caps the adaptive quality signal. Level 0 means full
// quality; higher levels ask modules to shed optional work.
const MaxQualityLevel = 3

const frameTimeWindow = 60

// Config carries the tunables of a FrameController. Zero values fall back to
// the documented defaults.
type Config struct {
	// TargetSimulationHz is the fixed simulation rate. Required, > 0.
	TargetSimulationHz int
	// TargetFrameHz is the expected render cadence. Required, > 0. It only
	// informs stats reporting; the controller never sleeps.
	TargetFrameHz int
	// MaxCatchUpSteps bounds how many steps a single Advance call may emit.
	// Defaults to 5.
	MaxCatchUpSteps int
	// AdaptiveQuality enables the overload-driven quality signal.
	AdaptiveQuality bool
	// QualityRecovery is how long the controller must run without overload
	// before decaying one quality level. Defaults to 5s.
	QualityRecovery time.Duration
	// ElapsedClampMultiple bounds a single observed frame gap to this many
	// step durations, protecting the debt accumulator from debugger pauses.
	// Defaults to 3.
	ElapsedClampMultiple int
	// Clock overrides the wall-clock source. Defaults to SystemClock.
	Clock Clock
}

// Stats is a read-only snapshot of controller counters.
type Stats struct {
	TickCount      uint64
	FrameCount     uint64
	QualityLevel   int
	SimulationDebt time.Duration
	AvgFrameTime   time.Duration
}

// FrameController owns the simulation-time debt accumulator. It decides how
// many fixed steps to run per frame and what interpolation fraction the
// renderer should use, and degrades a quality signal under sustained
// overload instead of letting catch-up spiral.
type FrameController struct {
	clock           Clock
	stepDuration    time.Duration
	maxCatchUpSteps int
	elapsedClamp    time.Duration
	adaptiveQuality bool
	qualityRecovery time.Duration

	lastSample     time.Time
	simulationDebt time.Duration
	tickCount      uint64
	frameCount     uint64

	qualityLevel int
	lastOverload time.Time

	paused bool

	frameTimes     [frameTimeWindow]time.Duration
	frameTimeIndex int
	frameTimeCount int
}

// New constructs a controller and records the wall-clock baseline.
func New(cfg Config) (*FrameController, error) {
	if cfg.TargetSimulationHz <= 0 {
		return nil, fmt.Errorf("%w: target simulation rate %d", ErrInvalidConfig, cfg.TargetSimulationHz)
	}
	if cfg.TargetFrameHz <= 0 {
		return nil, fmt.Errorf("%w: target frame rate %d", ErrInvalidConfig, cfg.TargetFrameHz)
	}
	if cfg.MaxCatchUpSteps == 0 {
		cfg.MaxCatchUpSteps = 5
	}
	if cfg.MaxCatchUpSteps < 1 {
		return nil, fmt.Errorf("%w: max catch-up steps %d", ErrInvalidConfig, cfg.MaxCatchUpSteps)
	}
	if cfg.QualityRecovery == 0 {
		cfg.QualityRecovery = 5 * time.Second
	}
	if cfg.QualityRecovery < 0 {
		return nil, fmt.Errorf("%w: quality recovery %s", ErrInvalidConfig, cfg.QualityRecovery)
	}
	if cfg.ElapsedClampMultiple == 0 {
		cfg.ElapsedClampMultiple = 3
	}
	if cfg.ElapsedClampMultiple < 1 {
		return nil, fmt.Errorf("%w: elapsed clamp multiple %d", ErrInvalidConfig, cfg.ElapsedClampMultiple)
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}

	step := time.Second / time.Duration(cfg.TargetSimulationHz)
	now := cfg.Clock.Now()
	return &FrameController{
		clock:           cfg.Clock,
		stepDuration:    step,
		maxCatchUpSteps: cfg.MaxCatchUpSteps,
		elapsedClamp:    step * time.Duration(cfg.ElapsedClampMultiple),
		adaptiveQuality: cfg.AdaptiveQuality,
		qualityRecovery: cfg.QualityRecovery,
		lastSample:      now,
		lastOverload:    now,
	}, nil
}

// StepDuration returns the fixed nanoseconds-per-step the controller was
// built with. Changing the simulation rate requires a new controller.
func (fc *FrameController) StepDuration() time.Duration { return fc.stepDuration }

// Advance samples the clock and converts accumulated wall time into whole
// simulation steps. It returns the number of steps the caller must execute
// now and the interpolation alpha in [0, 1] the renderer should blend with.
//
// After a non-overloaded call the remaining debt is strictly less than one
// step. When the catch-up cap is hit with debt still owing, the debt is
// truncated to exactly one step, the quality level rises, and alpha is 1.
func (fc *FrameController) Advance() (stepsToRun int, alpha float64) {
	now := fc.clock.Now()
	elapsed := now.Sub(fc.lastSample)
	fc.lastSample = now
	if elapsed < 0 {
		elapsed = 0
	}

	if fc.paused {
		fc.frameCount++
		return 0, fc.clampedAlpha()
	}

	fc.recordFrameTime(elapsed)
	if elapsed > fc.elapsedClamp {
		elapsed = fc.elapsedClamp
	}
	fc.simulationDebt += elapsed

	steps := 0
	for fc.simulationDebt >= fc.stepDuration && steps < fc.maxCatchUpSteps {
		fc.simulationDebt -= fc.stepDuration
		steps++
		fc.tickCount++
	}

	if steps == fc.maxCatchUpSteps && fc.simulationDebt >= fc.stepDuration {
		// Overload: more debt than the cap allows. Truncate rather than
		// carry unbounded debt into the next frame.
		fc.simulationDebt = fc.stepDuration
		if fc.adaptiveQuality && fc.qualityLevel < MaxQualityLevel {
			fc.qualityLevel++
		}
		fc.lastOverload = now
		alpha = 1.0
	} else {
		fc.maybeRecoverQuality(now)
		alpha = fc.clampedAlpha()
	}

	fc.frameCount++
	return steps, alpha
}

// QualityLevel returns the current adaptive quality signal, 0 (full quality)
// through MaxQualityLevel. Modules consume this to scale down optional work;
// the controller attaches no meaning beyond the ordering.
func (fc *FrameController) QualityLevel() int { return fc.qualityLevel }

// Pause stops debt accrual. Advance keeps re-baselining the clock so that
// wall time spent paused is never converted into simulation steps.
func (fc *FrameController) Pause() { fc.paused = true }

// Resume re-enables debt accrual from the next Advance sample.
func (fc *FrameController) Resume() { fc.paused = false }

// Paused reports whether the controller is currently paused.
func (fc *FrameController) Paused() bool { return fc.paused }

// SimulationDebt returns the wall time owed but not yet simulated.
func (fc *FrameController) SimulationDebt() time.Duration { return fc.simulationDebt }

// Stats returns a snapshot of the controller counters.
func (fc *FrameController) Stats() Stats {
	return Stats{
		TickCount:      fc.tickCount,
		FrameCount:     fc.frameCount,
		QualityLevel:   fc.qualityLevel,
		SimulationDebt: fc.simulationDebt,
		AvgFrameTime:   fc.avgFrameTime(),
	}
}

func (fc *FrameController) clampedAlpha() float64 {
	alpha := float64(fc.simulationDebt) / float64(fc.stepDuration)
	if alpha < 0 {
		return 0
	}
	if alpha > 1 {
		return 1
	}
	return alpha
}

func (fc *FrameController) maybeRecoverQuality(now time.Time) {
	if fc.qualityLevel == 0 {
		return
	}
	if now.Sub(fc.lastOverload) < fc.qualityRecovery {
		return
	}
	fc.qualityLevel--
	// Restart the cooldown so recovery steps down one level per interval.
	fc.lastOverload = now
}

func (fc *FrameController) recordFrameTime(elapsed time.Duration) {
	fc.frameTimes[fc.frameTimeIndex] = elapsed
	fc.frameTimeIndex = (fc.frameTimeIndex + 1) % frameTimeWindow
	if fc.frameTimeCount < frameTimeWindow {
		fc.frameTimeCount++
	}
}

func (fc *FrameController) avgFrameTime() time.Duration {
	if fc.frameTimeCount == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < fc.frameTimeCount; i++ {
		total += fc.frameTimes[i]
	}
	return total / time.Duration(fc.frameTimeCount)
}
