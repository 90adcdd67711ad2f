package timectrl

import (
	"errors"
	"math"
	"testing"
	"time"
)

func newTestController(t *testing.T, cfg Config) (*FrameController, *ManualClock) {
	t.Helper()
	clock := NewManualClock(time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC))
	cfg.Clock = clock
	fc, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fc, clock
}

func TestNewRejectsInvalidRates(t *testing.T) {
	cases := []Config{
		{TargetSimulationHz: 0, TargetFrameHz: 60},
		{TargetSimulationHz: -30, TargetFrameHz: 60},
		{TargetSimulationHz: 30, TargetFrameHz: 0},
		{TargetSimulationHz: 30, TargetFrameHz: 60, MaxCatchUpSteps: -1},
		{TargetSimulationHz: 30, TargetFrameHz: 60, ElapsedClampMultiple: -2},
		{TargetSimulationHz: 30, TargetFrameHz: 60, QualityRecovery: -time.Second},
	}
	for i, cfg := range cases {
		if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("case %d: New = %v, want ErrInvalidConfig", i, err)
		}
	}
}

func TestStepDurationAt30Hz(t *testing.T) {
	fc, _ := newTestController(t, Config{TargetSimulationHz: 30, TargetFrameHz: 60})
	if got := fc.StepDuration(); got != 33333333*time.Nanosecond {
		t.Fatalf("StepDuration = %v, want 33333333ns", got)
	}
}

func TestAdvanceConcreteScenario(t *testing.T) {
	fc, clock := newTestController(t, Config{TargetSimulationHz: 30, TargetFrameHz: 60})

	clock.Advance(50 * time.Millisecond)
	steps, alpha := fc.Advance()

	if steps != 1 {
		t.Fatalf("steps = %d, want 1", steps)
	}
	if got := fc.SimulationDebt(); got != 16666667*time.Nanosecond {
		t.Fatalf("debt = %v, want 16666667ns", got)
	}
	if math.Abs(alpha-0.5) > 0.001 {
		t.Fatalf("alpha = %v, want ~0.5", alpha)
	}
}

func TestDebtInvariantOverNormalSequence(t *testing.T) {
	fc, clock := newTestController(t, Config{TargetSimulationHz: 30, TargetFrameHz: 60})

	elapsed := []time.Duration{
		16 * time.Millisecond,
		17 * time.Millisecond,
		33 * time.Millisecond,
		1 * time.Millisecond,
		48 * time.Millisecond,
		16 * time.Millisecond,
		0,
		70 * time.Millisecond,
	}
	for i, d := range elapsed {
		clock.Advance(d)
		fc.Advance()
		debt := fc.SimulationDebt()
		if debt < 0 || debt >= fc.StepDuration() {
			t.Fatalf("call %d: debt %v outside [0, %v)", i, debt, fc.StepDuration())
		}
	}
}

func TestCatchUpCap(t *testing.T) {
	fc, clock := newTestController(t, Config{
		TargetSimulationHz:   30,
		TargetFrameHz:        60,
		MaxCatchUpSteps:      5,
		ElapsedClampMultiple: 1000,
	})

	clock.Advance(10 * time.Second)
	steps, _ := fc.Advance()
	if steps > 5 {
		t.Fatalf("steps = %d, want <= 5", steps)
	}
}

func TestAlphaAlwaysInBounds(t *testing.T) {
	fc, clock := newTestController(t, Config{TargetSimulationHz: 30, TargetFrameHz: 60, AdaptiveQuality: true})

	for _, d := range []time.Duration{0, time.Millisecond, 33 * time.Millisecond, 200 * time.Millisecond, 5 * time.Second} {
		clock.Advance(d)
		_, alpha := fc.Advance()
		if alpha < 0 || alpha > 1 {
			t.Fatalf("elapsed %v: alpha = %v outside [0,1]", d, alpha)
		}
	}
}

func TestOverloadTruncatesDebtAndDegradesQuality(t *testing.T) {
	fc, clock := newTestController(t, Config{
		TargetSimulationHz:   30,
		TargetFrameHz:        60,
		MaxCatchUpSteps:      5,
		AdaptiveQuality:      true,
		ElapsedClampMultiple: 16, // keep a 500ms stall visible to the step loop
	})

	clock.Advance(500 * time.Millisecond)
	steps, alpha := fc.Advance()

	if steps != 5 {
		t.Fatalf("steps = %d, want 5", steps)
	}
	if alpha != 1.0 {
		t.Fatalf("alpha = %v, want 1.0", alpha)
	}
	if got := fc.QualityLevel(); got != 1 {
		t.Fatalf("quality = %d, want 1", got)
	}
	if got := fc.SimulationDebt(); got != fc.StepDuration() {
		t.Fatalf("debt = %v, want exactly one step (%v)", got, fc.StepDuration())
	}
}

func TestQualityLevelCapped(t *testing.T) {
	fc, clock := newTestController(t, Config{
		TargetSimulationHz:   30,
		TargetFrameHz:        60,
		AdaptiveQuality:      true,
		ElapsedClampMultiple: 100,
	})

	for i := 0; i < 10; i++ {
		clock.Advance(2 * time.Second)
		fc.Advance()
	}
	if got := fc.QualityLevel(); got != MaxQualityLevel {
		t.Fatalf("quality = %d, want %d", got, MaxQualityLevel)
	}
}

func TestQualityRecoversAfterCooldown(t *testing.T) {
	fc, clock := newTestController(t, Config{
		TargetSimulationHz:   30,
		TargetFrameHz:        60,
		AdaptiveQuality:      true,
		QualityRecovery:      200 * time.Millisecond,
		ElapsedClampMultiple: 100,
	})

	clock.Advance(2 * time.Second)
	fc.Advance()
	clock.Advance(2 * time.Second)
	fc.Advance()
	if got := fc.QualityLevel(); got != 2 {
		t.Fatalf("quality after overloads = %d, want 2", got)
	}

	// Healthy frames past one cooldown decay one level, past two decay both.
	for i := 0; i < 30; i++ {
		clock.Advance(16 * time.Millisecond)
		fc.Advance()
	}
	if got := fc.QualityLevel(); got != 0 {
		t.Fatalf("quality after recovery = %d, want 0", got)
	}
}

func TestOverloadWithAdaptiveQualityDisabled(t *testing.T) {
	fc, clock := newTestController(t, Config{
		TargetSimulationHz:   30,
		TargetFrameHz:        60,
		AdaptiveQuality:      false,
		ElapsedClampMultiple: 100,
	})

	clock.Advance(2 * time.Second)
	_, alpha := fc.Advance()
	if alpha != 1.0 {
		t.Fatalf("alpha = %v, want 1.0", alpha)
	}
	if got := fc.QualityLevel(); got != 0 {
		t.Fatalf("quality = %d, want 0 with adaptive quality disabled", got)
	}
	if got := fc.SimulationDebt(); got != fc.StepDuration() {
		t.Fatalf("debt = %v, want truncation to one step", got)
	}
}

func TestPauseStopsDebtAccrual(t *testing.T) {
	fc, clock := newTestController(t, Config{TargetSimulationHz: 30, TargetFrameHz: 60})

	fc.Pause()
	clock.Advance(10 * time.Second)
	steps, _ := fc.Advance()
	if steps != 0 {
		t.Fatalf("steps while paused = %d, want 0", steps)
	}
	if got := fc.SimulationDebt(); got != 0 {
		t.Fatalf("debt while paused = %v, want 0", got)
	}

	fc.Resume()
	clock.Advance(40 * time.Millisecond)
	steps, _ = fc.Advance()
	if steps != 1 {
		t.Fatalf("steps after resume = %d, want 1", steps)
	}
}

func TestStatsCounters(t *testing.T) {
	fc, clock := newTestController(t, Config{TargetSimulationHz: 30, TargetFrameHz: 60})

	for i := 0; i < 4; i++ {
		clock.Advance(33334 * time.Microsecond)
		fc.Advance()
	}
	stats := fc.Stats()
	if stats.FrameCount != 4 {
		t.Fatalf("FrameCount = %d, want 4", stats.FrameCount)
	}
	if stats.TickCount != 4 {
		t.Fatalf("TickCount = %d, want 4", stats.TickCount)
	}
	if stats.AvgFrameTime == 0 {
		t.Fatalf("AvgFrameTime = 0, want > 0")
	}
}

func TestManualClock(t *testing.T) {
	start := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)
	clock.Advance(time.Second)
	if got := clock.Now(); !got.Equal(start.Add(time.Second)) {
		t.Fatalf("Now = %v, want %v", got, start.Add(time.Second))
	}
	clock.Set(start)
	if got := clock.Now(); !got.Equal(start) {
		t.Fatalf("Now = %v, want %v", got, start)
	}
}
