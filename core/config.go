package core

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/citysim-core/timectrl"
	"github.com/signalsfoundry/citysim-core/world"
)

// Config is the host-facing configuration of a scheduler. It is loaded from
// YAML over defaults, so a partial file only overrides what it names.
type Config struct {
	// TargetSimulationHz is the fixed simulation rate.
	TargetSimulationHz int `yaml:"target_simulation_hz"`
	// TargetFrameHz is the render/frame cadence the host aims for.
	TargetFrameHz int `yaml:"target_frame_hz"`
	// MaxCatchUpSteps bounds how many fixed steps one frame may run.
	MaxCatchUpSteps int `yaml:"max_catch_up_steps"`
	// AdaptiveQuality enables quality degradation under sustained overload.
	AdaptiveQuality bool `yaml:"adaptive_quality"`
	// QualityRecoverySeconds is the overload-free interval required before
	// one quality level is restored.
	QualityRecoverySeconds float64 `yaml:"quality_recovery_seconds"`
	// ElapsedClampMultiple bounds a single observed frame gap to this many
	// step durations before it feeds the debt accumulator.
	ElapsedClampMultiple int `yaml:"elapsed_clamp_multiple"`
	// MaxModules is the registry capacity.
	MaxModules int `yaml:"max_modules"`
	// SlowTickThresholdMs makes dispatch log any single module tick that
	// exceeds this many milliseconds. Zero disables the warning.
	SlowTickThresholdMs int `yaml:"slow_tick_threshold_ms"`
	// Components declares the world state layout.
	Components []ComponentConfig `yaml:"components"`
	// ModuleSettings is passed opaquely to every module's Init.
	ModuleSettings map[string]any `yaml:"module_settings,omitempty"`
}

// ComponentConfig declares one world component buffer.
type ComponentConfig struct {
	Name          string `yaml:"name"`
	ElementStride int    `yaml:"element_stride"`
	Capacity      int    `yaml:"capacity"`
}

// DefaultConfig returns the stock 30 Hz simulation / 60 Hz frame tuning with
// a small city-state layout.
func DefaultConfig() Config {
	return Config{
		TargetSimulationHz:     30,
		TargetFrameHz:          60,
		MaxCatchUpSteps:        5,
		AdaptiveQuality:        true,
		QualityRecoverySeconds: 5,
		ElapsedClampMultiple:   3,
		MaxModules:             32,
		SlowTickThresholdMs:    10,
		Components: []ComponentConfig{
			{Name: "population", ElementStride: 32, Capacity: 4096},
			{Name: "economy", ElementStride: 24, Capacity: 1024},
			{Name: "utilities", ElementStride: 16, Capacity: 2048},
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig. An empty path returns the
// defaults untouched.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the scheduler cannot honour.
func (c Config) Validate() error {
	if c.TargetSimulationHz <= 0 {
		return fmt.Errorf("target_simulation_hz must be > 0, got %d", c.TargetSimulationHz)
	}
	if c.TargetFrameHz <= 0 {
		return fmt.Errorf("target_frame_hz must be > 0, got %d", c.TargetFrameHz)
	}
	if c.MaxCatchUpSteps < 1 {
		return fmt.Errorf("max_catch_up_steps must be >= 1, got %d", c.MaxCatchUpSteps)
	}
	if c.QualityRecoverySeconds <= 0 {
		return fmt.Errorf("quality_recovery_seconds must be > 0, got %g", c.QualityRecoverySeconds)
	}
	if c.ElapsedClampMultiple < 1 {
		return fmt.Errorf("elapsed_clamp_multiple must be >= 1, got %d", c.ElapsedClampMultiple)
	}
	if c.MaxModules < 1 {
		return fmt.Errorf("max_modules must be >= 1, got %d", c.MaxModules)
	}
	if c.SlowTickThresholdMs < 0 {
		return fmt.Errorf("slow_tick_threshold_ms must be >= 0, got %d", c.SlowTickThresholdMs)
	}
	if len(c.Components) == 0 {
		return fmt.Errorf("components must not be empty")
	}
	seen := map[string]bool{}
	for i, comp := range c.Components {
		if strings.TrimSpace(comp.Name) == "" {
			return fmt.Errorf("components[%d]: name must not be empty", i)
		}
		if seen[comp.Name] {
			return fmt.Errorf("duplicate component name: %s", comp.Name)
		}
		seen[comp.Name] = true
		if comp.ElementStride <= 0 {
			return fmt.Errorf("component %s: element_stride must be > 0, got %d", comp.Name, comp.ElementStride)
		}
		if comp.Capacity <= 0 {
			return fmt.Errorf("component %s: capacity must be > 0, got %d", comp.Name, comp.Capacity)
		}
	}
	return nil
}

// QualityRecovery returns the recovery interval as a duration.
func (c Config) QualityRecovery() time.Duration {
	return time.Duration(c.QualityRecoverySeconds * float64(time.Second))
}

// SlowTickThreshold returns the slow-tick warning threshold as a duration.
func (c Config) SlowTickThreshold() time.Duration {
	return time.Duration(c.SlowTickThresholdMs) * time.Millisecond
}

// StepDuration returns the fixed step the configured simulation rate implies.
func (c Config) StepDuration() time.Duration {
	return time.Second / time.Duration(c.TargetSimulationHz)
}

// FramePeriod returns the frame interval the configured frame rate implies.
func (c Config) FramePeriod() time.Duration {
	return time.Second / time.Duration(c.TargetFrameHz)
}

func (c Config) timeConfig(clock timectrl.Clock) timectrl.Config {
	return timectrl.Config{
		TargetSimulationHz:   c.TargetSimulationHz,
		TargetFrameHz:        c.TargetFrameHz,
		MaxCatchUpSteps:      c.MaxCatchUpSteps,
		AdaptiveQuality:      c.AdaptiveQuality,
		QualityRecovery:      c.QualityRecovery(),
		ElapsedClampMultiple: c.ElapsedClampMultiple,
		Clock:                clock,
	}
}

func (c Config) componentSpecs() []world.ComponentSpec {
	specs := make([]world.ComponentSpec, 0, len(c.Components))
	for _, comp := range c.Components {
		specs = append(specs, world.ComponentSpec{
			Name:          comp.Name,
			ElementStride: comp.ElementStride,
			Capacity:      comp.Capacity,
		})
	}
	return specs
}
