package main

import (
	"context"
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/signalsfoundry/citysim-core/registry"
	"github.com/signalsfoundry/citysim-core/world"
)

// Demo city modules. Each one owns a component buffer and writes it through
// the scheduler's writable world view, marking exactly the elements it
// touches so swaps stay cheap.
//
// Element layouts (little-endian uint64 fields):
//
//	population, stride 32: residents, births, deaths, happiness_milli
//	economy, stride 24: treasury_milli, jobs, tax_income_milli
//	utilities, stride 16: demand, supply

const (
	populationStride = 32
	economyStride    = 24
	utilitiesStride  = 16
)

type populationModule struct {
	ww        *world.WritableWorld
	quality   func() int
	rng       *rand.Rand
	districts int
}

func newPopulationModule(ww *world.WritableWorld, quality func() int, seed int64) *populationModule {
	return &populationModule{
		ww:      ww,
		quality: quality,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

func (m *populationModule) Init(ctx context.Context, cfg registry.ModuleConfig) error {
	m.districts = intSetting(cfg, "population", "districts", 16)
	capacity, err := m.ww.Capacity("population")
	if err != nil {
		return err
	}
	if m.districts > capacity {
		m.districts = capacity
	}

	buf, err := m.ww.Component("population")
	if err != nil {
		return err
	}
	for i := 0; i < m.districts; i++ {
		off := i * populationStride
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(500+m.rng.Intn(2000))) // residents
		binary.LittleEndian.PutUint64(buf[off+24:off+32], 750)                      // happiness_milli
	}
	if err := m.ww.SetElementCount("population", m.districts); err != nil {
		return err
	}
	return m.ww.MarkDirty("population", 0, m.districts)
}

func (m *populationModule) Tick(ctx context.Context, step time.Duration) error {
	buf, err := m.ww.Component("population")
	if err != nil {
		return err
	}

	// Under degraded quality only a slice of districts updates per tick; the
	// rest keep last tick's values and are never re-copied.
	update := m.districts >> m.quality()
	if update < 1 {
		update = 1
	}
	for i := 0; i < update; i++ {
		off := i * populationStride
		residents := binary.LittleEndian.Uint64(buf[off : off+8])
		births := uint64(0)
		deaths := uint64(0)
		if residents > 0 {
			births = 1 + uint64(m.rng.Int63n(int64(residents/100+1)))
			deaths = uint64(m.rng.Int63n(int64(residents/150 + 1)))
		}
		residents += births
		if deaths > residents {
			deaths = residents
		}
		residents -= deaths

		happiness := int64(binary.LittleEndian.Uint64(buf[off+24 : off+32]))
		happiness += m.rng.Int63n(21) - 10 // drift
		if happiness < 0 {
			happiness = 0
		}
		if happiness > 1000 {
			happiness = 1000
		}

		binary.LittleEndian.PutUint64(buf[off:off+8], residents)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], births)
		binary.LittleEndian.PutUint64(buf[off+16:off+24], deaths)
		binary.LittleEndian.PutUint64(buf[off+24:off+32], uint64(happiness))
	}
	return m.ww.MarkDirty("population", 0, update)
}

func (m *populationModule) Cleanup(ctx context.Context) error { return nil }

type economyModule struct {
	ww      *world.WritableWorld
	rng     *rand.Rand
	taxRate float64
	zones   int
}

func newEconomyModule(ww *world.WritableWorld, seed int64) *economyModule {
	return &economyModule{ww: ww, rng: rand.New(rand.NewSource(seed))}
}

func (m *economyModule) Init(ctx context.Context, cfg registry.ModuleConfig) error {
	m.taxRate = floatSetting(cfg, "economy", "tax_rate", 0.05)
	m.zones = intSetting(cfg, "economy", "zones", 8)
	capacity, err := m.ww.Capacity("economy")
	if err != nil {
		return err
	}
	if m.zones > capacity {
		m.zones = capacity
	}
	if err := m.ww.SetElementCount("economy", m.zones); err != nil {
		return err
	}
	return m.ww.MarkDirty("economy", 0, m.zones)
}

func (m *economyModule) Tick(ctx context.Context, step time.Duration) error {
	econ, err := m.ww.Component("economy")
	if err != nil {
		return err
	}
	// The population module runs earlier in the same step, so its writable
	// buffer already holds this tick's resident counts.
	pop, err := m.ww.Component("population")
	if err != nil {
		return err
	}
	popCount, err := m.ww.ElementCount("population")
	if err != nil {
		return err
	}

	var residents uint64
	for i := 0; i < popCount; i++ {
		residents += binary.LittleEndian.Uint64(pop[i*populationStride : i*populationStride+8])
	}

	for i := 0; i < m.zones; i++ {
		off := i * economyStride
		treasury := binary.LittleEndian.Uint64(econ[off : off+8])
		jobs := residents / uint64(m.zones*2)
		income := uint64(float64(jobs) * m.taxRate * 1000)
		upkeep := uint64(200 + m.rng.Intn(400))
		treasury += income
		if upkeep > treasury {
			treasury = 0
		} else {
			treasury -= upkeep
		}
		binary.LittleEndian.PutUint64(econ[off:off+8], treasury)
		binary.LittleEndian.PutUint64(econ[off+8:off+16], jobs)
		binary.LittleEndian.PutUint64(econ[off+16:off+24], income)
	}
	return m.ww.MarkDirty("economy", 0, m.zones)
}

func (m *economyModule) Cleanup(ctx context.Context) error { return nil }

type utilitiesModule struct {
	ww    *world.WritableWorld
	grids int
}

func newUtilitiesModule(ww *world.WritableWorld) *utilitiesModule {
	return &utilitiesModule{ww: ww}
}

func (m *utilitiesModule) Init(ctx context.Context, cfg registry.ModuleConfig) error {
	m.grids = intSetting(cfg, "utilities", "grids", 4)
	capacity, err := m.ww.Capacity("utilities")
	if err != nil {
		return err
	}
	if m.grids > capacity {
		m.grids = capacity
	}
	if err := m.ww.SetElementCount("utilities", m.grids); err != nil {
		return err
	}
	return m.ww.MarkDirty("utilities", 0, m.grids)
}

func (m *utilitiesModule) Tick(ctx context.Context, step time.Duration) error {
	util, err := m.ww.Component("utilities")
	if err != nil {
		return err
	}
	pop, err := m.ww.Component("population")
	if err != nil {
		return err
	}
	popCount, err := m.ww.ElementCount("population")
	if err != nil {
		return err
	}

	var residents uint64
	for i := 0; i < popCount; i++ {
		residents += binary.LittleEndian.Uint64(pop[i*populationStride : i*populationStride+8])
	}

	for i := 0; i < m.grids; i++ {
		off := i * utilitiesStride
		demand := residents / uint64(m.grids)
		supply := demand + demand/10 // 10% headroom
		binary.LittleEndian.PutUint64(util[off:off+8], demand)
		binary.LittleEndian.PutUint64(util[off+8:off+16], supply)
	}
	return m.ww.MarkDirty("utilities", 0, m.grids)
}

func (m *utilitiesModule) Cleanup(ctx context.Context) error { return nil }

// intSetting digs module_settings.<module>.<key> out of the opaque config.
func intSetting(cfg registry.ModuleConfig, module, key string, def int) int {
	section, ok := cfg[module].(map[string]any)
	if !ok {
		return def
	}
	switch v := section[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

func floatSetting(cfg registry.ModuleConfig, module, key string, def float64) float64 {
	section, ok := cfg[module].(map[string]any)
	if !ok {
		return def
	}
	switch v := section[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}
