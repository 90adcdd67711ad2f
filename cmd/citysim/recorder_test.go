package main

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalsfoundry/citysim-core/core"
	"github.com/signalsfoundry/citysim-core/internal/logging"
	"github.com/signalsfoundry/citysim-core/timectrl"
)

func demoConfig() core.Config {
	cfg := core.DefaultConfig()
	cfg.Components = []core.ComponentConfig{
		{Name: "population", ElementStride: populationStride, Capacity: 64},
		{Name: "economy", ElementStride: economyStride, Capacity: 16},
		{Name: "utilities", ElementStride: utilitiesStride, Capacity: 8},
	}
	return cfg
}

func startDemoScheduler(t *testing.T) (*core.Scheduler, *timectrl.ManualClock) {
	t.Helper()
	clock := timectrl.NewManualClock(time.Unix(5000, 0))
	sched, err := core.NewScheduler(demoConfig(), core.WithClock(clock))
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	ww := sched.Writable()
	if err := sched.Register("population", 10, newPopulationModule(ww, sched.QualityLevel, 1)); err != nil {
		t.Fatalf("Register population: %v", err)
	}
	if err := sched.Register("economy", 20, newEconomyModule(ww, 2)); err != nil {
		t.Fatalf("Register economy: %v", err)
	}
	if err := sched.Register("utilities", 30, newUtilitiesModule(ww)); err != nil {
		t.Fatalf("Register utilities: %v", err)
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { sched.Shutdown(context.Background()) })
	return sched, clock
}

func TestRecorderCaptureRoundTrip(t *testing.T) {
	sched, clock := startDemoScheduler(t)

	clock.Advance(40 * time.Millisecond)
	res, err := sched.RunFrame(context.Background())
	if err != nil {
		t.Fatalf("RunFrame: %v", err)
	}
	if !res.Swapped {
		t.Fatal("expected a published snapshot")
	}

	dir := t.TempDir()
	rec, err := newRecorder(sched, dir, nil, logging.Noop())
	if err != nil {
		t.Fatalf("newRecorder: %v", err)
	}
	defer rec.Close()

	path, err := rec.Capture(context.Background(), []string{"population", "economy", "utilities"})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if path == "" {
		t.Fatal("Capture returned empty path; lease should not be denied")
	}

	snap, err := readSnapshotFile(path)
	if err != nil {
		t.Fatalf("readSnapshotFile: %v", err)
	}
	if snap.Header.Tick != res.Tick {
		t.Fatalf("snapshot tick = %d, want %d", snap.Header.Tick, res.Tick)
	}
	if len(snap.Components) != 3 {
		t.Fatalf("components = %d, want 3", len(snap.Components))
	}
	for _, c := range snap.Components {
		if c.Count == 0 {
			t.Fatalf("component %s: count 0, want populated", c.Name)
		}
		if len(c.Data) == 0 {
			t.Fatalf("component %s: empty data", c.Name)
		}
	}

	// The index catalogued the file.
	db, err := sql.Open("sqlite", filepath.Join(dir, "snapshots.db"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	defer db.Close()
	var gotPath string
	var bytes int64
	row := db.QueryRow(`SELECT path, bytes FROM snapshots WHERE tick = ?`, int64(res.Tick))
	if err := row.Scan(&gotPath, &bytes); err != nil {
		t.Fatalf("index row: %v", err)
	}
	if gotPath != path {
		t.Fatalf("index path = %s, want %s", gotPath, path)
	}
	if bytes <= 0 {
		t.Fatalf("index bytes = %d, want > 0", bytes)
	}
}

func TestModulesAdvanceCityState(t *testing.T) {
	sched, clock := startDemoScheduler(t)

	for i := 0; i < 10; i++ {
		clock.Advance(40 * time.Millisecond)
		if _, err := sched.RunFrame(context.Background()); err != nil {
			t.Fatalf("RunFrame %d: %v", i, err)
		}
	}

	lease, err := sched.AcquireReadLease()
	if err != nil {
		t.Fatalf("AcquireReadLease: %v", err)
	}
	defer lease.Release()

	popCount, err := lease.ElementCount("population")
	if err != nil {
		t.Fatalf("ElementCount: %v", err)
	}
	if popCount != 16 {
		t.Fatalf("population districts = %d, want 16", popCount)
	}
	econ, err := lease.Component("economy")
	if err != nil {
		t.Fatalf("economy view: %v", err)
	}
	if len(econ) != 8*economyStride {
		t.Fatalf("economy view = %d bytes, want %d", len(econ), 8*economyStride)
	}

	if err := sched.ValidateCoherency(); err != nil {
		t.Fatalf("ValidateCoherency after demo frames: %v", err)
	}
}

func TestTelemetryPublishSnapshot(t *testing.T) {
	sched, clock := startDemoScheduler(t)
	clock.Advance(40 * time.Millisecond)
	res, err := sched.RunFrame(context.Background())
	if err != nil {
		t.Fatalf("RunFrame: %v", err)
	}

	ts := newTelemetryServer(logging.Noop())
	if ts.snapshot() != nil {
		t.Fatal("fresh server should have no sample")
	}
	ts.Publish(res, sched.Stats())

	sample := ts.snapshot()
	if sample == nil {
		t.Fatal("sample missing after Publish")
	}
	if sample.Tick != res.Tick {
		t.Fatalf("sample tick = %d, want %d", sample.Tick, res.Tick)
	}
	if len(sample.Modules) != 3 {
		t.Fatalf("sample modules = %d, want 3", len(sample.Modules))
	}
}
