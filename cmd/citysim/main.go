// citysim runs the fixed-timestep city scheduler with a set of demo modules,
// a Prometheus metrics endpoint, a WebSocket telemetry feed, and a periodic
// compressed snapshot recorder.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/signalsfoundry/citysim-core/core"
	"github.com/signalsfoundry/citysim-core/internal/logging"
	"github.com/signalsfoundry/citysim-core/internal/observability"
	"github.com/signalsfoundry/citysim-core/registry"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file; defaults apply when empty")
	metricsAddr := flag.String("metrics-addr", ":9090", "HTTP address for Prometheus /metrics")
	telemetryAddr := flag.String("telemetry-addr", ":8080", "HTTP address for the /stats and /ws telemetry feed")
	snapshotDir := flag.String("snapshot-dir", "", "Directory for compressed world snapshots; disabled when empty")
	snapshotEvery := flag.Duration("snapshot-every", 30*time.Second, "Interval between world snapshots")
	duration := flag.Duration("duration", 0, "Total run time; 0 runs until interrupted")
	seed := flag.Int64("seed", 42, "Seed for the demo modules")
	inspect := flag.String("inspect-snapshot", "", "Print a snapshot file summary and exit")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	if *inspect != "" {
		if err := inspectSnapshot(*inspect); err != nil {
			log.Error(ctx, "snapshot inspect failed", logging.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		log.Error(ctx, "failed to load config", logging.String("error", err.Error()))
		os.Exit(1)
	}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.String("error", err.Error()))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewSimCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.String("error", err.Error()))
		os.Exit(1)
	}
	metricsSrv := serveMetrics(*metricsAddr, collector, log)

	sched, err := core.NewScheduler(cfg,
		core.WithLogger(log),
		core.WithCollector(collector),
	)
	if err != nil {
		log.Error(ctx, "failed to build scheduler", logging.String("error", err.Error()))
		os.Exit(1)
	}

	ww := sched.Writable()
	modules := []struct {
		id       string
		priority int
		m        registry.Module
	}{
		{"population", 10, newPopulationModule(ww, sched.QualityLevel, *seed)},
		{"economy", 20, newEconomyModule(ww, *seed+1)},
		{"utilities", 30, newUtilitiesModule(ww)},
	}
	for _, mod := range modules {
		if err := sched.Register(mod.id, mod.priority, mod.m); err != nil {
			log.Error(ctx, "failed to register module",
				logging.String("module", mod.id),
				logging.String("error", err.Error()))
			os.Exit(1)
		}
	}

	if err := sched.Start(ctx); err != nil {
		log.Error(ctx, "scheduler start failed", logging.String("error", err.Error()))
		os.Exit(1)
	}
	defer sched.Shutdown(context.Background())

	var recorder *Recorder
	if *snapshotDir != "" {
		recorder, err = newRecorder(sched, *snapshotDir, collector, log)
		if err != nil {
			log.Error(ctx, "failed to open snapshot recorder", logging.String("error", err.Error()))
			os.Exit(1)
		}
		defer recorder.Close()
	}

	telemetry := newTelemetryServer(log)
	telemetrySrv := serveTelemetry(*telemetryAddr, telemetry, 500*time.Millisecond, log)

	stopCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(stopCtx, *duration)
		defer cancel()
	}

	componentNames := make([]string, 0, len(cfg.Components))
	for _, c := range cfg.Components {
		componentNames = append(componentNames, c.Name)
	}

	runFrameLoop(stopCtx, frameLoop{
		cfg:            cfg,
		sched:          sched,
		telemetry:      telemetry,
		recorder:       recorder,
		snapshotEvery:  *snapshotEvery,
		componentNames: componentNames,
		log:            log,
	})

	log.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = telemetrySrv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}

type frameLoop struct {
	cfg            core.Config
	sched          *core.Scheduler
	telemetry      *telemetryServer
	recorder       *Recorder
	snapshotEvery  time.Duration
	componentNames []string
	log            logging.Logger
}

func runFrameLoop(ctx context.Context, fl frameLoop) {
	ticker := time.NewTicker(fl.cfg.FramePeriod())
	defer ticker.Stop()

	lastSnapshot := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		res, err := fl.sched.RunFrame(ctx)
		switch {
		case errors.Is(err, registry.ErrModuleTickFailed):
			fl.log.Warn(ctx, "frame completed degraded", logging.String("error", err.Error()))
		case err != nil:
			fl.log.Error(ctx, "frame failed", logging.String("error", err.Error()))
			return
		}

		fl.telemetry.Publish(res, fl.sched.Stats())

		if fl.recorder != nil && res.Swapped && time.Since(lastSnapshot) >= fl.snapshotEvery {
			lastSnapshot = time.Now()
			if _, err := fl.recorder.Capture(ctx, fl.componentNames); err != nil {
				fl.log.Warn(ctx, "snapshot capture failed", logging.String("error", err.Error()))
			}
		}
	}
}

func serveMetrics(addr string, collector *observability.SimCollector, log logging.Logger) *http.Server {
	if collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.String("error", err.Error()))
		}
	}()
	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func inspectSnapshot(path string) error {
	snap, err := readSnapshotFile(path)
	if err != nil {
		return err
	}
	fmt.Printf("snapshot %s: version=%d tick=%d components=%d\n",
		path, snap.Header.Version, snap.Header.Tick, len(snap.Components))
	for _, c := range snap.Components {
		fmt.Printf("  %-16s elements=%-6d bytes=%d\n", c.Name, c.Count, len(c.Data))
	}
	return nil
}
