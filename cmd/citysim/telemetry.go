package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/citysim-core/core"
	"github.com/signalsfoundry/citysim-core/internal/logging"
)

// frameTelemetry is the JSON document pushed to observers after frames.
type frameTelemetry struct {
	Tick           uint64  `json:"tick"`
	StepsRun       int     `json:"steps_run"`
	Alpha          float64 `json:"alpha"`
	QualityLevel   int     `json:"quality_level"`
	FrameMillis    float64 `json:"frame_millis"`
	AvgFrameMillis float64 `json:"avg_frame_millis"`
	SimulationDebt int64   `json:"simulation_debt_ns"`
	TotalSwaps     uint64  `json:"total_swaps"`
	SwapHz         float64 `json:"swap_hz"`
	ActiveReaders  int64   `json:"active_readers"`

	Modules []moduleTelemetry `json:"modules"`
}

type moduleTelemetry struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Invocations uint64 `json:"invocations"`
	Errors      uint64 `json:"errors"`
	AvgTickUs   int64  `json:"avg_tick_us"`
	PeakTickUs  int64  `json:"peak_tick_us"`
}

// telemetryServer streams scheduler heartbeat stats over WebSocket and
// serves the latest sample as plain JSON. The simulation thread publishes
// samples; observer connections only ever read the latest one, so a slow
// client can never back-pressure the frame loop.
type telemetryServer struct {
	log      logging.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	latest *frameTelemetry
}

func newTelemetryServer(log logging.Logger) *telemetryServer {
	return &telemetryServer{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Publish stores the latest frame sample. Called from the frame loop.
func (t *telemetryServer) Publish(res core.FrameResult, stats core.Stats) {
	sample := &frameTelemetry{
		Tick:           res.Tick,
		StepsRun:       res.StepsRun,
		Alpha:          res.Alpha,
		QualityLevel:   res.QualityLevel,
		FrameMillis:    float64(res.Duration.Microseconds()) / 1000,
		AvgFrameMillis: float64(stats.Frame.AvgFrameTime.Microseconds()) / 1000,
		SimulationDebt: int64(stats.Frame.SimulationDebt),
		TotalSwaps:     stats.World.TotalSwaps,
		SwapHz:         stats.World.SwapFrequencyHz,
		ActiveReaders:  stats.World.ActiveReaders,
	}
	for _, ms := range stats.Modules {
		sample.Modules = append(sample.Modules, moduleTelemetry{
			ID:          ms.ID,
			Status:      ms.Status.String(),
			Invocations: ms.Invocations,
			Errors:      ms.Errors,
			AvgTickUs:   ms.AvgTickTime.Microseconds(),
			PeakTickUs:  ms.PeakTickTime.Microseconds(),
		})
	}

	t.mu.Lock()
	t.latest = sample
	t.mu.Unlock()
}

func (t *telemetryServer) snapshot() *frameTelemetry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest
}

// StatsHandler serves the latest sample as a one-shot JSON document.
func (t *telemetryServer) StatsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		sample := t.snapshot()
		if sample == nil {
			http.Error(rw, "no frames yet", http.StatusServiceUnavailable)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(sample)
	}
}

// WSHandler upgrades the connection and pushes the latest sample every
// interval until the client goes away.
func (t *telemetryServer) WSHandler(interval time.Duration) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := t.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Drain client frames so pings and close messages are processed.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			sample := t.snapshot()
			if sample == nil {
				continue
			}
			b, err := json.Marshal(sample)
			if err != nil {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}

func serveTelemetry(addr string, t *telemetryServer, interval time.Duration, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/stats", t.StatsHandler())
	mux.Handle("/ws", t.WSHandler(interval))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "telemetry server exited", logging.String("error", err.Error()))
		}
	}()
	log.Info(context.Background(), "serving telemetry", logging.String("addr", addr))
	return srv
}
