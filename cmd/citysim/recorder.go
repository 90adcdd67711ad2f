package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/signalsfoundry/citysim-core/core"
	"github.com/signalsfoundry/citysim-core/internal/logging"
	"github.com/signalsfoundry/citysim-core/internal/observability"
)

// snapshotHeader is the uncompressed-readable first line of a snapshot file.
type snapshotHeader struct {
	Version int    `json:"version"`
	Tick    uint64 `json:"tick"`
}

type componentSnapshot struct {
	Name  string
	Count int
	Data  []byte
}

type worldSnapshot struct {
	Header     snapshotHeader
	Components []componentSnapshot
}

// Recorder captures published world snapshots through read leases and writes
// them as zstd-compressed files, indexed in a SQLite database. A denied
// lease just skips the capture; the next interval tries again.
type Recorder struct {
	sched     *core.Scheduler
	dir       string
	idx       *snapshotIndex
	collector *observability.SimCollector
	log       logging.Logger
}

func newRecorder(sched *core.Scheduler, dir string, collector *observability.SimCollector, log logging.Logger) (*Recorder, error) {
	idx, err := openSnapshotIndex(filepath.Join(dir, "snapshots.db"))
	if err != nil {
		return nil, err
	}
	return &Recorder{
		sched:     sched,
		dir:       dir,
		idx:       idx,
		collector: collector,
		log:       log,
	}, nil
}

// Capture leases the current snapshot and persists it. Returns the written
// path, or "" when the lease was denied by an in-flight swap.
func (r *Recorder) Capture(ctx context.Context, components []string) (string, error) {
	lease, err := r.sched.AcquireReadLease()
	if err != nil {
		r.log.Debug(ctx, "snapshot capture skipped", logging.String("reason", err.Error()))
		return "", nil
	}

	snap := worldSnapshot{Header: snapshotHeader{Version: 1, Tick: lease.Tick()}}
	for _, name := range components {
		view, err := lease.Component(name)
		if err != nil {
			_ = lease.Release()
			return "", err
		}
		count, err := lease.ElementCount(name)
		if err != nil {
			_ = lease.Release()
			return "", err
		}
		data := make([]byte, len(view))
		copy(data, view)
		snap.Components = append(snap.Components, componentSnapshot{
			Name:  name,
			Count: count,
			Data:  data,
		})
	}
	// Copy done; hand the slot back before touching the filesystem.
	if err := lease.Release(); err != nil {
		return "", err
	}

	path := filepath.Join(r.dir, fmt.Sprintf("snap_%012d.bin.zst", snap.Header.Tick))
	if err := writeSnapshotFile(path, snap); err != nil {
		return "", err
	}

	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if r.collector != nil {
		r.collector.AddSnapshotBytes(int(fi.Size()))
	}
	if err := r.idx.record(snap.Header.Tick, path, fi.Size(), len(snap.Components)); err != nil {
		r.log.Warn(ctx, "snapshot index write failed",
			logging.String("path", path),
			logging.String("error", err.Error()))
	}

	r.log.Info(ctx, "snapshot written",
		logging.Uint64("tick", snap.Header.Tick),
		logging.String("path", path),
		logging.Int64("bytes", fi.Size()))
	return path, nil
}

// Close flushes and closes the index.
func (r *Recorder) Close() error { return r.idx.close() }

func writeSnapshotFile(path string, snap worldSnapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func readSnapshotFile(path string) (worldSnapshot, error) {
	var snap worldSnapshot
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	// Header line; gob carries it too.
	_, _ = br.ReadBytes('\n')
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}

// snapshotIndex is a small SQLite catalogue of written snapshot files.
type snapshotIndex struct {
	db *sql.DB
}

func openSnapshotIndex(path string) (*snapshotIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	schema := `CREATE TABLE IF NOT EXISTS snapshots (
		tick INTEGER PRIMARY KEY,
		path TEXT NOT NULL,
		bytes INTEGER NOT NULL,
		components INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &snapshotIndex{db: db}, nil
}

func (s *snapshotIndex) record(tick uint64, path string, bytes int64, components int) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO snapshots (tick, path, bytes, components, created_at) VALUES (?, ?, ?, ?, ?)`,
		int64(tick), path, bytes, components, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *snapshotIndex) close() error { return s.db.Close() }
