package registry

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeModule struct {
	initCalls    int
	tickCalls    int
	cleanupCalls int

	initErr error
	tickErr error

	onTick func()
}

func (f *fakeModule) Init(ctx context.Context, cfg ModuleConfig) error {
	f.initCalls++
	return f.initErr
}

func (f *fakeModule) Tick(ctx context.Context, step time.Duration) error {
	f.tickCalls++
	if f.onTick != nil {
		f.onTick()
	}
	return f.tickErr
}

func (f *fakeModule) Cleanup(ctx context.Context) error {
	f.cleanupCalls++
	return nil
}

func TestRegisterDuplicate(t *testing.T) {
	r := New(4)
	if err := r.Register("economy", 10, &fakeModule{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("economy", 20, &fakeModule{}); !errors.Is(err, ErrDuplicateModule) {
		t.Fatalf("Register duplicate = %v, want ErrDuplicateModule", err)
	}
}

func TestRegisterFull(t *testing.T) {
	r := New(2)
	if err := r.Register("a", 1, &fakeModule{}); err != nil {
		t.Fatalf("Register a: %v", err)
	}
	if err := r.Register("b", 2, &fakeModule{}); err != nil {
		t.Fatalf("Register b: %v", err)
	}
	if err := r.Register("c", 3, &fakeModule{}); !errors.Is(err, ErrRegistryFull) {
		t.Fatalf("Register over capacity = %v, want ErrRegistryFull", err)
	}
}

func TestDispatchOrderByPriorityStable(t *testing.T) {
	r := New(8)
	// Same priority keeps registration order; lower priority runs first.
	for _, reg := range []struct {
		id       string
		priority int
	}{
		{"weather", 30},
		{"economy", 10},
		{"zoning", 10},
		{"population", 20},
	} {
		if err := r.Register(reg.id, reg.priority, &fakeModule{}); err != nil {
			t.Fatalf("Register %s: %v", reg.id, err)
		}
	}

	got := r.ModuleIDs()
	want := []string{"economy", "zoning", "population", "weather"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", got, want)
		}
	}
}

func TestInitAllRollbackOnFailure(t *testing.T) {
	r := New(4)
	a := &fakeModule{}
	b := &fakeModule{initErr: errors.New("no database")}
	c := &fakeModule{}
	if err := r.Register("a", 1, a); err != nil {
		t.Fatalf("Register a: %v", err)
	}
	if err := r.Register("b", 2, b); err != nil {
		t.Fatalf("Register b: %v", err)
	}
	if err := r.Register("c", 3, c); err != nil {
		t.Fatalf("Register c: %v", err)
	}

	err := r.InitAll(context.Background(), nil)
	if !errors.Is(err, ErrModuleInitFailed) {
		t.Fatalf("InitAll = %v, want ErrModuleInitFailed", err)
	}
	if a.cleanupCalls != 1 {
		t.Fatalf("a cleanup calls = %d, want 1 (rollback)", a.cleanupCalls)
	}
	if c.initCalls != 0 {
		t.Fatalf("c init calls = %d, want 0 (startup aborted)", c.initCalls)
	}

	stats, serr := r.Stats("b")
	if serr != nil {
		t.Fatalf("Stats(b): %v", serr)
	}
	if stats.Status != StatusError {
		t.Fatalf("b status = %s, want error", stats.Status)
	}
	astats, _ := r.Stats("a")
	if astats.Status != StatusUninitialized {
		t.Fatalf("a status = %s, want uninitialized after rollback", astats.Status)
	}
}

func TestTickAllIsolatesFailingModule(t *testing.T) {
	r := New(8)
	mods := make([]*fakeModule, 5)
	for i := range mods {
		mods[i] = &fakeModule{}
	}
	mods[2].tickErr = errors.New("utilities graph corrupt")

	ids := []string{"m1", "m2", "m3", "m4", "m5"}
	for i, id := range ids {
		if err := r.Register(id, i, mods[i]); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}
	if err := r.InitAll(context.Background(), nil); err != nil {
		t.Fatalf("InitAll: %v", err)
	}

	step := 33 * time.Millisecond
	err := r.TickAll(context.Background(), step)
	if !errors.Is(err, ErrModuleTickFailed) {
		t.Fatalf("first TickAll = %v, want ErrModuleTickFailed", err)
	}

	// Subsequent steps keep dispatching the healthy modules and skip m3.
	for i := 0; i < 3; i++ {
		if err := r.TickAll(context.Background(), step); err != nil {
			t.Fatalf("TickAll after isolation: %v", err)
		}
	}

	for i, m := range mods {
		want := 4
		if i == 2 {
			want = 1
		}
		if m.tickCalls != want {
			t.Fatalf("module %d tick calls = %d, want %d", i+1, m.tickCalls, want)
		}
	}

	stats, _ := r.Stats("m3")
	if stats.Status != StatusError {
		t.Fatalf("m3 status = %s, want error", stats.Status)
	}
	if stats.Errors != 1 {
		t.Fatalf("m3 errors = %d, want 1", stats.Errors)
	}
}

func TestReactivate(t *testing.T) {
	r := New(2)
	m := &fakeModule{tickErr: errors.New("flaky")}
	if err := r.Register("flaky", 1, m); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.InitAll(context.Background(), nil); err != nil {
		t.Fatalf("InitAll: %v", err)
	}
	_ = r.TickAll(context.Background(), time.Millisecond)

	m.tickErr = nil
	if err := r.Reactivate("flaky"); err != nil {
		t.Fatalf("Reactivate: %v", err)
	}
	if err := r.TickAll(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("TickAll after reactivate: %v", err)
	}
	if m.tickCalls != 2 {
		t.Fatalf("tick calls = %d, want 2", m.tickCalls)
	}

	if err := r.Reactivate("missing"); !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("Reactivate unknown = %v, want ErrUnknownModule", err)
	}
}

func TestDisabledModuleSkipsInitAndTick(t *testing.T) {
	r := New(2)
	m := &fakeModule{}
	if err := r.Register("optional", 1, m); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Disable("optional"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if err := r.InitAll(context.Background(), nil); err != nil {
		t.Fatalf("InitAll: %v", err)
	}
	_ = r.TickAll(context.Background(), time.Millisecond)
	if m.initCalls != 0 || m.tickCalls != 0 {
		t.Fatalf("disabled module was dispatched: init=%d tick=%d", m.initCalls, m.tickCalls)
	}
}

func TestCleanupAllRunsInReverseOrder(t *testing.T) {
	r := New(4)
	var order []string
	for i, id := range []string{"a", "b", "c"} {
		m := &trackingModule{fakeModule: &fakeModule{}, id: id, order: &order}
		if err := r.Register(id, i, m); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}
	if err := r.InitAll(context.Background(), nil); err != nil {
		t.Fatalf("InitAll: %v", err)
	}

	r.CleanupAll(context.Background())
	want := []string{"c", "b", "a"}
	if len(order) != len(want) {
		t.Fatalf("cleanup order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("cleanup order = %v, want %v", order, want)
		}
	}
}

type trackingModule struct {
	*fakeModule
	id    string
	order *[]string
}

func (m *trackingModule) Cleanup(ctx context.Context) error {
	*m.order = append(*m.order, m.id)
	return m.fakeModule.Cleanup(ctx)
}

func TestStatsAccounting(t *testing.T) {
	r := New(2)
	m := &fakeModule{onTick: func() { time.Sleep(time.Millisecond) }}
	if err := r.Register("busy", 1, m); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.InitAll(context.Background(), nil); err != nil {
		t.Fatalf("InitAll: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := r.TickAll(context.Background(), time.Millisecond); err != nil {
			t.Fatalf("TickAll: %v", err)
		}
	}

	stats, err := r.Stats("busy")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Invocations != 3 {
		t.Fatalf("invocations = %d, want 3", stats.Invocations)
	}
	if stats.AvgTickTime <= 0 {
		t.Fatalf("avg tick time = %v, want > 0", stats.AvgTickTime)
	}
	if stats.PeakTickTime < stats.AvgTickTime {
		t.Fatalf("peak %v < avg %v", stats.PeakTickTime, stats.AvgTickTime)
	}

	if _, err := r.Stats("nope"); !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("Stats unknown = %v, want ErrUnknownModule", err)
	}
}

type recordedTick struct {
	id     string
	failed bool
}

type fakeRecorder struct {
	ticks []recordedTick
}

func (f *fakeRecorder) ObserveModuleTick(id string, d time.Duration, failed bool) {
	f.ticks = append(f.ticks, recordedTick{id: id, failed: failed})
}

func TestMetricsRecorderReceivesMeasurements(t *testing.T) {
	rec := &fakeRecorder{}
	r := New(4, WithMetricsRecorder(rec))
	ok := &fakeModule{}
	bad := &fakeModule{tickErr: errors.New("boom")}
	if err := r.Register("ok", 1, ok); err != nil {
		t.Fatalf("Register ok: %v", err)
	}
	if err := r.Register("bad", 2, bad); err != nil {
		t.Fatalf("Register bad: %v", err)
	}
	if err := r.InitAll(context.Background(), nil); err != nil {
		t.Fatalf("InitAll: %v", err)
	}
	_ = r.TickAll(context.Background(), time.Millisecond)

	if len(rec.ticks) != 2 {
		t.Fatalf("recorded ticks = %d, want 2", len(rec.ticks))
	}
	if rec.ticks[0].id != "ok" || rec.ticks[0].failed {
		t.Fatalf("first tick record = %+v", rec.ticks[0])
	}
	if rec.ticks[1].id != "bad" || !rec.ticks[1].failed {
		t.Fatalf("second tick record = %+v", rec.ticks[1])
	}
}
