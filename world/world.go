// Package world stores two mirrored copies of opaque simulation state so a
// single writer can advance one copy while any number of readers consume the
// other through non-blocking leases. A swap promotes the just-written copy,
// converging untouched data through per-component dirty tracking instead of
// a full-state copy.
//
// Memory-ordering contract: the reader count uses atomic add with
// acquire/release semantics and the write-pending flag uses sequentially
// consistent loads and stores (Go's sync/atomic provides both). A reader
// increments the count and re-checks the flag before touching the active
// slot; the writer raises the flag and drains the count before copying or
// flipping. Between those two protocols no reader ever observes a slot
// mid-mutation.
package world

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrInvalidSpec is returned when the store is built from a bad
	// component specification.
	ErrInvalidSpec = errors.New("invalid component spec")
	// ErrUnknownComponent is returned for lookups of an unregistered name.
	ErrUnknownComponent = errors.New("unknown component")
	// ErrLeaseDenied is the transient, expected refusal while a swap is in
	// progress. Callers retry on the next frame.
	ErrLeaseDenied = errors.New("read lease denied")
	// ErrProtocolViolation indicates a broken caller contract: a double
	// release, a reader-count underflow, or two concurrent swaps.
	ErrProtocolViolation = errors.New("world access protocol violation")
)

const (
	// readerDrainSpins is how many times Swap yields before it starts
	// sleeping between reader-count polls.
	readerDrainSpins = 100
	readerDrainSleep = 10 * time.Microsecond
)

// Stats is a read-only snapshot of swap accounting.
type Stats struct {
	TotalSwaps      uint64
	AvgSwapLatency  time.Duration
	SwapFrequencyHz float64
	ActiveReaders   int64
}

// SwapResult reports the outcome of one swap.
type SwapResult struct {
	// Sequence is the monotonically increasing swap number.
	Sequence uint64
	// WaitDuration is how long the swap waited for readers to drain.
	WaitDuration time.Duration
	// CopyDuration is how long the dirty-chunk convergence copy took.
	CopyDuration time.Duration
	// Latency is the total wall time of the swap.
	Latency time.Duration
	// BuffersCopied is how many component buffers had dirty chunks.
	BuffersCopied int
}

// Diagnostics is a debug snapshot of the store's internals.
type Diagnostics struct {
	Buffers      int
	DirtyBuffers int
	MemoryBytes  int
	// ActiveElements maps component name to the element count visible in
	// the active slot.
	ActiveElements map[string]int
}

// DoubleBufferedWorld is the process-wide double-buffered state store.
// Exactly one slot is active (readable) at any instant; the other belongs to
// the single simulation writer.
type DoubleBufferedWorld struct {
	buffers []*componentBuffer
	byName  map[string]*componentBuffer

	activeIndex  atomic.Uint32
	readerCount  atomic.Int64
	writePending atomic.Bool

	swapSeq  atomic.Uint64
	lastTick atomic.Uint64

	statsMu          sync.Mutex
	totalSwaps       uint64
	totalSwapLatency time.Duration
	firstSwapAt      time.Time
	lastSwapAt       time.Time
}

// New allocates both world slots and their component buffers identically.
func New(specs []ComponentSpec) (*DoubleBufferedWorld, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no components", ErrInvalidSpec)
	}
	w := &DoubleBufferedWorld{
		buffers: make([]*componentBuffer, 0, len(specs)),
		byName:  make(map[string]*componentBuffer, len(specs)),
	}
	for _, spec := range specs {
		if _, dup := w.byName[spec.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate component %q", ErrInvalidSpec, spec.Name)
		}
		cb, err := newComponentBuffer(spec)
		if err != nil {
			return nil, err
		}
		w.buffers = append(w.buffers, cb)
		w.byName[spec.Name] = cb
	}
	return w, nil
}

// AcquireReadLease grants bounded read access to the active slot. It never
// blocks: while a swap is pending it returns ErrLeaseDenied and the caller
// retries. The increment-then-recheck closes the race where a swap begins
// just as a reader enters.
func (w *DoubleBufferedWorld) AcquireReadLease() (*ReadLease, error) {
	if w.writePending.Load() {
		return nil, ErrLeaseDenied
	}
	w.readerCount.Add(1)
	if w.writePending.Load() {
		w.readerCount.Add(-1)
		return nil, ErrLeaseDenied
	}
	return &ReadLease{
		world: w,
		slot:  int(w.activeIndex.Load()),
		tick:  w.lastTick.Load(),
	}, nil
}

// Writable returns the single-writer view of the inactive slot. No lease
// accounting applies: there is exactly one writer by construction, and no
// reader can ever observe the inactive slot.
func (w *DoubleBufferedWorld) Writable() *WritableWorld {
	return &WritableWorld{world: w}
}

// Swap promotes the just-written slot to active. It raises the write-pending
// flag (refusing new leases), waits for current readers to drain with a
// bounded yield/backoff, converges dirty component chunks into the outgoing
// slot, then flips the active index. tick labels the snapshot being
// published and is what subsequent leases report from Tick.
func (w *DoubleBufferedWorld) Swap(tick uint64) (SwapResult, error) {
	if w.writePending.Swap(true) {
		return SwapResult{}, fmt.Errorf("%w: concurrent swap", ErrProtocolViolation)
	}

	start := time.Now()
	spins := 0
	for w.readerCount.Load() > 0 {
		spins++
		if spins < readerDrainSpins {
			runtime.Gosched()
		} else {
			time.Sleep(readerDrainSleep)
		}
	}
	waited := time.Since(start)

	active := int(w.activeIndex.Load())
	inactive := 1 - active

	copyStart := time.Now()
	copied := 0
	for _, cb := range w.buffers {
		if cb.sync(inactive, active) {
			copied++
		}
	}
	copyDur := time.Since(copyStart)

	w.lastTick.Store(tick)
	w.activeIndex.Store(uint32(inactive))
	w.writePending.Store(false)

	seq := w.swapSeq.Add(1)
	latency := time.Since(start)
	w.recordSwap(latency)

	return SwapResult{
		Sequence:      seq,
		WaitDuration:  waited,
		CopyDuration:  copyDur,
		Latency:       latency,
		BuffersCopied: copied,
	}, nil
}

// Stats returns swap accounting.
func (w *DoubleBufferedWorld) Stats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()

	s := Stats{
		TotalSwaps:    w.totalSwaps,
		ActiveReaders: w.readerCount.Load(),
	}
	if w.totalSwaps > 0 {
		s.AvgSwapLatency = w.totalSwapLatency / time.Duration(w.totalSwaps)
	}
	if w.totalSwaps > 1 {
		span := w.lastSwapAt.Sub(w.firstSwapAt)
		if span > 0 {
			s.SwapFrequencyHz = float64(w.totalSwaps-1) / span.Seconds()
		}
	}
	return s
}

// Diagnostics returns a debug snapshot. Writer-thread only.
func (w *DoubleBufferedWorld) Diagnostics() Diagnostics {
	active := int(w.activeIndex.Load())
	d := Diagnostics{
		Buffers:        len(w.buffers),
		ActiveElements: make(map[string]int, len(w.buffers)),
	}
	for _, cb := range w.buffers {
		if cb.dirtyMask != 0 {
			d.DirtyBuffers++
		}
		d.MemoryBytes += 2 * len(cb.regions[0])
		d.ActiveElements[cb.name] = cb.elementCount[active]
	}
	return d
}

// ValidateCoherency checks that every clean chunk is byte-identical across
// the two slots. Only meaningful between frames on the writer thread; a
// failure means dirty tracking missed a write.
func (w *DoubleBufferedWorld) ValidateCoherency() error {
	for _, cb := range w.buffers {
		if c := cb.cleanChunkMismatch(); c >= 0 {
			return fmt.Errorf("component %q: clean chunk %d differs between slots", cb.name, c)
		}
	}
	return nil
}

func (w *DoubleBufferedWorld) recordSwap(latency time.Duration) {
	now := time.Now()
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	if w.totalSwaps == 0 {
		w.firstSwapAt = now
	}
	w.totalSwaps++
	w.totalSwapLatency += latency
	w.lastSwapAt = now
}

// ReadLease is a bounded read permission on the slot that was active at
// acquisition. Release must be called exactly once; an unreleased lease
// permanently blocks future swaps.
type ReadLease struct {
	world    *DoubleBufferedWorld
	slot     int
	tick     uint64
	released atomic.Bool
}

// Component returns a read-only view of the leased slot's data for the named
// component, trimmed to its current element count. The view is only valid
// until Release.
func (l *ReadLease) Component(name string) ([]byte, error) {
	cb, ok := l.world.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownComponent, name)
	}
	return cb.regions[l.slot][:cb.elementCount[l.slot]*cb.stride], nil
}

// ElementCount returns the number of live elements for the named component
// in the leased snapshot.
func (l *ReadLease) ElementCount(name string) (int, error) {
	cb, ok := l.world.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownComponent, name)
	}
	return cb.elementCount[l.slot], nil
}

// Tick returns the simulation tick of the leased snapshot.
func (l *ReadLease) Tick() uint64 { return l.tick }

// Release returns the lease. Releasing twice is a protocol violation and
// leaves the reader count untouched.
func (l *ReadLease) Release() error {
	if l.released.Swap(true) {
		return fmt.Errorf("%w: lease released twice", ErrProtocolViolation)
	}
	if n := l.world.readerCount.Add(-1); n < 0 {
		return fmt.Errorf("%w: reader count underflow", ErrProtocolViolation)
	}
	return nil
}

// WritableWorld is the writer's view of whichever slot is currently
// inactive. It is only valid on the simulation thread between swaps.
type WritableWorld struct {
	world *DoubleBufferedWorld
}

func (ww *WritableWorld) slot() int {
	return 1 - int(ww.world.activeIndex.Load())
}

// Component returns the full-capacity writable region for the named
// component in the inactive slot.
func (ww *WritableWorld) Component(name string) ([]byte, error) {
	cb, ok := ww.world.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownComponent, name)
	}
	return cb.regions[ww.slot()], nil
}

// MarkDirty flags an element range as modified so the next swap copies it
// into the other slot. Ranges the writer never marks are never copied.
func (ww *WritableWorld) MarkDirty(name string, firstElem, elemCount int) error {
	cb, ok := ww.world.byName[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownComponent, name)
	}
	return cb.markDirty(firstElem, elemCount)
}

// SetElementCount sets the live element count for the named component in the
// writable slot.
func (ww *WritableWorld) SetElementCount(name string, n int) error {
	cb, ok := ww.world.byName[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownComponent, name)
	}
	if n < 0 || n > cb.capacity {
		return fmt.Errorf("component %q: element count %d outside capacity %d", name, n, cb.capacity)
	}
	cb.elementCount[ww.slot()] = n
	return nil
}

// ElementCount returns the live element count in the writable slot.
func (ww *WritableWorld) ElementCount(name string) (int, error) {
	cb, ok := ww.world.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownComponent, name)
	}
	return cb.elementCount[ww.slot()], nil
}

// Capacity returns the maximum element count for the named component.
func (ww *WritableWorld) Capacity(name string) (int, error) {
	cb, ok := ww.world.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownComponent, name)
	}
	return cb.capacity, nil
}
