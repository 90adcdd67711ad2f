package world

import "fmt"

// dirtyChunks is the number of regions each component buffer is divided into
// for dirty tracking. A 64-bit mask keeps the bookkeeping a single word.
const dirtyChunks = 64

// ComponentSpec describes one tracked data category inside a world slot.
// The store treats the contents as opaque bytes; stride and capacity only
// size the two mirrored regions.
type ComponentSpec struct {
	Name          string
	ElementStride int
	Capacity      int
}

type componentBuffer struct {
	name     string
	stride   int
	capacity int

	// chunkElems is the number of elements covered by one dirty bit.
	chunkElems int

	regions      [2][]byte
	elementCount [2]int

	dirtyMask uint64
}

func newComponentBuffer(spec ComponentSpec) (*componentBuffer, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: component with empty name", ErrInvalidSpec)
	}
	if spec.ElementStride <= 0 {
		return nil, fmt.Errorf("%w: component %q stride %d", ErrInvalidSpec, spec.Name, spec.ElementStride)
	}
	if spec.Capacity <= 0 {
		return nil, fmt.Errorf("%w: component %q capacity %d", ErrInvalidSpec, spec.Name, spec.Capacity)
	}

	chunkElems := (spec.Capacity + dirtyChunks - 1) / dirtyChunks
	size := spec.ElementStride * spec.Capacity
	return &componentBuffer{
		name:       spec.Name,
		stride:     spec.ElementStride,
		capacity:   spec.Capacity,
		chunkElems: chunkElems,
		regions:    [2][]byte{make([]byte, size), make([]byte, size)},
	}, nil
}

// markDirty flags the chunks covering [firstElem, firstElem+elemCount).
func (cb *componentBuffer) markDirty(firstElem, elemCount int) error {
	if firstElem < 0 || elemCount < 0 || firstElem+elemCount > cb.capacity {
		return fmt.Errorf("component %q: dirty range [%d, %d) outside capacity %d",
			cb.name, firstElem, firstElem+elemCount, cb.capacity)
	}
	if elemCount == 0 {
		return nil
	}
	firstChunk := firstElem / cb.chunkElems
	lastChunk := (firstElem + elemCount - 1) / cb.chunkElems
	for c := firstChunk; c <= lastChunk; c++ {
		cb.dirtyMask |= 1 << uint(c)
	}
	return nil
}

// sync copies the dirty chunks from the just-written slot into the outgoing
// active slot so the two converge for data the writer did not touch this
// frame. The element count always follows the writer. Returns whether any
// chunk was copied; the mask is cleared either way.
func (cb *componentBuffer) sync(src, dst int) bool {
	cb.elementCount[dst] = cb.elementCount[src]
	if cb.dirtyMask == 0 {
		return false
	}
	for c := 0; c < dirtyChunks; c++ {
		if cb.dirtyMask&(1<<uint(c)) == 0 {
			continue
		}
		start, end := cb.chunkByteRange(c)
		if start >= end {
			continue
		}
		copy(cb.regions[dst][start:end], cb.regions[src][start:end])
	}
	cb.dirtyMask = 0
	return true
}

// chunkByteRange returns the byte span of dirty chunk c, clamped to the
// buffer's real size for the final partial chunk.
func (cb *componentBuffer) chunkByteRange(c int) (int, int) {
	startElem := c * cb.chunkElems
	endElem := startElem + cb.chunkElems
	if startElem > cb.capacity {
		startElem = cb.capacity
	}
	if endElem > cb.capacity {
		endElem = cb.capacity
	}
	return startElem * cb.stride, endElem * cb.stride
}

// cleanChunkMismatch scans every clean chunk and reports the first one whose
// bytes differ between the two slots, or -1 when coherent. Used only by the
// diagnostics surface; never on the hot path.
func (cb *componentBuffer) cleanChunkMismatch() int {
	for c := 0; c < dirtyChunks; c++ {
		if cb.dirtyMask&(1<<uint(c)) != 0 {
			continue
		}
		start, end := cb.chunkByteRange(c)
		if start >= end {
			continue
		}
		a := cb.regions[0][start:end]
		b := cb.regions[1][start:end]
		for i := range a {
			if a[i] != b[i] {
				return c
			}
		}
	}
	return -1
}
