package dma

import (
	"fmt"
	"sync"

	"github.com/ardnew/softhcd/pkg"
)

// Allocator hands out DMA-safe buffers.
type Allocator interface {
	// Alloc returns a buffer of size bytes starting on an Alignment boundary.
	Alloc(size int) (*Buffer, error)

	// Alignment returns the boundary every buffer starts on.
	Alignment() int
}

// DefaultAlignment matches a 32-byte cache line, the common DMA constraint
// on Cortex-M7 class OTG cores.
const DefaultAlignment = 32

// maxFreePerClass bounds how many released blocks a Heap keeps per class.
const maxFreePerClass = 16

// Heap allocates aligned buffers from the Go heap. Released blocks are kept
// on per-size-class free lists and reused.
type Heap struct {
	align int

	mu    sync.Mutex
	free  map[int][]*block
	stats Stats
}

// Stats counts allocator activity.
type Stats struct {
	Allocs   uint64 // Buffers handed out
	Releases uint64 // Buffers returned
	Reused   uint64 // Allocs served from a free list
}

// Live returns the number of outstanding buffers.
func (s Stats) Live() uint64 {
	return s.Allocs - s.Releases
}

// NewHeap creates a heap allocator. align must be a power of two.
func NewHeap(align int) (*Heap, error) {
	if !validAlignment(align) {
		return nil, fmt.Errorf("%w: alignment %d is not a power of two", pkg.ErrInvalidParameter, align)
	}
	return &Heap{
		align: align,
		free:  make(map[int][]*block),
	}, nil
}

// Alignment returns the heap's alignment.
func (h *Heap) Alignment() int {
	return h.align
}

// Alloc returns a zeroed buffer of size bytes.
func (h *Heap) Alloc(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d", pkg.ErrInvalidParameter, size)
	}
	class := AlignUp(size, h.align)

	h.mu.Lock()
	h.stats.Allocs++
	var b *block
	if list := h.free[class]; len(list) > 0 {
		b = list[len(list)-1]
		h.free[class] = list[:len(list)-1]
		h.stats.Reused++
	}
	h.mu.Unlock()

	if b == nil {
		b = &block{mem: alignedBytes(class, h.align), owner: h}
	} else {
		clear(b.mem)
	}

	pkg.LogTrace(pkg.ComponentDMA, "heap alloc", "size", size, "class", class)
	return newBuffer(b, size), nil
}

// Stats returns a snapshot of allocator counters.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Heap) release(b *block) {
	class := len(b.mem)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats.Releases++
	if len(h.free[class]) < maxFreePerClass {
		h.free[class] = append(h.free[class], b)
	}
}
