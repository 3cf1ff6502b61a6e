package dma

import (
	"fmt"
	"os"
	"sync"

	"github.com/ardnew/softhcd/pkg"
)

// ArenaConfig configures an Arena.
type ArenaConfig struct {
	Alignment int  // Slot alignment; must be a power of two
	SlotSize  int  // Bytes per slot, rounded up to Alignment
	Slots     int  // Number of slots
	Lock      bool // Pin the region in RAM (best effort)
}

// Arena carves a single page-aligned region into equal, aligned slots. It
// models the fixed DMA pool of a bare-metal controller: allocation never
// grows the region, and exhaustion is reported as [pkg.ErrNoMemory].
type Arena struct {
	align    int
	slotSize int
	region   []byte
	locked   bool

	mu     sync.Mutex
	blocks []*block
	free   []int
	closed bool
	stats  Stats
}

// NewArena maps the backing region and builds the slot table.
func NewArena(cfg ArenaConfig) (*Arena, error) {
	if !validAlignment(cfg.Alignment) {
		return nil, fmt.Errorf("%w: alignment %d is not a power of two", pkg.ErrInvalidParameter, cfg.Alignment)
	}
	if cfg.SlotSize <= 0 || cfg.Slots <= 0 {
		return nil, fmt.Errorf("%w: %d slots of %d bytes", pkg.ErrInvalidParameter, cfg.Slots, cfg.SlotSize)
	}
	if cfg.Alignment > os.Getpagesize() {
		return nil, fmt.Errorf("%w: alignment %d exceeds page size", pkg.ErrInvalidParameter, cfg.Alignment)
	}
	slot := AlignUp(cfg.SlotSize, cfg.Alignment)

	region, err := mapRegion(slot * cfg.Slots)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkg.ErrNoMemory, err)
	}

	a := &Arena{
		align:    cfg.Alignment,
		slotSize: slot,
		region:   region,
		blocks:   make([]*block, cfg.Slots),
		free:     make([]int, 0, cfg.Slots),
	}
	if cfg.Lock {
		if err := lockRegion(region); err != nil {
			pkg.LogWarn(pkg.ComponentDMA, "arena not pinned", "error", err)
		} else {
			a.locked = true
		}
	}
	for i := cfg.Slots - 1; i >= 0; i-- {
		off := i * slot
		a.blocks[i] = &block{mem: region[off : off+slot : off+slot], owner: a, slot: i}
		a.free = append(a.free, i)
	}

	pkg.LogDebug(pkg.ComponentDMA, "arena mapped",
		"slots", cfg.Slots, "slotSize", slot, "alignment", cfg.Alignment, "locked", a.locked)
	return a, nil
}

// Alignment returns the slot alignment.
func (a *Arena) Alignment() int {
	return a.align
}

// SlotSize returns the capacity of each slot.
func (a *Arena) SlotSize() int {
	return a.slotSize
}

// Alloc returns a zeroed slot holding size bytes.
func (a *Arena) Alloc(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d", pkg.ErrInvalidParameter, size)
	}
	if size > a.slotSize {
		return nil, fmt.Errorf("%w: %d bytes, slot is %d", pkg.ErrLengthOverflow, size, a.slotSize)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, pkg.ErrClosed
	}
	if len(a.free) == 0 {
		a.mu.Unlock()
		return nil, pkg.ErrNoMemory
	}
	idx := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.stats.Allocs++
	a.mu.Unlock()

	b := a.blocks[idx]
	clear(b.mem)
	pkg.LogTrace(pkg.ComponentDMA, "arena alloc", "slot", idx, "size", size)
	return newBuffer(b, size), nil
}

// Stats returns a snapshot of allocator counters.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Close unmaps the region. It fails while buffers are outstanding.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	if live := a.stats.Live(); live != 0 {
		return fmt.Errorf("%w: %d arena slots still in use", pkg.ErrBusy, live)
	}
	a.closed = true
	if a.locked {
		_ = unlockRegion(a.region)
	}
	err := unmapRegion(a.region)
	a.region = nil
	return err
}

func (a *Arena) release(b *block) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.Releases++
	a.free = append(a.free, b.slot)
}
