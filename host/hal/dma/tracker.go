package dma

import (
	"fmt"
	"sync"

	"github.com/ardnew/softhcd/pkg"
)

// Tracker wraps an allocator from this package and records every buffer it
// hands out. Releasing a block the tracker does not consider live panics, so
// a leak or a second release shows up at the exact call that caused it.
type Tracker struct {
	inner Allocator

	mu    sync.Mutex
	live  map[*block]releaser
	stats Stats
}

// NewTracker wraps inner.
func NewTracker(inner Allocator) *Tracker {
	return &Tracker{
		inner: inner,
		live:  make(map[*block]releaser),
	}
}

// Alignment returns the wrapped allocator's alignment.
func (t *Tracker) Alignment() int {
	return t.inner.Alignment()
}

// Alloc allocates from the wrapped allocator and starts tracking the block.
func (t *Tracker) Alloc(size int) (*Buffer, error) {
	buf, err := t.inner.Alloc(size)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.live[buf.b]; dup {
		panic(fmt.Errorf("%w: block handed out while still live", pkg.ErrDoubleRelease))
	}
	t.live[buf.b] = buf.b.owner
	buf.b.owner = t
	t.stats.Allocs++
	return buf, nil
}

// Stats returns a snapshot of tracked counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Live returns the number of outstanding buffers.
func (t *Tracker) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// Check returns an error when buffers are still outstanding.
func (t *Tracker) Check() error {
	if n := t.Live(); n != 0 {
		return fmt.Errorf("%w: %d DMA buffers leaked", pkg.ErrBusy, n)
	}
	return nil
}

func (t *Tracker) release(b *block) {
	t.mu.Lock()
	owner, ok := t.live[b]
	if !ok {
		t.mu.Unlock()
		panic(fmt.Errorf("%w: block not live", pkg.ErrDoubleRelease))
	}
	delete(t.live, b)
	t.stats.Releases++
	b.owner = owner
	t.mu.Unlock()

	owner.release(b)
}
