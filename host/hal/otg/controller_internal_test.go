package otg

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/host/hal/dma"
	"github.com/ardnew/softhcd/pkg"
)

// stubCore accepts no transfers: StartChannel always fails, optionally
// after running a hook.
type stubCore struct {
	mu      sync.Mutex
	onStart func()
	starts  int

	events     chan ChannelEvent
	portEvents chan PortEvent
}

func newStubCore() *stubCore {
	return &stubCore{
		events:     make(chan ChannelEvent),
		portEvents: make(chan PortEvent),
	}
}

func (s *stubCore) Init(ctx context.Context) error { return ctx.Err() }
func (s *stubCore) Start() error                   { return nil }
func (s *stubCore) Stop() error                    { return nil }
func (s *stubCore) Close() error                   { return nil }
func (s *stubCore) NumChannels() int               { return 2 }
func (s *stubCore) Alignment() int                 { return dma.DefaultAlignment }
func (s *stubCore) NumPorts() int                  { return 1 }

func (s *stubCore) PortStatus(int) (hal.PortStatus, error) { return hal.PortStatus{}, nil }
func (s *stubCore) ResetPort(int) error                    { return nil }
func (s *stubCore) EnablePort(int, bool) error             { return nil }
func (s *stubCore) HaltChannel(int) error                  { return nil }
func (s *stubCore) Events() <-chan ChannelEvent            { return s.events }
func (s *stubCore) PortEvents() <-chan PortEvent           { return s.portEvents }

func (s *stubCore) StartChannel(int, ChannelParams, []byte) error {
	s.mu.Lock()
	s.starts++
	hook := s.onStart
	s.onStart = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return pkg.ErrNotRunning
}

func newStubController(t *testing.T, ctx context.Context) (*Controller, *stubCore, *dma.Tracker) {
	t.Helper()
	core := newStubCore()
	alloc := newTracker(t)
	c, err := New(core, Config{Allocator: alloc})
	require.NoError(t, err)
	require.NoError(t, c.Init(ctx))
	require.NoError(t, c.Start())
	t.Cleanup(func() {
		require.NoError(t, c.Close())
		assert.NoError(t, alloc.Check(), "DMA buffers leaked")
	})
	return c, core, alloc
}

func openBulk(t *testing.T, c *Controller, epAddr uint8) *ED {
	t.Helper()
	ed, err := c.OpenEndpoint(1, hal.EndpointDescriptor{
		Address:       epAddr,
		Attributes:    uint8(hal.TransferBulk),
		MaxPacketSize: 64,
	})
	require.NoError(t, err)
	return ed
}

func TestController_StartChannelFailureUnwinds(t *testing.T) {
	c, core, alloc := newStubController(t, context.Background())
	ed := openBulk(t, c, 0x81)

	req := NewRequest(misalignedSlice(10))
	for i := range 3 {
		err := c.Submit(ed, req)
		require.ErrorIs(t, err, pkg.ErrNotRunning, "attempt %d", i)

		assert.Len(t, c.free, 2, "channel returned once")
		assert.Zero(t, alloc.Live(), "scratch released")
		assert.Nil(t, ed.Request())
		assert.Equal(t, NoBuffer, ed.Ownership())
	}
	assert.Equal(t, 3, core.starts)
}

func TestController_StopDuringStartChannel(t *testing.T) {
	c, core, alloc := newStubController(t, context.Background())
	ed := openBulk(t, c, 0x81)
	core.onStart = func() { require.NoError(t, c.Stop()) }

	req := NewRequest(misalignedSlice(10))
	require.NoError(t, c.Submit(ed, req), "the request completes through Stop")

	n, err := req.Wait()
	assert.Zero(t, n)
	assert.ErrorIs(t, err, pkg.ErrCancelled)
	assert.Len(t, c.free, 2, "channel returned once")
	assert.Zero(t, alloc.Live())

	// Every semaphore slot is still available.
	require.NoError(t, c.Start())
	assert.True(t, c.slots.TryAcquire(2))
	c.slots.Release(2)

	err = c.Submit(ed, req)
	assert.ErrorIs(t, err, pkg.ErrNotRunning, "resubmission after restart")
}

func TestController_RestartFollowsInitContext(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, _, _ := newStubController(t, parent)

	require.NoError(t, c.Stop())
	require.NoError(t, c.Start())
	ctx, running := c.runContext()
	require.True(t, running)
	require.NoError(t, ctx.Err())

	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled, "run context derives from Init's")

	require.NoError(t, c.Stop())
	assert.ErrorIs(t, c.Start(), context.Canceled)
}
