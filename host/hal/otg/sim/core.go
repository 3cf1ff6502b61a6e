package sim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/host/hal/dma"
	"github.com/ardnew/softhcd/host/hal/otg"
	"github.com/ardnew/softhcd/pkg"
)

// Function is the device side of the simulated bus.
type Function interface {
	// Address returns the function's current bus address.
	Address() hal.DeviceAddress

	// Reset returns the function to the default state after a port reset.
	Reset()

	// Setup receives a SETUP packet. Returning pkg.ErrStall stalls it.
	Setup(pkt hal.SetupPacket) error

	// In returns the data for an IN transaction of at most size bytes on
	// endpoint number ep. A zero size is a control status stage.
	In(ep uint8, size int) ([]byte, error)

	// Out consumes the data of an OUT transaction on endpoint number ep.
	Out(ep uint8, data []byte) error
}

// Config configures a simulated core.
type Config struct {
	Channels  int           // Host channels (default 8)
	Alignment int           // Required DMA alignment (default dma.DefaultAlignment)
	Latency   time.Duration // Delay before each channel completes
}

// Stats counts core activity.
type Stats struct {
	Started    uint64 // Channels started
	Misaligned uint64 // StartChannel calls rejected for alignment
	Halted     uint64 // Channels halted before completion
}

type channel struct {
	busy bool
	halt chan struct{}
}

// Core simulates a channel-based OTG host core with one root port. It
// enforces DMA alignment on every channel buffer, the way a real core would
// corrupt or fault on a misaligned one.
type Core struct {
	cfg Config

	mu        sync.Mutex
	fn        Function
	speed     hal.Speed
	connected bool
	enabled   bool
	started   bool
	closed    bool
	chans     []channel

	events     chan otg.ChannelEvent
	portEvents chan otg.PortEvent
	wg         sync.WaitGroup

	overReport atomic.Int64

	starts      atomic.Uint64
	misaligned  atomic.Uint64
	haltedCount atomic.Uint64
}

var _ otg.Core = (*Core)(nil)

// New creates a simulated core.
func New(cfg Config) *Core {
	if cfg.Channels <= 0 {
		cfg.Channels = 8
	}
	if cfg.Alignment <= 0 {
		cfg.Alignment = dma.DefaultAlignment
	}
	return &Core{
		cfg:        cfg,
		chans:      make([]channel, cfg.Channels),
		events:     make(chan otg.ChannelEvent, cfg.Channels),
		portEvents: make(chan otg.PortEvent, 8),
	}
}

// Init validates the configuration.
func (c *Core) Init(ctx context.Context) error {
	if c.cfg.Alignment&(c.cfg.Alignment-1) != 0 {
		return fmt.Errorf("%w: alignment %d", pkg.ErrInvalidParameter, c.cfg.Alignment)
	}
	return ctx.Err()
}

// Start powers the port and accepts channel starts.
func (c *Core) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return pkg.ErrClosed
	}
	c.started = true
	return nil
}

// Stop halts every channel, waits for them, and discards undelivered
// events.
func (c *Core) Stop() error {
	c.mu.Lock()
	c.started = false
	for i := range c.chans {
		c.haltLocked(i)
	}
	c.mu.Unlock()

	c.wg.Wait()
	for {
		select {
		case _, ok := <-c.events:
			if !ok {
				return nil
			}
		default:
			return nil
		}
	}
}

// Close stops the core and closes its event channels.
func (c *Core) Close() error {
	if err := c.Stop(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
		close(c.portEvents)
	}
	return nil
}

// NumChannels returns the number of host channels.
func (c *Core) NumChannels() int {
	return c.cfg.Channels
}

// Alignment returns the required DMA alignment.
func (c *Core) Alignment() int {
	return c.cfg.Alignment
}

// NumPorts returns 1.
func (c *Core) NumPorts() int {
	return 1
}

// Stats returns a snapshot of core counters.
func (c *Core) Stats() Stats {
	return Stats{
		Started:    c.starts.Load(),
		Misaligned: c.misaligned.Load(),
		Halted:     c.haltedCount.Load(),
	}
}

// =============================================================================
// Port
// =============================================================================

// Attach connects fn to the root port at the given speed.
func (c *Core) Attach(fn Function, speed hal.Speed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fn = fn
	c.speed = speed
	c.connected = true
	c.enabled = false
	c.postPortLocked(otg.PortEvent{Port: 1, Connected: true, Speed: speed})
}

// Detach disconnects the function.
func (c *Core) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fn = nil
	c.connected = false
	c.enabled = false
	c.postPortLocked(otg.PortEvent{Port: 1})
}

func (c *Core) postPortLocked(ev otg.PortEvent) {
	if c.closed {
		return
	}
	select {
	case c.portEvents <- ev:
	default:
		pkg.LogWarn(pkg.ComponentSim, "port event dropped", "connected", ev.Connected)
	}
}

// PortStatus returns the root port status.
func (c *Core) PortStatus(port int) (hal.PortStatus, error) {
	if port != 1 {
		return hal.PortStatus{}, pkg.ErrInvalidPort
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := hal.PortStatus{
		Connected: c.connected,
		Enabled:   c.enabled,
		PowerOn:   c.started,
	}
	if c.connected {
		st.Speed = c.speed
	}
	return st, nil
}

// ResetPort resets the attached function and enables the port.
func (c *Core) ResetPort(port int) error {
	if port != 1 {
		return pkg.ErrInvalidPort
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return pkg.ErrNotConnected
	}
	c.fn.Reset()
	c.enabled = true
	return nil
}

// EnablePort enables or disables the root port.
func (c *Core) EnablePort(port int, enable bool) error {
	if port != 1 {
		return pkg.ErrInvalidPort
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enable && c.connected
	return nil
}

// =============================================================================
// Channels
// =============================================================================

// OverReport makes the next IN completion report n more bytes than were
// written, the way a confused core reports a babbling device.
func (c *Core) OverReport(n int) {
	c.overReport.Store(int64(n))
}

// StartChannel starts a transfer. buf must be aligned to the core's DMA
// alignment.
func (c *Core) StartChannel(ch int, p otg.ChannelParams, buf []byte) error {
	if !dma.IsAligned(buf, c.cfg.Alignment) {
		c.misaligned.Add(1)
		return fmt.Errorf("%w: channel %d needs %d-byte alignment", pkg.ErrMisaligned, ch, c.cfg.Alignment)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return pkg.ErrNotRunning
	}
	if ch < 0 || ch >= len(c.chans) {
		return fmt.Errorf("%w: channel %d", pkg.ErrInvalidParameter, ch)
	}
	if c.chans[ch].busy {
		return fmt.Errorf("%w: channel %d", pkg.ErrBusy, ch)
	}
	halt := make(chan struct{})
	c.chans[ch] = channel{busy: true, halt: halt}
	c.starts.Add(1)

	c.wg.Add(1)
	go c.run(ch, p, buf, halt)
	return nil
}

// HaltChannel stops a busy channel. Its completion reports
// pkg.ErrChannelHalted unless it already finished.
func (c *Core) HaltChannel(ch int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch < 0 || ch >= len(c.chans) {
		return fmt.Errorf("%w: channel %d", pkg.ErrInvalidParameter, ch)
	}
	c.haltLocked(ch)
	return nil
}

func (c *Core) haltLocked(ch int) {
	if c.chans[ch].busy && c.chans[ch].halt != nil {
		close(c.chans[ch].halt)
		c.chans[ch].halt = nil
		c.haltedCount.Add(1)
	}
}

// Events delivers channel completions.
func (c *Core) Events() <-chan otg.ChannelEvent {
	return c.events
}

// PortEvents delivers port changes.
func (c *Core) PortEvents() <-chan otg.PortEvent {
	return c.portEvents
}

func (c *Core) run(ch int, p otg.ChannelParams, buf []byte, halt <-chan struct{}) {
	defer c.wg.Done()

	if c.cfg.Latency > 0 {
		timer := time.NewTimer(c.cfg.Latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-halt:
			c.post(ch, otg.ChannelEvent{Channel: ch, Err: pkg.ErrChannelHalted})
			return
		}
	}
	select {
	case <-halt:
		c.post(ch, otg.ChannelEvent{Channel: ch, Err: pkg.ErrChannelHalted})
		return
	default:
	}

	actual, err := c.execute(p, buf)
	if p.Dir == otg.DirIn && err == nil {
		actual += int(c.overReport.Swap(0))
	}
	c.post(ch, otg.ChannelEvent{Channel: ch, Actual: actual, Err: err})
}

func (c *Core) post(ch int, ev otg.ChannelEvent) {
	c.mu.Lock()
	c.chans[ch] = channel{}
	c.mu.Unlock()
	c.events <- ev
}

// execute moves one transfer between buf and the attached function.
func (c *Core) execute(p otg.ChannelParams, buf []byte) (int, error) {
	c.mu.Lock()
	fn, ready := c.fn, c.connected && c.enabled
	c.mu.Unlock()

	if !ready || fn.Address() != p.DevAddr {
		return 0, pkg.ErrTimeout
	}

	switch {
	case p.PID == otg.PIDSetup:
		var pkt hal.SetupPacket
		if !hal.ParseSetupPacket(buf, &pkt) {
			return 0, pkg.ErrProtocol
		}
		if err := fn.Setup(pkt); err != nil {
			return 0, err
		}
		return len(buf), nil

	case p.Dir == otg.DirIn:
		data, err := fn.In(p.EPNum, len(buf))
		if err != nil {
			return 0, err
		}
		n := copy(buf, data)
		if len(data) > len(buf) {
			return n, fmt.Errorf("%w: device sent %d bytes into %d", pkg.ErrOverrun, len(data), len(buf))
		}
		pkg.LogTrace(pkg.ComponentSim, "IN", "ep", p.EPNum, "bytes", n)
		return n, nil

	default:
		if err := fn.Out(p.EPNum, buf); err != nil {
			return 0, err
		}
		pkg.LogTrace(pkg.ComponentSim, "OUT", "ep", p.EPNum, "bytes", len(buf))
		return len(buf), nil
	}
}
