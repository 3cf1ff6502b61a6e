package otg

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/host/hal/dma"
	"github.com/ardnew/softhcd/pkg"
)

// Config configures a Controller.
type Config struct {
	// Allocator supplies scratch and setup buffers. Its alignment must be a
	// multiple of the core's. Defaults to a dma.Heap at the core's alignment.
	Allocator dma.Allocator
}

// Stats counts controller activity.
type Stats struct {
	Submitted   uint64 // Transfers started on a channel
	Completed   uint64 // Transfers reconciled and completed
	Failed      uint64 // Completed with an error
	Borrowed    uint64 // Caller buffer handed to the core directly
	Substituted uint64 // One-shot scratch buffer allocated
	SetupReuse  uint64 // Stages staged in the persistent setup buffer
	CopiedBack  uint64 // IN completions copied into the caller buffer
	Released    uint64 // Scratch buffers released on completion
	Overruns    uint64 // Completions reporting more data than fits
}

type stats struct {
	submitted   atomic.Uint64
	completed   atomic.Uint64
	failed      atomic.Uint64
	borrowed    atomic.Uint64
	substituted atomic.Uint64
	setup       atomic.Uint64
	copiedBack  atomic.Uint64
	released    atomic.Uint64
	overruns    atomic.Uint64
}

type edKey struct {
	addr hal.DeviceAddress
	ep   uint8
}

func keyOf(addr hal.DeviceAddress, epAddr uint8, t hal.TransferType) edKey {
	if t == hal.TransferControl {
		epAddr &= 0x0F
	}
	return edKey{addr, epAddr}
}

// Controller is a host controller driver for channel-based OTG cores. It
// implements [hal.HostHAL].
//
// Transfers are staged on an endpoint descriptor, started on a free host
// channel, and completed by a single service goroutine that reconciles the
// DMA buffer with [Finish] before the request is handed back.
type Controller struct {
	core  Core
	alloc dma.Allocator

	// Host channels. slots bounds concurrent transfers; free and active
	// map channel numbers to EDs.
	slots  *semaphore.Weighted
	chMu   sync.Mutex
	free   []int
	active []*ED

	edMu sync.Mutex
	eds  map[edKey]*ED

	mu      sync.Mutex
	running bool
	parent  context.Context // from Init; every run context derives from it
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	connectCh    chan int
	disconnectCh chan int

	stats stats
}

var _ hal.HostHAL = (*Controller)(nil)

// New creates a controller driving core.
func New(core Core, cfg Config) (*Controller, error) {
	if core == nil {
		return nil, fmt.Errorf("%w: nil core", pkg.ErrInvalidParameter)
	}
	align := core.Alignment()
	alloc := cfg.Allocator
	if alloc == nil {
		h, err := dma.NewHeap(align)
		if err != nil {
			return nil, err
		}
		alloc = h
	} else if a := alloc.Alignment(); align > 0 && (a < align || a%align != 0) {
		return nil, fmt.Errorf("%w: allocator alignment %d does not satisfy core alignment %d",
			pkg.ErrInvalidParameter, a, align)
	}

	return &Controller{
		core:         core,
		alloc:        alloc,
		eds:          make(map[edKey]*ED),
		connectCh:    make(chan int, 8),
		disconnectCh: make(chan int, 8),
	}, nil
}

// Init initializes the core and the channel table.
func (c *Controller) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return pkg.ErrAlreadyRunning
	}

	if err := c.core.Init(ctx); err != nil {
		return err
	}

	n := c.core.NumChannels()
	if n <= 0 {
		return fmt.Errorf("%w: core reports %d channels", pkg.ErrInvalidParameter, n)
	}
	c.slots = semaphore.NewWeighted(int64(n))
	c.active = make([]*ED, n)
	c.free = c.free[:0]
	for ch := n - 1; ch >= 0; ch-- {
		c.free = append(c.free, ch)
	}
	c.parent = ctx
	c.ctx, c.cancel = context.WithCancel(ctx)

	pkg.LogInfo(pkg.ComponentHCD, "controller initialized",
		"channels", n, "alignment", c.core.Alignment(), "ports", c.core.NumPorts())
	return nil
}

// Start starts the core and the completion and port service goroutines.
// After Stop, Start runs again under the context given to Init and fails
// once that context is done.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return pkg.ErrAlreadyRunning
	}
	if c.ctx == nil {
		return fmt.Errorf("%w: Init not called", pkg.ErrNotRunning)
	}
	if c.ctx.Err() != nil {
		if err := c.parent.Err(); err != nil {
			return err
		}
		c.ctx, c.cancel = context.WithCancel(c.parent)
	}

	if err := c.core.Start(); err != nil {
		return err
	}
	c.running = true

	c.wg.Add(2)
	go c.serviceChannels(c.ctx)
	go c.servicePorts(c.ctx)

	pkg.LogInfo(pkg.ComponentHCD, "controller started")
	return nil
}

// Stop halts the core. Transfers still in flight are reconciled and
// completed with [pkg.ErrCancelled].
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	err := c.core.Stop()
	c.abortActive()

	pkg.LogInfo(pkg.ComponentHCD, "controller stopped")
	return err
}

// Close stops the controller, releases every ED's setup buffer, and closes
// the core.
func (c *Controller) Close() error {
	if err := c.Stop(); err != nil {
		pkg.LogWarn(pkg.ComponentHCD, "stop during close", "error", err)
	}

	c.edMu.Lock()
	for k, ed := range c.eds {
		ed.close()
		delete(c.eds, k)
	}
	c.edMu.Unlock()

	return c.core.Close()
}

// Alignment returns the DMA alignment buffers are staged with.
func (c *Controller) Alignment() int {
	return c.alloc.Alignment()
}

// Stats returns a snapshot of the controller counters.
func (c *Controller) Stats() Stats {
	s := &c.stats
	return Stats{
		Submitted:   s.submitted.Load(),
		Completed:   s.completed.Load(),
		Failed:      s.failed.Load(),
		Borrowed:    s.borrowed.Load(),
		Substituted: s.substituted.Load(),
		SetupReuse:  s.setup.Load(),
		CopiedBack:  s.copiedBack.Load(),
		Released:    s.released.Load(),
		Overruns:    s.overruns.Load(),
	}
}

// runContext returns the controller context while it is running.
func (c *Controller) runContext() (context.Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx, c.running
}

// =============================================================================
// Endpoints
// =============================================================================

// OpenEndpoint returns the ED for an endpoint of a device, creating it if
// needed. Control endpoints get their persistent setup buffer here.
func (c *Controller) OpenEndpoint(addr hal.DeviceAddress, desc hal.EndpointDescriptor) (*ED, error) {
	key := keyOf(addr, desc.Address, desc.TransferType())

	c.edMu.Lock()
	defer c.edMu.Unlock()
	if ed, ok := c.eds[key]; ok {
		if ed.Type != desc.TransferType() {
			return nil, fmt.Errorf("%w: %s reopened as %s", pkg.ErrInvalidEndpoint, ed, desc.TransferType())
		}
		return ed, nil
	}

	ed, err := newED(addr, desc, c.alloc)
	if err != nil {
		return nil, err
	}
	c.eds[key] = ed
	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint opened", "ed", ed.String(), "mps", ed.MaxPacketSize)
	return ed, nil
}

// CloseEndpoint frees an idle ED and its setup buffer.
func (c *Controller) CloseEndpoint(addr hal.DeviceAddress, epAddr uint8) error {
	c.edMu.Lock()
	defer c.edMu.Unlock()

	key := edKey{addr, epAddr}
	ed, ok := c.eds[key]
	if !ok {
		key = edKey{addr, epAddr & 0x0F}
		if ed, ok = c.eds[key]; !ok || ed.Type != hal.TransferControl {
			return fmt.Errorf("%w: %d:%02X not open", pkg.ErrInvalidEndpoint, addr, epAddr)
		}
	}
	if !ed.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s has a transfer in flight", pkg.ErrBusy, ed)
	}
	ed.close()
	delete(c.eds, key)
	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint closed", "ed", ed.String())
	return nil
}

// endpointFor returns the ED for (addr, epAddr), opening it with the
// default packet size for the port speed when it does not exist yet.
func (c *Controller) endpointFor(addr hal.DeviceAddress, epAddr uint8, t hal.TransferType) (*ED, error) {
	c.edMu.Lock()
	ed, ok := c.eds[keyOf(addr, epAddr, t)]
	c.edMu.Unlock()
	if ok {
		if ed.Type != t {
			return nil, fmt.Errorf("%w: %s used as %s", pkg.ErrInvalidEndpoint, ed, t)
		}
		return ed, nil
	}
	return c.OpenEndpoint(addr, hal.EndpointDescriptor{
		Address:       epAddr,
		Attributes:    uint8(t),
		MaxPacketSize: defaultMaxPacket(t, c.PortSpeed(1)),
	})
}

func defaultMaxPacket(t hal.TransferType, speed hal.Speed) uint16 {
	switch t {
	case hal.TransferControl:
		return speed.MaxPacketSize0()
	case hal.TransferBulk:
		if speed == hal.SpeedHigh {
			return 512
		}
		return 64
	case hal.TransferIsochronous:
		if speed == hal.SpeedHigh {
			return 1024
		}
		return 1023
	default:
		if speed == hal.SpeedLow {
			return 8
		}
		return 64
	}
}

// =============================================================================
// Submission
// =============================================================================

// Submit stages req on ed and starts it on a free host channel. It blocks
// only while every channel is busy. The request completes asynchronously;
// use [Request.Wait] or Callback for the result.
func (c *Controller) Submit(ed *ED, req *Request) error {
	return c.submit(ed, req, func() (PID, error) {
		return ed.toggle, Prepare(ed, req, c.alloc)
	})
}

func (c *Controller) submit(ed *ED, req *Request, stage func() (PID, error)) error {
	ctx, running := c.runContext()
	if !running {
		return pkg.ErrNotRunning
	}
	if !ed.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", pkg.ErrBusy, ed)
	}
	if err := req.reset(); err != nil {
		ed.busy.Store(false)
		return err
	}

	if req.Context != nil {
		ctx = req.Context
	}
	if err := c.slots.Acquire(ctx, 1); err != nil {
		req.abandon()
		ed.busy.Store(false)
		return fmt.Errorf("%w: %v", pkg.ErrNoChannel, err)
	}

	pid, err := stage()
	if err != nil {
		c.slots.Release(1)
		req.abandon()
		ed.busy.Store(false)
		return err
	}
	c.countStaged(ed)

	c.chMu.Lock()
	ch := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	c.active[ch] = ed
	c.chMu.Unlock()
	ed.channel = ch

	params := ChannelParams{
		DevAddr:       ed.DevAddr,
		EPNum:         ed.Number(),
		Dir:           ed.Dir,
		Type:          ed.Type,
		MaxPacketSize: ed.MaxPacketSize,
		PID:           pid,
		Speed:         c.PortSpeed(1),
	}
	pkg.LogTrace(pkg.ComponentChannel, "channel start",
		"ch", ch, "ed", ed.String(), "dir", ed.Dir, "pid", pid, "length", len(ed.data), "slot", ed.own)

	if err := c.core.StartChannel(ch, params, ed.data); err != nil {
		c.chMu.Lock()
		owned := c.active[ch] == ed && ed.request == req
		if owned {
			c.active[ch] = nil
			c.free = append(c.free, ch)
		}
		c.chMu.Unlock()
		if !owned {
			// Stop took the channel first and completed req with
			// ErrCancelled, releasing everything staged here.
			c.stats.submitted.Add(1)
			return nil
		}
		Finish(ed)
		ed.request = nil
		ed.channel = -1
		c.slots.Release(1)
		req.abandon()
		ed.busy.Store(false)
		return fmt.Errorf("channel %d: %w", ch, err)
	}
	c.stats.submitted.Add(1)

	if rc := req.Context; rc != nil && rc.Done() != nil {
		go c.watch(req, req.done, ch)
	}
	return nil
}

func (c *Controller) countStaged(ed *ED) {
	switch ed.own {
	case BorrowedCallerBuffer:
		c.stats.borrowed.Add(1)
	case OwnedScratch:
		c.stats.substituted.Add(1)
	case PersistentSetupBuffer:
		c.stats.setup.Add(1)
	}
}

// watch halts the request's channel if its context ends first.
func (c *Controller) watch(req *Request, done <-chan struct{}, ch int) {
	select {
	case <-done:
	case <-req.Context.Done():
		c.chMu.Lock()
		if ed := c.active[ch]; ed != nil && ed.request == req {
			if err := c.core.HaltChannel(ch); err != nil {
				pkg.LogWarn(pkg.ComponentChannel, "halt failed", "ch", ch, "error", err)
			}
		}
		c.chMu.Unlock()
	}
}

// =============================================================================
// Completion
// =============================================================================

// serviceChannels is the completion context: every channel event is
// reconciled here, one at a time.
func (c *Controller) serviceChannels(ctx context.Context) {
	defer c.wg.Done()
	events := c.core.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.complete(ev)
		}
	}
}

func (c *Controller) complete(ev ChannelEvent) {
	c.chMu.Lock()
	var ed *ED
	if ev.Channel >= 0 && ev.Channel < len(c.active) {
		ed = c.active[ev.Channel]
		c.active[ev.Channel] = nil
	}
	c.chMu.Unlock()
	if ed == nil {
		pkg.LogWarn(pkg.ComponentChannel, "event for idle channel", "ch", ev.Channel)
		return
	}

	req := ed.request
	err := ev.Err
	actual := max(ev.Actual, 0)
	if limit := min(ed.dmaCapacity(), len(req.Data)); actual > limit {
		c.stats.overruns.Add(1)
		pkg.LogWarn(pkg.ComponentChannel, "transfer overrun",
			"ch", ev.Channel, "ed", ed.String(), "reported", actual, "limit", limit)
		if err == nil {
			err = fmt.Errorf("%w: %d bytes reported, %d fit", pkg.ErrOverrun, actual, limit)
		}
		actual = limit
	}
	req.ActualLength = actual

	if ed.Dir == DirIn && (ed.own == OwnedScratch || ed.own == PersistentSetupBuffer) {
		c.stats.copiedBack.Add(1)
	}
	if ed.own == OwnedScratch {
		c.stats.released.Add(1)
	}
	Finish(ed)

	if err == nil {
		ed.advanceToggle(actual)
	}
	ed.request = nil
	ed.channel = -1

	c.chMu.Lock()
	c.free = append(c.free, ev.Channel)
	c.chMu.Unlock()
	c.slots.Release(1)
	ed.busy.Store(false)

	c.stats.completed.Add(1)
	if err != nil || req.Err != nil {
		c.stats.failed.Add(1)
	}
	pkg.LogTrace(pkg.ComponentChannel, "channel done",
		"ch", ev.Channel, "ed", ed.String(), "actual", actual, "error", err)
	req.complete(err)
}

// abortActive completes every in-flight request after the core stopped.
func (c *Controller) abortActive() {
	var aborted []*Request

	c.chMu.Lock()
	for ch, ed := range c.active {
		if ed == nil {
			continue
		}
		c.active[ch] = nil
		req := ed.request
		req.ActualLength = 0
		Finish(ed)
		ed.request = nil
		ed.channel = -1
		c.free = append(c.free, ch)
		c.slots.Release(1)
		ed.busy.Store(false)
		aborted = append(aborted, req)
	}
	c.chMu.Unlock()

	for _, req := range aborted {
		c.stats.completed.Add(1)
		c.stats.failed.Add(1)
		req.complete(pkg.ErrCancelled)
	}
}

// =============================================================================
// Ports
// =============================================================================

func (c *Controller) servicePorts(ctx context.Context) {
	defer c.wg.Done()
	events := c.core.PortEvents()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			target := c.disconnectCh
			if ev.Connected {
				target = c.connectCh
			}
			pkg.LogInfo(pkg.ComponentPort, "port change",
				"port", ev.Port, "connected", ev.Connected, "speed", ev.Speed)
			select {
			case target <- ev.Port:
			default:
				pkg.LogWarn(pkg.ComponentPort, "port event dropped", "port", ev.Port)
			}
		}
	}
}

func (c *Controller) checkPort(port int) error {
	if port < 1 || port > c.core.NumPorts() {
		return fmt.Errorf("%w: %d", pkg.ErrInvalidPort, port)
	}
	return nil
}

// NumPorts returns the number of root hub ports.
func (c *Controller) NumPorts() int {
	return c.core.NumPorts()
}

// GetPortStatus returns the status of a port.
func (c *Controller) GetPortStatus(port int) (hal.PortStatus, error) {
	if err := c.checkPort(port); err != nil {
		return hal.PortStatus{}, err
	}
	return c.core.PortStatus(port)
}

// PortSpeed returns the speed of the device on port, or SpeedUnknown.
func (c *Controller) PortSpeed(port int) hal.Speed {
	st, err := c.GetPortStatus(port)
	if err != nil || !st.Connected {
		return hal.SpeedUnknown
	}
	return st.Speed
}

// ResetPort resets a port.
func (c *Controller) ResetPort(port int) error {
	if err := c.checkPort(port); err != nil {
		return err
	}
	return c.core.ResetPort(port)
}

// EnablePort enables or disables a port.
func (c *Controller) EnablePort(port int, enable bool) error {
	if err := c.checkPort(port); err != nil {
		return err
	}
	return c.core.EnablePort(port, enable)
}

// WaitForConnection blocks until a device connects.
func (c *Controller) WaitForConnection(ctx context.Context) (int, error) {
	return c.waitPort(ctx, c.connectCh)
}

// WaitForDisconnection blocks until a device disconnects.
func (c *Controller) WaitForDisconnection(ctx context.Context) (int, error) {
	return c.waitPort(ctx, c.disconnectCh)
}

func (c *Controller) waitPort(ctx context.Context, ch <-chan int) (int, error) {
	c.mu.Lock()
	cctx := c.ctx
	c.mu.Unlock()
	if cctx == nil {
		return 0, pkg.ErrNotRunning
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-cctx.Done():
		return 0, pkg.ErrCancelled
	case port := <-ch:
		return port, nil
	}
}
