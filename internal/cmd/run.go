package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softhcd/host"
	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/host/hal/dma"
	"github.com/ardnew/softhcd/host/hal/otg"
	"github.com/ardnew/softhcd/host/hal/otg/sim"
	"github.com/ardnew/softhcd/pkg"
	"github.com/ardnew/softhcd/pkg/prof"
	"github.com/ardnew/softhcd/pkg/usbid"
)

// ErrEchoMismatch reports echoed data that differs from what was sent.
var ErrEchoMismatch = errors.New("echo mismatch")

// deviceAddress is assigned to the loopback device during enumeration.
const deviceAddress hal.DeviceAddress = 1

// Run drives echo traffic through an OTG controller attached to a simulated
// core and loopback device.
type Run struct {
	Workers    int           `help:"Concurrent echo workers, one bulk endpoint pair each" default:"4" env:"SOFTHCD_WORKERS"`
	Transfers  int           `help:"Echo round trips per worker" default:"100" env:"SOFTHCD_TRANSFERS"`
	Size       int           `help:"Largest transfer in bytes" default:"512" env:"SOFTHCD_SIZE"`
	Offset     int           `help:"Bytes past an alignment boundary that caller buffers start at" default:"1" env:"SOFTHCD_OFFSET"`
	Channels   int           `help:"Simulated host channels" default:"8" env:"SOFTHCD_CHANNELS"`
	Alignment  int           `help:"DMA alignment in bytes" default:"32" env:"SOFTHCD_ALIGNMENT"`
	Allocator  string        `help:"Scratch buffer allocator" enum:"heap,arena" default:"heap" env:"SOFTHCD_ALLOCATOR"`
	ArenaSlots int           `help:"Slots in the arena allocator" default:"64" env:"SOFTHCD_ARENA_SLOTS"`
	Lock       bool          `help:"Lock arena memory into RAM" env:"SOFTHCD_LOCK"`
	Latency    time.Duration `help:"Simulated channel latency" default:"0s" env:"SOFTHCD_LATENCY"`
	Timeout    time.Duration `help:"Abort the run after this long" default:"1m" env:"SOFTHCD_TIMEOUT"`
	IDDatabase string        `help:"usb.ids file for vendor and product names (standard locations when empty)" type:"path" env:"SOFTHCD_ID_DATABASE"`

	Profile ProfileConfig `embed:"" prefix:"profile."`
}

// ProfileConfig selects runtime profiles to capture during a run. It takes
// effect only in binaries built with the "profile" tag.
type ProfileConfig struct {
	CPU       string `help:"Write a CPU profile to this file" type:"path"`
	Heap      string `help:"Write a heap profile to this file" type:"path"`
	Goroutine string `help:"Write a goroutine profile to this file" type:"path"`
	Block     string `help:"Write a block profile to this file" type:"path"`
	Mutex     string `help:"Write a mutex profile to this file" type:"path"`
}

// Report summarizes a run.
type Report struct {
	Controller otg.Stats
	Core       sim.Stats
	Allocator  dma.Stats
	Bytes      uint64
	Live       int
	Elapsed    time.Duration
}

// Run is called by kong when the run command is executed.
func (r *Run) Run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep, err := r.Execute(ctx, logger)
	if err != nil {
		return err
	}
	st := rep.Controller
	logger.Info("run complete",
		"elapsed", rep.Elapsed,
		"bytes", rep.Bytes,
		"submitted", st.Submitted,
		"completed", st.Completed,
		"failed", st.Failed,
		"borrowed", st.Borrowed,
		"substituted", st.Substituted,
		"setup_reuse", st.SetupReuse,
		"copied_back", st.CopiedBack,
		"released", st.Released,
		"overruns", st.Overruns,
		"dma_allocs", rep.Allocator.Allocs,
		"dma_live", rep.Live)
	return nil
}

func (r *Run) validate() error {
	switch {
	case r.Workers < 1 || r.Workers > sim.MaxLoopbackPairs:
		return fmt.Errorf("%w: workers must be 1..%d", pkg.ErrInvalidParameter, sim.MaxLoopbackPairs)
	case r.Transfers < 1:
		return fmt.Errorf("%w: transfers must be positive", pkg.ErrInvalidParameter)
	case r.Size < 1:
		return fmt.Errorf("%w: size must be positive", pkg.ErrInvalidParameter)
	case r.Offset < 0:
		return fmt.Errorf("%w: offset must not be negative", pkg.ErrInvalidParameter)
	}
	return nil
}

// Execute runs the workload and returns its report. The run fails if any
// echo differs or if a DMA buffer is still live once the controller closed.
func (r *Run) Execute(ctx context.Context, logger *slog.Logger) (Report, error) {
	var rep Report
	if err := r.validate(); err != nil {
		return rep, err
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	session, err := prof.Start(prof.Config(r.Profile))
	if err != nil {
		return rep, fmt.Errorf("profiling: %w", err)
	}
	defer func() {
		if err := session.Stop(); err != nil {
			logger.Warn("profile not written", "error", err)
		}
	}()
	start := time.Now()

	alloc, closeAlloc, err := r.newAllocator()
	if err != nil {
		return rep, err
	}
	defer closeAlloc()
	tracker := dma.NewTracker(alloc)

	core := sim.New(sim.Config{
		Channels:  r.Channels,
		Alignment: r.Alignment,
		Latency:   r.Latency,
	})
	fn, err := sim.NewLoopback(r.Workers, 64)
	if err != nil {
		return rep, err
	}

	ctrl, err := otg.New(core, otg.Config{Allocator: tracker})
	if err != nil {
		return rep, err
	}
	if err := ctrl.Init(ctx); err != nil {
		return rep, err
	}
	if err := ctrl.Start(); err != nil {
		return rep, err
	}
	closed := false
	defer func() {
		if !closed {
			_ = ctrl.Close()
		}
	}()

	core.Attach(fn, hal.SpeedFull)
	port, err := ctrl.WaitForConnection(ctx)
	if err != nil {
		return rep, fmt.Errorf("waiting for device: %w", err)
	}

	names := usbid.New()
	if r.IDDatabase != "" {
		names = usbid.NewWithPaths(r.IDDatabase)
	}
	names.Load()

	eps, err := enumerate(ctx, ctrl, port, r.Offset, names, logger)
	if err != nil {
		return rep, fmt.Errorf("enumeration: %w", err)
	}

	bytesMoved, err := r.echo(ctx, ctrl, eps, logger)
	rep.Bytes = bytesMoved
	rep.Controller = ctrl.Stats()
	rep.Core = core.Stats()

	closed = true
	if cerr := ctrl.Close(); cerr != nil && err == nil {
		err = cerr
	}
	rep.Live = tracker.Live()
	rep.Allocator = tracker.Stats()
	rep.Elapsed = time.Since(start)
	if err != nil {
		return rep, err
	}
	return rep, tracker.Check()
}

// newAllocator builds the scratch allocator and its cleanup.
func (r *Run) newAllocator() (dma.Allocator, func(), error) {
	if r.Allocator != "arena" {
		h, err := dma.NewHeap(r.Alignment)
		return h, func() {}, err
	}

	// Slots must hold a whole-packet IN buffer of the largest transfer and
	// the configuration tree read during enumeration.
	slot := dma.AlignUp(max(r.Size, 256), 64)
	a, err := dma.NewArena(dma.ArenaConfig{
		Alignment: r.Alignment,
		SlotSize:  slot,
		Slots:     max(r.ArenaSlots, 2*r.Workers+4),
		Lock:      r.Lock,
	})
	if err != nil {
		return nil, nil, err
	}
	return a, func() {
		if err := a.Close(); err != nil {
			pkg.LogWarn(pkg.ComponentDMA, "arena close", "error", err)
		}
	}, nil
}

// endpointPair is the OUT and IN endpoint of one echo worker.
type endpointPair struct {
	out, in *otg.ED
}

// enumerate configures the loopback device and opens its bulk endpoints.
// Descriptors are read into a caller buffer at the run's offset.
func enumerate(ctx context.Context, ctrl *otg.Controller, port, offset int, names *usbid.Database, logger *slog.Logger) ([]endpointPair, error) {
	buf := callerBuffer(host.MaxDescriptorSize, offset, ctrl.Alignment())
	dev, err := host.Enumerate(ctx, ctrl, port, deviceAddress, buf)
	if err != nil {
		return nil, err
	}

	pairs := map[uint8]*endpointPair{}
	for _, desc := range dev.Endpoints() {
		ed, err := ctrl.OpenEndpoint(dev.Address(), desc)
		if err != nil {
			return nil, err
		}
		p := pairs[desc.Number()]
		if p == nil {
			p = &endpointPair{}
			pairs[desc.Number()] = p
		}
		if desc.IsIn() {
			p.in = ed
		} else {
			p.out = ed
		}
	}

	eps := make([]endpointPair, 0, len(pairs))
	for num := uint8(1); num <= 15; num++ {
		if p := pairs[num]; p != nil && p.in != nil && p.out != nil {
			eps = append(eps, *p)
		}
	}
	logger.Info("device ready",
		"device", dev.String(),
		"vendor", names.Vendor(dev.VendorID()),
		"product", names.Product(dev.VendorID(), dev.ProductID()),
		"pairs", len(eps))
	return eps, nil
}

// echo runs one worker per endpoint pair. Each sends Transfers payloads of
// varying size and checks that the device returns them unchanged.
func (r *Run) echo(ctx context.Context, ctrl *otg.Controller, eps []endpointPair, logger *slog.Logger) (uint64, error) {
	if len(eps) < r.Workers {
		return 0, fmt.Errorf("%w: device has %d endpoint pairs, need %d", pkg.ErrInvalidEndpoint, len(eps), r.Workers)
	}

	moved := make([]uint64, r.Workers)
	g, ctx := errgroup.WithContext(ctx)
	for w := range r.Workers {
		pair := eps[w]
		g.Go(func() error {
			for i := range r.Transfers {
				size := 1 + (w*131+i*61)%r.Size
				out := callerBuffer(size, r.Offset, ctrl.Alignment())
				fillPattern(out, byte(w), i)

				if err := transfer(ctx, ctrl, pair.out, out); err != nil {
					return fmt.Errorf("worker %d OUT %d: %w", w, i, err)
				}
				in := callerBuffer(size, r.Offset, ctrl.Alignment())
				if err := transfer(ctx, ctrl, pair.in, in); err != nil {
					return fmt.Errorf("worker %d IN %d: %w", w, i, err)
				}
				if !bytes.Equal(out, in) {
					return fmt.Errorf("%w: worker %d transfer %d (%d bytes)", ErrEchoMismatch, w, i, size)
				}
				moved[w] += 2 * uint64(size)
			}
			logger.Debug("worker done", "worker", w, "transfers", r.Transfers)
			return nil
		})
	}
	err := g.Wait()

	var total uint64
	for _, n := range moved {
		total += n
	}
	return total, err
}

// transfer submits one request on ed and waits for the whole buffer.
func transfer(ctx context.Context, ctrl *otg.Controller, ed *otg.ED, data []byte) error {
	req := otg.NewRequest(data)
	req.Context = ctx
	if err := ctrl.Submit(ed, req); err != nil {
		return err
	}
	n, err := req.Wait()
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("%w: %d of %d bytes", pkg.ErrUnderrun, n, len(data))
	}
	return nil
}

// callerBuffer returns n bytes starting off bytes past an align boundary,
// the way an application buffer inside a larger struct often sits.
func callerBuffer(n, off, align int) []byte {
	raw := make([]byte, n+off+align)
	for base := range align {
		if dma.IsAligned(raw[base:], align) {
			return raw[base+off : base+off+n : base+off+n]
		}
	}
	return raw[off : off+n : off+n]
}

func fillPattern(b []byte, seed byte, round int) {
	for i := range b {
		b[i] = seed ^ byte(round) ^ byte(i*7)
	}
}
