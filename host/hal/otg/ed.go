package otg

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/host/hal/dma"
	"github.com/ardnew/softhcd/pkg"
)

// Direction is the data direction of an endpoint or control stage.
type Direction uint8

// Directions relative to the host.
const (
	DirOut Direction = iota // Host to device
	DirIn                   // Device to host
)

// String returns "IN" or "OUT".
func (d Direction) String() string {
	if d == DirIn {
		return "IN"
	}
	return "OUT"
}

// DirectionOf returns the direction encoded in an endpoint address.
func DirectionOf(epAddr uint8) Direction {
	if epAddr&0x80 != 0 {
		return DirIn
	}
	return DirOut
}

// Ownership classifies what the ED's DMA slot refers to.
type Ownership uint8

// Slot ownership states.
const (
	// NoBuffer: nothing is staged; either idle or a zero-length stage.
	NoBuffer Ownership = iota
	// BorrowedCallerBuffer: the caller's buffer met the DMA constraints
	// and was handed to the core directly. Nothing to copy or free.
	BorrowedCallerBuffer
	// OwnedScratch: a one-shot scratch buffer owned by this transfer.
	OwnedScratch
	// PersistentSetupBuffer: the ED's own setup buffer. Never freed by
	// transfer completion.
	PersistentSetupBuffer
)

// String returns the ownership state name.
func (o Ownership) String() string {
	switch o {
	case NoBuffer:
		return "none"
	case BorrowedCallerBuffer:
		return "borrowed"
	case OwnedScratch:
		return "scratch"
	case PersistentSetupBuffer:
		return "setup"
	default:
		return "unknown"
	}
}

// Request is one caller-initiated USB transaction.
type Request struct {
	// Data is the caller's buffer. It stays owned by the caller; the driver
	// only writes received bytes into it on completion.
	Data []byte

	// ActualLength is the number of bytes transferred. It is set by the
	// controller before the request is completed.
	ActualLength int

	// Status and Err describe the outcome once Done is closed.
	Status pkg.TransferStatus
	Err    error

	// Context, when set, halts the channel if it is cancelled first.
	Context context.Context

	// Callback is invoked from the completion goroutine after Done closes.
	// It must not block: every other completion waits behind it.
	Callback func(*Request)

	done     chan struct{}
	inflight atomic.Bool
}

// NewRequest returns a pending request for data.
func NewRequest(data []byte) *Request {
	return &Request{
		Data: data,
		done: make(chan struct{}),
	}
}

// Done is closed when the request completes.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the request completes and returns its result. It never
// returns early: until completion the driver may still write into Data.
func (r *Request) Wait() (int, error) {
	<-r.done
	return r.ActualLength, r.Err
}

// reset readies the request for (re)submission. It fails with
// [pkg.ErrBusy] while the request is still in flight on some ED.
func (r *Request) reset() error {
	if !r.inflight.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: request already in flight", pkg.ErrBusy)
	}
	if r.done != nil {
		select {
		case <-r.done:
		default:
			r.prime()
			return nil
		}
	}
	r.done = make(chan struct{})
	r.prime()
	return nil
}

func (r *Request) prime() {
	r.Status = pkg.TransferStatusPending
	r.Err = nil
	r.ActualLength = 0
}

// abandon returns a request that was never started to the idle state.
func (r *Request) abandon() {
	r.inflight.Store(false)
}

func (r *Request) complete(err error) {
	if err != nil && r.Err == nil {
		r.Err = err
	}
	r.Status = pkg.StatusOf(r.Err)
	r.inflight.Store(false)
	close(r.done)
	if r.Callback != nil {
		r.Callback(r)
	}
}

// ED is the driver's state for one endpoint of one device.
//
// While a request is in flight the ED belongs to the completion path; the
// submitting goroutine does not touch it again until the request is done.
type ED struct {
	DevAddr       hal.DeviceAddress
	EPAddr        uint8
	Type          hal.TransferType
	MaxPacketSize uint16

	// Dir is the direction of the current transfer. It follows EPAddr for
	// data endpoints and the current stage for control endpoints.
	Dir Direction

	request *Request

	// DMA slot. data is what the core sees; buf is set only while the slot
	// is OwnedScratch.
	own  Ownership
	buf  *dma.Buffer
	data []byte

	// setup is the persistent, ED-owned buffer of control endpoints.
	setup *dma.Buffer

	toggle  PID
	channel int
	busy    atomic.Bool

	// ctl serializes SETUP/DATA/STATUS sequences on control endpoints.
	ctl sync.Mutex
}

// newED builds an ED. Control endpoints get a setup buffer that holds one
// full packet so that short control data stages can reuse it.
func newED(addr hal.DeviceAddress, desc hal.EndpointDescriptor, alloc dma.Allocator) (*ED, error) {
	if desc.MaxPacketSize == 0 {
		return nil, fmt.Errorf("%w: endpoint 0x%02X max packet size 0", pkg.ErrInvalidEndpoint, desc.Address)
	}
	ed := &ED{
		DevAddr:       addr,
		EPAddr:        desc.Address,
		Type:          desc.TransferType(),
		MaxPacketSize: desc.MaxPacketSize,
		Dir:           DirectionOf(desc.Address),
		channel:       -1,
	}
	if ed.Type == hal.TransferControl {
		ed.EPAddr &= 0x0F
		size := max(hal.SetupPacketSize, int(desc.MaxPacketSize))
		setup, err := alloc.Alloc(size)
		if err != nil {
			return nil, fmt.Errorf("setup buffer for device %d: %w", addr, err)
		}
		ed.setup = setup
	}
	return ed, nil
}

// Ownership returns the state of the DMA slot.
func (ed *ED) Ownership() Ownership {
	return ed.own
}

// Request returns the request currently attached to the ED, if any.
func (ed *ED) Request() *Request {
	return ed.request
}

// DMA returns the buffer the core transfers through.
func (ed *ED) DMA() []byte {
	return ed.data
}

// SetupBuffer returns the persistent setup buffer (nil for data endpoints).
func (ed *ED) SetupBuffer() *dma.Buffer {
	return ed.setup
}

// Number returns the endpoint number.
func (ed *ED) Number() uint8 {
	return ed.EPAddr & 0x0F
}

// String identifies the ED in logs.
func (ed *ED) String() string {
	return fmt.Sprintf("%d:%02X(%s)", ed.DevAddr, ed.EPAddr, ed.Type)
}

// takeBuffer moves the scratch buffer out of the slot and empties it.
func (ed *ED) takeBuffer() *dma.Buffer {
	buf := ed.buf
	ed.buf = nil
	ed.data = nil
	ed.own = NoBuffer
	return buf
}

// dmaCapacity returns how many bytes the slot can take from the core.
func (ed *ED) dmaCapacity() int {
	switch ed.own {
	case OwnedScratch:
		return ed.buf.Cap()
	case PersistentSetupBuffer:
		return ed.setup.Cap()
	default:
		return len(ed.data)
	}
}

// advanceToggle flips the data toggle once per packet moved.
func (ed *ED) advanceToggle(actual int) {
	packets := 1
	if actual > 0 {
		packets = (actual + int(ed.MaxPacketSize) - 1) / int(ed.MaxPacketSize)
	}
	if packets%2 == 1 {
		if ed.toggle == PIDData0 {
			ed.toggle = PIDData1
		} else {
			ed.toggle = PIDData0
		}
	}
}

// close releases the persistent setup buffer.
func (ed *ED) close() {
	if ed.own == OwnedScratch {
		ed.takeBuffer().Release()
	}
	if ed.own == PersistentSetupBuffer {
		ed.own, ed.data = NoBuffer, nil
	}
	ed.setup.Release()
	ed.setup = nil
}
