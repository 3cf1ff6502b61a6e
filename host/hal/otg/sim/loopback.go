package sim

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/pkg"
)

// Loopback identifiers (pid.codes test VID/PID).
const (
	LoopbackVendorID  = 0x1209
	LoopbackProductID = 0x0001

	// MaxLoopbackPairs is the number of bulk endpoint pairs a loopback
	// function can expose.
	MaxLoopbackPairs = 15

	loopbackQueueDepth = 64
)

// Loopback is a vendor-class function with bulk endpoint pairs 1..N. Data
// written to OUT endpoint n is queued and returned by IN endpoint n. It
// answers the standard requests needed for enumeration.
type Loopback struct {
	mu sync.Mutex

	pairs     int
	mps       uint16
	addr      hal.DeviceAddress
	pending   hal.DeviceAddress
	hasAddr   bool
	config    uint8
	ctrlIn    []byte
	queues    map[uint8][][]byte
	maxPacket uint16
}

var _ Function = (*Loopback)(nil)

// NewLoopback creates a loopback function with the given number of bulk
// endpoint pairs and bulk max packet size.
func NewLoopback(pairs int, mps uint16) (*Loopback, error) {
	if pairs < 1 || pairs > MaxLoopbackPairs {
		return nil, fmt.Errorf("%w: %d endpoint pairs", pkg.ErrInvalidParameter, pairs)
	}
	if mps == 0 {
		mps = 64
	}
	return &Loopback{
		pairs:     pairs,
		mps:       mps,
		maxPacket: 64,
		queues:    make(map[uint8][][]byte),
	}, nil
}

// Pairs returns the number of bulk endpoint pairs.
func (l *Loopback) Pairs() int {
	return l.pairs
}

// Address returns the current bus address.
func (l *Loopback) Address() hal.DeviceAddress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

// Configuration returns the active configuration value.
func (l *Loopback) Configuration() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.config
}

// Reset returns to the default state and drops queued data.
func (l *Loopback) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addr = 0
	l.hasAddr = false
	l.config = 0
	l.ctrlIn = nil
	clear(l.queues)
}

// Setup handles a standard request.
func (l *Loopback) Setup(pkt hal.SetupPacket) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ctrlIn = nil

	if pkt.RequestType&hal.RequestTypeMask != hal.RequestTypeStd {
		return pkg.ErrStall
	}

	switch pkt.Request {
	case hal.RequestGetDescriptor:
		var desc []byte
		switch uint8(pkt.Value >> 8) {
		case hal.DescriptorDevice:
			desc = l.deviceDescriptor()
		case hal.DescriptorConfiguration:
			desc = l.configDescriptor()
		default:
			return pkg.ErrStall
		}
		l.ctrlIn = desc[:min(len(desc), int(pkt.Length))]

	case hal.RequestSetAddress:
		if pkt.Value > 127 {
			return pkg.ErrStall
		}
		l.pending = hal.DeviceAddress(pkt.Value)
		l.hasAddr = true

	case hal.RequestSetConfiguration:
		if pkt.Value > 1 {
			return pkg.ErrStall
		}
		l.config = uint8(pkt.Value)

	case hal.RequestGetConfiguration:
		l.ctrlIn = []byte{l.config}

	case hal.RequestGetStatus:
		l.ctrlIn = []byte{0, 0}

	default:
		return pkg.ErrStall
	}
	return nil
}

// In returns control response data, completes a control status stage, or
// dequeues echoed data for a bulk endpoint.
func (l *Loopback) In(ep uint8, size int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ep == 0 {
		if size == 0 {
			l.statusLocked()
			return nil, nil
		}
		data := l.ctrlIn
		l.ctrlIn = nil
		return data, nil
	}

	if err := l.checkEndpoint(ep); err != nil {
		return nil, err
	}
	q := l.queues[ep]
	if len(q) == 0 {
		return nil, pkg.ErrNAK
	}
	data := q[0]
	l.queues[ep] = q[1:]
	return data, nil
}

// Out queues bulk data for echo. OUT stages on endpoint 0 are accepted and
// a zero-length one completes a control status stage.
func (l *Loopback) Out(ep uint8, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ep == 0 {
		if len(data) == 0 {
			l.statusLocked()
		}
		return nil
	}

	if err := l.checkEndpoint(ep); err != nil {
		return err
	}
	if len(l.queues[ep]) >= loopbackQueueDepth {
		return pkg.ErrNAK
	}
	l.queues[ep] = append(l.queues[ep], append([]byte(nil), data...))
	return nil
}

// statusLocked applies a SET_ADDRESS once its status stage completes.
func (l *Loopback) statusLocked() {
	if l.hasAddr {
		l.addr = l.pending
		l.hasAddr = false
	}
}

func (l *Loopback) checkEndpoint(ep uint8) error {
	if l.config == 0 {
		return fmt.Errorf("%w: endpoint %d used before SET_CONFIGURATION", pkg.ErrStall, ep)
	}
	if int(ep) > l.pairs {
		return fmt.Errorf("%w: no endpoint %d", pkg.ErrStall, ep)
	}
	return nil
}

func (l *Loopback) deviceDescriptor() []byte {
	d := make([]byte, 18)
	d[0] = 18
	d[1] = hal.DescriptorDevice
	binary.LittleEndian.PutUint16(d[2:], 0x0200)
	d[4] = 0xFF // vendor specific
	d[7] = uint8(l.maxPacket)
	binary.LittleEndian.PutUint16(d[8:], LoopbackVendorID)
	binary.LittleEndian.PutUint16(d[10:], LoopbackProductID)
	binary.LittleEndian.PutUint16(d[12:], 0x0100)
	d[17] = 1
	return d
}

func (l *Loopback) configDescriptor() []byte {
	total := 9 + 9 + 7*2*l.pairs
	d := make([]byte, 0, total)

	d = append(d, 9, hal.DescriptorConfiguration, 0, 0, 1, 1, 0, 0x80, 50)
	binary.LittleEndian.PutUint16(d[2:], uint16(total))

	d = append(d, 9, hal.DescriptorInterface, 0, 0, uint8(2*l.pairs), 0xFF, 0, 0, 0)

	for n := 1; n <= l.pairs; n++ {
		for _, addr := range []uint8{uint8(n), 0x80 | uint8(n)} {
			d = append(d, 7, hal.DescriptorEndpoint, addr, uint8(hal.TransferBulk),
				uint8(l.mps), uint8(l.mps>>8), 0)
		}
	}
	return d
}
