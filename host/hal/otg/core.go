package otg

import (
	"context"

	"github.com/ardnew/softhcd/host/hal"
)

// PID is the packet identifier a channel starts a transaction with.
type PID uint8

// Channel packet identifiers.
const (
	PIDData0 PID = iota
	PIDData1
	PIDSetup
)

// String returns the PID name.
func (p PID) String() string {
	switch p {
	case PIDData0:
		return "DATA0"
	case PIDData1:
		return "DATA1"
	case PIDSetup:
		return "SETUP"
	default:
		return "unknown"
	}
}

// ChannelParams programs one host channel for a transfer.
type ChannelParams struct {
	DevAddr       hal.DeviceAddress
	EPNum         uint8
	Dir           Direction
	Type          hal.TransferType
	MaxPacketSize uint16
	PID           PID
	Speed         hal.Speed
}

// ChannelEvent is raised by the core when a channel halts, either because
// the transfer finished or because it failed or was halted.
type ChannelEvent struct {
	Channel int
	Actual  int   // Bytes moved through the channel's DMA buffer
	Err     error // nil on success
}

// PortEvent reports a root hub port connection change.
type PortEvent struct {
	Port      int
	Connected bool
	Speed     hal.Speed
}

// Core is the register-level view of an OTG host core. A Controller owns
// exactly one Core and is its only user; nothing in this package reaches
// the hardware any other way.
//
// Buffers passed to StartChannel must satisfy Alignment. The core may read
// or write them until the matching ChannelEvent is delivered.
type Core interface {
	Init(ctx context.Context) error
	Start() error
	Stop() error
	Close() error

	// NumChannels returns the number of host channels.
	NumChannels() int

	// Alignment returns the DMA alignment the core requires.
	Alignment() int

	NumPorts() int
	PortStatus(port int) (hal.PortStatus, error)
	ResetPort(port int) error
	EnablePort(port int, enable bool) error

	// StartChannel starts a transfer on channel ch using buf as its DMA
	// buffer. The transfer length is len(buf).
	StartChannel(ch int, p ChannelParams, buf []byte) error

	// HaltChannel requests that channel ch stop. Completion is still
	// reported through Events.
	HaltChannel(ch int) error

	// Events delivers channel completions. It is closed by Close.
	Events() <-chan ChannelEvent

	// PortEvents delivers port connection changes. It is closed by Close.
	PortEvents() <-chan PortEvent
}
