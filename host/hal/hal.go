package hal

import (
	"context"
	"encoding/binary"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 Specification).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// MaxPacketSize0 returns the default control endpoint packet size for s.
func (s Speed) MaxPacketSize0() uint16 {
	switch s {
	case SpeedLow:
		return 8
	case SpeedHigh:
		return 64
	default:
		return 64
	}
}

// PortStatus represents the status of a host port.
type PortStatus struct {
	Connected     bool  // Device is connected
	Enabled       bool  // Port is enabled
	Suspended     bool  // Port is suspended
	OverCurrent   bool  // Over-current condition detected
	Reset         bool  // Port is being reset
	PowerOn       bool  // Port has power applied
	Speed         Speed // Connected device speed
	ConnectChange bool  // Connection status has changed
	EnableChange  bool  // Enable status has changed
}

// Standard request codes (USB 2.0 Table 9-4).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
)

// Descriptor types (USB 2.0 Table 9-5).
const (
	DescriptorDevice        = 0x01
	DescriptorConfiguration = 0x02
	DescriptorString        = 0x03
	DescriptorInterface     = 0x04
	DescriptorEndpoint      = 0x05
)

// bmRequestType bits.
const (
	RequestDirIn      = 0x80
	RequestTypeMask   = 0x60
	RequestTypeStd    = 0x00
	RequestTypeClass  = 0x20
	RequestTypeVendor = 0x40
)

// SetupPacket represents a USB SETUP packet in the HAL layer.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = binary.LittleEndian.Uint16(data[2:4])
	out.Index = binary.LittleEndian.Uint16(data[4:6])
	out.Length = binary.LittleEndian.Uint16(data[6:8])
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:4], s.Value)
	binary.LittleEndian.PutUint16(buf[4:6], s.Index)
	binary.LittleEndian.PutUint16(buf[6:8], s.Length)
	return SetupPacketSize
}

// IsIn reports whether the data stage (if any) flows device-to-host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&RequestDirIn != 0
}

// TransferType indicates the type of USB transfer.
type TransferType uint8

// Transfer type constants.
const (
	TransferControl     TransferType = 0 // Control transfer
	TransferIsochronous TransferType = 1 // Isochronous transfer
	TransferBulk        TransferType = 2 // Bulk transfer
	TransferInterrupt   TransferType = 3 // Interrupt transfer
)

// String returns the transfer type name.
func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// EndpointDescriptor describes an endpoint for HAL configuration.
type EndpointDescriptor struct {
	Address       uint8  // Endpoint address including direction bit
	Attributes    uint8  // Transfer type and sync/usage flags
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval for interrupt/isochronous
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointDescriptor) IsIn() bool {
	return e.Address&0x80 != 0
}

// TransferType returns the transfer type.
func (e *EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.Attributes & 0x03)
}

// DeviceAddress represents a USB device address (1-127).
type DeviceAddress uint8

// HostHAL defines the Hardware Abstraction Layer interface for USB host stacks.
//
// Host controller drivers implement this interface so that a host stack can
// run on top of them without knowing the controller's channel layout or its
// DMA constraints.
type HostHAL interface {
	// Init initializes the USB host controller hardware.
	Init(ctx context.Context) error

	// Start enables the host controller and applies power to ports.
	Start() error

	// Stop disables the host controller and removes power from ports.
	Stop() error

	// Close releases all resources associated with the HAL.
	Close() error

	// NumPorts returns the number of root hub ports.
	NumPorts() int

	// GetPortStatus returns the status of a port (1-indexed).
	GetPortStatus(port int) (PortStatus, error)

	// PortSpeed returns the connection speed of a device on the given port.
	PortSpeed(port int) Speed

	// ResetPort initiates a port reset (1-indexed).
	ResetPort(port int) error

	// EnablePort enables or disables a port.
	EnablePort(port int, enable bool) error

	// ControlTransfer performs a control transfer to a device.
	// Returns the number of bytes transferred in the data phase.
	ControlTransfer(ctx context.Context, addr DeviceAddress, setup *SetupPacket, data []byte) (int, error)

	// BulkTransfer performs a bulk transfer to/from an endpoint.
	BulkTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// InterruptTransfer performs an interrupt transfer to/from an endpoint.
	InterruptTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// IsochronousTransfer performs an isochronous transfer.
	IsochronousTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// SetDeviceAddress assigns an address to a device at address 0.
	SetDeviceAddress(ctx context.Context, newAddr DeviceAddress) error

	// ClaimInterface claims exclusive access to an interface on a device.
	ClaimInterface(addr DeviceAddress, iface uint8) error

	// ReleaseInterface releases a previously claimed interface.
	ReleaseInterface(addr DeviceAddress, iface uint8) error

	// WaitForConnection blocks until a device connects or context is cancelled.
	// Returns the port number (1-indexed) where the device connected.
	WaitForConnection(ctx context.Context) (int, error)

	// WaitForDisconnection blocks until a device disconnects or context is cancelled.
	WaitForDisconnection(ctx context.Context) (int, error)
}
