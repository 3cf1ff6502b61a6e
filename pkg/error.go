package pkg

import "errors"

// USB protocol errors.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrNAK indicates a NAK response (device busy).
	ErrNAK = errors.New("NAK received")

	// ErrTimeout indicates a transfer timeout.
	ErrTimeout = errors.New("transfer timeout")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrOverrun indicates the controller reported more data than the
	// transfer buffer can hold.
	ErrOverrun = errors.New("data overrun")

	// ErrUnderrun indicates a data underrun condition.
	ErrUnderrun = errors.New("data underrun")

	// ErrProtocol indicates a protocol error.
	ErrProtocol = errors.New("protocol error")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidPort indicates a root hub port number out of range.
	ErrInvalidPort = errors.New("invalid port")

	// ErrAlreadyRunning indicates the controller is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the controller is not running.
	ErrNotRunning = errors.New("not running")

	// ErrNotConnected indicates no device is attached to the port.
	ErrNotConnected = errors.New("device not connected")

	// ErrClosed indicates the controller or allocator has been closed.
	ErrClosed = errors.New("closed")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrBusy indicates the endpoint already has a transfer in flight.
	ErrBusy = errors.New("resource busy")
)

// Host controller and DMA errors.
var (
	// ErrMisaligned indicates a buffer handed to the controller does not
	// satisfy its DMA alignment.
	ErrMisaligned = errors.New("buffer not DMA aligned")

	// ErrNoMemory indicates the DMA allocator is exhausted.
	ErrNoMemory = errors.New("insufficient DMA memory")

	// ErrLengthOverflow indicates a transfer length exceeds a buffer's capacity.
	ErrLengthOverflow = errors.New("length exceeds buffer capacity")

	// ErrNoChannel indicates no host channel could be acquired.
	ErrNoChannel = errors.New("no host channel available")

	// ErrChannelHalted indicates the host channel was halted before the
	// transaction finished.
	ErrChannelHalted = errors.New("channel halted")

	// ErrDoubleRelease indicates a DMA buffer was released more than once.
	ErrDoubleRelease = errors.New("DMA buffer released twice")
)

// TransferStatus represents the completion status of a USB transfer.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusPending   TransferStatus = iota // Transfer not completed yet
	TransferStatusSuccess                         // Transfer completed successfully
	TransferStatusError                           // Transfer failed with error
	TransferStatusStall                           // Endpoint stalled
	TransferStatusNAK                             // NAK received
	TransferStatusTimeout                         // Transfer timed out
	TransferStatusCancelled                       // Transfer was cancelled
	TransferStatusOverrun                         // Data overrun
	TransferStatusUnderrun                        // Data underrun
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusPending:
		return "pending"
	case TransferStatusSuccess:
		return "success"
	case TransferStatusError:
		return "error"
	case TransferStatusStall:
		return "stall"
	case TransferStatusNAK:
		return "nak"
	case TransferStatusTimeout:
		return "timeout"
	case TransferStatusCancelled:
		return "cancelled"
	case TransferStatusOverrun:
		return "overrun"
	case TransferStatusUnderrun:
		return "underrun"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the transfer status.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusSuccess:
		return nil
	case TransferStatusStall:
		return ErrStall
	case TransferStatusNAK:
		return ErrNAK
	case TransferStatusTimeout:
		return ErrTimeout
	case TransferStatusCancelled:
		return ErrCancelled
	case TransferStatusOverrun:
		return ErrOverrun
	case TransferStatusUnderrun:
		return ErrUnderrun
	default:
		return ErrProtocol
	}
}

// StatusOf maps an error returned by a controller core to a transfer status.
func StatusOf(err error) TransferStatus {
	switch {
	case err == nil:
		return TransferStatusSuccess
	case errors.Is(err, ErrStall):
		return TransferStatusStall
	case errors.Is(err, ErrNAK):
		return TransferStatusNAK
	case errors.Is(err, ErrTimeout):
		return TransferStatusTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, ErrChannelHalted):
		return TransferStatusCancelled
	case errors.Is(err, ErrOverrun):
		return TransferStatusOverrun
	case errors.Is(err, ErrUnderrun):
		return TransferStatusUnderrun
	default:
		return TransferStatusError
	}
}
