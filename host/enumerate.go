package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/pkg"
)

// Enumeration errors.
var (
	ErrEnumerationFailed   = errors.New("enumeration failed")
	ErrMalformedDescriptor = errors.New("malformed descriptor")
)

// Enumerate resets the device on port, moves it to addr, reads its device
// and configuration descriptors, and selects its first configuration.
//
// Every descriptor is read into buf, which need not be DMA aligned; the
// controller stages each read as it sees fit. buf must hold at least a
// device descriptor, and configuration trees longer than buf are
// truncated to it.
func Enumerate(ctx context.Context, h hal.HostHAL, port int, addr hal.DeviceAddress, buf []byte) (*Device, error) {
	if addr == 0 || addr > 127 {
		return nil, fmt.Errorf("%w: device address %d", pkg.ErrInvalidParameter, addr)
	}
	if len(buf) < DeviceDescriptorSize {
		return nil, fmt.Errorf("%w: descriptor buffer of %d bytes", pkg.ErrInvalidParameter, len(buf))
	}

	if err := h.ResetPort(port); err != nil {
		return nil, err
	}
	dev := &Device{
		address: addr,
		port:    port,
		speed:   h.PortSpeed(port),
	}

	// Only the first 8 bytes are safe before the default endpoint's packet
	// size is known.
	n, err := getDescriptor(ctx, h, 0, hal.DescriptorDevice, buf[:8])
	if err != nil {
		return nil, fmt.Errorf("%w: device descriptor: %w", ErrEnumerationFailed, err)
	}
	if n < 8 {
		return nil, fmt.Errorf("%w: short device descriptor (%d bytes)", ErrEnumerationFailed, n)
	}
	pkg.LogDebug(pkg.ComponentHCD, "default endpoint",
		"port", port,
		"speed", dev.speed,
		"mps0", buf[7])

	if err := h.SetDeviceAddress(ctx, addr); err != nil {
		return nil, fmt.Errorf("%w: set address: %w", ErrEnumerationFailed, err)
	}

	n, err = getDescriptor(ctx, h, addr, hal.DescriptorDevice, buf[:DeviceDescriptorSize])
	if err != nil {
		return nil, fmt.Errorf("%w: device descriptor: %w", ErrEnumerationFailed, err)
	}
	if !ParseDeviceDescriptor(buf[:n], &dev.desc) {
		return nil, fmt.Errorf("%w: device descriptor", ErrMalformedDescriptor)
	}

	n, err = getDescriptor(ctx, h, addr, hal.DescriptorConfiguration, buf[:ConfigurationDescriptorSize])
	if err != nil {
		return nil, fmt.Errorf("%w: configuration header: %w", ErrEnumerationFailed, err)
	}
	var hdr ConfigurationDescriptor
	if !ParseConfigurationDescriptor(buf[:n], &hdr) {
		return nil, fmt.Errorf("%w: configuration header", ErrMalformedDescriptor)
	}

	total := min(int(hdr.TotalLength), len(buf))
	n, err = getDescriptor(ctx, h, addr, hal.DescriptorConfiguration, buf[:total])
	if err != nil {
		return nil, fmt.Errorf("%w: configuration: %w", ErrEnumerationFailed, err)
	}
	if dev.config, err = ParseConfiguration(buf[:n]); err != nil {
		return nil, err
	}

	setup := hal.SetupPacket{
		RequestType: hal.RequestTypeStd,
		Request:     hal.RequestSetConfiguration,
		Value:       uint16(dev.config.Descriptor.ConfigurationValue),
	}
	if _, err := h.ControlTransfer(ctx, addr, &setup, nil); err != nil {
		return nil, fmt.Errorf("%w: set configuration: %w", ErrEnumerationFailed, err)
	}

	pkg.LogInfo(pkg.ComponentHCD, "device configured",
		"device", dev,
		"interfaces", len(dev.config.Interfaces),
		"endpoints", len(dev.Endpoints()))
	return dev, nil
}

func getDescriptor(ctx context.Context, h hal.HostHAL, addr hal.DeviceAddress, typ uint8, buf []byte) (int, error) {
	setup := hal.SetupPacket{
		RequestType: hal.RequestDirIn,
		Request:     hal.RequestGetDescriptor,
		Value:       uint16(typ) << 8,
		Length:      uint16(len(buf)),
	}
	return h.ControlTransfer(ctx, addr, &setup, buf)
}
