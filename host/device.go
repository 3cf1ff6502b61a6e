package host

import (
	"fmt"

	"github.com/ardnew/softhcd/host/hal"
)

// Device is an addressed and configured USB device.
type Device struct {
	address hal.DeviceAddress
	port    int
	speed   hal.Speed
	desc    DeviceDescriptor
	config  Configuration
}

// Address returns the device's bus address.
func (d *Device) Address() hal.DeviceAddress {
	return d.address
}

// Port returns the root hub port the device is attached to.
func (d *Device) Port() int {
	return d.port
}

// Speed returns the device's connection speed.
func (d *Device) Speed() hal.Speed {
	return d.speed
}

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() *DeviceDescriptor {
	return &d.desc
}

// Configuration returns the active configuration.
func (d *Device) Configuration() *Configuration {
	return &d.config
}

// VendorID returns the vendor ID.
func (d *Device) VendorID() uint16 {
	return d.desc.VendorID
}

// ProductID returns the product ID.
func (d *Device) ProductID() uint16 {
	return d.desc.ProductID
}

// Endpoints returns the non-control endpoints of the active configuration.
func (d *Device) Endpoints() []hal.EndpointDescriptor {
	return d.config.Endpoints()
}

func (d *Device) String() string {
	return fmt.Sprintf("%04x:%04x@%d", d.desc.VendorID, d.desc.ProductID, d.address)
}
