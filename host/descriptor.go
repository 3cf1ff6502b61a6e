package host

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softhcd/host/hal"
)

// Descriptor sizes.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7

	// MaxDescriptorSize bounds the configuration tree read during
	// enumeration.
	MaxDescriptorSize = 512
)

// DeviceDescriptor represents a USB device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// ParseDeviceDescriptor parses a device descriptor from data.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) bool {
	if len(data) < DeviceDescriptorSize || data[1] != hal.DescriptorDevice {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.USBVersion = binary.LittleEndian.Uint16(data[2:])
	out.DeviceClass = data[4]
	out.DeviceSubClass = data[5]
	out.DeviceProtocol = data[6]
	out.MaxPacketSize0 = data[7]
	out.VendorID = binary.LittleEndian.Uint16(data[8:])
	out.ProductID = binary.LittleEndian.Uint16(data[10:])
	out.DeviceVersion = binary.LittleEndian.Uint16(data[12:])
	out.ManufacturerIndex = data[14]
	out.ProductIndex = data[15]
	out.SerialNumberIndex = data[16]
	out.NumConfigurations = data[17]
	return true
}

// ConfigurationDescriptor represents the header of a configuration tree.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8
}

// ParseConfigurationDescriptor parses a configuration descriptor header.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) bool {
	if len(data) < ConfigurationDescriptorSize || data[1] != hal.DescriptorConfiguration {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.TotalLength = binary.LittleEndian.Uint16(data[2:])
	out.NumInterfaces = data[4]
	out.ConfigurationValue = data[5]
	out.ConfigurationIndex = data[6]
	out.Attributes = data[7]
	out.MaxPower = data[8]
	return true
}

// InterfaceDescriptor represents a USB interface descriptor.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// ParseInterfaceDescriptor parses an interface descriptor from data.
func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) bool {
	if len(data) < InterfaceDescriptorSize || data[1] != hal.DescriptorInterface {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.InterfaceNumber = data[2]
	out.AlternateSetting = data[3]
	out.NumEndpoints = data[4]
	out.InterfaceClass = data[5]
	out.InterfaceSubClass = data[6]
	out.InterfaceProtocol = data[7]
	out.InterfaceIndex = data[8]
	return true
}

// ParseEndpointDescriptor parses an endpoint descriptor into the form the
// controller opens endpoints with.
func ParseEndpointDescriptor(data []byte, out *hal.EndpointDescriptor) bool {
	if len(data) < EndpointDescriptorSize || data[1] != hal.DescriptorEndpoint {
		return false
	}
	out.Address = data[2]
	out.Attributes = data[3]
	out.MaxPacketSize = binary.LittleEndian.Uint16(data[4:])
	out.Interval = data[6]
	return true
}

// Interface is an interface descriptor and the endpoints that follow it.
type Interface struct {
	Descriptor InterfaceDescriptor
	Endpoints  []hal.EndpointDescriptor
}

// Configuration is a parsed configuration tree.
type Configuration struct {
	Descriptor ConfigurationDescriptor
	Interfaces []Interface
}

// ParseConfiguration walks a configuration tree. Class-specific and
// unknown descriptors are skipped; a truncated trailing descriptor ends
// the walk.
func ParseConfiguration(data []byte) (Configuration, error) {
	var cfg Configuration
	if !ParseConfigurationDescriptor(data, &cfg.Descriptor) {
		return cfg, fmt.Errorf("%w: configuration header", ErrMalformedDescriptor)
	}

	for i := int(cfg.Descriptor.Length); i+2 <= len(data); {
		length := int(data[i])
		if length < 2 || i+length > len(data) {
			break
		}
		d := data[i : i+length]

		switch d[1] {
		case hal.DescriptorInterface:
			var iface Interface
			if !ParseInterfaceDescriptor(d, &iface.Descriptor) {
				return cfg, fmt.Errorf("%w: interface at offset %d", ErrMalformedDescriptor, i)
			}
			cfg.Interfaces = append(cfg.Interfaces, iface)
		case hal.DescriptorEndpoint:
			var ep hal.EndpointDescriptor
			if !ParseEndpointDescriptor(d, &ep) {
				return cfg, fmt.Errorf("%w: endpoint at offset %d", ErrMalformedDescriptor, i)
			}
			if n := len(cfg.Interfaces); n > 0 {
				cfg.Interfaces[n-1].Endpoints = append(cfg.Interfaces[n-1].Endpoints, ep)
			}
		}
		i += length
	}
	return cfg, nil
}

// Endpoints returns every endpoint in the tree in descriptor order.
func (c *Configuration) Endpoints() []hal.EndpointDescriptor {
	var eps []hal.EndpointDescriptor
	for _, iface := range c.Interfaces {
		eps = append(eps, iface.Endpoints...)
	}
	return eps
}
