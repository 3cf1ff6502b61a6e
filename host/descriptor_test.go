package host

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softhcd/host/hal"
)

var loopbackConfig = []byte{
	9, hal.DescriptorConfiguration, 41, 0, 1, 1, 0, 0x80, 50,
	9, hal.DescriptorInterface, 0, 0, 2, 0xFF, 0, 0, 0,
	5, 0x24, 0x00, 0x10, 0x01, // class-specific, skipped
	7, hal.DescriptorEndpoint, 0x01, 0x02, 0x40, 0x00, 0,
	7, hal.DescriptorEndpoint, 0x81, 0x03, 0x08, 0x00, 10,
	0, 0xFF, // malformed tail is ignored
}

func TestParseDeviceDescriptor(t *testing.T) {
	data := []byte{
		18, hal.DescriptorDevice, 0x00, 0x02, 0xFF, 0, 0, 64,
		0x09, 0x12, 0x01, 0x00, 0x00, 0x01, 1, 2, 3, 1,
	}

	var d DeviceDescriptor
	require.True(t, ParseDeviceDescriptor(data, &d))
	assert.Equal(t, uint16(0x0200), d.USBVersion)
	assert.Equal(t, uint8(64), d.MaxPacketSize0)
	assert.Equal(t, uint16(0x1209), d.VendorID)
	assert.Equal(t, uint16(0x0001), d.ProductID)
	assert.Equal(t, uint8(3), d.SerialNumberIndex)
	assert.Equal(t, uint8(1), d.NumConfigurations)

	assert.False(t, ParseDeviceDescriptor(data[:8], &d), "short")
	data[1] = hal.DescriptorConfiguration
	assert.False(t, ParseDeviceDescriptor(data, &d), "wrong type")
}

func TestParseConfiguration(t *testing.T) {
	cfg, err := ParseConfiguration(loopbackConfig)
	require.NoError(t, err)

	assert.Equal(t, uint16(41), cfg.Descriptor.TotalLength)
	assert.Equal(t, uint8(1), cfg.Descriptor.ConfigurationValue)
	require.Len(t, cfg.Interfaces, 1)
	assert.Equal(t, uint8(0xFF), cfg.Interfaces[0].Descriptor.InterfaceClass)

	eps := cfg.Endpoints()
	require.Len(t, eps, 2)
	assert.Equal(t, hal.EndpointDescriptor{Address: 0x01, Attributes: 0x02, MaxPacketSize: 64}, eps[0])
	assert.Equal(t, hal.EndpointDescriptor{Address: 0x81, Attributes: 0x03, MaxPacketSize: 8, Interval: 10}, eps[1])
}

func TestParseConfiguration_Malformed(t *testing.T) {
	_, err := ParseConfiguration(loopbackConfig[:5])
	assert.ErrorIs(t, err, ErrMalformedDescriptor)

	_, err = ParseConfiguration(loopbackConfig[9:])
	assert.ErrorIs(t, err, ErrMalformedDescriptor, "interface is not a header")

	bad := append([]byte(nil), loopbackConfig[:18]...)
	bad = append(bad, 5, hal.DescriptorEndpoint, 0x81, 0x02, 0x40)
	_, err = ParseConfiguration(bad)
	assert.ErrorIs(t, err, ErrMalformedDescriptor, "endpoint too short")
}

func TestParseConfiguration_EndpointBeforeInterface(t *testing.T) {
	data := []byte{
		9, hal.DescriptorConfiguration, 16, 0, 0, 1, 0, 0x80, 50,
		7, hal.DescriptorEndpoint, 0x81, 0x02, 0x40, 0x00, 0,
	}
	cfg, err := ParseConfiguration(data)
	require.NoError(t, err)
	assert.Empty(t, cfg.Endpoints())
}
