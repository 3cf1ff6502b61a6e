// Package hal defines the Hardware Abstraction Layer interface between a USB
// host stack and a host controller driver.
//
// The [HostHAL] interface covers controller lifecycle, root hub port
// management, and the four USB transfer types. Buffers passed through it
// belong to the caller and may have any alignment; meeting the controller's
// DMA constraints is the driver's job.
//
// The OTG channel-based driver in [github.com/ardnew/softhcd/host/hal/otg]
// implements HostHAL.
package hal
