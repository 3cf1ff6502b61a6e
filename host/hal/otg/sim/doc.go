// Package sim provides a simulated channel-based OTG host core and a
// loopback USB function to attach to it.
//
// The simulated [Core] enforces DMA alignment on every channel buffer and
// moves data by writing into the buffer it was started with, so a driver
// that hands it an unreconciled or stale buffer behaves the way it would on
// hardware. [Core.OverReport] injects completions that report more bytes
// than were transferred.
package sim
