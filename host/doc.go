// Package host enumerates devices through any [hal.HostHAL].
//
// [Enumerate] performs the standard sequence against a freshly attached
// device: port reset, a first 8-byte device descriptor read at the default
// address, SET_ADDRESS, the full device descriptor, the configuration
// tree, and SET_CONFIGURATION. The resulting [Device] exposes the parsed
// descriptors so callers can open the endpoints they need.
//
// Descriptor reads go into a caller-provided buffer with no alignment
// requirement, which makes enumeration a natural exercise of the
// controller's DMA staging: the short reads land in the control
// endpoint's setup buffer and the configuration tree in scratch memory.
package host
