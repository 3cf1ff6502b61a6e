//go:build hcddebug

package otg

// debugChecks turns completion length violations into panics.
const debugChecks = true
