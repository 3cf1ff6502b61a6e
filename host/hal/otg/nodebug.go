//go:build !hcddebug

package otg

const debugChecks = false
