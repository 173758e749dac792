//go:build unix && !linux

package sandbox

// applyLimits is a no-op where prlimit(2) is unavailable; the timeout still applies.
func applyLimits(pid int, l Limits) error {
	return nil
}
