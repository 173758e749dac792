//go:build linux

package sandbox

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// applyLimits sets RLIMIT_AS and RLIMIT_CPU on a started process.
func applyLimits(pid int, l Limits) error {
	var errs []error
	if l.MemoryBytes > 0 {
		lim := unix.Rlimit{Cur: uint64(l.MemoryBytes), Max: uint64(l.MemoryBytes)}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil); err != nil {
			errs = append(errs, fmt.Errorf("RLIMIT_AS: %w", err))
		}
	}
	if l.CPUTime > 0 {
		secs := uint64(l.CPUTime.Seconds())
		if secs == 0 {
			secs = 1
		}
		// The hard limit sits one second above the soft one so SIGXCPU
		// arrives before SIGKILL.
		lim := unix.Rlimit{Cur: secs, Max: secs + 1}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &lim, nil); err != nil {
			errs = append(errs, fmt.Errorf("RLIMIT_CPU: %w", err))
		}
	}
	return errors.Join(errs...)
}
