//go:build unix

package runner

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/isdmx/databox/wire"
)

func setrlimit(resource int, soft, hard uint64) error {
	return unix.Setrlimit(resource, &unix.Rlimit{Cur: soft, Max: hard})
}

// setCommonLimits applies the limits every unix platform supports. The CPU
// hard limit sits one second above the soft one so SIGXCPU arrives first.
func setCommonLimits(l wire.Limits) error {
	if err := setrlimit(unix.RLIMIT_CORE, 0, 0); err != nil {
		return fmt.Errorf("failed to disable core dumps: %w", err)
	}
	if l.CPUSeconds > 0 {
		cpu := uint64(l.CPUSeconds)
		if err := setrlimit(unix.RLIMIT_CPU, cpu, cpu+1); err != nil {
			return fmt.Errorf("failed to set CPU limit: %w", err)
		}
	}
	if l.ScratchBytes > 0 {
		fsize := uint64(l.ScratchBytes)
		if err := setrlimit(unix.RLIMIT_FSIZE, fsize, fsize); err != nil {
			return fmt.Errorf("failed to set file size limit: %w", err)
		}
	}
	if err := setrlimit(unix.RLIMIT_NOFILE, maxOpenFiles, maxOpenFiles); err != nil {
		return fmt.Errorf("failed to set open file limit: %w", err)
	}
	return nil
}
