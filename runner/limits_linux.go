//go:build linux

package runner

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/isdmx/databox/wire"
)

const maxOpenFiles = 64

// applyLimits sets no_new_privs and the rlimits. There is no RLIMIT_AS: it
// also caps thread stacks and allocator arenas, and a cgo runtime then fails
// to start threads. Memory is bounded by the heap watchdog and the
// boundary's memory cgroup.
func applyLimits(l wire.Limits) error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("failed to set no_new_privs: %w", err)
	}
	return setCommonLimits(l)
}
