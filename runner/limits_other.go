//go:build unix && !linux

package runner

import "github.com/isdmx/databox/wire"

const maxOpenFiles = 64

// applyLimits on non-Linux unix skips no_new_privs; use a container
// boundary there.
func applyLimits(l wire.Limits) error {
	return setCommonLimits(l)
}
