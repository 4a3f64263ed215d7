//go:build unix && !linux

package sandbox

import (
	"os"
	"syscall"
)

// processAttrs has no parent-death signal outside Linux; the executor's
// timer is the only thing that reaps an orphaned runner there.
func processAttrs(uid, gid int) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if uid >= 0 && os.Geteuid() == 0 {
		attr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	}
	return attr
}
