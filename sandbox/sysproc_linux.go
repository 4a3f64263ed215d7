//go:build linux

package sandbox

import (
	"os"
	"syscall"
)

// processAttrs puts the child in its own process group and kills it if the
// server dies. uid/gid are applied only when the server runs as root and
// uid is not negative.
func processAttrs(uid, gid int) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if uid >= 0 && os.Geteuid() == 0 {
		attr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	}
	return attr
}
