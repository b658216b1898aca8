//go:build unix

package firewall

import (
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// CheckPrivileges warns when a command backend runs without root, in which
// case every command will fail and only reconciliation can catch up later.
func CheckPrivileges(logger *zap.Logger, kind string) bool {
	if kind == KindNoop || kind == KindHostFW {
		return true
	}
	if unix.Geteuid() != 0 {
		logger.Warn("Firewall backend requires root privileges; enforcement will fail",
			zap.String("backend", kind),
			zap.Int("euid", unix.Geteuid()),
		)
		return false
	}
	return true
}
