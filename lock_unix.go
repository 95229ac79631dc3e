//go:build !windows

package cubby

import (
	"golang.org/x/sys/unix"
)

// flockExclusive takes a non-blocking advisory exclusive lock on fd,
// supplementing the in-process named lock (openStores) with the
// cross-process safety net §9's design notes call out as optional.
func flockExclusive(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_EX|unix.LOCK_NB)
}

func funlock(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_UN)
}
