//go:build windows

package cubby

// Windows has no equivalent of flock wired up here; the in-process named
// lock (openStores) is the only AlreadyInUse guard on this platform.
func flockExclusive(fd uintptr) error { return nil }

func funlock(fd uintptr) error { return nil }
