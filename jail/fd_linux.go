//go:build linux

package jail

import "golang.org/x/sys/unix"

// firstInheritedFD keeps stdin, stdout and stderr open.
const firstInheritedFD = 3

// closeInheritedFDs closes every descriptor above stderr so the shim
// cannot reach sockets or files the launcher had open. close_range is
// Linux 5.9+; older kernels fall back to a bounded brute-force sweep.
func closeInheritedFDs() error {
	if err := unix.CloseRange(firstInheritedFD, ^uint(0), 0); err == nil {
		return nil
	}
	// Cannot walk /proc/self/fd here: a fresh mount namespace may not
	// have /proc mounted yet.
	for fd := firstInheritedFD; fd < 1024; fd++ {
		_ = unix.Close(fd)
	}
	return nil
}
