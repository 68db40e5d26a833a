//go:build darwin

package jail

import "golang.org/x/sys/unix"

const firstInheritedFD = 3

// closeInheritedFDs closes every descriptor above stderr. Darwin has no
// close_range, so sweep a bounded range; 4096 covers any descriptor
// table a launcher realistically carries.
func closeInheritedFDs() error {
	for fd := firstInheritedFD; fd < 4096; fd++ {
		_ = unix.Close(fd)
	}
	return nil
}
