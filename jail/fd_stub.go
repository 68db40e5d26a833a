//go:build !linux && !darwin

package jail

import "errors"

func closeInheritedFDs() error {
	return errors.New("fd closure not supported on this platform")
}
