//go:build !linux && !darwin

package platform

func detect() Capabilities {
	return Capabilities{}
}
