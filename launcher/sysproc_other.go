//go:build !linux

package launcher

import (
	"syscall"

	"github.com/coder/shimjail/plan"
)

// spawnAttr is a no-op off Linux: namespaces are a Linux mechanism and
// the Darwin layers confine the child through its Seatbelt profile.
func spawnAttr(plan.Plan) *syscall.SysProcAttr {
	return nil
}
