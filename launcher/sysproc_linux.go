//go:build linux

package launcher

import (
	"os"
	"syscall"

	"github.com/coder/shimjail/plan"
)

// spawnAttr turns the plan's namespace step into clone flags for the
// child spawn. Creating the namespaces at clone time is the only way
// that works: unshare(CLONE_NEWUSER) fails with EINVAL from a
// multithreaded process, and unshare(CLONE_NEWPID) leaves the caller
// in its old PID namespace. A clone with CLONE_NEWPID makes the child
// PID 1 of the new namespace directly.
func spawnAttr(p plan.Plan) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		// The jail must not outlive its supervisor.
		Pdeathsig: syscall.SIGKILL,
	}

	step, ok := p.Step(plan.StepCreateNamespaces)
	if !ok {
		return attr
	}

	flags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS)
	if step.NewPIDNamespace {
		flags |= syscall.CLONE_NEWPID
	}
	if step.NewNetNamespace {
		flags |= syscall.CLONE_NEWNET
	}

	if os.Geteuid() != 0 {
		// Unprivileged spawns need a user namespace to own the others.
		// The caller maps onto itself; owning the namespace is what
		// grants the capabilities, not the mapped ids.
		flags |= syscall.CLONE_NEWUSER
		attr.GidMappingsEnableSetgroups = false
		attr.UidMappings = []syscall.SysProcIDMap{{
			ContainerID: os.Getuid(),
			HostID:      os.Getuid(),
			Size:        1,
		}}
		attr.GidMappings = []syscall.SysProcIDMap{{
			ContainerID: os.Getgid(),
			HostID:      os.Getgid(),
			Size:        1,
		}}
	}

	attr.Cloneflags = flags
	return attr
}
