//go:build linux

package platform

import (
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

func detect() Capabilities {
	return Capabilities{
		Namespaces:         detectNamespaces(),
		Cgroups:            detectCgroupV2(),
		PrivilegeDrop:      os.Geteuid() == 0,
		Seccomp:            detectSeccomp(),
		DeclarativeSandbox: false,
	}
}

func detectNamespaces() bool {
	// Root can always unshare.
	if os.Geteuid() == 0 {
		return true
	}
	// Otherwise unprivileged user namespaces must be enabled.
	data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone")
	if err == nil {
		return strings.TrimSpace(string(data)) == "1"
	}
	// Kernels without the sysctl may still allow it; probe cheaply via
	// the max_user_namespaces knob.
	data, err = os.ReadFile("/proc/sys/user/max_user_namespaces")
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) != "0"
}

func detectCgroupV2() bool {
	// The unified hierarchy exposes cgroup.controllers at its root.
	if _, err := os.Stat("/sys/fs/cgroup/cgroup.controllers"); err != nil {
		return false
	}
	// Creating a subtree and delegating controllers needs write access
	// to the hierarchy; without it the resource step degrades to
	// rlimits instead of failing mid-setup.
	return unix.Access("/sys/fs/cgroup", unix.W_OK) == nil
}

func detectSeccomp() bool {
	// PR_GET_SECCOMP fails with EINVAL on kernels built without seccomp.
	_, err := unix.PrctlRetInt(unix.PR_GET_SECCOMP, 0, 0, 0, 0)
	return err == nil
}
