//go:build linux

package jail

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/coder/shimjail/plan"
	"github.com/coder/shimjail/security"
)

func newLayers(logger *slog.Logger, state *runState) (map[plan.StepKind]Layer, execveFunc) {
	return map[plan.StepKind]Layer{
		plan.StepCreateNamespaces:    &namespaceLayer{logger: logger},
		plan.StepIsolateFilesystem:   &filesystemLayer{logger: logger},
		plan.StepApplyResourceLimits: &resourceLayer{logger: logger, state: state},
		plan.StepDropPrivileges:      &privilegeLayer{logger: logger},
		plan.StepSanitizeEnvironment: &environmentLayer{logger: logger, state: state},
		plan.StepApplySyscallFilter:  &syscallLayer{logger: logger},
	}, unix.Exec
}

// namespaceLayer finishes namespace setup inside the child. The
// namespaces themselves come into being at spawn time through clone
// flags set by the supervisor: unshare(CLONE_NEWUSER) is refused for
// multithreaded callers, and unshare(CLONE_NEWPID) never moves the
// caller into the new namespace, so neither can happen here. What
// remains in-process is mount propagation: the fresh mount namespace
// still shares propagation with the host and must go private before
// the chroot step mounts anything.
type namespaceLayer struct {
	logger *slog.Logger
}

func (l *namespaceLayer) Prepare(step plan.Step) error {
	return nil
}

func (l *namespaceLayer) Apply(step plan.Step) error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make mounts private: %w", err)
	}
	return nil
}

func (l *namespaceLayer) Describe() string {
	return "private mount propagation inside spawn-time namespaces"
}

// filesystemLayer changes the process root into the jail directory.
// Requires the mount namespace from the previous step.
type filesystemLayer struct {
	logger *slog.Logger
}

func (l *filesystemLayer) Prepare(step plan.Step) error {
	if step.Root == "" {
		return fmt.Errorf("no jail root configured")
	}
	if !filepath.IsAbs(step.Root) {
		return fmt.Errorf("jail root %q must be absolute", step.Root)
	}
	return nil
}

func (l *filesystemLayer) Apply(step plan.Step) error {
	info, err := os.Stat(step.Root)
	if err != nil {
		return fmt.Errorf("jail root %s: %w", step.Root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("jail root %s is not a directory", step.Root)
	}

	if step.MountProc {
		procDir := filepath.Join(step.Root, "proc")
		if err := os.MkdirAll(procDir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", procDir, err)
		}
		if err := unix.Mount("proc", procDir, "proc", 0, ""); err != nil {
			return fmt.Errorf("mount proc at %s: %w", procDir, err)
		}
	}

	if err := unix.Chroot(step.Root); err != nil {
		return fmt.Errorf("chroot %s: %w", step.Root, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir into jail root: %w", err)
	}
	return nil
}

func (l *filesystemLayer) Describe() string {
	return "root change into jail directory"
}

// resourceLayer sets POSIX rlimits and, when available, cgroup v2
// limits. Runs before the privilege drop so the cgroup files are still
// writable.
type resourceLayer struct {
	logger *slog.Logger
	state  *runState
}

const cgroupRoot = "/sys/fs/cgroup/shimjail"

func (l *resourceLayer) Prepare(step plan.Step) error {
	return nil
}

func (l *resourceLayer) Apply(step plan.Step) error {
	if err := applyRlimits(step.Limits); err != nil {
		return err
	}
	if step.CgroupEnabled {
		if err := joinCgroup(step, l.state.cgroupName); err != nil {
			return err
		}
	}
	return nil
}

func (l *resourceLayer) Describe() string {
	return "rlimits and cgroup v2 limits"
}

func applyRlimits(limits security.ResourceLimits) error {
	set := func(resource int, name string, v *uint64) error {
		if v == nil {
			return nil
		}
		rl := &unix.Rlimit{Cur: *v, Max: *v}
		if err := unix.Setrlimit(resource, rl); err != nil {
			return fmt.Errorf("rlimit %s: %w", name, err)
		}
		return nil
	}
	if err := set(unix.RLIMIT_NOFILE, "RLIMIT_NOFILE", limits.MaxOpenFiles); err != nil {
		return err
	}
	if err := set(unix.RLIMIT_FSIZE, "RLIMIT_FSIZE", limits.MaxFileSize); err != nil {
		return err
	}
	if err := set(unix.RLIMIT_NPROC, "RLIMIT_NPROC", limits.MaxProcesses); err != nil {
		return err
	}
	if err := set(unix.RLIMIT_AS, "RLIMIT_AS", limits.MaxAddressSpace); err != nil {
		return err
	}
	if err := set(unix.RLIMIT_CPU, "RLIMIT_CPU", limits.MaxCPUSeconds); err != nil {
		return err
	}
	return nil
}

// joinCgroup creates a per-jail cgroup under the shimjail subtree,
// writes the kernel-side limits and moves the process in. The name
// comes from the supervisor: inside a fresh PID namespace getpid
// reports 1 for every child, so the child cannot name itself uniquely.
func joinCgroup(step plan.Step, name string) error {
	if name == "" {
		name = fmt.Sprintf("shim-%d", os.Getpid())
	}
	dir := filepath.Join(cgroupRoot, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cgroup %s: %w", dir, err)
	}

	// A child group only grows pids.max and memory.max once its parent
	// delegates those controllers through cgroup.subtree_control.
	if want := neededControllers(step.Limits); len(want) > 0 {
		for _, parent := range []string{filepath.Dir(cgroupRoot), cgroupRoot} {
			if err := enableControllers(parent, want); err != nil {
				return err
			}
		}
	}

	if step.Limits.MaxProcesses != nil {
		path := filepath.Join(dir, "pids.max")
		if err := os.WriteFile(path, []byte(fmt.Sprintf("%d", *step.Limits.MaxProcesses)), 0o644); err != nil {
			return fmt.Errorf("write pids.max: %w", err)
		}
	}
	if step.Limits.MaxAddressSpace != nil {
		path := filepath.Join(dir, "memory.max")
		if err := os.WriteFile(path, []byte(fmt.Sprintf("%d", *step.Limits.MaxAddressSpace)), 0o644); err != nil {
			return fmt.Errorf("write memory.max: %w", err)
		}
	}
	procs := filepath.Join(dir, "cgroup.procs")
	if err := os.WriteFile(procs, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("join cgroup: %w", err)
	}
	return nil
}

// neededControllers maps the configured limits to the cgroup v2
// controllers that enforce them.
func neededControllers(limits security.ResourceLimits) []string {
	var want []string
	if limits.MaxProcesses != nil {
		want = append(want, "pids")
	}
	if limits.MaxAddressSpace != nil {
		want = append(want, "memory")
	}
	return want
}

// enableControllers delegates the given controllers to dir's children
// via cgroup.subtree_control, one write per controller the way the
// kernel interface expects.
func enableControllers(dir string, want []string) error {
	if len(want) == 0 {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(dir, "cgroup.controllers"))
	if err != nil {
		return fmt.Errorf("read available controllers under %s: %w", dir, err)
	}
	avail := strings.Fields(string(data))
	target := filepath.Join(dir, "cgroup.subtree_control")
	for _, c := range want {
		if !slices.Contains(avail, c) {
			return fmt.Errorf("cgroup controller %s not available under %s", c, dir)
		}
		if err := os.WriteFile(target, []byte("+"+c), 0o644); err != nil {
			return fmt.Errorf("enable %s controller under %s: %w", c, dir, err)
		}
	}
	return nil
}

// privilegeLayer irreversibly switches to the configured unprivileged
// identity. Must run after every step that itself needs root and before
// the syscall filter, which may deny the setuid family outright.
type privilegeLayer struct {
	logger *slog.Logger
}

func (l *privilegeLayer) Prepare(step plan.Step) error {
	if step.UID == 0 || step.GID == 0 {
		return fmt.Errorf("refusing to drop to root identity %d:%d", step.UID, step.GID)
	}
	return nil
}

func (l *privilegeLayer) Apply(step plan.Step) error {
	gid := int(step.GID)
	uid := int(step.UID)

	if err := unix.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	// Group first: after the uid switch we no longer may change it.
	if err := unix.Setresgid(gid, gid, gid); err != nil {
		return fmt.Errorf("setresgid %d: %w", gid, err)
	}
	if err := unix.Setresuid(uid, uid, uid); err != nil {
		return fmt.Errorf("setresuid %d: %w", uid, err)
	}

	// Verify: the saved set-user-ID must be gone too, otherwise the
	// shim could switch back.
	ruid, euid, suid := unix.Getresuid()
	if ruid != uid || euid != uid || suid != uid {
		return fmt.Errorf("privilege drop incomplete: uids %d/%d/%d, want %d", ruid, euid, suid, uid)
	}
	return nil
}

func (l *privilegeLayer) Describe() string {
	return "switch to unprivileged uid/gid"
}

// syscallLayer installs the deny-by-default seccomp allowlist. Always
// the last step: once loaded, even privilege-changing syscalls may be
// refused.
type syscallLayer struct {
	logger *slog.Logger
}

func (l *syscallLayer) Prepare(step plan.Step) error {
	return nil
}

func (l *syscallLayer) Apply(step plan.Step) error {
	return installSyscallFilter()
}

func (l *syscallLayer) Describe() string {
	return "seccomp syscall allowlist"
}
