package platform

import "sync"

// Capabilities describes which isolation mechanisms the current OS
// actually supports. Computed once per process and read-only afterwards;
// plan reconciliation is the single place that decides what to do about
// a missing mechanism.
type Capabilities struct {
	Namespaces         bool // mount/PID/net/IPC/UTS namespaces
	Cgroups            bool // cgroup v2 unified hierarchy
	PrivilegeDrop      bool // setuid/setgid to an unprivileged identity
	Seccomp            bool // in-process syscall filtering
	DeclarativeSandbox bool // kernel-enforced sandbox profile (Seatbelt)
}

var (
	detectOnce sync.Once
	detected   Capabilities
)

// Detect probes the host once and caches the result for the lifetime of
// the process.
func Detect() Capabilities {
	detectOnce.Do(func() {
		detected = detect()
	})
	return detected
}
