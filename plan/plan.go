// Package plan reconciles a requested security posture against what the
// platform can actually do. The resulting JailPlan is the only input the
// jail executor consumes, which makes the degrade-vs-fail decision a
// single reviewable chokepoint instead of scattered conditionals.
package plan

import (
	"fmt"

	"github.com/coder/shimjail/platform"
	"github.com/coder/shimjail/security"
)

// StepKind names one isolation layer.
type StepKind string

const (
	StepCreateNamespaces    StepKind = "create-namespaces"
	StepIsolateFilesystem   StepKind = "isolate-filesystem"
	StepApplyResourceLimits StepKind = "apply-resource-limits"
	StepDropPrivileges      StepKind = "drop-privileges"
	StepSanitizeEnvironment StepKind = "sanitize-environment"
	StepApplySyscallFilter  StepKind = "apply-syscall-filter"
)

// Step is one resolved isolation step. Fields beyond Kind and Degraded
// are only meaningful for the matching kind.
type Step struct {
	Kind StepKind `json:"kind"`

	// Degraded marks a layer applied through a weaker substitute because
	// the requested mechanism is unavailable on this platform.
	Degraded bool `json:"degraded,omitempty"`

	// CreateNamespaces
	NewPIDNamespace bool `json:"new_pid_ns,omitempty"`
	NewNetNamespace bool `json:"new_net_ns,omitempty"`

	// IsolateFilesystem
	Root      string `json:"root,omitempty"`
	MountProc bool   `json:"mount_proc,omitempty"`
	// SubsumesSyscallFilter is set on Darwin where the sandbox profile
	// covers both path isolation and operation filtering in one artifact.
	SubsumesSyscallFilter bool `json:"subsumes_syscall_filter,omitempty"`
	AllowNetwork          bool `json:"allow_network,omitempty"`

	// ApplyResourceLimits
	Limits        security.ResourceLimits `json:"limits,omitempty"`
	CgroupEnabled bool                    `json:"cgroup_enabled,omitempty"`

	// DropPrivileges
	UID uint32 `json:"uid,omitempty"`
	GID uint32 `json:"gid,omitempty"`

	// SanitizeEnvironment
	CloseFDs     bool     `json:"close_fds,omitempty"`
	FilterEnv    bool     `json:"filter_env,omitempty"`
	EnvAllowlist []string `json:"env_allowlist,omitempty"`
}

// Omission records a requested layer that was dropped entirely because
// the platform has no mechanism and no substitute for it.
type Omission struct {
	Kind   StepKind `json:"kind"`
	Reason string   `json:"reason"`
}

// Plan is an ordered list of isolation steps plus the record of what had
// to be left out. Built fresh per jail attempt and consumed once.
type Plan struct {
	Steps   []Step     `json:"steps"`
	Omitted []Omission `json:"omitted,omitempty"`
}

// Step returns the step of the given kind, if present.
func (p Plan) Step(kind StepKind) (Step, bool) {
	for _, s := range p.Steps {
		if s.Kind == kind {
			return s, true
		}
	}
	return Step{}, false
}

// Degraded reports whether any layer was downgraded or omitted.
func (p Plan) Degraded() bool {
	if len(p.Omitted) > 0 {
		return true
	}
	for _, s := range p.Steps {
		if s.Degraded {
			return true
		}
	}
	return false
}

// UnsupportedError is returned in strict mode when a requested layer
// would have to be downgraded or dropped.
type UnsupportedError struct {
	Kind   StepKind
	Reason string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("platform cannot provide %s: %s (strict mode refuses downgrade)", e.Kind, e.Reason)
}

// Reconcile turns validated options and probed capabilities into a
// concrete plan. It degrades rather than errors, except in strict mode
// where any degraded or omitted layer raises *UnsupportedError. The step
// order is fixed: namespaces before the root change, privilege drop
// after every privileged operation, environment sanitization after the
// drop, and the syscall filter always last.
func Reconcile(opts security.Options, caps platform.Capabilities) (Plan, error) {
	var p Plan

	if !opts.JailerEnabled {
		return p, nil
	}

	degrade := func(kind StepKind, reason string) error {
		if opts.Strict {
			return &UnsupportedError{Kind: kind, Reason: reason}
		}
		return nil
	}
	omit := func(kind StepKind, reason string) error {
		if err := degrade(kind, reason); err != nil {
			return err
		}
		p.Omitted = append(p.Omitted, Omission{Kind: kind, Reason: reason})
		return nil
	}

	// Namespaces. The mount/IPC/UTS base set is implied by the jailer
	// itself; PID and network namespaces are opt-in.
	if caps.Namespaces {
		p.Steps = append(p.Steps, Step{
			Kind:            StepCreateNamespaces,
			NewPIDNamespace: opts.NewPIDNamespace,
			NewNetNamespace: opts.NewNetNamespace,
		})
	} else if err := omit(StepCreateNamespaces, "no namespace support"); err != nil {
		return Plan{}, err
	}

	// Filesystem isolation. A declarative sandbox profile stands in for
	// the missing mount-namespace chroot where available.
	if opts.ChrootEnabled {
		switch {
		case caps.Namespaces:
			p.Steps = append(p.Steps, Step{
				Kind:      StepIsolateFilesystem,
				Root:      opts.ChrootDir,
				MountProc: opts.NewPIDNamespace,
			})
		case caps.DeclarativeSandbox:
			if err := degrade(StepIsolateFilesystem, "sandbox profile substitutes for mount-namespace chroot"); err != nil {
				return Plan{}, err
			}
			p.Steps = append(p.Steps, Step{
				Kind:                  StepIsolateFilesystem,
				Degraded:              true,
				Root:                  opts.ChrootDir,
				SubsumesSyscallFilter: opts.SeccompEnabled,
				AllowNetwork:          !opts.NewNetNamespace,
			})
		default:
			if err := omit(StepIsolateFilesystem, "no filesystem isolation mechanism"); err != nil {
				return Plan{}, err
			}
		}
	}

	// Resource limits. POSIX rlimits work everywhere; the cgroup portion
	// is Linux-only and its absence downgrades the layer.
	if !opts.Limits.IsZero() {
		step := Step{
			Kind:          StepApplyResourceLimits,
			Limits:        opts.Limits,
			CgroupEnabled: caps.Cgroups,
		}
		if !caps.Cgroups {
			if err := degrade(StepApplyResourceLimits, "no cgroup support, rlimits only"); err != nil {
				return Plan{}, err
			}
			step.Degraded = true
		}
		p.Steps = append(p.Steps, step)
	}

	// Privilege drop. No substitute exists: either the platform can
	// switch identity or the layer is omitted and recorded.
	if opts.DropUID != nil {
		if caps.PrivilegeDrop {
			p.Steps = append(p.Steps, Step{
				Kind: StepDropPrivileges,
				UID:  *opts.DropUID,
				GID:  *opts.DropGID,
			})
		} else if err := omit(StepDropPrivileges, "privilege drop not supported"); err != nil {
			return Plan{}, err
		}
	}

	// Environment sanitization: fd closure and env filtering. Always
	// available; runs after the drop so it cannot be undone by re-exec
	// with elevated rights.
	if opts.CloseFDs || opts.SanitizeEnv {
		p.Steps = append(p.Steps, Step{
			Kind:         StepSanitizeEnvironment,
			CloseFDs:     opts.CloseFDs,
			FilterEnv:    opts.SanitizeEnv,
			EnvAllowlist: opts.EnvAllowlist,
		})
	}

	// Syscall filter: always the final step. On Darwin the filter rides
	// in the sandbox profile; when the filesystem step already carries
	// that profile no separate step is emitted.
	if opts.SeccompEnabled {
		switch {
		case caps.Seccomp:
			p.Steps = append(p.Steps, Step{Kind: StepApplySyscallFilter})
		case caps.DeclarativeSandbox:
			if fs, ok := p.Step(StepIsolateFilesystem); ok && fs.SubsumesSyscallFilter {
				// Already folded into the profile above.
				break
			}
			if err := degrade(StepApplySyscallFilter, "sandbox profile substitutes for seccomp"); err != nil {
				return Plan{}, err
			}
			p.Steps = append(p.Steps, Step{
				Kind:         StepApplySyscallFilter,
				Degraded:     true,
				AllowNetwork: !opts.NewNetNamespace,
			})
		default:
			if err := omit(StepApplySyscallFilter, "no syscall filtering mechanism"); err != nil {
				return Plan{}, err
			}
		}
	}

	return p, nil
}
