//go:build darwin

package jail

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/coder/shimjail/plan"
	"github.com/coder/shimjail/security"
)

// Darwin has no namespaces, no cgroups and (for this process model) no
// privilege drop. Filesystem and syscall isolation both ride in a
// Seatbelt profile that wraps the final exec through sandbox-exec.
func newLayers(logger *slog.Logger, state *runState) (map[plan.StepKind]Layer, execveFunc) {
	return map[plan.StepKind]Layer{
		plan.StepIsolateFilesystem:   &profileLayer{logger: logger, state: state},
		plan.StepApplyResourceLimits: &darwinResourceLayer{logger: logger},
		plan.StepSanitizeEnvironment: &environmentLayer{logger: logger, state: state},
		plan.StepApplySyscallFilter:  &profileLayer{logger: logger, state: state},
	}, unix.Exec
}

// profileLayer builds the Seatbelt profile. It serves both the
// filesystem and the syscall-filter step: whichever kind the plan
// carries, the rendered profile ends up in runState and takes effect at
// exec time via sandbox-exec.
type profileLayer struct {
	logger *slog.Logger
	state  *runState
}

func (l *profileLayer) Prepare(step plan.Step) error {
	if step.Kind == plan.StepIsolateFilesystem {
		if step.Root == "" {
			return fmt.Errorf("no jail root configured")
		}
		if !filepath.IsAbs(step.Root) {
			return fmt.Errorf("jail root %q must be absolute", step.Root)
		}
	}
	if _, err := os.Stat(SandboxExecPath); err != nil {
		return fmt.Errorf("sandbox-exec unavailable: %w", err)
	}
	return nil
}

func (l *profileLayer) Apply(step plan.Step) error {
	if step.Kind == plan.StepIsolateFilesystem {
		info, err := os.Stat(step.Root)
		if err != nil {
			return fmt.Errorf("jail root %s: %w", step.Root, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("jail root %s is not a directory", step.Root)
		}
	}
	if l.state.profile != "" {
		// Filesystem step already rendered the combined profile.
		return nil
	}
	l.state.profile = BuildSeatbeltProfile(ProfileSpec{
		Root:         step.Root,
		AllowNetwork: step.AllowNetwork,
	})
	return nil
}

func (l *profileLayer) Describe() string {
	return "Seatbelt sandbox profile via sandbox-exec"
}

// darwinResourceLayer applies POSIX rlimits only; there is no cgroup
// counterpart on this platform.
type darwinResourceLayer struct {
	logger *slog.Logger
}

func (l *darwinResourceLayer) Prepare(step plan.Step) error {
	return nil
}

func (l *darwinResourceLayer) Apply(step plan.Step) error {
	return applyRlimits(step.Limits)
}

func (l *darwinResourceLayer) Describe() string {
	return "POSIX rlimits"
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
