package jail

import (
	"errors"
	"fmt"

	"github.com/coder/shimjail/plan"
	"github.com/coder/shimjail/security"
)

// Child process exit codes, one per error kind, so the supervisor
// launcher can distinguish failures without a side channel.
const (
	ExitConfig      = 10 // invalid security options
	ExitUnsupported = 11 // strict mode refused a degraded layer
	ExitSetup       = 12 // an isolation step failed
	ExitExec        = 13 // image replacement failed after setup succeeded
)

// SetupFailure reports an OS-level failure while applying one plan step.
// It is fatal to the jail attempt: the target program never runs and the
// process exits with ExitSetup.
type SetupFailure struct {
	Step     plan.StepKind
	Degraded bool
	Err      error
}

func (f *SetupFailure) Error() string {
	if f.Degraded {
		return fmt.Sprintf("jail setup failed at degraded step %s: %v", f.Step, f.Err)
	}
	return fmt.Sprintf("jail setup failed at step %s: %v", f.Step, f.Err)
}

func (f *SetupFailure) Unwrap() error {
	return f.Err
}

// ExecFailure reports that the final image replacement failed after all
// jail steps succeeded. The process cannot safely continue half-exec'd
// and exits with ExitExec.
type ExecFailure struct {
	Path string
	Err  error
}

func (f *ExecFailure) Error() string {
	return fmt.Sprintf("exec %s after jail setup: %v", f.Path, f.Err)
}

func (f *ExecFailure) Unwrap() error {
	return f.Err
}

// ExitCodeForError maps the jail error taxonomy onto child exit codes.
func ExitCodeForError(err error) int {
	var (
		configErr      *security.ConfigError
		unsupportedErr *plan.UnsupportedError
		setupErr       *SetupFailure
		execErr        *ExecFailure
	)
	switch {
	case errors.As(err, &configErr):
		return ExitConfig
	case errors.As(err, &unsupportedErr):
		return ExitUnsupported
	case errors.As(err, &setupErr):
		return ExitSetup
	case errors.As(err, &execErr):
		return ExitExec
	default:
		return 1
	}
}

// DescribeExitCode names the failure class behind a child exit code.
func DescribeExitCode(code int) string {
	switch code {
	case ExitConfig:
		return "invalid security options"
	case ExitUnsupported:
		return "platform lacks a requested isolation layer (strict mode)"
	case ExitSetup:
		return "jail setup failed"
	case ExitExec:
		return "exec of shim binary failed"
	default:
		return fmt.Sprintf("exit code %d", code)
	}
}
