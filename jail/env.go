package jail

import (
	"log/slog"
	"os"
	"strings"

	"github.com/coder/shimjail/plan"
)

// SanitizeEnviron filters environ (in "KEY=value" form) down to the
// variables named in allowlist. The input is never mutated; the effect
// of sanitization is an explicit value, not ambient process state, so it
// can be tested without touching the real environment.
func SanitizeEnviron(environ, allowlist []string) []string {
	allowed := make(map[string]struct{}, len(allowlist))
	for _, name := range allowlist {
		allowed[name] = struct{}{}
	}

	var kept []string
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, ok := allowed[name]; ok {
			kept = append(kept, kv)
		}
	}
	return kept
}

// environmentLayer closes inherited file descriptors and filters the
// environment down to the allowlist. It runs after the privilege drop
// and before the syscall filter.
type environmentLayer struct {
	logger *slog.Logger
	state  *runState
}

func (l *environmentLayer) Prepare(step plan.Step) error {
	return nil
}

func (l *environmentLayer) Apply(step plan.Step) error {
	if step.CloseFDs {
		if err := closeInheritedFDs(); err != nil {
			return err
		}
	}
	if step.FilterEnv {
		l.state.environ = SanitizeEnviron(l.state.environ, step.EnvAllowlist)
		// Mirror into the process environment so anything that runs
		// between here and exec sees the same sanitized view.
		os.Clearenv()
		for _, kv := range l.state.environ {
			name, value, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			if err := os.Setenv(name, value); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *environmentLayer) Describe() string {
	return "close inherited fds and filter environment"
}
