//go:build !linux && !darwin

package jail

import (
	"errors"
	"log/slog"

	"github.com/coder/shimjail/plan"
)

// No isolation mechanisms exist here. Reconciliation against the zero
// capability set already omits every layer, so the only reachable map
// entry is environment sanitization.
func newLayers(logger *slog.Logger, state *runState) (map[plan.StepKind]Layer, execveFunc) {
	return map[plan.StepKind]Layer{
			plan.StepSanitizeEnvironment: &environmentLayer{logger: logger, state: state},
		}, func(argv0 string, argv []string, envv []string) error {
			return errors.New("exec not supported on this platform")
		}
}
