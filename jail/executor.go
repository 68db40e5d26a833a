// Package jail applies an ordered JailPlan inside a freshly spawned,
// still single-threaded child process and then replaces the process
// image with the shim binary. Setup is all-or-nothing: the first
// failing step aborts the attempt and the shim never runs.
package jail

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/coder/shimjail/plan"
)

// Layer is one isolation mechanism. Prepare validates resolved step
// parameters without touching process state; Apply commits irreversible
// process or kernel state and must not be retried.
type Layer interface {
	Prepare(step plan.Step) error
	Apply(step plan.Step) error
	Describe() string
}

// Target is the shim binary the jailed process execs into.
type Target struct {
	Path string
	Args []string
}

// runState is the explicit mutable state threaded through the layers:
// the environment the exec'd program will see, and (on Darwin) the
// sandbox profile that wraps the exec. Modeling these as owned values
// instead of ambient process state keeps each layer testable.
type runState struct {
	environ    []string
	profile    string
	cgroupName string
}

type execveFunc func(argv0 string, argv []string, envv []string) error

// Executor drives a JailPlan to completion inside the current process.
type Executor struct {
	logger  *slog.Logger
	state   *runState
	layers  map[plan.StepKind]Layer
	execve  execveFunc
	pidFile string
}

// NewExecutor builds the platform's layer set. Must be called in the
// child process that will be jailed, before any goroutines start.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	state := &runState{environ: os.Environ()}
	layers, execve := newLayers(logger, state)
	return &Executor{
		logger: logger,
		state:  state,
		layers: layers,
		execve: execve,
	}
}

// WritePIDFile makes Run record the jailed process ID right before the
// image replacement, after every isolation step has succeeded.
func (e *Executor) WritePIDFile(path string) {
	e.pidFile = path
}

// CgroupName sets the supervisor-chosen name for this jail's cgroup.
// The child cannot pick one itself: in a fresh PID namespace its own
// pid is 1, the same for every jail on the host.
func (e *Executor) CgroupName(name string) {
	e.state.cgroupName = name
}

// Run applies every plan step strictly in order and then execs target.
// On success it never returns: the process image is replaced and the
// jail becomes implicit machine state. On failure it returns a
// *SetupFailure or *ExecFailure; the caller must exit, not continue.
func (e *Executor) Run(p plan.Plan, target Target) error {
	if target.Path == "" {
		return &ExecFailure{Err: fmt.Errorf("no target binary configured")}
	}

	// Validate everything first: a plan that cannot even be prepared
	// must fail before the first irreversible step.
	for _, step := range p.Steps {
		layer, ok := e.layers[step.Kind]
		if !ok {
			return &SetupFailure{Step: step.Kind, Degraded: step.Degraded,
				Err: fmt.Errorf("no isolation layer for this platform")}
		}
		if err := layer.Prepare(step); err != nil {
			return &SetupFailure{Step: step.Kind, Degraded: step.Degraded, Err: err}
		}
	}

	for _, step := range p.Steps {
		e.logger.Debug("applying jail step", "step", step.Kind, "degraded", step.Degraded)
		if err := e.layers[step.Kind].Apply(step); err != nil {
			return &SetupFailure{Step: step.Kind, Degraded: step.Degraded, Err: err}
		}
	}

	if e.pidFile != "" {
		if err := os.WriteFile(e.pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
			return &SetupFailure{Step: "write-pid-file", Err: err}
		}
	}

	argv0, argv := wrapExec(e.state.profile, target)
	err := e.execve(argv0, argv, e.state.environ)
	// Reached only when the image replacement itself failed.
	return &ExecFailure{Path: target.Path, Err: err}
}

// wrapExec routes the exec through sandbox-exec when a Seatbelt profile
// was built; the profile takes effect exactly at the filter's step
// position, immediately before control transfers to the shim.
func wrapExec(profile string, target Target) (string, []string) {
	if profile == "" {
		return target.Path, append([]string{target.Path}, target.Args...)
	}
	argv := append([]string{SandboxExecPath, "-p", profile, target.Path}, target.Args...)
	return SandboxExecPath, argv
}
