// Package launcher is the supervisor side of the jail. The parent never
// jails itself: it re-execs its own binary in child mode, hands the
// requested posture over through the environment, and supervises the
// resulting shim process. A failed attempt is never resumed; retry means
// a brand-new spawn with a brand-new plan.
package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/coder/shimjail/channel"
	"github.com/coder/shimjail/jail"
	"github.com/coder/shimjail/plan"
	"github.com/coder/shimjail/platform"
	"github.com/coder/shimjail/security"
)

// childSpecEnv carries the serialized ChildSpec into the child process.
// Its presence is also the child-mode marker.
const childSpecEnv = "SHIMJAIL_CHILD_SPEC"

// ChildSpec is everything the child needs to jail itself and exec the
// shim. The child re-validates and re-reconciles in its own process so
// that capability probing happens where the jail will actually apply.
type ChildSpec struct {
	Options    security.Options `json:"options"`
	Endpoint   channel.Endpoint `json:"endpoint,omitempty"`
	TargetPath string           `json:"target_path"`
	TargetArgs []string         `json:"target_args,omitempty"`
	PIDFile    string           `json:"pid_file,omitempty"`

	// JailID names the child's cgroup. Chosen by the supervisor because
	// a child inside a fresh PID namespace sees its own pid as 1 and so
	// cannot name itself uniquely.
	JailID string `json:"jail_id,omitempty"`
}

// IsChild reports whether this process was spawned as a jail child.
func IsChild() bool {
	return os.Getenv(childSpecEnv) != ""
}

// RunChild is the child-mode entry point. It decodes the child spec,
// builds and applies the jail plan, and execs the shim. On success it never
// returns. Every returned error maps to a distinct exit code through
// jail.ExitCodeForError.
func RunChild(logger *slog.Logger) error {
	raw := os.Getenv(childSpecEnv)
	if raw == "" {
		return fmt.Errorf("not a jail child: %s is unset", childSpecEnv)
	}
	var spec ChildSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return &security.ConfigError{Field: "child_spec", Reason: err.Error()}
	}
	// The child spec must not leak into the shim's environment.
	os.Unsetenv(childSpecEnv)

	opts, err := security.Build(spec.Options)
	if err != nil {
		return err
	}
	if err := security.EnsureEndpointReachable(opts, spec.Endpoint); err != nil {
		return err
	}

	caps := platform.Detect()
	p, err := plan.Reconcile(opts, caps)
	if err != nil {
		return err
	}
	for _, om := range p.Omitted {
		logger.Warn("isolation layer omitted", "step", om.Kind, "reason", om.Reason)
	}

	executor := jail.NewExecutor(logger)
	if spec.PIDFile != "" {
		executor.WritePIDFile(spec.PIDFile)
	}
	if spec.JailID != "" {
		executor.CgroupName(spec.JailID)
	}
	return executor.Run(p, jail.Target{Path: spec.TargetPath, Args: spec.TargetArgs})
}

// Config configures a Launcher.
type Config struct {
	Logger *slog.Logger

	// Options is the requested posture; validated here so configuration
	// mistakes surface in the parent before any child is spawned.
	Options security.Options

	// Endpoint is the channel the shim will use; zero when the shim
	// manages its own transport.
	Endpoint channel.Endpoint

	// Target is the shim binary and its arguments.
	Target jail.Target

	// PIDFile, when set, is written by the child right before exec.
	PIDFile string

	// Retries is how many fresh spawns to attempt after a setup or exec
	// failure. Config and strict-mode failures never retry: they are
	// deterministic and would fail identically.
	Retries int
}

// Launcher spawns and supervises jailed shim processes.
type Launcher struct {
	logger  *slog.Logger
	cfg     Config
	binPath string
}

// New validates cfg and resolves the re-exec path.
func New(cfg Config) (*Launcher, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	opts, err := security.Build(cfg.Options)
	if err != nil {
		return nil, err
	}
	if err := security.EnsureEndpointReachable(opts, cfg.Endpoint); err != nil {
		return nil, err
	}
	cfg.Options = opts
	if cfg.Target.Path == "" {
		return nil, &security.ConfigError{Field: "target", Reason: "no shim binary configured"}
	}

	bin, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve own binary for re-exec: %w", err)
	}
	return &Launcher{logger: cfg.Logger, cfg: cfg, binPath: bin}, nil
}

// Result describes how a supervised shim process ended.
type Result struct {
	// ExitCode is the shim's own exit code once setup succeeded, or one
	// of the jail exit codes when it did not.
	ExitCode int

	// Attempts is how many child processes were spawned in total.
	Attempts int
}

// Run spawns the child and waits for it, retrying setup and exec
// failures as fresh spawns up to the configured budget. SIGINT and
// SIGTERM are forwarded to the active child. The returned Result
// carries the final exit code; err is non-nil only when supervision
// itself failed or every attempt ended in a jail failure.
func (l *Launcher) Run(ctx context.Context) (Result, error) {
	spec := ChildSpec{
		Options:    l.cfg.Options,
		Endpoint:   l.cfg.Endpoint,
		TargetPath: l.cfg.Target.Path,
		TargetArgs: l.cfg.Target.Args,
		PIDFile:    l.cfg.PIDFile,
		JailID:     fmt.Sprintf("shim-%d", os.Getpid()),
	}
	encoded, err := json.Marshal(spec)
	if err != nil {
		return Result{}, fmt.Errorf("encode child spec: %w", err)
	}

	// Namespaces must exist before the child runs a single instruction:
	// the Go runtime is multithreaded by the time any of our code runs,
	// and the kernel refuses unshare(CLONE_NEWUSER) from a multithreaded
	// process, so they are requested as clone flags on the spawn itself.
	// A reconcile error here means strict mode refused the posture; the
	// child reaches the same verdict and exits with the matching code.
	attr := spawnAttr(l.reconcileForSpawn())

	var res Result
	for attempt := 0; ; attempt++ {
		res.Attempts = attempt + 1
		code, err := l.runOnce(ctx, string(encoded), attr)
		if err != nil {
			return res, err
		}
		res.ExitCode = code

		switch code {
		case 0:
			return res, nil
		case jail.ExitConfig, jail.ExitUnsupported:
			// Deterministic: a retry would fail the same way.
			return res, fmt.Errorf("jail child failed: %s", jail.DescribeExitCode(code))
		case jail.ExitSetup, jail.ExitExec:
			if attempt >= l.cfg.Retries {
				return res, fmt.Errorf("jail child failed after %d attempt(s): %s",
					res.Attempts, jail.DescribeExitCode(code))
			}
			l.logger.Warn("jail attempt failed, spawning fresh child",
				"attempt", res.Attempts, "reason", jail.DescribeExitCode(code))
		default:
			// Setup succeeded and the shim itself exited non-zero; that
			// verdict belongs to the caller, not the retry loop.
			return res, nil
		}
	}
}

// reconcileForSpawn computes the plan the parent needs for clone-time
// namespace flags. The child re-reconciles for everything it applies
// in-process; both see the same options and the same host.
func (l *Launcher) reconcileForSpawn() plan.Plan {
	p, err := plan.Reconcile(l.cfg.Options, platform.Detect())
	if err != nil {
		return plan.Plan{}
	}
	return p
}

// runOnce spawns one child and waits for it to finish.
func (l *Launcher) runOnce(ctx context.Context, encodedSpec string, attr *syscall.SysProcAttr) (int, error) {
	cmd := exec.CommandContext(ctx, l.binPath)
	cmd.Env = append(os.Environ(), childSpecEnv+"="+encodedSpec)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn jail child: %w", err)
	}
	l.logger.Debug("jail child started", "pid", cmd.Process.Pid)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	for {
		select {
		case sig := <-sigChan:
			l.logger.Info("forwarding signal to jail child", "signal", sig)
			_ = cmd.Process.Signal(sig)
		case err := <-done:
			return decodeWait(err)
		}
	}
}

// decodeWait turns cmd.Wait's result into an exit code. A signal death
// is reported as 128+signum, the shell convention.
func decodeWait(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 0, fmt.Errorf("wait for jail child: %w", err)
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if ok && status.Signaled() {
		return 128 + int(status.Signal()), nil
	}
	return exitErr.ExitCode(), nil
}
