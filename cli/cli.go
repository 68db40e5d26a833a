// Package cli wires the shimjail command: flag and config parsing, log
// setup, and the parent/child mode split. The same binary serves both
// roles; a spawned child recognizes itself by the child spec in its
// environment and jails itself instead of supervising.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coder/serpent"

	"github.com/coder/shimjail/jail"
	"github.com/coder/shimjail/launcher"
	"github.com/coder/shimjail/telemetry"
)

// NewCommand creates and returns the root serpent command. version is
// what `shimjail version` reports; the build injects it via ldflags.
func NewCommand(version string) *serpent.Command {
	var config CliConfig

	return &serpent.Command{
		Use:   "shimjail [flags] -- shim [args...]",
		Short: "Run a VM shim inside an OS-level jail",
		Long: `shimjail applies defense-in-depth isolation around a VM shim process:
namespaces, filesystem confinement, resource limits, privilege drop,
environment sanitization and a syscall filter, reconciled against what
the running platform supports.

Examples:
  # Default posture
  shimjail -- /usr/local/bin/vm-shim --socket /run/vm.sock

  # Maximum posture, refuse any downgrade
  sudo shimjail --preset maximum --strict -- /usr/local/bin/vm-shim

  # Custom posture from a YAML options file
  shimjail --security-config ./jail.yaml --pid-file /run/shim.pid -- /usr/local/bin/vm-shim`,
		Options: serpent.OptionSet{
			{
				Name:        "config",
				Flag:        "config",
				Env:         "SHIMJAIL_CONFIG",
				Description: "Path to a YAML config file providing any of the options below.",
				Value:       &config.Config,
			},
			{
				Name:        "preset",
				Flag:        "preset",
				YAML:        "preset",
				Env:         "SHIMJAIL_PRESET",
				Description: "Security preset to start from (minimal, default, maximum).",
				Value:       &config.Preset,
			},
			{
				Name:        "security-config",
				Flag:        "security-config",
				YAML:        "security_config",
				Env:         "SHIMJAIL_SECURITY_CONFIG",
				Description: "YAML security options file; overrides fields of its declared preset.",
				Value:       &config.SecurityConfig,
			},
			{
				Name:        "strict",
				Flag:        "strict",
				YAML:        "strict",
				Env:         "SHIMJAIL_STRICT",
				Description: "Fail instead of degrading when the platform lacks a requested isolation layer.",
				Value:       &config.Strict,
			},
			{
				Name:        "chroot-dir",
				Flag:        "chroot-dir",
				YAML:        "chroot_dir",
				Env:         "SHIMJAIL_CHROOT_DIR",
				Description: "Confine the shim's filesystem view to this directory.",
				Value:       &config.ChrootDir,
			},
			{
				Name:        "env-allow",
				Flag:        "env-allow",
				YAML:        "env_allow",
				Env:         "SHIMJAIL_ENV_ALLOW",
				Description: "Environment variable to keep (can be specified multiple times); everything else is stripped.",
				Value:       &config.EnvAllow,
			},
			{
				Name:        "new-pid-ns",
				Flag:        "new-pid-ns",
				YAML:        "new_pid_ns",
				Description: "Give the shim its own PID namespace (Linux).",
				Value:       &config.NewPIDNS,
			},
			{
				Name:        "new-net-ns",
				Flag:        "new-net-ns",
				YAML:        "new_net_ns",
				Description: "Give the shim an empty network namespace (Linux); breaks host-socket networking.",
				Value:       &config.NewNetNS,
			},
			{
				Name:        "drop-uid",
				Flag:        "drop-uid",
				YAML:        "drop_uid",
				Description: "Run the shim as this uid after setup (requires --drop-gid).",
				Value:       &config.DropUID,
			},
			{
				Name:        "drop-gid",
				Flag:        "drop-gid",
				YAML:        "drop_gid",
				Description: "Run the shim as this gid after setup (requires --drop-uid).",
				Value:       &config.DropGID,
			},
			{
				Name:        "drop-to-caller",
				Flag:        "drop-to-caller",
				YAML:        "drop_to_caller",
				Description: "Run the shim as the user who invoked the launcher (sudo aware).",
				Value:       &config.DropToCaller,
			},
			{
				Name:        "max-open-files",
				Flag:        "max-open-files",
				YAML:        "max_open_files",
				Description: "RLIMIT_NOFILE for the shim.",
				Value:       &config.MaxOpenFiles,
			},
			{
				Name:        "max-file-size",
				Flag:        "max-file-size",
				YAML:        "max_file_size",
				Description: "RLIMIT_FSIZE in bytes for the shim.",
				Value:       &config.MaxFileSize,
			},
			{
				Name:        "max-processes",
				Flag:        "max-processes",
				YAML:        "max_processes",
				Description: "RLIMIT_NPROC (and cgroup pids.max) for the shim.",
				Value:       &config.MaxProcesses,
			},
			{
				Name:        "max-address-space",
				Flag:        "max-address-space",
				YAML:        "max_address_space",
				Description: "RLIMIT_AS (and cgroup memory.max) in bytes for the shim.",
				Value:       &config.MaxAddrSpace,
			},
			{
				Name:        "max-cpu-seconds",
				Flag:        "max-cpu-seconds",
				YAML:        "max_cpu_seconds",
				Description: "RLIMIT_CPU in seconds for the shim.",
				Value:       &config.MaxCPUSecs,
			},
			{
				Name:        "endpoint",
				Flag:        "endpoint",
				YAML:        "endpoint",
				Env:         "SHIMJAIL_ENDPOINT",
				Description: "Channel endpoint the shim needs (tcp://host:port, unix:///path, vsock://cid:port); checked against filesystem isolation.",
				Value:       &config.Endpoint,
			},
			{
				Name:        "pid-file",
				Flag:        "pid-file",
				YAML:        "pid_file",
				Env:         "SHIMJAIL_PID_FILE",
				Description: "File the jailed child writes its PID to right before exec.",
				Value:       &config.PIDFile,
			},
			{
				Name:        "retries",
				Flag:        "retries",
				YAML:        "retries",
				Env:         "SHIMJAIL_RETRIES",
				Description: "Fresh spawn attempts after a setup or exec failure.",
				Value:       &config.Retries,
			},
			{
				Name:        "log-level",
				Flag:        "log-level",
				YAML:        "log_level",
				Env:         "SHIMJAIL_LOG_LEVEL",
				Description: "Set log level (error, warn, info, debug).",
				Default:     "warn",
				Value:       &config.LogLevel,
			},
			{
				Name:        "log-dir",
				Flag:        "log-dir",
				YAML:        "log_dir",
				Env:         "SHIMJAIL_LOG_DIR",
				Description: "Write logs to timestamped files in this directory instead of stderr.",
				Value:       &config.LogDir,
			},
			{
				Name:        "otlp-endpoint",
				Flag:        "otlp-endpoint",
				YAML:        "otlp_endpoint",
				Env:         "SHIMJAIL_OTLP_ENDPOINT",
				Description: "Export launcher logs to this OTLP/HTTP collector (host:port).",
				Value:       &config.OTLPEndpoint,
			},
		},
		Handler: func(inv *serpent.Invocation) error {
			return Run(inv.Context(), config, inv.Args)
		},
		Children: []*serpent.Command{
			{
				Use:   "version",
				Short: "Print the shimjail version",
				Handler: func(inv *serpent.Invocation) error {
					_, err := fmt.Fprintf(inv.Stdout, "shimjail %s\n", version)
					return err
				},
			},
		},
	}
}

// Run executes the shimjail command with the given configuration and
// arguments.
func Run(ctx context.Context, config CliConfig, args []string) error {
	if launcher.IsChild() {
		// The child inherits its settings through the child spec env var; CLI
		// flags only matter for logging here.
		logger, _, err := setupLogging(config.LogLevel.Value(), config.LogDir.Value())
		if err != nil {
			return fmt.Errorf("could not set up logging: %v", err)
		}
		if err := RunChild(logger); err != nil {
			logger.Error("jail child failed", "error", err)
			os.Exit(jail.ExitCodeForError(err))
		}
		// Unreachable: a successful RunChild never returns.
		return nil
	}

	if len(args) == 0 {
		return fmt.Errorf("no shim command specified")
	}

	appConfig, err := NewAppConfigFromCliConfig(config, args)
	if err != nil {
		return err
	}
	return RunParent(ctx, appConfig)
}

// RunChild jails the current process and execs the shim.
func RunChild(logger *slog.Logger) error {
	return launcher.RunChild(logger)
}

// RunParent supervises the jailed shim from the parent side.
func RunParent(ctx context.Context, config AppConfig) error {
	logger, handler, err := setupLogging(config.LogLevel, config.LogDir)
	if err != nil {
		return fmt.Errorf("could not set up logging: %v", err)
	}

	if config.OTLPEndpoint != "" {
		exported, shutdown, err := telemetry.Setup(ctx, handler, telemetry.Config{
			Endpoint: config.OTLPEndpoint,
			Insecure: true,
		})
		if err != nil {
			return fmt.Errorf("could not set up log export: %v", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to flush exported logs", "error", err)
			}
		}()
		logger = slog.New(exported)
	}

	l, err := launcher.New(launcher.Config{
		Logger:   logger,
		Options:  config.Options,
		Endpoint: config.Endpoint,
		Target:   jail.Target{Path: config.TargetCMD[0], Args: config.TargetCMD[1:]},
		PIDFile:  config.PIDFile,
		Retries:  config.Retries,
	})
	if err != nil {
		return err
	}

	res, err := l.Run(ctx)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		logger.Debug("shim exited with non-zero status", "exit_code", res.ExitCode)
		os.Exit(res.ExitCode)
	}
	return nil
}

// setupLogging creates a slog logger with the specified level, writing
// to stderr or to a timestamped file under logDir.
func setupLogging(logLevel, logDir string) (*slog.Logger, slog.Handler, error) {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "error":
		level = slog.LevelError
	case "warn":
		level = slog.LevelWarn
	case "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	default:
		level = slog.LevelWarn // Default to warn if invalid level
	}

	logTarget := os.Stderr

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("could not set up log dir %s: %v", logDir, err)
		}

		// Timestamp and pid in the name to avoid collisions between
		// concurrent launchers.
		logFilePath := fmt.Sprintf("shimjail-%s-%d.log",
			time.Now().Format("2006-01-02_15-04-05"),
			os.Getpid())

		logFile, err := os.Create(filepath.Join(logDir, logFilePath))
		if err != nil {
			return nil, nil, fmt.Errorf("could not create log file %s: %v", logFilePath, err)
		}

		logTarget = logFile
	}

	handler := slog.NewTextHandler(logTarget, &slog.HandlerOptions{
		Level: level,
	})

	return slog.New(handler), handler, nil
}
