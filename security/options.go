package security

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/coder/shimjail/channel"
)

// ResourceLimits are kernel-enforced ceilings applied to the jailed shim.
// A nil field means "inherit the launcher's limit".
type ResourceLimits struct {
	MaxOpenFiles    *uint64 `json:"max_open_files,omitempty" yaml:"max_open_files"`
	MaxFileSize     *uint64 `json:"max_file_size,omitempty" yaml:"max_file_size"`
	MaxProcesses    *uint64 `json:"max_processes,omitempty" yaml:"max_processes"`
	MaxAddressSpace *uint64 `json:"max_address_space,omitempty" yaml:"max_address_space"`
	MaxCPUSeconds   *uint64 `json:"max_cpu_seconds,omitempty" yaml:"max_cpu_seconds"`
}

// IsZero reports whether no limit is set.
func (r ResourceLimits) IsZero() bool {
	return r.MaxOpenFiles == nil && r.MaxFileSize == nil && r.MaxProcesses == nil &&
		r.MaxAddressSpace == nil && r.MaxCPUSeconds == nil
}

// Options describes the requested isolation posture for one shim process.
// Build an Options value through a preset or Build; once validated it is
// treated as immutable.
type Options struct {
	JailerEnabled  bool     `json:"jailer_enabled" yaml:"jailer_enabled"`
	SeccompEnabled bool     `json:"seccomp_enabled" yaml:"seccomp_enabled"`
	ChrootEnabled  bool     `json:"chroot_enabled" yaml:"chroot_enabled"`
	ChrootDir      string   `json:"chroot_dir,omitempty" yaml:"chroot_dir"`
	CloseFDs       bool     `json:"close_fds" yaml:"close_fds"`
	SanitizeEnv    bool     `json:"sanitize_env" yaml:"sanitize_env"`
	EnvAllowlist   []string `json:"env_allowlist,omitempty" yaml:"env_allowlist"`

	// NewPIDNamespace and NewNetNamespace extend the always-on mount/IPC/UTS
	// namespace set. The network namespace is off by default because the
	// virtual-network backend still needs host sockets.
	NewPIDNamespace bool `json:"new_pid_ns" yaml:"new_pid_ns"`
	NewNetNamespace bool `json:"new_net_ns" yaml:"new_net_ns"`

	// DropUID/DropGID select the identity the shim runs as after setup.
	// nil means keep the launcher's identity.
	DropUID *uint32 `json:"drop_uid,omitempty" yaml:"drop_uid"`
	DropGID *uint32 `json:"drop_gid,omitempty" yaml:"drop_gid"`

	Limits ResourceLimits `json:"resource_limits" yaml:"resource_limits"`

	// Strict refuses silent downgrade: reconciliation fails instead of
	// degrading when a requested layer has no mechanism on this platform.
	Strict bool `json:"strict" yaml:"strict"`
}

// ConfigError reports an internally inconsistent Options value. It is
// always raised at construction time, before any process state changes.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid security options: %s: %s", e.Field, e.Reason)
}

const (
	// NobodyUID and NobodyGID are the conventional unprivileged identity
	// the maximum preset drops to.
	NobodyUID uint32 = 65534
	NobodyGID uint32 = 65534
)

// defaultEnvAllowlist is what a sanitized shim environment keeps unless
// the caller narrows it further.
func defaultEnvAllowlist() []string {
	return []string{"PATH", "HOME", "USER", "LANG", "TERM"}
}

// Minimal disables every layer. Useful when debugging a shim problem
// where isolation gets in the way.
func Minimal() Options {
	return Options{}
}

// Default enables the layers that work without elevated privileges on
// the common platforms and keeps a small environment allowlist.
func Default() Options {
	return Options{
		JailerEnabled:  true,
		SeccompEnabled: true,
		CloseFDs:       true,
		SanitizeEnv:    true,
		EnvAllowlist:   defaultEnvAllowlist(),
	}
}

// Maximum enables every layer with the most restrictive defaults. Meant
// for untrusted, multi-tenant workloads.
func Maximum() Options {
	uid, gid := NobodyUID, NobodyGID
	maxFiles := uint64(1024)
	maxFileSize := uint64(1 << 30)
	maxProcs := uint64(100)
	return Options{
		JailerEnabled:   true,
		SeccompEnabled:  true,
		ChrootEnabled:   true,
		ChrootDir:       "/srv/shimjail",
		CloseFDs:        true,
		SanitizeEnv:     true,
		EnvAllowlist:    []string{"PATH"},
		NewPIDNamespace: true,
		DropUID:         &uid,
		DropGID:         &gid,
		Limits: ResourceLimits{
			MaxOpenFiles: &maxFiles,
			MaxFileSize:  &maxFileSize,
			MaxProcesses: &maxProcs,
		},
	}
}

// Build validates o and returns a defensive copy. All inconsistencies
// surface here as *ConfigError; nothing is checked again at apply time
// except conditions only the kernel can decide.
func Build(o Options) (Options, error) {
	if err := o.validate(); err != nil {
		return Options{}, err
	}
	o.EnvAllowlist = append([]string(nil), o.EnvAllowlist...)
	return o, nil
}

func (o Options) validate() error {
	if o.ChrootEnabled {
		if o.ChrootDir == "" {
			return &ConfigError{Field: "chroot_dir", Reason: "chroot enabled but no root path configured"}
		}
		if !filepath.IsAbs(o.ChrootDir) {
			return &ConfigError{Field: "chroot_dir", Reason: fmt.Sprintf("root path %q must be absolute", o.ChrootDir)}
		}
	}
	for _, name := range o.EnvAllowlist {
		if name == "" {
			return &ConfigError{Field: "env_allowlist", Reason: "empty variable name"}
		}
		if strings.ContainsAny(name, "= \t") {
			return &ConfigError{Field: "env_allowlist", Reason: fmt.Sprintf("malformed variable name %q", name)}
		}
	}
	if o.DropUID != nil && *o.DropUID == 0 {
		return &ConfigError{Field: "drop_uid", Reason: "privilege drop target must not be root"}
	}
	if o.DropGID != nil && *o.DropGID == 0 {
		return &ConfigError{Field: "drop_gid", Reason: "privilege drop target must not be the root group"}
	}
	if (o.DropUID == nil) != (o.DropGID == nil) {
		return &ConfigError{Field: "drop_uid", Reason: "drop_uid and drop_gid must be set together"}
	}
	if err := validateLimits(o.Limits); err != nil {
		return err
	}
	return nil
}

func validateLimits(l ResourceLimits) error {
	check := func(field string, v *uint64) error {
		if v != nil && *v == 0 {
			return &ConfigError{Field: field, Reason: "limit must be positive when set"}
		}
		return nil
	}
	if err := check("resource_limits.max_open_files", l.MaxOpenFiles); err != nil {
		return err
	}
	if err := check("resource_limits.max_file_size", l.MaxFileSize); err != nil {
		return err
	}
	if err := check("resource_limits.max_processes", l.MaxProcesses); err != nil {
		return err
	}
	if err := check("resource_limits.max_address_space", l.MaxAddressSpace); err != nil {
		return err
	}
	if err := check("resource_limits.max_cpu_seconds", l.MaxCPUSeconds); err != nil {
		return err
	}
	return nil
}

// EnsureEndpointReachable rejects option/endpoint combinations where
// filesystem isolation would sever the channel socket the shim still
// needs. Caught at construction, never at apply time.
func EnsureEndpointReachable(o Options, ep channel.Endpoint) error {
	if ep.IsZero() || !o.ChrootEnabled {
		return nil
	}
	if !ep.ReachableUnder(o.ChrootDir) {
		return &ConfigError{
			Field:  "chroot_dir",
			Reason: fmt.Sprintf("channel socket %s is outside root %s and would be severed by filesystem isolation", ep, o.ChrootDir),
		}
	}
	return nil
}
