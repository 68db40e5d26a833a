package security

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Preset names a fixed, test-covered Options constant.
type Preset string

const (
	PresetMinimal Preset = "minimal"
	PresetDefault Preset = "default"
	PresetMaximum Preset = "maximum"
)

// NewPresetFromString parses a preset name.
func NewPresetFromString(str string) (Preset, error) {
	switch str {
	case "minimal":
		return PresetMinimal, nil
	case "default", "":
		return PresetDefault, nil
	case "maximum":
		return PresetMaximum, nil
	default:
		return PresetDefault, fmt.Errorf("invalid preset: %s", str)
	}
}

// Options returns the preset's Options value.
func (p Preset) Options() Options {
	switch p {
	case PresetMinimal:
		return Minimal()
	case PresetMaximum:
		return Maximum()
	default:
		return Default()
	}
}

// optionsFile is the on-disk overlay format. Only fields present in the
// file override the preset; everything else keeps the preset value.
type optionsFile struct {
	Preset         string          `yaml:"preset"`
	SeccompEnabled *bool           `yaml:"seccomp_enabled"`
	ChrootEnabled  *bool           `yaml:"chroot_enabled"`
	ChrootDir      *string         `yaml:"chroot_dir"`
	CloseFDs       *bool           `yaml:"close_fds"`
	SanitizeEnv    *bool           `yaml:"sanitize_env"`
	EnvAllowlist   []string        `yaml:"env_allowlist"`
	NewPIDNS       *bool           `yaml:"new_pid_ns"`
	NewNetNS       *bool           `yaml:"new_net_ns"`
	DropUID        *uint32         `yaml:"drop_uid"`
	DropGID        *uint32         `yaml:"drop_gid"`
	Strict         *bool           `yaml:"strict"`
	Limits         *ResourceLimits `yaml:"resource_limits"`
}

// LoadOptionsFile reads a YAML security options file and returns the
// validated result of overlaying it on its declared preset.
func LoadOptionsFile(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("read security options %s: %w", path, err)
	}
	return ParseOptionsYAML(data)
}

// ParseOptionsYAML parses a YAML options overlay.
func ParseOptionsYAML(data []byte) (Options, error) {
	var file optionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Options{}, fmt.Errorf("parse security options: %w", err)
	}

	preset, err := NewPresetFromString(file.Preset)
	if err != nil {
		return Options{}, err
	}
	opts := preset.Options()

	if file.SeccompEnabled != nil {
		opts.SeccompEnabled = *file.SeccompEnabled
	}
	if file.ChrootEnabled != nil {
		opts.ChrootEnabled = *file.ChrootEnabled
	}
	if file.ChrootDir != nil {
		opts.ChrootDir = *file.ChrootDir
	}
	if file.CloseFDs != nil {
		opts.CloseFDs = *file.CloseFDs
	}
	if file.SanitizeEnv != nil {
		opts.SanitizeEnv = *file.SanitizeEnv
	}
	if file.EnvAllowlist != nil {
		opts.EnvAllowlist = file.EnvAllowlist
	}
	if file.NewPIDNS != nil {
		opts.NewPIDNamespace = *file.NewPIDNS
	}
	if file.NewNetNS != nil {
		opts.NewNetNamespace = *file.NewNetNS
	}
	if file.DropUID != nil {
		opts.DropUID = file.DropUID
	}
	if file.DropGID != nil {
		opts.DropGID = file.DropGID
	}
	if file.Strict != nil {
		opts.Strict = *file.Strict
	}
	if file.Limits != nil {
		merged := opts.Limits
		if file.Limits.MaxOpenFiles != nil {
			merged.MaxOpenFiles = file.Limits.MaxOpenFiles
		}
		if file.Limits.MaxFileSize != nil {
			merged.MaxFileSize = file.Limits.MaxFileSize
		}
		if file.Limits.MaxProcesses != nil {
			merged.MaxProcesses = file.Limits.MaxProcesses
		}
		if file.Limits.MaxAddressSpace != nil {
			merged.MaxAddressSpace = file.Limits.MaxAddressSpace
		}
		if file.Limits.MaxCPUSeconds != nil {
			merged.MaxCPUSeconds = file.Limits.MaxCPUSeconds
		}
		opts.Limits = merged
	}

	return Build(opts)
}
