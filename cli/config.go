package cli

import (
	"fmt"

	"github.com/coder/serpent"

	"github.com/coder/shimjail/channel"
	"github.com/coder/shimjail/security"
	"github.com/coder/shimjail/util"
)

// CliConfig holds the raw serpent-bound values: flags, environment
// variables and the YAML config file all land here before resolution.
type CliConfig struct {
	Config         serpent.YAMLConfigPath `yaml:"-"`
	Preset         serpent.String         `yaml:"preset"`
	SecurityConfig serpent.String         `yaml:"security_config"`
	Strict         serpent.Bool           `yaml:"strict"`

	ChrootDir    serpent.String      `yaml:"chroot_dir"`
	EnvAllow     serpent.StringArray `yaml:"env_allow"`
	NewPIDNS     serpent.Bool        `yaml:"new_pid_ns"`
	NewNetNS     serpent.Bool        `yaml:"new_net_ns"`
	DropUID      serpent.Int64       `yaml:"drop_uid"`
	DropGID      serpent.Int64       `yaml:"drop_gid"`
	DropToCaller serpent.Bool        `yaml:"drop_to_caller"`
	MaxOpenFiles serpent.Int64       `yaml:"max_open_files"`
	MaxFileSize  serpent.Int64       `yaml:"max_file_size"`
	MaxProcesses serpent.Int64       `yaml:"max_processes"`
	MaxAddrSpace serpent.Int64       `yaml:"max_address_space"`
	MaxCPUSecs   serpent.Int64       `yaml:"max_cpu_seconds"`

	Endpoint serpent.String `yaml:"endpoint"`
	PIDFile  serpent.String `yaml:"pid_file"`
	Retries  serpent.Int64  `yaml:"retries"`

	LogLevel     serpent.String `yaml:"log_level"`
	LogDir       serpent.String `yaml:"log_dir"`
	OTLPEndpoint serpent.String `yaml:"otlp_endpoint"`
}

// AppConfig is the resolved configuration the launcher consumes.
type AppConfig struct {
	Options      security.Options
	Endpoint     channel.Endpoint
	PIDFile      string
	Retries      int
	LogLevel     string
	LogDir       string
	OTLPEndpoint string
	TargetCMD    []string
}

// NewAppConfigFromCliConfig resolves the raw CLI values: the security
// options file (or named preset) supplies the base posture, individual
// flags override single fields on top of it.
func NewAppConfigFromCliConfig(cfg CliConfig, targetCMD []string) (AppConfig, error) {
	opts, err := baseOptions(cfg)
	if err != nil {
		return AppConfig{}, err
	}

	if cfg.Strict.Value() {
		opts.Strict = true
	}
	if dir := cfg.ChrootDir.Value(); dir != "" {
		opts.ChrootEnabled = true
		opts.ChrootDir = dir
	}
	if allow := cfg.EnvAllow.Value(); len(allow) > 0 {
		opts.SanitizeEnv = true
		opts.EnvAllowlist = allow
	}
	if cfg.NewPIDNS.Value() {
		opts.NewPIDNamespace = true
	}
	if cfg.NewNetNS.Value() {
		opts.NewNetNamespace = true
	}
	if uid := cfg.DropUID.Value(); uid != 0 {
		u := uint32(uid)
		opts.DropUID = &u
	}
	if gid := cfg.DropGID.Value(); gid != 0 {
		g := uint32(gid)
		opts.DropGID = &g
	}
	if cfg.DropToCaller.Value() {
		uid, gid, ok := util.CallerIdentity()
		if !ok {
			return AppConfig{}, fmt.Errorf("--drop-to-caller: no unprivileged caller identity found")
		}
		opts.DropUID = &uid
		opts.DropGID = &gid
	}
	applyLimitFlag(&opts.Limits.MaxOpenFiles, cfg.MaxOpenFiles)
	applyLimitFlag(&opts.Limits.MaxFileSize, cfg.MaxFileSize)
	applyLimitFlag(&opts.Limits.MaxProcesses, cfg.MaxProcesses)
	applyLimitFlag(&opts.Limits.MaxAddressSpace, cfg.MaxAddrSpace)
	applyLimitFlag(&opts.Limits.MaxCPUSeconds, cfg.MaxCPUSecs)

	opts, err = security.Build(opts)
	if err != nil {
		return AppConfig{}, err
	}

	var endpoint channel.Endpoint
	if raw := cfg.Endpoint.Value(); raw != "" {
		endpoint, err = channel.Parse(raw)
		if err != nil {
			return AppConfig{}, err
		}
	}

	return AppConfig{
		Options:      opts,
		Endpoint:     endpoint,
		PIDFile:      cfg.PIDFile.Value(),
		Retries:      int(cfg.Retries.Value()),
		LogLevel:     cfg.LogLevel.Value(),
		LogDir:       cfg.LogDir.Value(),
		OTLPEndpoint: cfg.OTLPEndpoint.Value(),
		TargetCMD:    targetCMD,
	}, nil
}

func baseOptions(cfg CliConfig) (security.Options, error) {
	if path := cfg.SecurityConfig.Value(); path != "" {
		if cfg.Preset.Value() != "" {
			return security.Options{}, fmt.Errorf("--preset and --security-config are mutually exclusive; the options file declares its own preset")
		}
		return security.LoadOptionsFile(path)
	}
	preset, err := security.NewPresetFromString(cfg.Preset.Value())
	if err != nil {
		return security.Options{}, err
	}
	return preset.Options(), nil
}

func applyLimitFlag(dst **uint64, flag serpent.Int64) {
	if v := flag.Value(); v > 0 {
		u := uint64(v)
		*dst = &u
	}
}
