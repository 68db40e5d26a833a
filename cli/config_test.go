package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/coder/serpent"
	"github.com/stretchr/testify/require"

	"github.com/coder/shimjail/channel"
	"github.com/coder/shimjail/security"
)

func TestNewAppConfigDefaults(t *testing.T) {
	cfg, err := NewAppConfigFromCliConfig(CliConfig{}, []string{"/bin/shim"})
	require.NoError(t, err)

	require.True(t, cfg.Options.JailerEnabled)
	require.True(t, cfg.Options.SeccompEnabled)
	require.False(t, cfg.Options.Strict)
	require.Equal(t, []string{"/bin/shim"}, cfg.TargetCMD)
	require.True(t, cfg.Endpoint.IsZero())
}

func TestNewAppConfigFlagOverrides(t *testing.T) {
	in := CliConfig{
		Preset:       "minimal",
		Strict:       true,
		ChrootDir:    "/srv/jail",
		EnvAllow:     serpent.StringArray{"PATH", "TERM"},
		NewPIDNS:     true,
		DropUID:      65534,
		DropGID:      65534,
		MaxOpenFiles: 256,
		MaxCPUSecs:   30,
		Endpoint:     "vsock://3:1024",
		PIDFile:      "/run/shim.pid",
		Retries:      2,
	}

	cfg, err := NewAppConfigFromCliConfig(in, []string{"/bin/shim", "-v"})
	require.NoError(t, err)

	opts := cfg.Options
	require.True(t, opts.Strict)
	require.True(t, opts.ChrootEnabled)
	require.Equal(t, "/srv/jail", opts.ChrootDir)
	require.True(t, opts.SanitizeEnv)
	require.Equal(t, []string{"PATH", "TERM"}, opts.EnvAllowlist)
	require.True(t, opts.NewPIDNamespace)
	require.Equal(t, uint32(65534), *opts.DropUID)
	require.Equal(t, uint32(65534), *opts.DropGID)
	require.Equal(t, uint64(256), *opts.Limits.MaxOpenFiles)
	require.Equal(t, uint64(30), *opts.Limits.MaxCPUSeconds)
	require.Nil(t, opts.Limits.MaxProcesses)

	require.Equal(t, channel.Endpoint{Scheme: channel.SchemeVsock, CID: 3, Port: 1024}, cfg.Endpoint)
	require.Equal(t, "/run/shim.pid", cfg.PIDFile)
	require.Equal(t, 2, cfg.Retries)
	require.Equal(t, []string{"/bin/shim", "-v"}, cfg.TargetCMD)
}

func TestNewAppConfigSecurityConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jail.yaml")
	require.NoError(t, os.WriteFile(path, []byte("preset: maximum\nchroot_dir: /srv/custom\n"), 0o600))

	cfg, err := NewAppConfigFromCliConfig(CliConfig{SecurityConfig: serpent.String(path)}, []string{"/bin/shim"})
	require.NoError(t, err)
	require.True(t, cfg.Options.ChrootEnabled)
	require.Equal(t, "/srv/custom", cfg.Options.ChrootDir)

	t.Run("flags still override the file", func(t *testing.T) {
		cfg, err := NewAppConfigFromCliConfig(CliConfig{
			SecurityConfig: serpent.String(path),
			ChrootDir:      "/srv/flag-wins",
		}, []string{"/bin/shim"})
		require.NoError(t, err)
		require.Equal(t, "/srv/flag-wins", cfg.Options.ChrootDir)
	})

	t.Run("mutually exclusive with preset", func(t *testing.T) {
		_, err := NewAppConfigFromCliConfig(CliConfig{
			SecurityConfig: serpent.String(path),
			Preset:         "minimal",
		}, []string{"/bin/shim"})
		require.Error(t, err)
	})
}

func TestNewAppConfigRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		cfg  CliConfig
	}{
		{name: "unknown preset", cfg: CliConfig{Preset: "fortress"}},
		{name: "relative chroot dir", cfg: CliConfig{ChrootDir: "srv/jail"}},
		{name: "uid without gid", cfg: CliConfig{DropUID: 100}},
		{name: "bad endpoint", cfg: CliConfig{Endpoint: "vsock://nope"}},
		{name: "missing options file", cfg: CliConfig{SecurityConfig: "/does/not/exist.yaml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAppConfigFromCliConfig(tt.cfg, []string{"/bin/shim"})
			require.Error(t, err)
		})
	}
}

func TestNewAppConfigEndpointMustSurviveChroot(t *testing.T) {
	_, err := NewAppConfigFromCliConfig(CliConfig{
		ChrootDir: "/srv/jail",
		Endpoint:  "unix:///run/outside.sock",
	}, []string{"/bin/shim"})

	// Resolution succeeds; the launcher rejects the severed socket when
	// it validates the pair.
	require.NoError(t, err)

	var configErr *security.ConfigError
	cfg, _ := NewAppConfigFromCliConfig(CliConfig{
		ChrootDir: "/srv/jail",
		Endpoint:  "unix:///run/outside.sock",
	}, []string{"/bin/shim"})
	err = security.EnsureEndpointReachable(cfg.Options, cfg.Endpoint)
	require.ErrorAs(t, err, &configErr)
}
