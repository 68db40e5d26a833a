package security

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coder/shimjail/channel"
)

func uint64p(v uint64) *uint64 { return &v }

func TestPresets(t *testing.T) {
	t.Run("minimal disables everything", func(t *testing.T) {
		opts := Minimal()
		require.False(t, opts.JailerEnabled)
		opts, err := Build(opts)
		require.NoError(t, err)
		require.False(t, opts.JailerEnabled)
	})

	t.Run("default is unprivileged-safe", func(t *testing.T) {
		opts := Default()
		require.True(t, opts.JailerEnabled)
		require.True(t, opts.SeccompEnabled)
		require.True(t, opts.CloseFDs)
		require.True(t, opts.SanitizeEnv)
		require.Nil(t, opts.DropUID, "default preset must not require root")
		require.False(t, opts.ChrootEnabled)
		require.ElementsMatch(t, []string{"PATH", "HOME", "USER", "LANG", "TERM"}, opts.EnvAllowlist)

		_, err := Build(opts)
		require.NoError(t, err)
	})

	t.Run("maximum enables every layer", func(t *testing.T) {
		opts := Maximum()
		require.True(t, opts.ChrootEnabled)
		require.True(t, opts.NewPIDNamespace)
		require.NotNil(t, opts.DropUID)
		require.Equal(t, NobodyUID, *opts.DropUID)
		require.Equal(t, NobodyGID, *opts.DropGID)
		require.Equal(t, uint64(1024), *opts.Limits.MaxOpenFiles)
		require.Equal(t, uint64(1<<30), *opts.Limits.MaxFileSize)
		require.Equal(t, uint64(100), *opts.Limits.MaxProcesses)

		_, err := Build(opts)
		require.NoError(t, err)
	})
}

func TestBuildRejectsInvalidOptions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		field  string
	}{
		{
			name:   "chroot without dir",
			mutate: func(o *Options) { o.ChrootEnabled = true; o.ChrootDir = "" },
			field:  "chroot_dir",
		},
		{
			name:   "relative chroot dir",
			mutate: func(o *Options) { o.ChrootEnabled = true; o.ChrootDir = "srv/jail" },
			field:  "chroot_dir",
		},
		{
			name:   "empty allowlist entry",
			mutate: func(o *Options) { o.EnvAllowlist = []string{"PATH", ""} },
			field:  "env_allowlist",
		},
		{
			name:   "allowlist entry with equals sign",
			mutate: func(o *Options) { o.EnvAllowlist = []string{"PATH=/bin"} },
			field:  "env_allowlist",
		},
		{
			name:   "drop to root uid",
			mutate: func(o *Options) { uid := uint32(0); gid := uint32(100); o.DropUID = &uid; o.DropGID = &gid },
			field:  "drop_uid",
		},
		{
			name:   "drop to root gid",
			mutate: func(o *Options) { uid := uint32(100); gid := uint32(0); o.DropUID = &uid; o.DropGID = &gid },
			field:  "drop_gid",
		},
		{
			name:   "uid without gid",
			mutate: func(o *Options) { uid := uint32(100); o.DropUID = &uid },
			field:  "drop_uid",
		},
		{
			name:   "zero open files limit",
			mutate: func(o *Options) { o.Limits.MaxOpenFiles = uint64p(0) },
			field:  "resource_limits.max_open_files",
		},
		{
			name:   "zero cpu limit",
			mutate: func(o *Options) { o.Limits.MaxCPUSeconds = uint64p(0) },
			field:  "resource_limits.max_cpu_seconds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := Default()
			tt.mutate(&opts)
			_, err := Build(opts)

			var configErr *ConfigError
			require.ErrorAs(t, err, &configErr)
			require.Equal(t, tt.field, configErr.Field)
		})
	}
}

func TestBuildCopiesAllowlist(t *testing.T) {
	input := Default()
	built, err := Build(input)
	require.NoError(t, err)

	input.EnvAllowlist[0] = "MUTATED"
	require.NotEqual(t, "MUTATED", built.EnvAllowlist[0])
}

func TestEnsureEndpointReachable(t *testing.T) {
	chrooted := Maximum()
	chrooted.ChrootDir = "/srv/jail"

	tests := []struct {
		name     string
		opts     Options
		endpoint string
		wantErr  bool
	}{
		{name: "tcp survives chroot", opts: chrooted, endpoint: "tcp://127.0.0.1:9000", wantErr: false},
		{name: "vsock survives chroot", opts: chrooted, endpoint: "vsock://3:1024", wantErr: false},
		{name: "unix socket inside root", opts: chrooted, endpoint: "unix:///srv/jail/run/vm.sock", wantErr: false},
		{name: "unix socket outside root", opts: chrooted, endpoint: "unix:///run/vm.sock", wantErr: true},
		{name: "no chroot keeps any socket", opts: Default(), endpoint: "unix:///run/vm.sock", wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, err := channel.Parse(tt.endpoint)
			require.NoError(t, err)

			err = EnsureEndpointReachable(tt.opts, ep)
			if tt.wantErr {
				var configErr *ConfigError
				require.ErrorAs(t, err, &configErr)
			} else {
				require.NoError(t, err)
			}
		})
	}

	t.Run("zero endpoint is always fine", func(t *testing.T) {
		require.NoError(t, EnsureEndpointReachable(chrooted, channel.Endpoint{}))
	})
}

func TestConfigErrorIsDistinguishable(t *testing.T) {
	_, err := Build(Options{ChrootEnabled: true})
	require.Error(t, err)

	var configErr *ConfigError
	require.True(t, errors.As(err, &configErr))
	require.Contains(t, configErr.Error(), "chroot_dir")
}
