package plan

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coder/shimjail/platform"
	"github.com/coder/shimjail/security"
)

var (
	linuxFullCaps = platform.Capabilities{
		Namespaces:    true,
		Cgroups:       true,
		PrivilegeDrop: true,
		Seccomp:       true,
	}
	linuxUnprivCaps = platform.Capabilities{
		Namespaces: true,
		Seccomp:    true,
	}
	darwinCaps = platform.Capabilities{
		DeclarativeSandbox: true,
	}
	bareCaps = platform.Capabilities{}
)

// stepRank mirrors the fixed layer ordering. Reconcile may omit steps
// but must never emit them out of this order.
var stepRank = map[StepKind]int{
	StepCreateNamespaces:    0,
	StepIsolateFilesystem:   1,
	StepApplyResourceLimits: 2,
	StepDropPrivileges:      3,
	StepSanitizeEnvironment: 4,
	StepApplySyscallFilter:  5,
}

func requireOrdered(t *testing.T, p Plan) {
	t.Helper()
	prev := -1
	for _, s := range p.Steps {
		rank, ok := stepRank[s.Kind]
		require.True(t, ok, "unknown step kind %s", s.Kind)
		require.Greater(t, rank, prev, "step %s out of order", s.Kind)
		prev = rank
	}
}

func TestReconcileDisabledJailer(t *testing.T) {
	p, err := Reconcile(security.Minimal(), linuxFullCaps)
	require.NoError(t, err)
	require.Empty(t, p.Steps)
	require.Empty(t, p.Omitted)
	require.False(t, p.Degraded())
}

func TestReconcileMaximumOnFullLinux(t *testing.T) {
	p, err := Reconcile(security.Maximum(), linuxFullCaps)
	require.NoError(t, err)
	requireOrdered(t, p)
	require.False(t, p.Degraded())
	require.Empty(t, p.Omitted)

	ns, ok := p.Step(StepCreateNamespaces)
	require.True(t, ok)
	require.True(t, ns.NewPIDNamespace)
	require.False(t, ns.NewNetNamespace)

	fs, ok := p.Step(StepIsolateFilesystem)
	require.True(t, ok)
	require.Equal(t, security.Maximum().ChrootDir, fs.Root)
	require.True(t, fs.MountProc, "fresh PID namespace needs its own proc")

	res, ok := p.Step(StepApplyResourceLimits)
	require.True(t, ok)
	require.True(t, res.CgroupEnabled)

	drop, ok := p.Step(StepDropPrivileges)
	require.True(t, ok)
	require.Equal(t, security.NobodyUID, drop.UID)
	require.Equal(t, security.NobodyGID, drop.GID)

	env, ok := p.Step(StepSanitizeEnvironment)
	require.True(t, ok)
	require.True(t, env.CloseFDs)
	require.True(t, env.FilterEnv)

	_, ok = p.Step(StepApplySyscallFilter)
	require.True(t, ok)
}

func TestReconcileOrderingAcrossOptionSubsets(t *testing.T) {
	// Every combination of optional layers must come out in the fixed
	// order, regardless of which subset is enabled.
	for mask := 0; mask < 32; mask++ {
		opts := security.Default()
		opts.ChrootEnabled = mask&1 != 0
		if opts.ChrootEnabled {
			opts.ChrootDir = "/srv/jail"
		}
		if mask&2 != 0 {
			uid, gid := security.NobodyUID, security.NobodyGID
			opts.DropUID, opts.DropGID = &uid, &gid
		}
		if mask&4 != 0 {
			limit := uint64(64)
			opts.Limits.MaxOpenFiles = &limit
		}
		opts.SeccompEnabled = mask&8 != 0
		opts.NewPIDNamespace = mask&16 != 0

		for _, caps := range []platform.Capabilities{linuxFullCaps, linuxUnprivCaps, darwinCaps, bareCaps} {
			p, err := Reconcile(opts, caps)
			require.NoError(t, err)
			requireOrdered(t, p)

			// A disabled layer never yields a step, degraded or not.
			if !opts.ChrootEnabled {
				_, ok := p.Step(StepIsolateFilesystem)
				require.False(t, ok)
			}
			if !opts.SeccompEnabled {
				_, ok := p.Step(StepApplySyscallFilter)
				require.False(t, ok)
			}
			if opts.Limits.IsZero() {
				_, ok := p.Step(StepApplyResourceLimits)
				require.False(t, ok)
			}
			if opts.DropUID == nil {
				_, ok := p.Step(StepDropPrivileges)
				require.False(t, ok)
			}
		}
	}
}

func TestReconcileUnprivilegedLinux(t *testing.T) {
	opts := security.Maximum()
	p, err := Reconcile(opts, linuxUnprivCaps)
	require.NoError(t, err)
	requireOrdered(t, p)
	require.True(t, p.Degraded())

	// Privilege drop has no substitute: omitted and recorded.
	_, ok := p.Step(StepDropPrivileges)
	require.False(t, ok)
	require.Len(t, p.Omitted, 1)
	require.Equal(t, StepDropPrivileges, p.Omitted[0].Kind)
	require.NotEmpty(t, p.Omitted[0].Reason)

	// Resource limits survive but downgraded to rlimits only.
	res, ok := p.Step(StepApplyResourceLimits)
	require.True(t, ok)
	require.True(t, res.Degraded)
	require.False(t, res.CgroupEnabled)
}

func TestReconcileDarwin(t *testing.T) {
	opts := security.Maximum()
	p, err := Reconcile(opts, darwinCaps)
	require.NoError(t, err)
	requireOrdered(t, p)
	require.True(t, p.Degraded())

	// The sandbox profile substitutes for the mount-namespace chroot
	// and subsumes the syscall filter.
	fs, ok := p.Step(StepIsolateFilesystem)
	require.True(t, ok)
	require.True(t, fs.Degraded)
	require.True(t, fs.SubsumesSyscallFilter)
	_, ok = p.Step(StepApplySyscallFilter)
	require.False(t, ok, "no separate filter step when the profile subsumes it")

	_, ok = p.Step(StepCreateNamespaces)
	require.False(t, ok)
	_, ok = p.Step(StepDropPrivileges)
	require.False(t, ok)
}

func TestReconcileDarwinSeparateFilterStep(t *testing.T) {
	// Seccomp requested without chroot: the profile has no filesystem
	// step to ride on, so a degraded standalone filter step appears.
	opts := security.Default()
	p, err := Reconcile(opts, darwinCaps)
	require.NoError(t, err)

	filter, ok := p.Step(StepApplySyscallFilter)
	require.True(t, ok)
	require.True(t, filter.Degraded)
}

func TestReconcileStrictMode(t *testing.T) {
	tests := []struct {
		name string
		caps platform.Capabilities
		want StepKind
	}{
		{name: "no namespaces", caps: platform.Capabilities{Seccomp: true, PrivilegeDrop: true, Cgroups: true}, want: StepCreateNamespaces},
		{name: "no cgroups", caps: platform.Capabilities{Namespaces: true, Seccomp: true, PrivilegeDrop: true}, want: StepApplyResourceLimits},
		{name: "no privilege drop", caps: platform.Capabilities{Namespaces: true, Seccomp: true, Cgroups: true}, want: StepDropPrivileges},
		{name: "nothing at all", caps: bareCaps, want: StepCreateNamespaces},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := security.Maximum()
			opts.Strict = true

			_, err := Reconcile(opts, tt.caps)
			var unsupported *UnsupportedError
			require.ErrorAs(t, err, &unsupported)
			require.Equal(t, tt.want, unsupported.Kind)
		})
	}
}

func TestReconcileStrictDarwinDegradedProfile(t *testing.T) {
	opts := security.Maximum()
	opts.Strict = true

	_, err := Reconcile(opts, darwinCaps)
	var unsupported *UnsupportedError
	require.ErrorAs(t, err, &unsupported)
}

func TestReconcileStrictSucceedsWhenNothingDegrades(t *testing.T) {
	opts := security.Maximum()
	opts.Strict = true

	p, err := Reconcile(opts, linuxFullCaps)
	require.NoError(t, err)
	require.False(t, p.Degraded())
}

func TestReconcileNonStrictNeverErrors(t *testing.T) {
	allCaps := []platform.Capabilities{linuxFullCaps, linuxUnprivCaps, darwinCaps, bareCaps}
	allOpts := []security.Options{security.Minimal(), security.Default(), security.Maximum()}

	for _, opts := range allOpts {
		for _, caps := range allCaps {
			_, err := Reconcile(opts, caps)
			require.NoError(t, err)
		}
	}
}

func TestReconcileNetworkNamespaceFlagReachesProfile(t *testing.T) {
	opts := security.Maximum()
	opts.NewNetNamespace = true

	p, err := Reconcile(opts, darwinCaps)
	require.NoError(t, err)
	fs, ok := p.Step(StepIsolateFilesystem)
	require.True(t, ok)
	require.False(t, fs.AllowNetwork, "network namespace request must close the profile's network policy")

	opts.NewNetNamespace = false
	p, err = Reconcile(opts, darwinCaps)
	require.NoError(t, err)
	fs, _ = p.Step(StepIsolateFilesystem)
	require.True(t, fs.AllowNetwork)
}

func TestPlanDegraded(t *testing.T) {
	require.False(t, Plan{}.Degraded())
	require.True(t, Plan{Steps: []Step{{Kind: StepIsolateFilesystem, Degraded: true}}}.Degraded())
	require.True(t, Plan{Omitted: []Omission{{Kind: StepDropPrivileges, Reason: "x"}}}.Degraded())
}
