package jail

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildSeatbeltProfileDenyDefault(t *testing.T) {
	profile := BuildSeatbeltProfile(ProfileSpec{})
	require.True(t, strings.HasPrefix(profile, "(version 1)\n(deny default)"),
		"profile must open with the deny-default preamble")
}

func TestBuildSeatbeltProfileRootConfinement(t *testing.T) {
	profile := BuildSeatbeltProfile(ProfileSpec{Root: "/srv/jail"})
	require.Contains(t, profile, `(allow file-read* (subpath "/srv/jail"))`)
	require.Contains(t, profile, `(allow file-write* (subpath "/srv/jail"))`)
	require.NotContains(t, profile, "\n(allow file-read*)\n",
		"confined profile must not fall back to open reads")
}

func TestBuildSeatbeltProfileWithoutRoot(t *testing.T) {
	profile := BuildSeatbeltProfile(ProfileSpec{})
	require.Contains(t, profile, "(allow file-read*)",
		"without a root the profile filters operations but leaves reads open")
}

func TestBuildSeatbeltProfileNetworkPolicy(t *testing.T) {
	withNet := BuildSeatbeltProfile(ProfileSpec{Root: "/srv/jail", AllowNetwork: true})
	require.Contains(t, withNet, "(allow network-outbound)")
	require.Contains(t, withNet, "(allow network-inbound)")

	withoutNet := BuildSeatbeltProfile(ProfileSpec{Root: "/srv/jail"})
	require.NotContains(t, withoutNet, "network-outbound")
	require.NotContains(t, withoutNet, "network-inbound")
}

func TestBuildSeatbeltProfileDeterministic(t *testing.T) {
	spec := ProfileSpec{Root: "/srv/jail", AllowNetwork: true}
	require.Equal(t, BuildSeatbeltProfile(spec), BuildSeatbeltProfile(spec))
}

func TestBuildSeatbeltProfileLinkerPaths(t *testing.T) {
	// Nothing execs without the dynamic linker allowances.
	profile := BuildSeatbeltProfile(ProfileSpec{Root: "/srv/jail"})
	require.Contains(t, profile, `(subpath "/usr/lib")`)
	require.Contains(t, profile, `(subpath "/System/Library")`)
	require.Contains(t, profile, "(allow process-exec)")
}
