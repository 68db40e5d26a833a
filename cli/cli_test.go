package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	cmd := NewCommand("v1.2.3")

	var stdout strings.Builder
	inv := cmd.Invoke("version")
	inv.Stdout = &stdout

	require.NoError(t, inv.Run())
	require.Equal(t, "shimjail v1.2.3\n", stdout.String())
}
