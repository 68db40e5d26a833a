//go:build darwin

package platform

import "os"

// sandboxExecPath is hardcoded to prevent PATH injection; if /usr/bin
// has been tampered with, the attacker already owns the machine.
const sandboxExecPath = "/usr/bin/sandbox-exec"

func detect() Capabilities {
	_, err := os.Stat(sandboxExecPath)
	return Capabilities{
		// No namespaces, no cgroups, no seccomp on Darwin. Privilege
		// dropping is deliberately unsupported: the shim keeps the
		// invoking user's identity and reconciliation surfaces the gap
		// as degraded.
		DeclarativeSandbox: err == nil,
	}
}
