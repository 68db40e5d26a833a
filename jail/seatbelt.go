package jail

import (
	"fmt"
	"strings"
)

// SandboxExecPath is hardcoded to prevent PATH injection. Only trust
// sandbox-exec from /usr/bin.
const SandboxExecPath = "/usr/bin/sandbox-exec"

// ProfileSpec parameterizes a Seatbelt (SBPL) sandbox profile. The
// profile is the Darwin substitute for both the mount-namespace chroot
// and the seccomp filter, so it covers path access and operation
// filtering in one artifact.
type ProfileSpec struct {
	// Root, when set, confines file reads and writes to this subtree
	// (plus the system paths any process needs to load and run).
	Root string

	// AllowNetwork keeps outbound and inbound sockets usable; the
	// virtual-network backend needs them.
	AllowNetwork bool
}

// seatbeltBasePolicy is the deny-default core: process lifecycle,
// minimal sysctl reads, and the device files every process touches.
// Derived from the strict allowlist approach used by Chromium's macOS
// sandbox and similar profile-based sandboxes.
const seatbeltBasePolicy = `(version 1)
(deny default)

; process lifecycle
(allow process-fork)
(allow process-exec)
(allow signal (target same-sandbox))

; minimal introspection
(allow sysctl-read)
(allow mach-lookup)

; device files every process needs
(allow file-read* (literal "/dev/null") (literal "/dev/urandom") (literal "/dev/random"))
(allow file-write-data (literal "/dev/null"))
(allow file-ioctl (literal "/dev/null"))
`

// seatbeltSystemReadPolicy allows the reads required for dynamic
// linking; without these nothing execs.
const seatbeltSystemReadPolicy = `
; dynamic linker and system frameworks
(allow file-read*
  (subpath "/usr/lib")
  (subpath "/System/Library")
  (subpath "/Library/Frameworks")
  (subpath "/private/var/db/dyld"))
`

// seatbeltNetworkPolicy is appended only when network access stays on.
const seatbeltNetworkPolicy = `
; sockets for the virtual-network backend and vsock bridge
(allow network-outbound)
(allow network-inbound)
(allow system-socket)
`

// BuildSeatbeltProfile renders the SBPL profile for spec. The result is
// deterministic for a given spec, which keeps it reviewable and
// testable without a Darwin host.
func BuildSeatbeltProfile(spec ProfileSpec) string {
	var b strings.Builder
	b.WriteString(seatbeltBasePolicy)
	b.WriteString(seatbeltSystemReadPolicy)

	b.WriteString("\n; temporary files\n")
	b.WriteString("(allow file-write*\n  (subpath \"/private/tmp\")\n  (subpath \"/private/var/tmp\"))\n")
	b.WriteString("(allow file-read*\n  (subpath \"/private/tmp\")\n  (subpath \"/private/var/tmp\"))\n")

	if spec.Root != "" {
		fmt.Fprintf(&b, "\n; jail root subtree\n(allow file-read* (subpath %q))\n(allow file-write* (subpath %q))\n", spec.Root, spec.Root)
	} else {
		// No path confinement requested: the profile still filters
		// operations but leaves reads open.
		b.WriteString("\n(allow file-read*)\n")
	}

	if spec.AllowNetwork {
		b.WriteString(seatbeltNetworkPolicy)
	}

	return b.String()
}
