package channel

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
)

// Scheme identifies the transport a shim uses to talk to the guest agent.
type Scheme string

const (
	SchemeTCP   Scheme = "tcp"
	SchemeUnix  Scheme = "unix"
	SchemeVsock Scheme = "vsock"
)

// Endpoint is a resolved channel endpoint descriptor. The jailer does not
// open the channel itself; it only has to make sure the endpoint stays
// reachable after filesystem isolation and privilege drop.
type Endpoint struct {
	Scheme  Scheme `json:"scheme"`
	Address string `json:"address,omitempty"` // host:port for tcp, filesystem path for unix
	CID     uint32 `json:"cid,omitempty"`     // vsock context ID
	Port    uint32 `json:"port,omitempty"`    // vsock port
}

// Parse parses an endpoint descriptor of the form "tcp://host:port",
// "unix:///path/to.sock" or "vsock://cid:port".
func Parse(s string) (Endpoint, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return Endpoint{}, fmt.Errorf("endpoint %q: missing scheme", s)
	}

	switch Scheme(scheme) {
	case SchemeTCP:
		host, port, err := net.SplitHostPort(rest)
		if err != nil {
			return Endpoint{}, fmt.Errorf("endpoint %q: %v", s, err)
		}
		if host == "" {
			return Endpoint{}, fmt.Errorf("endpoint %q: empty host", s)
		}
		if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			return Endpoint{}, fmt.Errorf("endpoint %q: invalid port %q", s, port)
		}
		return Endpoint{Scheme: SchemeTCP, Address: rest}, nil

	case SchemeUnix:
		if rest == "" {
			return Endpoint{}, fmt.Errorf("endpoint %q: empty socket path", s)
		}
		if !filepath.IsAbs(rest) {
			return Endpoint{}, fmt.Errorf("endpoint %q: socket path must be absolute", s)
		}
		return Endpoint{Scheme: SchemeUnix, Address: filepath.Clean(rest)}, nil

	case SchemeVsock:
		cidStr, portStr, ok := strings.Cut(rest, ":")
		if !ok {
			return Endpoint{}, fmt.Errorf("endpoint %q: vsock wants cid:port", s)
		}
		cid, err := strconv.ParseUint(cidStr, 10, 32)
		if err != nil {
			return Endpoint{}, fmt.Errorf("endpoint %q: invalid cid %q", s, cidStr)
		}
		port, err := strconv.ParseUint(portStr, 10, 32)
		if err != nil {
			return Endpoint{}, fmt.Errorf("endpoint %q: invalid port %q", s, portStr)
		}
		return Endpoint{Scheme: SchemeVsock, CID: uint32(cid), Port: uint32(port)}, nil

	default:
		return Endpoint{}, fmt.Errorf("endpoint %q: unknown scheme %q", s, scheme)
	}
}

func (e Endpoint) String() string {
	switch e.Scheme {
	case SchemeVsock:
		return fmt.Sprintf("vsock://%d:%d", e.CID, e.Port)
	case SchemeUnix:
		return fmt.Sprintf("unix://%s", e.Address)
	case SchemeTCP:
		return fmt.Sprintf("tcp://%s", e.Address)
	default:
		return string(e.Scheme)
	}
}

// IsZero reports whether no endpoint was configured.
func (e Endpoint) IsZero() bool {
	return e.Scheme == ""
}

// ReachableUnder reports whether the endpoint stays reachable once the
// process root has been changed to root. TCP and vsock endpoints do not
// live on the filesystem, so a root change never severs them. A unix
// socket survives only if its path is inside the new root.
func (e Endpoint) ReachableUnder(root string) bool {
	if e.Scheme != SchemeUnix {
		return true
	}
	root = filepath.Clean(root)
	if root == "/" {
		return true
	}
	rel, err := filepath.Rel(root, e.Address)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
