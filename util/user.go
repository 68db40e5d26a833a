package util

import (
	"os"
	"os/user"
	"strconv"
)

// CallerIdentity returns the uid/gid of the user who invoked the
// launcher, looking through sudo when the process is actually elevated.
// In environments like shared workspaces SUDO_USER may be set to 'root'
// without a real sudo invocation, so that case is ignored. ok is false
// when the only identity found is root: dropping to root is not a drop.
func CallerIdentity() (uid, gid uint32, ok bool) {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" && os.Geteuid() == 0 && sudoUser != "root" {
		u, err := user.Lookup(sudoUser)
		if err == nil {
			uid := parseID(os.Getenv("SUDO_UID"), u.Uid)
			gid := parseID(os.Getenv("SUDO_GID"), u.Gid)
			if uid != 0 && gid != 0 {
				return uid, gid, true
			}
		}
	}

	current, err := user.Current()
	if err != nil {
		return 0, 0, false
	}
	uid = parseID(current.Uid, "")
	gid = parseID(current.Gid, "")
	if uid == 0 || gid == 0 {
		return 0, 0, false
	}
	return uid, gid, true
}

// parseID parses the first value that is a positive integer.
func parseID(primary, fallback string) uint32 {
	for _, s := range []string{primary, fallback} {
		if s == "" {
			continue
		}
		if v, err := strconv.ParseUint(s, 10, 32); err == nil && v != 0 {
			return uint32(v)
		}
	}
	return 0
}
