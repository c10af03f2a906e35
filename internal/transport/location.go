package transport

import (
	"path/filepath"
	"strings"
)

// Location is a device argument: a local path, or a path on an SSH host.
type Location struct {
	Host string
	User string
	Path string
}

// IsRemote reports whether the device lives on another host.
func (l Location) IsRemote() bool {
	return l.Host != ""
}

// String formats the location the way ParseLocation accepts it.
func (l Location) String() string {
	if !l.IsRemote() {
		return l.Path
	}
	host := l.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if l.User != "" {
		host = l.User + "@" + host
	}
	return host + ":" + l.Path
}

// ParseLocation splits a device argument of the form [user@]host:path.
// IPv6 hosts are bracketed, as in root@[fe80::1]:/dev/sdb.
//
// The argument is a local path when it is absolute or starts with ./ or
// ../, when it has no colon, when a path separator comes before the first
// colon, or when the host is localhost without a user.
func ParseLocation(arg string) Location {
	local := Location{Path: arg}
	if filepath.IsAbs(arg) || strings.HasPrefix(arg, "./") || strings.HasPrefix(arg, "../") {
		return local
	}

	userHost, path, ok := splitHostPath(arg)
	if !ok || strings.ContainsAny(userHost, "/"+string(filepath.Separator)) {
		return local
	}

	var user, host string
	if at := strings.LastIndexByte(userHost, '@'); at >= 0 {
		user, host = userHost[:at], userHost[at+1:]
	} else {
		host = userHost
	}

	switch {
	case host == "":
		return local
	case host == "localhost" && user == "":
		return Location{Path: path}
	}
	return Location{Host: host, User: user, Path: path}
}

// splitHostPath cuts arg at the colon ending the host part, unwrapping a
// bracketed host.
func splitHostPath(arg string) (userHost, path string, ok bool) {
	open := strings.IndexByte(arg, '[')
	if open == 0 || (open > 0 && arg[open-1] == '@') {
		end := strings.Index(arg, "]:")
		if end < open {
			return "", "", false
		}
		return arg[:open] + arg[open+1:end], arg[end+2:], true
	}

	userHost, path, ok = strings.Cut(arg, ":")
	if !ok || userHost == "" {
		return "", "", false
	}
	return userHost, path, true
}
