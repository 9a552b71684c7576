package execpipeline

import (
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// mount performs a single specs.Mount via the mount(2) syscall, translating
// the handful of option strings the exec pipeline actually emits
// (BuildMountList) into MS_* flags. Filesystem-specific data options
// (e.g. "size=10M" for tmpfs) are passed through as the raw data string.
func mount(m specs.Mount) error {
	var flags uintptr
	var data []string
	for _, opt := range m.Options {
		switch opt {
		case "ro":
			flags |= unix.MS_RDONLY
		case "rw":
		case "bind":
			flags |= unix.MS_BIND
		case "nosuid":
			flags |= unix.MS_NOSUID
		case "nodev":
			flags |= unix.MS_NODEV
		case "noexec":
			flags |= unix.MS_NOEXEC
		default:
			data = append(data, opt)
		}
	}
	fstype := m.Type
	if fstype == "auto" {
		fstype = ""
	}
	return unix.Mount(m.Source, m.Destination, fstype, flags, strings.Join(data, ","))
}
