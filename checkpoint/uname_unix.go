//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package checkpoint

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// hostInfo returns uname fields for info.json.
func hostInfo() map[string]any {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return fallbackHostInfo()
	}
	return map[string]any{
		"system":  unix.ByteSliceToString(u.Sysname[:]),
		"node":    unix.ByteSliceToString(u.Nodename[:]),
		"release": unix.ByteSliceToString(u.Release[:]),
		"version": unix.ByteSliceToString(u.Version[:]),
		"machine": unix.ByteSliceToString(u.Machine[:]),
		"arch":    runtime.GOARCH,
	}
}
