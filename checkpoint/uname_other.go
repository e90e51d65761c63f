//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package checkpoint

func hostInfo() map[string]any {
	return fallbackHostInfo()
}
