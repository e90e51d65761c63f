package checkpoint

import (
	"os"
	"runtime"
)

func fallbackHostInfo() map[string]any {
	node, _ := os.Hostname()
	return map[string]any{
		"system":  runtime.GOOS,
		"node":    node,
		"release": "",
		"version": "",
		"machine": runtime.GOARCH,
		"arch":    runtime.GOARCH,
	}
}
