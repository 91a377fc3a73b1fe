//go:build !linux

package main

import (
	"fmt"
	"runtime"

	"wg-tunnel-engine/internal/platform"
)

func newCapabilities() (platform.Capabilities, error) {
	return platform.Capabilities{}, fmt.Errorf("no platform bindings for %s", runtime.GOOS)
}
