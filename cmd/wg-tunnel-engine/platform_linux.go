//go:build linux

package main

import (
	"wg-tunnel-engine/internal/platform"
	"wg-tunnel-engine/internal/platform/linux"
)

func newCapabilities() (platform.Capabilities, error) {
	fw, err := linux.NewFirewall()
	if err != nil {
		return platform.Capabilities{}, err
	}
	return platform.Capabilities{
		Firewall: fw,
		Routes:   linux.NewRouteTable(),
		DNS:      linux.NewDNSConfigurator(),
	}, nil
}
