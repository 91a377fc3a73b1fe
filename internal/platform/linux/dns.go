//go:build linux

package linux

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"sync"

	"wg-tunnel-engine/internal/core"
	"wg-tunnel-engine/internal/platform"
)

const resolvConfPath = "/etc/resolv.conf"

// DNSConfigurator implements platform.DNSConfigurator by rewriting
// resolv.conf, keeping the original contents for Restore.
type DNSConfigurator struct {
	mu       sync.Mutex
	original []byte
	active   bool
	path     string
}

// NewDNSConfigurator creates the resolv.conf binding.
func NewDNSConfigurator() *DNSConfigurator {
	return &DNSConfigurator{path: resolvConfPath}
}

var _ platform.DNSConfigurator = (*DNSConfigurator)(nil)

// Set points the system resolver at the given servers.
func (d *DNSConfigurator) Set(iface string, servers []netip.Addr) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.active {
		orig, err := os.ReadFile(d.path)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("read %s: %w", d.path, err)
		}
		d.original = orig
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Generated for tunnel interface %s\n", iface)
	for _, s := range servers {
		fmt.Fprintf(&b, "nameserver %s\n", s)
	}

	if err := os.WriteFile(d.path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write %s: %w", d.path, err)
	}
	d.active = true
	core.Log.Infof("DNS", "Resolver set to %v via %s", servers, iface)
	return nil
}

// Restore reverts resolv.conf to the pre-Set contents.
func (d *DNSConfigurator) Restore() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.active {
		return nil
	}
	if err := os.WriteFile(d.path, d.original, 0644); err != nil {
		return fmt.Errorf("restore %s: %w", d.path, err)
	}
	d.active = false
	d.original = nil
	core.Log.Infof("DNS", "Resolver restored")
	return nil
}
