//go:build linux

package linux

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"wg-tunnel-engine/internal/core"
	"wg-tunnel-engine/internal/platform"
)

// RouteTable implements platform.RouteTable on top of rtnetlink.
type RouteTable struct{}

// NewRouteTable creates the netlink-backed route table binding.
func NewRouteTable() *RouteTable { return &RouteTable{} }

var _ platform.RouteTable = (*RouteTable)(nil)

// DefaultGateway scans the main table for the lowest-metric IPv4 default
// route on a non-tunnel link.
func (rt *RouteTable) DefaultGateway() (platform.DefaultGateway, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return platform.DefaultGateway{}, fmt.Errorf("list routes: %w", err)
	}

	best := platform.DefaultGateway{}
	bestMetric := -1
	for _, r := range routes {
		if r.Dst != nil {
			ones, _ := r.Dst.Mask.Size()
			if ones != 0 {
				continue
			}
		}
		if r.Gw == nil {
			continue
		}
		link, err := netlink.LinkByIndex(r.LinkIndex)
		if err != nil {
			continue
		}
		// Skip tunnel links; the physical default is what we want.
		if link.Type() == "wireguard" || link.Type() == "tun" {
			continue
		}
		if bestMetric >= 0 && r.Priority >= bestMetric {
			continue
		}

		gw, ok := netip.AddrFromSlice(r.Gw.To4())
		if !ok {
			continue
		}
		best = platform.DefaultGateway{
			Interface: link.Attrs().Name,
			Gateway:   gw,
		}
		bestMetric = r.Priority

		if addrs, err := netlink.AddrList(link, netlink.FAMILY_V4); err == nil && len(addrs) > 0 {
			if ip, ok := netip.AddrFromSlice(addrs[0].IP.To4()); ok {
				best.LocalIP = ip
			}
		}
	}

	if bestMetric < 0 {
		return platform.DefaultGateway{}, errors.New("no default gateway: no active network interface")
	}
	core.Log.Debugf("Route", "Default gateway %s via %s", best.Gateway, best.Interface)
	return best, nil
}

// AddRoute installs a route; an already-present identical route is success.
func (rt *RouteTable) AddRoute(r platform.Route) error {
	nr, err := toNetlinkRoute(r)
	if err != nil {
		return err
	}
	if err := netlink.RouteAdd(nr); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("add route %s: %w", r.Dest, err)
	}
	return nil
}

// DeleteRoute removes a route; a route that is already gone is success.
func (rt *RouteTable) DeleteRoute(r platform.Route) error {
	nr, err := toNetlinkRoute(r)
	if err != nil {
		return err
	}
	if err := netlink.RouteDel(nr); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("delete route %s: %w", r.Dest, err)
	}
	return nil
}

func toNetlinkRoute(r platform.Route) (*netlink.Route, error) {
	link, err := netlink.LinkByName(r.Interface)
	if err != nil {
		return nil, fmt.Errorf("interface %q: %w", r.Interface, err)
	}

	nr := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst: &net.IPNet{
			IP:   r.Dest.Addr().AsSlice(),
			Mask: net.CIDRMask(r.Dest.Bits(), r.Dest.Addr().BitLen()),
		},
		Priority: r.Metric,
	}
	if r.Via.IsValid() {
		nr.Gw = r.Via.AsSlice()
	}
	return nr, nil
}
