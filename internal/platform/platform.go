package platform

// Capabilities bundles the OS primitives the engine consumes. The engine
// never touches the OS directly; everything goes through these interfaces.
// Per-OS bindings (internal/platform/linux) construct the concrete set;
// tests substitute in-memory fakes.
type Capabilities struct {
	Firewall Firewall
	Routes   RouteTable
	DNS      DNSConfigurator
}
