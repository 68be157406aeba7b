package stub

import (
	"flag"
	"net/netip"
)

// EndpointMode selects which transports an extra listener serves.
type EndpointMode uint8

const (
	ModeUDP EndpointMode = iota
	ModeTCP
	ModeBoth
)

func (m EndpointMode) servesUDP() bool { return m == ModeUDP || m == ModeBoth }
func (m EndpointMode) servesTCP() bool { return m == ModeTCP || m == ModeBoth }

// Family selects the address family an extra listener binds to.
type Family uint8

const (
	FamilyV4 Family = iota
	FamilyV6
)

// ExtraListenerConfig describes one configured extra endpoint, minus the
// sockets and in-flight table it owns once started.
type ExtraListenerConfig struct {
	Mode   EndpointMode
	Family Family
	Addr   netip.Addr
	Port   uint16
}

// key returns the (mode, family, address, port) tuple two extra listener
// configs are compared by for equality.
func (c ExtraListenerConfig) key() ExtraListenerConfig {
	return ExtraListenerConfig{Mode: c.Mode, Family: c.Family, Addr: c.Addr, Port: c.Port}
}

// DefaultPrimaryPort is the well-known port the primary listener binds to.
const DefaultPrimaryPort = 53

// DefaultPrimaryAddress is the primary listener's fixed loopback endpoint.
var DefaultPrimaryAddress = netip.AddrPortFrom(netip.MustParseAddr("127.0.0.53"), DefaultPrimaryPort)

var primaryEnabled = flag.Bool(
	"primary-listener",
	true,
	"listen on the primary loopback endpoint (127.0.0.53:53)",
)

// Config is the Listener Set's configuration surface: whether the primary
// listener is enabled, and the list of extra endpoints to bind.
type Config struct {
	PrimaryEnabled bool
	Extra          []ExtraListenerConfig
}

// DefaultConfig returns a Config built from registered flags, with no
// extra listeners. Callers append extra endpoints programmatically before
// passing the Config to NewListenerSet.
func DefaultConfig() Config {
	return Config{PrimaryEnabled: *primaryEnabled}
}

// AddExtra appends ec unless an extra listener with the same (mode,
// family, address, port) key is already configured. Reports whether ec
// was added.
func (c *Config) AddExtra(ec ExtraListenerConfig) bool {
	for _, existing := range c.Extra {
		if existing.key() == ec.key() {
			return false
		}
	}
	c.Extra = append(c.Extra, ec)
	return true
}
