package bridge

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/spf13/pflag"
)

// Environment variables carrying the bridge's identity with the broker.
const (
	EnvToken      = "BRIDGE_TOKEN"
	EnvPool       = "BRIDGE_POOL"
	EnvBrokerAddr = "BROKER_ADDR"
)

// DefaultIPEchoURL answers GET with the caller's public address as text.
const DefaultIPEchoURL = "https://checkip.amazonaws.com/"

// Config is a bridge's identity and local settings.
type Config struct {
	Token      string // pool auth token, MAC key source
	Pool       string
	BrokerAddr string

	// Listen is the local bind address. Port 0 picks one at random once;
	// restarts rebind the same port.
	Listen string

	// PublicIP is the address advertised to the broker. When invalid it is
	// taken from Listen, or discovered through IPEchoURL.
	PublicIP  netip.Addr
	IPEchoURL string

	// ASNTable is an optional ip2asn file (.tsv, .gz or .zst).
	ASNTable string

	// ForwardPrivate lets clients reach private and loopback destinations.
	ForwardPrivate bool

	Verbose bool
}

// ParseConfig reads the bridge identity from getenv and local settings from
// args. It returns pflag.ErrHelp when help was requested.
func ParseConfig(args []string, getenv func(string) string) (Config, error) {
	var (
		cfg      Config
		publicIP string
	)
	fs := pflag.NewFlagSet("bridge", pflag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", "0.0.0.0:0", "address to accept obfuscated connections on")
	fs.StringVar(&publicIP, "public-ip", "", "address to advertise (default: discover)")
	fs.StringVar(&cfg.IPEchoURL, "ip-echo-url", DefaultIPEchoURL, "service used to discover the public address")
	fs.StringVar(&cfg.ASNTable, "asn-table", "", "ip2asn table for per-ASN accounting")
	fs.BoolVar(&cfg.ForwardPrivate, "forward-private", false, "allow forwarding to private and loopback addresses")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", false, "log per-connection events")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	cfg.Token = getenv(EnvToken)
	cfg.Pool = getenv(EnvPool)
	cfg.BrokerAddr = getenv(EnvBrokerAddr)
	if publicIP != "" {
		addr, err := netip.ParseAddr(publicIP)
		if err != nil {
			return Config{}, fmt.Errorf("--public-ip: %w", err)
		}
		cfg.PublicIP = addr
	}
	return cfg, cfg.Validate()
}

// Validate checks that the bridge can identify itself to the broker.
func (c *Config) Validate() error {
	var errs []error
	if c.Token == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvToken))
	}
	if c.Pool == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvPool))
	}
	if c.BrokerAddr == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvBrokerAddr))
	}
	if _, err := netip.ParseAddrPort(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen address: %w", err))
	}
	return errors.Join(errs...)
}
