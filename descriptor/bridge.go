package descriptor

import (
	"fmt"
	"net/netip"
	"time"
)

// BridgeTTL is how long a freshly built bridge descriptor stays valid. A
// bridge re-announces well inside this window, so its directory entry only
// lapses when the bridge itself stops announcing.
const BridgeTTL = 120 * time.Second

// BridgeDescriptor is what a bridge tells the broker about itself each
// announce cycle.
type BridgeDescriptor struct {
	ControlListen string `json:"control_listen"` // ip:port of the obfuscated listener
	ControlCookie string `json:"control_cookie"` // shared secret clients need to handshake
	Pool          string `json:"pool"`
	Expiry        uint64 `json:"expiry"` // unix seconds
}

// NewBridgeDescriptor builds a descriptor that expires BridgeTTL after now.
func NewBridgeDescriptor(controlListen netip.AddrPort, cookie, pool string, now time.Time) BridgeDescriptor {
	return BridgeDescriptor{
		ControlListen: controlListen.String(),
		ControlCookie: cookie,
		Pool:          pool,
		Expiry:        uint64(now.Add(BridgeTTL).Unix()),
	}
}

// Expired reports whether the descriptor is past its expiry at now.
func (d BridgeDescriptor) Expired(now time.Time) bool {
	return expired(d.Expiry, now)
}

// Validate checks the fields a broker needs before storing the descriptor.
func (d BridgeDescriptor) Validate() error {
	if _, err := netip.ParseAddrPort(d.ControlListen); err != nil {
		return fmt.Errorf("control listen address: %w", err)
	}
	if d.ControlCookie == "" {
		return fmt.Errorf("empty control cookie")
	}
	if d.Pool == "" {
		return fmt.Errorf("empty pool")
	}
	return nil
}
