package pathselect

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net/netip"
	"strings"
	"time"

	"github.com/cvsouth/bridgeline/descriptor"
)

// loadScale turns a float load into an integer weight: an idle exit weighs
// loadScale, an exit at load 1 weighs half that.
const loadScale = 10000

// SelectExit picks an unexpired exit, optionally restricted to country,
// favouring lightly loaded exits.
func SelectExit(list *descriptor.ExitList, country string, now time.Time) (*descriptor.ExitEntry, error) {
	var candidates []descriptor.ExitEntry
	var weights []int64

	for _, e := range list.AllExits {
		if e.Descriptor.Expired(now) {
			continue
		}
		if country != "" && !strings.EqualFold(e.Descriptor.Country, country) {
			continue
		}
		candidates = append(candidates, e)
		weights = append(weights, exitWeight(e.Descriptor.Load))
	}

	if len(candidates) == 0 {
		if country != "" {
			return nil, fmt.Errorf("no usable exits in %s", country)
		}
		return nil, fmt.Errorf("no usable exits")
	}

	idx, err := weightedRandom(weights)
	if err != nil {
		return nil, err
	}
	return &candidates[idx], nil
}

func exitWeight(load float32) int64 {
	if load < 0 || load != load {
		load = 0
	}
	return int64(loadScale / (1 + float64(load)))
}

// SelectBridges picks up to n unexpired bridges, at most one per pool and
// at most one per /16 (IPv4) or /48 (IPv6), uniformly at random.
func SelectBridges(bridges []descriptor.BridgeDescriptor, n int, now time.Time) ([]descriptor.BridgeDescriptor, error) {
	var candidates []descriptor.BridgeDescriptor
	for _, b := range bridges {
		if !b.Expired(now) {
			candidates = append(candidates, b)
		}
	}

	var out []descriptor.BridgeDescriptor
	pools := make(map[string]bool)
	subnets := make(map[netip.Prefix]bool)
	for len(out) < n && len(candidates) > 0 {
		weights := make([]int64, len(candidates))
		idx, err := weightedRandom(weights)
		if err != nil {
			return nil, err
		}
		picked := candidates[idx]
		candidates = append(candidates[:idx], candidates[idx+1:]...)

		s := subnet(picked.ControlListen)
		if pools[picked.Pool] || (s.IsValid() && subnets[s]) {
			continue
		}
		pools[picked.Pool] = true
		if s.IsValid() {
			subnets[s] = true
		}
		out = append(out, picked)
	}
	return out, nil
}

// subnet returns the /16 (IPv4) or /48 (IPv6) containing addr.
func subnet(addr string) netip.Prefix {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return netip.Prefix{}
	}
	ip := ap.Addr().Unmap()
	bits := 16
	if ip.Is6() {
		bits = 48
	}
	p, err := ip.Prefix(bits)
	if err != nil {
		return netip.Prefix{}
	}
	return p
}

// weightedRandom selects an index proportional to the given weights using crypto/rand.
func weightedRandom(weights []int64) (int, error) {
	if len(weights) == 0 {
		return 0, fmt.Errorf("empty weights")
	}

	var total int64
	for _, w := range weights {
		total += max(w, 0)
	}

	if total <= 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(weights))))
		if err != nil {
			return 0, fmt.Errorf("crypto/rand: %w", err)
		}
		return int(n.Int64()), nil
	}

	n, err := rand.Int(rand.Reader, big.NewInt(total))
	if err != nil {
		return 0, fmt.Errorf("crypto/rand: %w", err)
	}
	r := n.Int64()

	var cumulative int64
	for i, w := range weights {
		cumulative += max(w, 0)
		if r < cumulative {
			return i, nil
		}
	}
	return len(weights) - 1, nil
}
