package descriptor

import (
	"fmt"
	"net/netip"
)

// RouteKind tags the variant held by a RouteDescriptor.
type RouteKind string

const (
	RouteTCP      RouteKind = "tcp"      // plain TCP to Addr
	RouteObfs     RouteKind = "obfs"     // obfuscated transport keyed by Cookie, over Lower
	RouteRace     RouteKind = "race"     // first of Routes to connect wins
	RouteFallback RouteKind = "fallback" // try Routes in order
	RouteTimeout  RouteKind = "timeout"  // Lower, bounded by Milliseconds
)

// maxRouteDepth bounds nesting so a hostile broker cannot make the client
// recurse without limit.
const maxRouteDepth = 8

// RouteDescriptor tells a client how to reach an exit. Only the fields
// belonging to Kind are set.
type RouteDescriptor struct {
	Kind         RouteKind         `json:"kind"`
	Addr         string            `json:"addr,omitempty"`
	Cookie       string            `json:"cookie,omitempty"`
	Milliseconds uint32            `json:"milliseconds,omitempty"`
	Lower        *RouteDescriptor  `json:"lower,omitempty"`
	Routes       []RouteDescriptor `json:"routes,omitempty"`
}

// TCPRoute returns a plain TCP route.
func TCPRoute(addr string) RouteDescriptor {
	return RouteDescriptor{Kind: RouteTCP, Addr: addr}
}

// ObfsRoute wraps lower in the obfuscated transport keyed by cookie.
func ObfsRoute(cookie string, lower RouteDescriptor) RouteDescriptor {
	return RouteDescriptor{Kind: RouteObfs, Cookie: cookie, Lower: &lower}
}

// Validate checks the variant is well formed all the way down.
func (r RouteDescriptor) Validate() error {
	return r.validate(0)
}

func (r RouteDescriptor) validate(depth int) error {
	if depth > maxRouteDepth {
		return fmt.Errorf("route nested deeper than %d", maxRouteDepth)
	}
	switch r.Kind {
	case RouteTCP:
		if _, err := netip.ParseAddrPort(r.Addr); err != nil {
			return fmt.Errorf("tcp route: %w", err)
		}
	case RouteObfs:
		if r.Cookie == "" {
			return fmt.Errorf("obfs route: empty cookie")
		}
		if r.Lower == nil {
			return fmt.Errorf("obfs route: missing lower route")
		}
		return r.Lower.validate(depth + 1)
	case RouteTimeout:
		if r.Milliseconds == 0 {
			return fmt.Errorf("timeout route: zero timeout")
		}
		if r.Lower == nil {
			return fmt.Errorf("timeout route: missing lower route")
		}
		return r.Lower.validate(depth + 1)
	case RouteRace, RouteFallback:
		if len(r.Routes) == 0 {
			return fmt.Errorf("%s route: no alternatives", r.Kind)
		}
		for i := range r.Routes {
			if err := r.Routes[i].validate(depth + 1); err != nil {
				return fmt.Errorf("%s route %d: %w", r.Kind, i, err)
			}
		}
	default:
		return fmt.Errorf("unknown route kind %q", r.Kind)
	}
	return nil
}
