package descriptor

import (
	"crypto/ed25519"
	"fmt"
	"math"
	"net/netip"
	"time"

	"golang.org/x/text/language"
)

// ExitDescriptor fully describes one exit.
type ExitDescriptor struct {
	C2EListen string  `json:"c2e_listen"` // client-to-exit listener
	B2EListen string  `json:"b2e_listen"` // bridge-to-exit listener
	Country   string  `json:"country"`    // ISO 3166-1 alpha-2
	City      string  `json:"city"`       // city code, key into ExitList.CityNames
	Load      float32 `json:"load"`       // relative load, 0 is idle
	Expiry    uint64  `json:"expiry"`     // unix seconds
}

// Validate checks that the addresses parse and the country is a real
// country code. Expiry is advisory and not checked here.
func (d ExitDescriptor) Validate() error {
	if _, err := netip.ParseAddrPort(d.C2EListen); err != nil {
		return fmt.Errorf("c2e listen address: %w", err)
	}
	if _, err := netip.ParseAddrPort(d.B2EListen); err != nil {
		return fmt.Errorf("b2e listen address: %w", err)
	}
	if len(d.Country) != 2 {
		return fmt.Errorf("country code %q is not two letters", d.Country)
	}
	region, err := language.ParseRegion(d.Country)
	if err != nil || !region.IsCountry() {
		return fmt.Errorf("unknown country code %q", d.Country)
	}
	if math.IsNaN(float64(d.Load)) || d.Load < 0 {
		return fmt.Errorf("invalid load %v", d.Load)
	}
	return nil
}

// Expired reports whether the descriptor is past its expiry at now.
func (d ExitDescriptor) Expired(now time.Time) bool {
	return expired(d.Expiry, now)
}

// ExitEntry pairs an exit's signing key with its descriptor.
type ExitEntry struct {
	PublicKey  ed25519.PublicKey `json:"pubkey"`
	Descriptor ExitDescriptor    `json:"descriptor"`
}

// ExitList is every exit the broker knows about, plus localized city names
// keyed by city code and then by BCP 47 language tag.
type ExitList struct {
	AllExits  []ExitEntry                  `json:"all_exits"`
	CityNames map[string]map[string]string `json:"city_names"`
}

// Expiry returns when the list as a whole goes stale: the earliest expiry
// of any member. An empty list is already stale.
func (l *ExitList) Expiry() time.Time {
	if len(l.AllExits) == 0 {
		return time.Unix(0, 0)
	}
	earliest := l.AllExits[0].Descriptor.Expiry
	for _, e := range l.AllExits[1:] {
		earliest = min(earliest, e.Descriptor.Expiry)
	}
	return time.Unix(int64(earliest), 0)
}

// Descriptors returns just the descriptors, in list order.
func (l *ExitList) Descriptors() []ExitDescriptor {
	out := make([]ExitDescriptor, len(l.AllExits))
	for i, e := range l.AllExits {
		out[i] = e.Descriptor
	}
	return out
}

// CityName returns the best display name for city given the caller's
// preferred languages, falling back to the city code itself.
func (l *ExitList) CityName(city string, preferred ...language.Tag) string {
	names := l.CityNames[city]
	if len(names) == 0 {
		return city
	}
	var (
		tags  []language.Tag
		texts []string
	)
	for tag, name := range names {
		t, err := language.Parse(tag)
		if err != nil {
			continue
		}
		tags = append(tags, t)
		texts = append(texts, name)
	}
	if len(tags) == 0 {
		return city
	}
	if len(preferred) == 0 {
		preferred = []language.Tag{language.English}
	}
	_, idx, conf := language.NewMatcher(tags).Match(preferred...)
	if conf == language.No {
		return city
	}
	return texts[idx]
}

// Validate checks every member descriptor, every key length, and that the
// city name table only uses well-formed language tags.
func (l *ExitList) Validate() error {
	for i, e := range l.AllExits {
		if len(e.PublicKey) != ed25519.PublicKeySize {
			return fmt.Errorf("exit %d: bad public key length %d", i, len(e.PublicKey))
		}
		if err := e.Descriptor.Validate(); err != nil {
			return fmt.Errorf("exit %d: %w", i, err)
		}
	}
	for city, names := range l.CityNames {
		for tag := range names {
			if _, err := language.Parse(tag); err != nil {
				return fmt.Errorf("city %s: language tag %q: %w", city, tag, err)
			}
		}
	}
	return nil
}
