// Package descriptor holds the self-describing records that bridges, exits
// and the broker exchange: bridge and exit descriptors, the signed exit
// list, route trees and availability reports. All times are unix seconds.
package descriptor

import (
	"encoding/json"
	"fmt"
	"time"
)

// expired reports whether a unix-seconds expiry lies strictly before now.
// A record is still live during its expiry second.
func expired(expiry uint64, now time.Time) bool {
	return now.Unix() > int64(expiry)
}

// ParseRoute decodes a route tree from JSON and validates it.
func ParseRoute(data []byte) (RouteDescriptor, error) {
	var r RouteDescriptor
	if err := json.Unmarshal(data, &r); err != nil {
		return RouteDescriptor{}, fmt.Errorf("decode route: %w", err)
	}
	if err := r.Validate(); err != nil {
		return RouteDescriptor{}, err
	}
	return r, nil
}
