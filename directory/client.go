// Package directory gives clients a trustworthy view of the broker's exit
// list: every list is checked against the pinned broker key and its expiry
// before use, whether it came from the network or from disk.
package directory

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cvsouth/bridgeline/broker"
	"github.com/cvsouth/bridgeline/descriptor"
	"github.com/cvsouth/bridgeline/envelope"
)

// ErrExpired means a correctly signed exit list has already gone stale.
var ErrExpired = errors.New("directory: exit list expired")

// Client fetches exit lists from a broker.
type Client struct {
	Broker broker.Protocol
	// Key is the broker's pinned signing key.
	Key    ed25519.PublicKey
	Cache  *Cache // nil disables caching
	Logger *slog.Logger

	now func() time.Time
}

// Exits returns the current exit list, or only the exits free accounts may
// use when free is set. A valid cached list is used without contacting the
// broker.
func (c *Client) Exits(ctx context.Context, free bool) (descriptor.ExitList, error) {
	now := c.clock()
	if c.Cache != nil {
		if list, ok := c.Cache.LoadExitList(free, c.Key, now); ok {
			c.logger().Debug("exit list from cache", "exits", len(list.AllExits), "free", free)
			return list, nil
		}
	}

	fetch := c.Broker.GetExits
	if free {
		fetch = c.Broker.GetFreeExits
	}
	signed, err := fetch(ctx)
	if err != nil {
		return descriptor.ExitList{}, fmt.Errorf("fetch exit list: %w", err)
	}
	list, err := verifyExitList(signed, c.Key, now)
	if err != nil {
		return descriptor.ExitList{}, err
	}
	c.logger().Info("fetched exit list", "exits", len(list.AllExits), "free", free, "expires", list.Expiry())

	if c.Cache != nil {
		if err := c.Cache.SaveExitList(free, signed); err != nil {
			c.logger().Warn("failed to cache exit list", "error", err)
		}
	}
	return list, nil
}

func verifyExitList(signed envelope.Signed[descriptor.ExitList], key ed25519.PublicKey, now time.Time) (descriptor.ExitList, error) {
	list, err := signed.Verify(envelope.DomainExitList, key)
	if err != nil {
		return descriptor.ExitList{}, fmt.Errorf("verify exit list: %w", err)
	}
	if err := list.Validate(); err != nil {
		return descriptor.ExitList{}, fmt.Errorf("exit list: %w", err)
	}
	if now.After(list.Expiry()) {
		return descriptor.ExitList{}, ErrExpired
	}
	return list, nil
}

func (c *Client) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
