// Package authority is an in-memory broker. It keeps the bridge and exit
// directory, issues auth tokens and blind-signed connect tokens, gates free
// registration behind a puzzle and collects telemetry.
package authority

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/cvsouth/bridgeline/broker"
	"github.com/cvsouth/bridgeline/descriptor"
	"github.com/cvsouth/bridgeline/envelope"
	"github.com/cvsouth/bridgeline/mizaru"
)

const (
	// puzzleTTL is how long an issued puzzle may be submitted.
	puzzleTTL = 10 * time.Minute
	// purgeInterval is how often Run drops expired state.
	purgeInterval = time.Minute
	// authTokenTTL is how long an auth token stays valid. It spans the
	// three epochs a connect token may be requested for.
	authTokenTTL = 72 * time.Hour
	// maxRouteBridges is how many bridges a route races.
	maxRouteBridges = 3
)

type bridgeKey struct {
	pool string
	addr string
}

// authSession is what an auth token stands for. Its limiter paces connect
// token requests made with it.
type authSession struct {
	user    uint64
	issued  time.Time
	limiter *rate.Limiter
}

type account struct {
	id          uint64
	plusExpires uint64
}

// Authority implements broker.Protocol.
type Authority struct {
	signer      ed25519.PrivateKey
	mizaru      *mizaru.SecretKey
	poolKeys    map[string][envelope.MacKeySize]byte
	exitKey     [envelope.MacKeySize]byte
	free        map[string]bool
	cityNames   map[string]map[string]string
	difficulty  uint16
	testDummy   bool
	legacy      map[string]LegacyUser
	tokenRate   rate.Limit
	tokenBurst  int
	logger      *slog.Logger
	now         func() time.Time
	compareHash func(hash, password []byte) error
	mu          sync.Mutex
	bridges     map[bridgeKey]descriptor.BridgeDescriptor
	exits       map[string]descriptor.ExitEntry // by public key bytes
	accounts    map[uint64]*account
	authTokens  map[string]*authSession
	secrets     map[string]uint64
	puzzles     map[string]time.Time
	counters    map[string]int64
	gauges      map[string]float64
	reachable   map[string]availability
	nextAccount uint64
}

type availability struct {
	successes, failures uint64
}

var _ broker.Protocol = (*Authority)(nil)

// Option adjusts an Authority at construction.
type Option func(*Authority)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authority) { a.logger = l }
}

// New builds an authority from a validated config.
func New(cfg *Config, opts ...Option) (*Authority, error) {
	signingSeed, err := decodeSeed(cfg.SigningSeed)
	if err != nil {
		return nil, fmt.Errorf("signing seed: %w", err)
	}
	mizaruSeed, err := decodeSeed(cfg.MizaruSeed)
	if err != nil {
		return nil, fmt.Errorf("mizaru seed: %w", err)
	}
	sk, err := mizaru.NewSecretKey(mizaruSeed, cfg.MizaruBits)
	if err != nil {
		return nil, err
	}

	a := &Authority{
		signer:      ed25519.NewKeyFromSeed(signingSeed[:]),
		mizaru:      sk,
		poolKeys:    make(map[string][envelope.MacKeySize]byte),
		exitKey:     envelope.DeriveMacKey(cfg.ExitToken),
		free:        make(map[string]bool),
		difficulty:  cfg.PuzzleDifficulty,
		testDummy:   cfg.AllowTestDummy,
		legacy:      make(map[string]LegacyUser),
		tokenRate:   rate.Limit(cfg.ConnectTokenRate),
		tokenBurst:  cfg.ConnectTokenBurst,
		logger:      slog.Default(),
		now:         time.Now,
		compareHash: bcrypt.CompareHashAndPassword,
		bridges:     make(map[bridgeKey]descriptor.BridgeDescriptor),
		exits:       make(map[string]descriptor.ExitEntry),
		accounts:    make(map[uint64]*account),
		authTokens:  make(map[string]*authSession),
		secrets:     make(map[string]uint64),
		puzzles:     make(map[string]time.Time),
		counters:    make(map[string]int64),
		gauges:      make(map[string]float64),
		reachable:   make(map[string]availability),
		nextAccount: 1,
	}
	for pool, token := range cfg.BridgePools {
		a.poolKeys[pool] = envelope.DeriveMacKey(token)
	}
	for _, cc := range cfg.FreeCountries {
		a.free[strings.ToUpper(cc)] = true
	}
	for _, u := range cfg.LegacyUsers {
		a.legacy[u.Username] = u
		a.accounts[u.UserID] = &account{id: u.UserID, plusExpires: u.PlusExpires}
		a.nextAccount = max(a.nextAccount, u.UserID+1)
	}
	if cfg.CityNamesFile != "" {
		if a.cityNames, err = loadCityNames(cfg.CityNamesFile); err != nil {
			return nil, err
		}
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// PublicKey is the key directory lists are signed with. Clients pin it.
func (a *Authority) PublicKey() ed25519.PublicKey {
	return a.signer.Public().(ed25519.PublicKey)
}

// Run purges expired state until ctx is done.
func (a *Authority) Run(ctx context.Context) error {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Purge()
		}
	}
}

// Purge drops expired bridges, exits, puzzles and auth tokens.
func (a *Authority) Purge() {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	var bridges, exits int
	for k, d := range a.bridges {
		if d.Expired(now) {
			delete(a.bridges, k)
			bridges++
		}
	}
	for k, e := range a.exits {
		if e.Descriptor.Expired(now) {
			delete(a.exits, k)
			exits++
		}
	}
	for p, issued := range a.puzzles {
		if now.Sub(issued) > puzzleTTL {
			delete(a.puzzles, p)
		}
	}
	for t, s := range a.authTokens {
		if s.expired(now) {
			delete(a.authTokens, t)
		}
	}
	if bridges > 0 || exits > 0 {
		a.logger.Debug("purged expired descriptors", "bridges", bridges, "exits", exits)
	}
}

// Bridges returns every bridge descriptor that has not expired.
func (a *Authority) Bridges() []descriptor.BridgeDescriptor {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.liveBridgesLocked(now)
}

func (a *Authority) liveBridgesLocked(now time.Time) []descriptor.BridgeDescriptor {
	out := make([]descriptor.BridgeDescriptor, 0, len(a.bridges))
	for _, d := range a.bridges {
		if !d.Expired(now) {
			out = append(out, d)
		}
	}
	return out
}
