package authority

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/cvsouth/bridgeline/mizaru"
	"github.com/cvsouth/bridgeline/puzzle"
)

// Config is the broker's configuration file.
type Config struct {
	// Listen is the address the RPC server binds. Default: 0.0.0.0:8866.
	Listen string `yaml:"listen"`

	// SigningSeed is the hex ed25519 seed of the directory signing key.
	SigningSeed string `yaml:"signing_seed"`

	// MizaruSeed is the hex seed all blind-signing subkeys derive from.
	MizaruSeed string `yaml:"mizaru_seed"`

	// MizaruBits is the subkey modulus size. Default: 2048.
	MizaruBits int `yaml:"mizaru_bits"`

	// BridgePools maps each pool name to the auth token its bridges hold.
	BridgePools map[string]string `yaml:"bridge_pools"`

	// ExitToken is the auth token exits MAC their descriptors with.
	ExitToken string `yaml:"exit_token"`

	// FreeCountries lists the countries whose exits free users may use.
	FreeCountries []string `yaml:"free_countries"`

	// CityNamesFile is an optional JSONC file of display names:
	// {"city code": {"language tag": "name"}}.
	CityNamesFile string `yaml:"city_names_file"`

	// PuzzleDifficulty is the leading-zero-bit count registration demands.
	PuzzleDifficulty uint16 `yaml:"puzzle_difficulty"`

	// AllowTestDummy accepts the anonymous test credential.
	AllowTestDummy bool `yaml:"allow_test_dummy"`

	// LegacyUsers are username/password accounts.
	LegacyUsers []LegacyUser `yaml:"legacy_users"`

	// ConnectTokenRate is how many connect tokens per second one auth token
	// may request, with ConnectTokenBurst in reserve. Defaults: 1 and 10.
	ConnectTokenRate  float64 `yaml:"connect_token_rate"`
	ConnectTokenBurst int     `yaml:"connect_token_burst"`
}

// LegacyUser is one username/password account.
type LegacyUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	UserID       uint64 `yaml:"user_id"`
	PlusExpires  uint64 `yaml:"plus_expires"` // unix seconds, 0 for none
}

// LoadConfig reads and validates the YAML config at path. There are no
// fallbacks: a missing file is an error.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = "0.0.0.0:8866"
	}
	if c.MizaruBits == 0 {
		c.MizaruBits = mizaru.DefaultKeyBits
	}
	if c.ConnectTokenRate == 0 {
		c.ConnectTokenRate = 1
	}
	if c.ConnectTokenBurst == 0 {
		c.ConnectTokenBurst = 10
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if _, err := decodeSeed(c.SigningSeed); err != nil {
		errs = append(errs, fmt.Errorf("signing_seed: %w", err))
	}
	if _, err := decodeSeed(c.MizaruSeed); err != nil {
		errs = append(errs, fmt.Errorf("mizaru_seed: %w", err))
	}
	if c.MizaruBits < mizaru.MinKeyBits || c.MizaruBits%16 != 0 {
		errs = append(errs, fmt.Errorf("mizaru_bits must be a multiple of 16 and at least %d", mizaru.MinKeyBits))
	}
	if len(c.BridgePools) == 0 {
		errs = append(errs, fmt.Errorf("bridge_pools is required"))
	}
	for pool, token := range c.BridgePools {
		if pool == "" || token == "" {
			errs = append(errs, fmt.Errorf("bridge_pools: empty pool name or token"))
		}
	}
	if c.ExitToken == "" {
		errs = append(errs, fmt.Errorf("exit_token is required"))
	}
	for _, cc := range c.FreeCountries {
		if r, err := language.ParseRegion(cc); err != nil || !r.IsCountry() {
			errs = append(errs, fmt.Errorf("free_countries: unknown country %q", cc))
		}
	}
	if c.PuzzleDifficulty > puzzle.MaxDifficulty {
		errs = append(errs, fmt.Errorf("puzzle_difficulty must be at most %d", puzzle.MaxDifficulty))
	}
	for _, u := range c.LegacyUsers {
		if u.Username == "" || u.PasswordHash == "" {
			errs = append(errs, fmt.Errorf("legacy_users: username and password_hash are required"))
		}
	}
	if c.ConnectTokenRate < 0 || c.ConnectTokenBurst < 1 {
		errs = append(errs, fmt.Errorf("connect token rate must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func decodeSeed(s string) ([32]byte, error) {
	var seed [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return seed, err
	}
	if len(b) != len(seed) {
		return seed, fmt.Errorf("want %d bytes, got %d", len(seed), len(b))
	}
	copy(seed[:], b)
	return seed, nil
}

// loadCityNames reads a JSONC city name table and checks every language tag.
func loadCityNames(path string) (map[string]map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read city names: %w", err)
	}
	var names map[string]map[string]string
	if err := json.Unmarshal(jsonc.ToJSON(data), &names); err != nil {
		return nil, fmt.Errorf("parse city names %s: %w", path, err)
	}
	for city, byLang := range names {
		for tag := range byLang {
			if _, err := language.Parse(tag); err != nil {
				return nil, fmt.Errorf("city %s: language tag %q: %w", city, tag, err)
			}
		}
	}
	return names, nil
}
