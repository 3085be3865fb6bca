// Package broker defines the contract between the broker and everything
// that talks to it: bridges, exits and clients. Protocol is the method set;
// Service exposes a Protocol implementation over jrpc and Client consumes
// one.
package broker

import (
	"context"
	"fmt"

	"github.com/cvsouth/bridgeline/descriptor"
	"github.com/cvsouth/bridgeline/envelope"
	"github.com/cvsouth/bridgeline/mizaru"
)

// AccountLevel is the tier a credential is issued for. Each level has its
// own blind-signing subkey per epoch.
type AccountLevel string

const (
	LevelFree AccountLevel = "free"
	LevelPlus AccountLevel = "plus"
)

// Valid reports whether l is one of the known levels.
func (l AccountLevel) Valid() bool {
	return l == LevelFree || l == LevelPlus
}

// CredentialKind tags the variant held by a Credential.
type CredentialKind string

const (
	CredentialTestDummy      CredentialKind = "test_dummy"
	CredentialLegacyPassword CredentialKind = "legacy_username_password"
	CredentialSecret         CredentialKind = "secret"
)

// Credential is presented once to obtain an auth token. Only the fields
// belonging to Kind are set.
type Credential struct {
	Kind     CredentialKind `json:"kind"`
	Username string         `json:"username,omitempty"`
	Password string         `json:"password,omitempty"`
	Secret   string         `json:"secret,omitempty"`
}

// TestDummy returns the anonymous test credential.
func TestDummy() Credential { return Credential{Kind: CredentialTestDummy} }

// LegacyPassword returns a username/password credential.
func LegacyPassword(username, password string) Credential {
	return Credential{Kind: CredentialLegacyPassword, Username: username, Password: password}
}

// SecretCredential returns a credential for an anonymous secret.
func SecretCredential(secret string) Credential {
	return Credential{Kind: CredentialSecret, Secret: secret}
}

// Validate checks that exactly the fields of Kind are present.
func (c Credential) Validate() error {
	switch c.Kind {
	case CredentialTestDummy:
		if c.Username != "" || c.Password != "" || c.Secret != "" {
			return fmt.Errorf("test credential carries data")
		}
	case CredentialLegacyPassword:
		if c.Username == "" || c.Secret != "" {
			return fmt.Errorf("malformed legacy credential")
		}
	case CredentialSecret:
		if c.Secret == "" || c.Username != "" || c.Password != "" {
			return fmt.Errorf("malformed secret credential")
		}
	default:
		return fmt.Errorf("unknown credential kind %q", c.Kind)
	}
	return nil
}

// UserInfo describes an account.
type UserInfo struct {
	UserID          uint64  `json:"user_id"`
	PlusExpiresUnix *uint64 `json:"plus_expires_unix,omitempty"`
}

// Level returns the account level at unix time now.
func (u UserInfo) Level(now int64) AccountLevel {
	if u.PlusExpiresUnix != nil && int64(*u.PlusExpiresUnix) > now {
		return LevelPlus
	}
	return LevelFree
}

// Puzzle is a proof-of-work challenge handed out before registration.
type Puzzle struct {
	Puzzle     string `json:"puzzle"`
	Difficulty uint16 `json:"difficulty"`
}

// Protocol is every call the broker answers.
//
// Every method is safe to retry except IncrStat, where a retry after an
// ambiguous failure may count twice.
type Protocol interface {
	// Credentials.
	GetMizaruSubkey(ctx context.Context, level AccountLevel, epoch uint16) ([]byte, error)
	GetAuthToken(ctx context.Context, cred Credential) (string, error)
	GetUserInfo(ctx context.Context, authToken string) (*UserInfo, error)
	GetUserInfoByCred(ctx context.Context, cred Credential) (*UserInfo, error)
	GetConnectToken(ctx context.Context, authToken string, level AccountLevel, epoch uint16, blinded mizaru.BlindedClientToken) (mizaru.BlindedSignature, error)

	// Directory.
	GetExits(ctx context.Context) (envelope.Signed[descriptor.ExitList], error)
	GetFreeExits(ctx context.Context) (envelope.Signed[descriptor.ExitList], error)
	GetRoutes(ctx context.Context, token mizaru.ClientToken, sig mizaru.UnblindedSignature, exitB2E string) (descriptor.RouteDescriptor, error)

	// Self-reported submissions.
	InsertExit(ctx context.Context, exit envelope.Mac[envelope.Signed[descriptor.ExitDescriptor]]) error
	InsertBridge(ctx context.Context, bridge envelope.Mac[descriptor.BridgeDescriptor]) error

	// Telemetry.
	IncrStat(ctx context.Context, name string, delta int32) error
	SetStat(ctx context.Context, name string, value float64) error
	UploadAvailable(ctx context.Context, data descriptor.AvailabilityData) error

	// Registration.
	GetPuzzle(ctx context.Context) (Puzzle, error)
	RegisterUserSecret(ctx context.Context, puzzle, solution string) (string, error)
	UpgradeToSecret(ctx context.Context, cred Credential) (string, error)
}
