package authority

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/time/rate"

	"github.com/cvsouth/bridgeline/broker"
	"github.com/cvsouth/bridgeline/mizaru"
	"github.com/cvsouth/bridgeline/puzzle"
)

// testDummyAccount is the account every test credential maps to.
const testDummyAccount = 0

// secretDigits is the length of a minted secret.
const secretDigits = 24

func (a *Authority) GetMizaruSubkey(_ context.Context, level broker.AccountLevel, epoch uint16) ([]byte, error) {
	if !level.Valid() {
		return nil, broker.GenericError(fmt.Sprintf("unknown account level %q", level))
	}
	k, err := a.mizaru.Subkey(string(level), epoch)
	if err != nil {
		return nil, err
	}
	return k.Public().Bytes(), nil
}

func (a *Authority) GetAuthToken(_ context.Context, cred broker.Credential) (string, error) {
	id, err := a.authenticate(cred)
	if err != nil {
		return "", err
	}
	token, err := randomHex(24)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.authTokens[token] = &authSession{
		user:    id,
		issued:  a.now(),
		limiter: rate.NewLimiter(a.tokenRate, a.tokenBurst),
	}
	a.mu.Unlock()
	return token, nil
}

func (a *Authority) GetUserInfo(_ context.Context, authToken string) (*broker.UserInfo, error) {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.authTokens[authToken]
	if !ok || s.expired(now) {
		return nil, nil
	}
	return a.userInfoLocked(s.user), nil
}

func (a *Authority) GetUserInfoByCred(_ context.Context, cred broker.Credential) (*broker.UserInfo, error) {
	id, err := a.authenticate(cred)
	if errors.Is(err, broker.ErrForbidden) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userInfoLocked(id), nil
}

// GetConnectToken blind-signs a client token. Nothing is signed unless every
// check passes.
func (a *Authority) GetConnectToken(_ context.Context, authToken string, level broker.AccountLevel, epoch uint16, blinded mizaru.BlindedClientToken) (mizaru.BlindedSignature, error) {
	if !level.Valid() {
		return nil, broker.GenericError(fmt.Sprintf("unknown account level %q", level))
	}
	now := a.now()

	a.mu.Lock()
	s, ok := a.authTokens[authToken]
	if !ok || s.expired(now) {
		a.mu.Unlock()
		return nil, broker.ErrForbidden
	}
	limiter := s.limiter
	info := a.userInfoLocked(s.user)
	a.mu.Unlock()

	current := mizaru.Epoch(now)
	if epoch+1 < current || epoch > current+1 {
		return nil, broker.ErrForbidden
	}
	if level == broker.LevelPlus && info.Level(now.Unix()) != broker.LevelPlus {
		return nil, broker.ErrWrongLevel
	}
	if !limiter.AllowN(now, 1) {
		return nil, broker.ErrRateLimited
	}

	k, err := a.mizaru.Subkey(string(level), epoch)
	if err != nil {
		return nil, err
	}
	sig, err := k.BlindSign(blinded)
	if err != nil {
		return nil, broker.GenericError(err.Error())
	}
	return sig, nil
}

func (a *Authority) GetPuzzle(context.Context) (broker.Puzzle, error) {
	p, err := puzzle.New()
	if err != nil {
		return broker.Puzzle{}, err
	}
	a.mu.Lock()
	a.puzzles[p] = a.now()
	a.mu.Unlock()
	return broker.Puzzle{Puzzle: p, Difficulty: a.difficulty}, nil
}

// RegisterUserSecret mints a secret for a new free account. The puzzle is
// consumed whether or not the solution is accepted.
func (a *Authority) RegisterUserSecret(_ context.Context, p, solution string) (string, error) {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()

	issued, ok := a.puzzles[p]
	delete(a.puzzles, p)
	if !ok || now.Sub(issued) > puzzleTTL {
		return "", broker.GenericError("unknown or expired puzzle")
	}
	if err := puzzle.Verify(p, a.difficulty, solution); err != nil {
		return "", broker.GenericError(err.Error())
	}

	secret, err := a.mintSecretLocked()
	if err != nil {
		return "", err
	}
	id := a.nextAccount
	a.nextAccount++
	a.accounts[id] = &account{id: id}
	a.secrets[secret] = id
	a.logger.Info("registered account", "user_id", id)
	return secret, nil
}

// UpgradeToSecret gives a legacy account a secret it can log in with from
// then on.
func (a *Authority) UpgradeToSecret(_ context.Context, cred broker.Credential) (string, error) {
	if cred.Kind != broker.CredentialLegacyPassword {
		return "", broker.GenericError("only legacy accounts can be upgraded")
	}
	id, err := a.authenticate(cred)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	secret, err := a.mintSecretLocked()
	if err != nil {
		return "", err
	}
	a.secrets[secret] = id
	return secret, nil
}

// authenticate resolves cred to an account id. Password hashes are
// compared without holding a.mu.
func (a *Authority) authenticate(cred broker.Credential) (uint64, error) {
	if err := cred.Validate(); err != nil {
		return 0, broker.ErrForbidden
	}
	switch cred.Kind {
	case broker.CredentialTestDummy:
		if !a.testDummy {
			return 0, broker.ErrForbidden
		}
		a.mu.Lock()
		if _, ok := a.accounts[testDummyAccount]; !ok {
			a.accounts[testDummyAccount] = &account{id: testDummyAccount}
		}
		a.mu.Unlock()
		return testDummyAccount, nil
	case broker.CredentialLegacyPassword:
		// a.legacy is fixed after New.
		u, ok := a.legacy[cred.Username]
		if !ok {
			return 0, broker.ErrForbidden
		}
		if a.compareHash([]byte(u.PasswordHash), []byte(cred.Password)) != nil {
			return 0, broker.ErrForbidden
		}
		return u.UserID, nil
	case broker.CredentialSecret:
		a.mu.Lock()
		id, ok := a.secrets[cred.Secret]
		a.mu.Unlock()
		if !ok {
			return 0, broker.ErrForbidden
		}
		return id, nil
	}
	return 0, broker.ErrForbidden
}

func (s *authSession) expired(now time.Time) bool {
	return now.Sub(s.issued) > authTokenTTL
}

func (a *Authority) userInfoLocked(id uint64) *broker.UserInfo {
	info := &broker.UserInfo{UserID: id}
	if acct, ok := a.accounts[id]; ok && acct.plusExpires != 0 {
		exp := acct.plusExpires
		info.PlusExpiresUnix = &exp
	}
	return info
}

func (a *Authority) mintSecretLocked() (string, error) {
	for {
		digits := make([]byte, secretDigits)
		for i := range digits {
			n, err := rand.Int(rand.Reader, big.NewInt(10))
			if err != nil {
				return "", fmt.Errorf("mint secret: %w", err)
			}
			digits[i] = '0' + byte(n.Int64())
		}
		s := string(digits)
		if _, taken := a.secrets[s]; !taken {
			return s, nil
		}
	}
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("random token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// SetPlus grants or extends plus on an account until expires.
func (a *Authority) SetPlus(userID uint64, expires uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acct, ok := a.accounts[userID]
	if !ok {
		acct = &account{id: userID}
		a.accounts[userID] = acct
	}
	acct.plusExpires = expires
}
