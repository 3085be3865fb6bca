package authority

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/cvsouth/bridgeline/broker"
	"github.com/cvsouth/bridgeline/descriptor"
	"github.com/cvsouth/bridgeline/envelope"
	"github.com/cvsouth/bridgeline/jrpc"
	"github.com/cvsouth/bridgeline/mizaru"
	"github.com/cvsouth/bridgeline/puzzle"
)

const (
	testPool      = "pool-a"
	testPoolToken = "pool-a-token"
	testExitToken = "exit-token"
)

// fakeClock is a settable clock shared by a test and its authority.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &Config{
		SigningSeed:      hex.EncodeToString(make([]byte, 32)),
		MizaruSeed:       "0101010101010101010101010101010101010101010101010101010101010101",
		MizaruBits:       mizaru.MinKeyBits,
		BridgePools:      map[string]string{testPool: testPoolToken, "pool-b": "pool-b-token"},
		ExitToken:        testExitToken,
		FreeCountries:    []string{"CA"},
		PuzzleDifficulty: 4,
		AllowTestDummy:   true,
		LegacyUsers: []LegacyUser{
			{Username: "alice", PasswordHash: string(hash), UserID: 42},
		},
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func newTestAuthority(t *testing.T) (*Authority, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	a, err := New(testConfig(t),
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, clock
}

func bridgeMac(t *testing.T, token string, d descriptor.BridgeDescriptor) envelope.Mac[descriptor.BridgeDescriptor] {
	t.Helper()
	m, err := envelope.NewMac(d, envelope.DeriveMacKey(token))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func signedExit(t *testing.T, priv ed25519.PrivateKey, d descriptor.ExitDescriptor) envelope.Mac[envelope.Signed[descriptor.ExitDescriptor]] {
	t.Helper()
	s, err := envelope.Sign(d, envelope.DomainExitDescriptor, priv)
	if err != nil {
		t.Fatal(err)
	}
	m, err := envelope.NewMac(s, envelope.DeriveMacKey(testExitToken))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestBridgeExpiresAfterTTL(t *testing.T) {
	a, clock := newTestAuthority(t)
	ctx := context.Background()

	d := descriptor.BridgeDescriptor{
		ControlListen: "198.51.100.1:7000",
		ControlCookie: "cookie",
		Pool:          testPool,
		Expiry:        uint64(clock.Now().Add(descriptor.BridgeTTL).Unix()),
	}
	if err := a.InsertBridge(ctx, bridgeMac(t, testPoolToken, d)); err != nil {
		t.Fatalf("InsertBridge: %v", err)
	}
	if got := a.Bridges(); len(got) != 1 {
		t.Fatalf("got %d bridges, want 1", len(got))
	}

	clock.Advance(120 * time.Second)
	if got := a.Bridges(); len(got) != 1 {
		t.Fatal("bridge dropped at exactly its expiry")
	}

	clock.Advance(time.Second)
	if got := a.Bridges(); len(got) != 0 {
		t.Fatalf("bridge still listed 121s after announce: %v", got)
	}
	a.Purge()
	if len(a.bridges) != 0 {
		t.Fatal("Purge kept an expired bridge")
	}
}

func TestInsertBridgeRejectsWrongPoolKey(t *testing.T) {
	a, clock := newTestAuthority(t)
	d := descriptor.BridgeDescriptor{
		ControlListen: "198.51.100.1:7000",
		ControlCookie: "cookie",
		Pool:          testPool,
		Expiry:        uint64(clock.Now().Add(time.Minute).Unix()),
	}
	// Signed with pool-b's token but claims pool-a.
	err := a.InsertBridge(context.Background(), bridgeMac(t, "pool-b-token", d))
	if !errors.Is(err, envelope.ErrAuthentication) {
		t.Fatalf("err = %v, want ErrAuthentication", err)
	}

	d.Pool = "no-such-pool"
	err = a.InsertBridge(context.Background(), bridgeMac(t, testPoolToken, d))
	if !errors.Is(err, envelope.ErrAuthentication) {
		t.Fatalf("unknown pool err = %v, want ErrAuthentication", err)
	}
	if len(a.Bridges()) != 0 {
		t.Fatal("rejected bridge was stored")
	}
}

func TestInsertBridgeRejectsExpired(t *testing.T) {
	a, clock := newTestAuthority(t)
	d := descriptor.BridgeDescriptor{
		ControlListen: "198.51.100.1:7000",
		ControlCookie: "cookie",
		Pool:          testPool,
		Expiry:        uint64(clock.Now().Unix()) - 1,
	}
	if err := a.InsertBridge(context.Background(), bridgeMac(t, testPoolToken, d)); err == nil {
		t.Fatal("expired descriptor accepted")
	}
}

func TestExitListsSignedAndFiltered(t *testing.T) {
	a, clock := newTestAuthority(t)
	ctx := context.Background()

	exit := func(country string, ttl time.Duration) ed25519.PublicKey {
		pub, priv, _ := ed25519.GenerateKey(rand.Reader)
		d := descriptor.ExitDescriptor{
			C2EListen: "203.0.113.1:443",
			B2EListen: "203.0.113.1:9000",
			Country:   country,
			City:      "yyz",
			Load:      0.5,
			Expiry:    uint64(clock.Now().Add(ttl).Unix()),
		}
		if err := a.InsertExit(ctx, signedExit(t, priv, d)); err != nil {
			t.Fatalf("InsertExit: %v", err)
		}
		return pub
	}
	exit("CA", time.Hour)
	exit("US", time.Hour)
	exit("CA", time.Minute)

	all, err := a.GetExits(ctx)
	if err != nil {
		t.Fatal(err)
	}
	list, err := all.Verify(envelope.DomainExitList, a.PublicKey())
	if err != nil {
		t.Fatalf("verify exit list: %v", err)
	}
	if len(list.AllExits) != 3 {
		t.Fatalf("got %d exits, want 3", len(list.AllExits))
	}
	if got, want := list.Expiry(), clock.Now().Add(time.Minute).Truncate(time.Second); !got.Equal(want) {
		t.Fatalf("list expiry %v, want %v", got, want)
	}

	clock.Advance(2 * time.Minute)
	free, err := a.GetFreeExits(ctx)
	if err != nil {
		t.Fatal(err)
	}
	freeList, err := free.Verify(envelope.DomainExitList, a.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	if len(freeList.AllExits) != 1 || freeList.AllExits[0].Descriptor.Country != "CA" {
		t.Fatalf("free list = %+v, want the one unexpired CA exit", freeList.AllExits)
	}

	// A list signed under one domain never verifies under another.
	if _, err := all.Verify(envelope.DomainExitDescriptor, a.PublicKey()); err == nil {
		t.Fatal("exit list verified under the wrong domain")
	}
}

func TestInsertExitRejectsBadSelfSignature(t *testing.T) {
	a, clock := newTestAuthority(t)
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	d := descriptor.ExitDescriptor{
		C2EListen: "203.0.113.1:443",
		B2EListen: "203.0.113.1:9000",
		Country:   "CA",
		Expiry:    uint64(clock.Now().Add(time.Hour).Unix()),
	}
	s, _ := envelope.Sign(d, envelope.DomainExitDescriptor, priv)
	s.Inner.Load = 99 // tampered after signing
	m, _ := envelope.NewMac(s, envelope.DeriveMacKey(testExitToken))
	if err := a.InsertExit(context.Background(), m); !errors.Is(err, envelope.ErrAuthentication) {
		t.Fatalf("err = %v, want ErrAuthentication", err)
	}
}

func TestConnectTokenForbidden(t *testing.T) {
	a, clock := newTestAuthority(t)
	ctx := context.Background()
	epoch := mizaru.Epoch(clock.Now())
	blinded := mizaru.BlindedClientToken(make([]byte, mizaru.MinKeyBits/8))

	sig, err := a.GetConnectToken(ctx, "not-a-token", broker.LevelFree, epoch, blinded)
	if !errors.Is(err, broker.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	if sig != nil {
		t.Fatal("signature issued alongside an error")
	}

	token, err := a.GetAuthToken(ctx, broker.TestDummy())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.GetConnectToken(ctx, token, broker.LevelFree, epoch+5, blinded); !errors.Is(err, broker.ErrForbidden) {
		t.Fatalf("future epoch err = %v, want ErrForbidden", err)
	}
	if _, err := a.GetConnectToken(ctx, token, broker.LevelPlus, epoch, blinded); !errors.Is(err, broker.ErrWrongLevel) {
		t.Fatalf("plus without plus err = %v, want ErrWrongLevel", err)
	}
}

func TestAuthTokenCredentials(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()

	if _, err := a.GetAuthToken(ctx, broker.LegacyPassword("alice", "wrong")); !errors.Is(err, broker.ErrForbidden) {
		t.Fatalf("bad password err = %v", err)
	}
	token, err := a.GetAuthToken(ctx, broker.LegacyPassword("alice", "hunter2"))
	if err != nil {
		t.Fatalf("legacy login: %v", err)
	}
	info, err := a.GetUserInfo(ctx, token)
	if err != nil || info == nil || info.UserID != 42 {
		t.Fatalf("GetUserInfo = %+v, %v", info, err)
	}
	if info, _ := a.GetUserInfo(ctx, "bogus"); info != nil {
		t.Fatal("unknown token returned user info")
	}

	secret, err := a.UpgradeToSecret(ctx, broker.LegacyPassword("alice", "hunter2"))
	if err != nil {
		t.Fatalf("UpgradeToSecret: %v", err)
	}
	info, err = a.GetUserInfoByCred(ctx, broker.SecretCredential(secret))
	if err != nil || info == nil || info.UserID != 42 {
		t.Fatalf("secret maps to %+v, %v; want user 42", info, err)
	}
}

func TestAuthTokensExpire(t *testing.T) {
	a, clock := newTestAuthority(t)
	ctx := context.Background()
	epoch := mizaru.Epoch(clock.Now())
	blinded := mizaru.BlindedClientToken(make([]byte, mizaru.MinKeyBits/8))

	token, err := a.GetAuthToken(ctx, broker.TestDummy())
	if err != nil {
		t.Fatal(err)
	}
	if info, _ := a.GetUserInfo(ctx, token); info == nil {
		t.Fatal("fresh token rejected")
	}

	clock.Advance(authTokenTTL + time.Second)
	if info, _ := a.GetUserInfo(ctx, token); info != nil {
		t.Fatal("expired token still returns user info")
	}
	if _, err := a.GetConnectToken(ctx, token, broker.LevelFree, epoch, blinded); !errors.Is(err, broker.ErrForbidden) {
		t.Fatalf("expired token err = %v, want ErrForbidden", err)
	}

	fresh, err := a.GetAuthToken(ctx, broker.TestDummy())
	if err != nil {
		t.Fatal(err)
	}
	a.Purge()
	a.mu.Lock()
	_, stale := a.authTokens[token]
	_, kept := a.authTokens[fresh]
	n := len(a.authTokens)
	a.mu.Unlock()
	if stale || !kept || n != 1 {
		t.Fatalf("after purge: stale=%v kept=%v len=%d", stale, kept, n)
	}
}

func TestPasswordCheckDoesNotBlockOtherCalls(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	a.compareHash = func(hash, password []byte) error {
		close(entered)
		<-release
		return bcrypt.CompareHashAndPassword(hash, password)
	}
	login := make(chan error, 1)
	go func() {
		_, err := a.GetAuthToken(ctx, broker.LegacyPassword("alice", "hunter2"))
		login <- err
	}()
	<-entered

	done := make(chan error, 1)
	go func() {
		token, err := a.GetAuthToken(ctx, broker.TestDummy())
		if err == nil {
			_, err = a.GetUserInfo(ctx, token)
		}
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("auth calls blocked behind a password check")
	}

	close(release)
	if err := <-login; err != nil {
		t.Fatalf("legacy login: %v", err)
	}
}

func TestRegistrationConsumesPuzzle(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()

	p, err := a.GetPuzzle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	solution, err := puzzle.Solve(ctx, p.Puzzle, p.Difficulty, nil)
	if err != nil {
		t.Fatal(err)
	}
	secret, err := a.RegisterUserSecret(ctx, p.Puzzle, solution)
	if err != nil {
		t.Fatalf("RegisterUserSecret: %v", err)
	}
	if len(secret) != secretDigits {
		t.Fatalf("secret %q has %d digits", secret, len(secret))
	}
	if _, err := a.RegisterUserSecret(ctx, p.Puzzle, solution); err == nil {
		t.Fatal("puzzle accepted twice")
	}
	if _, err := a.GetAuthToken(ctx, broker.SecretCredential(secret)); err != nil {
		t.Fatalf("login with new secret: %v", err)
	}
}

func TestRejectedSolutionStillConsumesPuzzle(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()
	p, _ := a.GetPuzzle(ctx)
	if _, err := a.RegisterUserSecret(ctx, p.Puzzle, "00"); err == nil {
		t.Fatal("malformed solution accepted")
	}
	good, _ := puzzle.Solve(ctx, p.Puzzle, p.Difficulty, nil)
	if _, err := a.RegisterUserSecret(ctx, p.Puzzle, good); err == nil {
		t.Fatal("puzzle usable after a rejected submission")
	}
}

func TestStats(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()
	a.IncrStat(ctx, "bridges.pool-a.byte_count", 10)
	a.IncrStat(ctx, "bridges.pool-a.byte_count", 5)
	if got := a.Counter("bridges.pool-a.byte_count"); got != 15 {
		t.Fatalf("counter = %d, want 15", got)
	}
	a.SetStat(ctx, "load", 0.25)
	a.SetStat(ctx, "load", 0.75)
	if v, ok := a.Gauge("load"); !ok || v != 0.75 {
		t.Fatalf("gauge = %v, %v", v, ok)
	}
	a.UploadAvailable(ctx, descriptor.AvailabilityData{Listen: "1.2.3.4:1", Country: "CA", ASN: "1", Success: true})
	a.UploadAvailable(ctx, descriptor.AvailabilityData{Listen: "1.2.3.4:1", Country: "CA", ASN: "1"})
	if s, f := a.Availability("1.2.3.4:1", "CA", "1"); s != 1 || f != 1 {
		t.Fatalf("availability = %d/%d, want 1/1", s, f)
	}
}

// TestCredentialFlowOverRPC runs the anonymous credential flow end to end
// through the broker service and client.
func TestCredentialFlowOverRPC(t *testing.T) {
	if testing.Short() {
		t.Skip("derives several RSA subkeys")
	}
	a, clock := newTestAuthority(t)
	a.SetPlus(42, uint64(clock.Now().Add(24*time.Hour).Unix()))
	client := broker.NewClient(jrpc.Local{Handler: &broker.Service{Protocol: a}})
	ctx := context.Background()

	for _, b := range []descriptor.BridgeDescriptor{
		{ControlListen: "198.51.100.1:7000", ControlCookie: "c1", Pool: testPool},
		{ControlListen: "192.0.2.1:7000", ControlCookie: "c2", Pool: "pool-b"},
	} {
		b.Expiry = uint64(clock.Now().Add(descriptor.BridgeTTL).Unix())
		token := testPoolToken
		if b.Pool == "pool-b" {
			token = "pool-b-token"
		}
		if err := client.InsertBridge(ctx, bridgeMac(t, token, b)); err != nil {
			t.Fatalf("InsertBridge: %v", err)
		}
	}
	_, exitPriv, _ := ed25519.GenerateKey(rand.Reader)
	exitDesc := descriptor.ExitDescriptor{
		C2EListen: "203.0.113.1:443",
		B2EListen: "203.0.113.1:9000",
		Country:   "US",
		City:      "nyc",
		Expiry:    uint64(clock.Now().Add(time.Hour).Unix()),
	}
	if err := client.InsertExit(ctx, signedExit(t, exitPriv, exitDesc)); err != nil {
		t.Fatalf("InsertExit: %v", err)
	}

	authToken, err := client.GetAuthToken(ctx, broker.LegacyPassword("alice", "hunter2"))
	if err != nil {
		t.Fatalf("GetAuthToken: %v", err)
	}
	epoch := mizaru.Epoch(clock.Now())
	der, err := client.GetMizaruSubkey(ctx, broker.LevelPlus, epoch)
	if err != nil {
		t.Fatal(err)
	}
	pub, err := mizaru.ParsePublicKey(der)
	if err != nil {
		t.Fatal(err)
	}
	token, err := mizaru.NewClientToken()
	if err != nil {
		t.Fatal(err)
	}
	blinded, unblinder, err := mizaru.Blind(pub, token)
	if err != nil {
		t.Fatal(err)
	}
	blindSig, err := client.GetConnectToken(ctx, authToken, broker.LevelPlus, epoch, blinded)
	if err != nil {
		t.Fatalf("GetConnectToken: %v", err)
	}
	sig, err := unblinder.Unblind(blindSig)
	if err != nil {
		t.Fatalf("Unblind: %v", err)
	}

	route, err := client.GetRoutes(ctx, token, sig, exitDesc.B2EListen)
	if err != nil {
		t.Fatalf("GetRoutes: %v", err)
	}
	if err := route.Validate(); err != nil {
		t.Fatalf("route invalid: %v", err)
	}
	if route.Kind != descriptor.RouteRace || len(route.Routes) != 2 {
		t.Fatalf("route = %+v, want race over 2 bridges", route)
	}

	var other mizaru.ClientToken
	other[0] = 1
	if _, err := client.GetRoutes(ctx, other, sig, exitDesc.B2EListen); !errors.Is(err, broker.ErrForbidden) {
		t.Fatalf("mismatched token err = %v, want ErrForbidden", err)
	}

	// The rejected plus request crosses the wire as the same typed error.
	dummyToken, _ := client.GetAuthToken(ctx, broker.TestDummy())
	if _, err := client.GetConnectToken(ctx, dummyToken, broker.LevelPlus, epoch, blinded); !errors.Is(err, broker.ErrWrongLevel) {
		t.Fatalf("err = %v, want ErrWrongLevel", err)
	}
}

func TestAuthenticationFailureOverRPC(t *testing.T) {
	a, clock := newTestAuthority(t)
	svc := &broker.Service{Protocol: a}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		(&jrpc.Server{Handler: svc}).Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	d := descriptor.BridgeDescriptor{
		ControlListen: "198.51.100.1:7000",
		ControlCookie: "cookie",
		Pool:          testPool,
		Expiry:        uint64(clock.Now().Add(time.Minute).Unix()),
	}
	for name, tr := range map[string]jrpc.Transport{
		"local": jrpc.Local{Handler: svc},
		"tcp":   &jrpc.TCPTransport{Addr: ln.Addr().String()},
	} {
		client := broker.NewClient(tr)
		err := client.InsertBridge(context.Background(), bridgeMac(t, "wrong-token", d))
		if !errors.Is(err, envelope.ErrAuthentication) {
			t.Fatalf("%s: err = %#v, want ErrAuthentication", name, err)
		}
		var generic broker.GenericError
		if errors.As(err, &generic) {
			t.Fatalf("%s: authentication failure arrived as generic %q", name, generic)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	cities := filepath.Join(dir, "cities.jsonc")
	if err := os.WriteFile(cities, []byte(`{
		// display names
		"yyz": {"en": "Toronto", "fr": "Toronto",},
	}`), 0o600); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "broker.yaml")
	yaml := `listen: 127.0.0.1:9100
signing_seed: "` + hex.EncodeToString(make([]byte, 32)) + `"
mizaru_seed: "` + hex.EncodeToString(make([]byte, 32)) + `"
bridge_pools:
  pool-a: secret
exit_token: exit
free_countries: [CA, DE]
city_names_file: ` + cities + `
puzzle_difficulty: 16
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MizaruBits != mizaru.DefaultKeyBits || cfg.ConnectTokenBurst != 10 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.cityNames["yyz"]["fr"] != "Toronto" {
		t.Fatalf("city names = %v", a.cityNames)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	os.WriteFile(path, []byte("signing_seed: nothex\nfree_countries: [ZZZ]\n"), 0o600)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("invalid config accepted")
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing config accepted")
	}
}
