// Package tunnel opens client streams through the bridge network. It turns
// an account secret into an anonymous connect token, picks an exit, asks
// the broker for a route to it, and dials destinations over that route.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cvsouth/bridgeline/broker"
	"github.com/cvsouth/bridgeline/descriptor"
	"github.com/cvsouth/bridgeline/directory"
	"github.com/cvsouth/bridgeline/link"
	"github.com/cvsouth/bridgeline/mizaru"
	"github.com/cvsouth/bridgeline/pathselect"
)

// ErrNoAccount is returned by Dial when no secret is configured.
var ErrNoAccount = errors.New("tunnel: no account secret configured")

// Dialer dials destinations through a route it refreshes once per epoch,
// or sooner after a failed dial.
type Dialer struct {
	Broker    broker.Protocol
	Directory *directory.Client
	Secret    string
	// Country restricts exit selection when set.
	Country string
	Logger  *slog.Logger

	now       func() time.Time
	dialRoute func(ctx context.Context, route descriptor.RouteDescriptor, dest string) (net.Conn, error)

	mu      sync.Mutex
	current *session

	statusMu sync.Mutex
	status   ConnInfo
}

// ConnState is the coarse state of the tunnel.
type ConnState string

const (
	Disconnected ConnState = "disconnected"
	Connecting   ConnState = "connecting"
	Connected    ConnState = "connected"
)

// ConnInfo describes the tunnel as of the last dial. Protocol, Bridge, and
// Exit are set only when State is Connected.
type ConnInfo struct {
	State    ConnState                  `json:"state"`
	Protocol string                     `json:"protocol,omitempty"`
	Bridge   string                     `json:"bridge,omitempty"`
	Exit     *descriptor.ExitDescriptor `json:"exit,omitempty"`
}

// session is everything a connect token bought for one epoch.
type session struct {
	epoch uint16
	level broker.AccountLevel
	exit  descriptor.ExitDescriptor
	route descriptor.RouteDescriptor
}

// Dial opens a stream to target through the current route.
func (d *Dialer) Dial(ctx context.Context, target string) (net.Conn, error) {
	s, err := d.session(ctx)
	if err != nil {
		return nil, err
	}
	dial := d.dialRoute
	if dial == nil {
		dial = link.DialRoute
	}
	conn, err := dial(ctx, s.route, target)
	if err != nil {
		d.forget(s)
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	exit := s.exit
	d.setStatus(ConnInfo{
		State:    Connected,
		Protocol: protocolOf(conn),
		Bridge:   conn.RemoteAddr().String(),
		Exit:     &exit,
	})
	return conn, nil
}

// ConnInfo reports the tunnel state. It never blocks on session setup.
func (d *Dialer) ConnInfo() ConnInfo {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	if d.status.State == "" {
		return ConnInfo{State: Disconnected}
	}
	return d.status
}

func (d *Dialer) setStatus(info ConnInfo) {
	d.statusMu.Lock()
	d.status = info
	d.statusMu.Unlock()
}

func protocolOf(conn net.Conn) string {
	if _, ok := conn.(*link.Conn); ok {
		return "obfs"
	}
	return "tcp"
}

// Level reports the account level of the current session, if any.
func (d *Dialer) Level() (broker.AccountLevel, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return "", false
	}
	return d.current.level, true
}

func (d *Dialer) session(ctx context.Context) (*session, error) {
	now := d.clock()
	epoch := mizaru.Epoch(now)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current != nil && d.current.epoch == epoch {
		return d.current, nil
	}
	d.setStatus(ConnInfo{State: Connecting})
	s, err := d.establish(ctx, now, epoch)
	if err != nil {
		d.setStatus(ConnInfo{State: Disconnected})
		return nil, err
	}
	d.current = s
	return s, nil
}

func (d *Dialer) forget(s *session) {
	d.mu.Lock()
	if d.current == s {
		d.current = nil
		d.setStatus(ConnInfo{State: Disconnected})
	}
	d.mu.Unlock()
}

func (d *Dialer) establish(ctx context.Context, now time.Time, epoch uint16) (*session, error) {
	if d.Secret == "" {
		return nil, ErrNoAccount
	}
	authToken, err := d.Broker.GetAuthToken(ctx, broker.SecretCredential(d.Secret))
	if err != nil {
		return nil, fmt.Errorf("get auth token: %w", err)
	}
	info, err := d.Broker.GetUserInfo(ctx, authToken)
	if err != nil {
		return nil, fmt.Errorf("get user info: %w", err)
	}
	if info == nil {
		return nil, broker.ErrForbidden
	}
	level := info.Level(now.Unix())

	token, sig, err := d.connectToken(ctx, authToken, level, epoch)
	if err != nil {
		return nil, err
	}

	list, err := d.Directory.Exits(ctx, level == broker.LevelFree)
	if err != nil {
		return nil, err
	}
	exit, err := pathselect.SelectExit(&list, d.Country, now)
	if err != nil {
		return nil, err
	}
	route, err := d.Broker.GetRoutes(ctx, token, sig, exit.Descriptor.B2EListen)
	if err != nil {
		return nil, fmt.Errorf("get routes: %w", err)
	}
	d.logger().Info("tunnel session established",
		"level", level,
		"epoch", epoch,
		"country", exit.Descriptor.Country,
		"city", list.CityName(exit.Descriptor.City),
		"route", route.Kind)
	return &session{epoch: epoch, level: level, exit: exit.Descriptor, route: route}, nil
}

// connectToken obtains a signature on a fresh client token without the
// broker ever seeing the token.
func (d *Dialer) connectToken(ctx context.Context, authToken string, level broker.AccountLevel, epoch uint16) (mizaru.ClientToken, mizaru.UnblindedSignature, error) {
	der, err := d.Broker.GetMizaruSubkey(ctx, level, epoch)
	if err != nil {
		return mizaru.ClientToken{}, nil, fmt.Errorf("get subkey: %w", err)
	}
	pub, err := mizaru.ParsePublicKey(der)
	if err != nil {
		return mizaru.ClientToken{}, nil, err
	}
	token, err := mizaru.NewClientToken()
	if err != nil {
		return mizaru.ClientToken{}, nil, err
	}
	blinded, unblinder, err := mizaru.Blind(pub, token)
	if err != nil {
		return mizaru.ClientToken{}, nil, err
	}
	blindSig, err := d.Broker.GetConnectToken(ctx, authToken, level, epoch, blinded)
	if err != nil {
		return mizaru.ClientToken{}, nil, fmt.Errorf("get connect token: %w", err)
	}
	sig, err := unblinder.Unblind(blindSig)
	if err != nil {
		return mizaru.ClientToken{}, nil, fmt.Errorf("unblind connect token: %w", err)
	}
	return token, sig, nil
}

func (d *Dialer) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now()
}

func (d *Dialer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
