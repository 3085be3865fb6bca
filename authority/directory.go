package authority

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cvsouth/bridgeline/broker"
	"github.com/cvsouth/bridgeline/descriptor"
	"github.com/cvsouth/bridgeline/envelope"
	"github.com/cvsouth/bridgeline/mizaru"
	"github.com/cvsouth/bridgeline/pathselect"
)

// InsertBridge stores a bridge descriptor MACed with its pool's key.
func (a *Authority) InsertBridge(_ context.Context, m envelope.Mac[descriptor.BridgeDescriptor]) error {
	key, ok := a.poolKeys[m.Inner.Pool]
	if !ok {
		return envelope.ErrAuthentication
	}
	d, err := m.Verify(key)
	if err != nil {
		return err
	}
	if err := d.Validate(); err != nil {
		return broker.GenericError(err.Error())
	}
	now := a.now()
	if d.Expired(now) {
		return broker.GenericError("bridge descriptor already expired")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	k := bridgeKey{pool: d.Pool, addr: d.ControlListen}
	if _, known := a.bridges[k]; !known {
		a.logger.Info("bridge joined", "pool", d.Pool, "addr", d.ControlListen)
	}
	a.bridges[k] = d
	return nil
}

// InsertExit stores an exit descriptor MACed with the exit token and
// self-signed by the exit's key.
func (a *Authority) InsertExit(_ context.Context, m envelope.Mac[envelope.Signed[descriptor.ExitDescriptor]]) error {
	signed, err := m.Verify(a.exitKey)
	if err != nil {
		return err
	}
	d, err := signed.VerifySelf(envelope.DomainExitDescriptor)
	if err != nil {
		return err
	}
	if err := d.Validate(); err != nil {
		return broker.GenericError(err.Error())
	}
	if d.Expired(a.now()) {
		return broker.GenericError("exit descriptor already expired")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.exits[string(signed.PublicKey)] = descriptor.ExitEntry{
		PublicKey:  bytes.Clone(signed.PublicKey),
		Descriptor: d,
	}
	return nil
}

func (a *Authority) GetExits(context.Context) (envelope.Signed[descriptor.ExitList], error) {
	return a.signedExitList(func(descriptor.ExitDescriptor) bool { return true })
}

func (a *Authority) GetFreeExits(context.Context) (envelope.Signed[descriptor.ExitList], error) {
	return a.signedExitList(a.isFree)
}

func (a *Authority) isFree(d descriptor.ExitDescriptor) bool {
	return a.free[d.Country]
}

func (a *Authority) signedExitList(keep func(descriptor.ExitDescriptor) bool) (envelope.Signed[descriptor.ExitList], error) {
	now := a.now()
	a.mu.Lock()
	list := descriptor.ExitList{
		AllExits:  []descriptor.ExitEntry{},
		CityNames: map[string]map[string]string{},
	}
	for _, e := range a.exits {
		if e.Descriptor.Expired(now) || !keep(e.Descriptor) {
			continue
		}
		list.AllExits = append(list.AllExits, e)
		if names, ok := a.cityNames[e.Descriptor.City]; ok {
			list.CityNames[e.Descriptor.City] = names
		}
	}
	a.mu.Unlock()

	slices.SortFunc(list.AllExits, func(x, y descriptor.ExitEntry) int {
		return bytes.Compare(x.PublicKey, y.PublicKey)
	})
	return envelope.Sign(list, envelope.DomainExitList, a.signer)
}

// GetRoutes checks an unblinded connect token and returns a race over up to
// three bridges from distinct pools, each forwarding to exitB2E.
func (a *Authority) GetRoutes(_ context.Context, token mizaru.ClientToken, sig mizaru.UnblindedSignature, exitB2E string) (descriptor.RouteDescriptor, error) {
	now := a.now()
	level, err := a.verifyConnectToken(token, sig, now)
	if err != nil {
		return descriptor.RouteDescriptor{}, err
	}

	a.mu.Lock()
	var exit *descriptor.ExitDescriptor
	for _, e := range a.exits {
		if e.Descriptor.B2EListen == exitB2E && !e.Descriptor.Expired(now) {
			d := e.Descriptor
			exit = &d
			break
		}
	}
	bridges := a.liveBridgesLocked(now)
	a.mu.Unlock()

	if exit == nil {
		return descriptor.RouteDescriptor{}, broker.GenericError("unknown exit " + exitB2E)
	}
	if level == broker.LevelFree && !a.isFree(*exit) {
		return descriptor.RouteDescriptor{}, broker.ErrWrongLevel
	}

	picked, err := pathselect.SelectBridges(bridges, maxRouteBridges, now)
	if err != nil {
		return descriptor.RouteDescriptor{}, err
	}
	if len(picked) == 0 {
		return descriptor.RouteDescriptor{}, broker.GenericError("no bridges available")
	}
	route := descriptor.RouteDescriptor{Kind: descriptor.RouteRace}
	for _, b := range picked {
		route.Routes = append(route.Routes, descriptor.ObfsRoute(b.ControlCookie, descriptor.TCPRoute(b.ControlListen)))
	}
	return route, nil
}

// verifyConnectToken accepts a token signed under either level's subkey for
// the current or the previous epoch, and reports which level signed it.
func (a *Authority) verifyConnectToken(token mizaru.ClientToken, sig mizaru.UnblindedSignature, now time.Time) (broker.AccountLevel, error) {
	current := mizaru.Epoch(now)
	for _, level := range []broker.AccountLevel{broker.LevelPlus, broker.LevelFree} {
		for _, epoch := range []uint16{current, current - 1} {
			k, err := a.mizaru.Subkey(string(level), epoch)
			if err != nil {
				return "", fmt.Errorf("subkey %s/%d: %w", level, epoch, err)
			}
			err = k.Public().Verify(token, sig)
			if err == nil {
				return level, nil
			}
			if !errors.Is(err, mizaru.ErrBadSignature) {
				return "", err
			}
		}
	}
	return "", broker.ErrForbidden
}
