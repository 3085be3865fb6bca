package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cvsouth/bridgeline/descriptor"
)

// tcpDialTimeout bounds a single TCP dial inside a route.
const tcpDialTimeout = 10 * time.Second

// DialRoute opens a stream to dest by following route. Every obfs layer
// asks the bridge beneath it to forward to dest.
func DialRoute(ctx context.Context, route descriptor.RouteDescriptor, dest string) (net.Conn, error) {
	if err := route.Validate(); err != nil {
		return nil, fmt.Errorf("invalid route: %w", err)
	}
	return dialRoute(ctx, route, dest)
}

func dialRoute(ctx context.Context, route descriptor.RouteDescriptor, dest string) (net.Conn, error) {
	switch route.Kind {
	case descriptor.RouteTCP:
		d := net.Dialer{Timeout: tcpDialTimeout}
		conn, err := d.DialContext(ctx, "tcp", route.Addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", route.Addr, err)
		}
		return conn, nil

	case descriptor.RouteObfs:
		lower, err := dialRoute(ctx, *route.Lower, dest)
		if err != nil {
			return nil, err
		}
		c := Client(lower, route.Cookie)
		if err := c.Handshake(ctx); err != nil {
			lower.Close()
			return nil, err
		}
		if err := c.WriteForward(dest); err != nil {
			lower.Close()
			return nil, err
		}
		return c, nil

	case descriptor.RouteTimeout:
		ctx, cancel := context.WithTimeout(ctx, time.Duration(route.Milliseconds)*time.Millisecond)
		defer cancel()
		return dialRoute(ctx, *route.Lower, dest)

	case descriptor.RouteFallback:
		var errs []error
		for _, r := range route.Routes {
			conn, err := dialRoute(ctx, r, dest)
			if err == nil {
				return conn, nil
			}
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
		return nil, fmt.Errorf("all fallback routes failed: %w", errors.Join(errs...))

	case descriptor.RouteRace:
		return raceRoutes(ctx, route.Routes, dest)
	}
	return nil, fmt.Errorf("unknown route kind %q", route.Kind)
}

// raceRoutes dials every route at once and keeps the first to succeed.
func raceRoutes(ctx context.Context, routes []descriptor.RouteDescriptor, dest string) (net.Conn, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		conn net.Conn
		err  error
	}
	results := make(chan result, len(routes))
	for _, r := range routes {
		go func() {
			conn, err := dialRoute(ctx, r, dest)
			results <- result{conn, err}
		}()
	}

	var (
		winner net.Conn
		errs   []error
	)
	for range routes {
		res := <-results
		switch {
		case res.err != nil:
			errs = append(errs, res.err)
		case winner == nil:
			winner = res.conn
			cancel()
		default:
			res.conn.Close()
		}
	}
	if winner != nil {
		return winner, nil
	}
	return nil, fmt.Errorf("all raced routes failed: %w", errors.Join(errs...))
}
