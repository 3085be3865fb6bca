package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cvsouth/bridgeline/descriptor"
	"github.com/cvsouth/bridgeline/jrpc"
	"github.com/cvsouth/bridgeline/registration"
	"github.com/cvsouth/bridgeline/tunnel"
)

// Client calls a control service.
type Client struct {
	transport jrpc.Transport
	nextID    atomic.Uint64
}

// NewClient returns a client sending requests over t.
func NewClient(t jrpc.Transport) *Client {
	return &Client{transport: t}
}

func (c *Client) call(ctx context.Context, method Method, result any, params ...any) error {
	req, err := jrpc.NewRequest(c.nextID.Add(1), string(method), params...)
	if err != nil {
		return err
	}
	resp, err := c.transport.Call(ctx, req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp.Error != nil {
		if resp.Error.Code == codeNoSuchRegistration {
			return registration.ErrNotFound
		}
		return fmt.Errorf("%s: %w", method, errors.New(resp.Error.Message))
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

func (c *Client) StartRegistration(ctx context.Context) (registration.Handle, error) {
	var h registration.Handle
	err := c.call(ctx, MethodStartRegistration, &h)
	return h, err
}

func (c *Client) PollRegistration(ctx context.Context, h registration.Handle) (registration.Progress, error) {
	var p registration.Progress
	err := c.call(ctx, MethodPollRegistration, &p, h)
	return p, err
}

func (c *Client) StatNum(ctx context.Context, name string) (float64, error) {
	var v float64
	err := c.call(ctx, MethodStatNum, &v, name)
	return v, err
}

// StartTime returns the unix second the client started.
func (c *Client) StartTime(ctx context.Context) (int64, error) {
	var v int64
	err := c.call(ctx, MethodStartTime, &v)
	return v, err
}

func (c *Client) ConnInfo(ctx context.Context) (tunnel.ConnInfo, error) {
	var v tunnel.ConnInfo
	err := c.call(ctx, MethodConnInfo, &v)
	return v, err
}

func (c *Client) RecentLogs(ctx context.Context) (string, error) {
	var v string
	err := c.call(ctx, MethodRecentLogs, &v)
	return v, err
}

func (c *Client) ExitList(ctx context.Context) ([]descriptor.ExitDescriptor, error) {
	var v []descriptor.ExitDescriptor
	err := c.call(ctx, MethodExitList, &v)
	return v, err
}

// UserInfo returns nil when no account holds secret.
func (c *Client) UserInfo(ctx context.Context, secret string) (*UserInfo, error) {
	var v *UserInfo
	err := c.call(ctx, MethodUserInfo, &v, secret)
	return v, err
}

func (c *Client) CheckSecret(ctx context.Context, secret string) (bool, error) {
	var v bool
	err := c.call(ctx, MethodCheckSecret, &v, secret)
	return v, err
}

func (c *Client) ConvertLegacyAccount(ctx context.Context, username, password string) (string, error) {
	var v string
	err := c.call(ctx, MethodConvertLegacyAccount, &v, username, password)
	return v, err
}
