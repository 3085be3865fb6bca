package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/cvsouth/bridgeline/descriptor"
	"github.com/cvsouth/bridgeline/envelope"
	"github.com/cvsouth/bridgeline/jrpc"
	"github.com/cvsouth/bridgeline/mizaru"
)

// Client implements Protocol by calling a remote broker.
type Client struct {
	transport jrpc.Transport
	nextID    atomic.Uint64
}

var _ Protocol = (*Client)(nil)

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
		return remoteError(resp.Error)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

func (c *Client) GetMizaruSubkey(ctx context.Context, level AccountLevel, epoch uint16) ([]byte, error) {
	var key []byte
	err := c.call(ctx, MethodGetMizaruSubkey, &key, level, epoch)
	return key, err
}

func (c *Client) GetAuthToken(ctx context.Context, cred Credential) (string, error) {
	var token string
	err := c.call(ctx, MethodGetAuthToken, &token, cred)
	return token, err
}

func (c *Client) GetUserInfo(ctx context.Context, authToken string) (*UserInfo, error) {
	var info *UserInfo
	err := c.call(ctx, MethodGetUserInfo, &info, authToken)
	return info, err
}

func (c *Client) GetUserInfoByCred(ctx context.Context, cred Credential) (*UserInfo, error) {
	var info *UserInfo
	err := c.call(ctx, MethodGetUserInfoByCred, &info, cred)
	return info, err
}

func (c *Client) GetConnectToken(ctx context.Context, authToken string, level AccountLevel, epoch uint16, blinded mizaru.BlindedClientToken) (mizaru.BlindedSignature, error) {
	var sig mizaru.BlindedSignature
	err := c.call(ctx, MethodGetConnectToken, &sig, authToken, level, epoch, blinded)
	return sig, err
}

func (c *Client) GetExits(ctx context.Context) (envelope.Signed[descriptor.ExitList], error) {
	var list envelope.Signed[descriptor.ExitList]
	err := c.call(ctx, MethodGetExits, &list)
	return list, err
}

func (c *Client) GetFreeExits(ctx context.Context) (envelope.Signed[descriptor.ExitList], error) {
	var list envelope.Signed[descriptor.ExitList]
	err := c.call(ctx, MethodGetFreeExits, &list)
	return list, err
}

func (c *Client) GetRoutes(ctx context.Context, token mizaru.ClientToken, sig mizaru.UnblindedSignature, exitB2E string) (descriptor.RouteDescriptor, error) {
	var route descriptor.RouteDescriptor
	err := c.call(ctx, MethodGetRoutes, &route, token, sig, exitB2E)
	return route, err
}

func (c *Client) InsertExit(ctx context.Context, exit envelope.Mac[envelope.Signed[descriptor.ExitDescriptor]]) error {
	return c.call(ctx, MethodInsertExit, nil, exit)
}

func (c *Client) InsertBridge(ctx context.Context, bridge envelope.Mac[descriptor.BridgeDescriptor]) error {
	return c.call(ctx, MethodInsertBridge, nil, bridge)
}

func (c *Client) IncrStat(ctx context.Context, name string, delta int32) error {
	return c.call(ctx, MethodIncrStat, nil, name, delta)
}

func (c *Client) SetStat(ctx context.Context, name string, value float64) error {
	return c.call(ctx, MethodSetStat, nil, name, value)
}

func (c *Client) UploadAvailable(ctx context.Context, data descriptor.AvailabilityData) error {
	return c.call(ctx, MethodUploadAvailable, nil, data)
}

func (c *Client) GetPuzzle(ctx context.Context) (Puzzle, error) {
	var p Puzzle
	err := c.call(ctx, MethodGetPuzzle, &p)
	return p, err
}

func (c *Client) RegisterUserSecret(ctx context.Context, puzzle, solution string) (string, error) {
	var secret string
	err := c.call(ctx, MethodRegisterUserSecret, &secret, puzzle, solution)
	return secret, err
}

func (c *Client) UpgradeToSecret(ctx context.Context, cred Credential) (string, error) {
	var secret string
	err := c.call(ctx, MethodUpgradeToSecret, &secret, cred)
	return secret, err
}
