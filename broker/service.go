package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cvsouth/bridgeline/descriptor"
	"github.com/cvsouth/bridgeline/envelope"
	"github.com/cvsouth/bridgeline/jrpc"
	"github.com/cvsouth/bridgeline/mizaru"
)

// Method is a broker RPC method name.
type Method string

const (
	MethodGetMizaruSubkey    Method = "get_mizaru_subkey"
	MethodGetAuthToken       Method = "get_auth_token"
	MethodGetUserInfo        Method = "get_user_info"
	MethodGetUserInfoByCred  Method = "get_user_info_by_cred"
	MethodGetConnectToken    Method = "get_connect_token"
	MethodGetExits           Method = "get_exits"
	MethodGetFreeExits       Method = "get_free_exits"
	MethodGetRoutes          Method = "get_routes"
	MethodInsertExit         Method = "insert_exit"
	MethodInsertBridge       Method = "insert_bridge"
	MethodIncrStat           Method = "incr_stat"
	MethodSetStat            Method = "set_stat"
	MethodUploadAvailable    Method = "upload_available"
	MethodGetPuzzle          Method = "get_puzzle"
	MethodRegisterUserSecret Method = "register_user_secret"
	MethodUpgradeToSecret    Method = "upgrade_to_secret"
)

// methodFunc decodes params, calls into p, and returns the value to encode as
// the result.
type methodFunc func(ctx context.Context, p Protocol, params []json.RawMessage) (any, error)

// registry is the single table mapping each Method to its handler.
var registry = map[Method]methodFunc{
	MethodGetMizaruSubkey: func(ctx context.Context, p Protocol, params []json.RawMessage) (any, error) {
		var level AccountLevel
		var epoch uint16
		if err := decodeParams(params, &level, &epoch); err != nil {
			return nil, err
		}
		return p.GetMizaruSubkey(ctx, level, epoch)
	},
	MethodGetAuthToken: func(ctx context.Context, p Protocol, params []json.RawMessage) (any, error) {
		var cred Credential
		if err := decodeParams(params, &cred); err != nil {
			return nil, err
		}
		return p.GetAuthToken(ctx, cred)
	},
	MethodGetUserInfo: func(ctx context.Context, p Protocol, params []json.RawMessage) (any, error) {
		var token string
		if err := decodeParams(params, &token); err != nil {
			return nil, err
		}
		return p.GetUserInfo(ctx, token)
	},
	MethodGetUserInfoByCred: func(ctx context.Context, p Protocol, params []json.RawMessage) (any, error) {
		var cred Credential
		if err := decodeParams(params, &cred); err != nil {
			return nil, err
		}
		return p.GetUserInfoByCred(ctx, cred)
	},
	MethodGetConnectToken: func(ctx context.Context, p Protocol, params []json.RawMessage) (any, error) {
		var (
			token   string
			level   AccountLevel
			epoch   uint16
			blinded mizaru.BlindedClientToken
		)
		if err := decodeParams(params, &token, &level, &epoch, &blinded); err != nil {
			return nil, err
		}
		return p.GetConnectToken(ctx, token, level, epoch, blinded)
	},
	MethodGetExits: func(ctx context.Context, p Protocol, params []json.RawMessage) (any, error) {
		if err := decodeParams(params); err != nil {
			return nil, err
		}
		return p.GetExits(ctx)
	},
	MethodGetFreeExits: func(ctx context.Context, p Protocol, params []json.RawMessage) (any, error) {
		if err := decodeParams(params); err != nil {
			return nil, err
		}
		return p.GetFreeExits(ctx)
	},
	MethodGetRoutes: func(ctx context.Context, p Protocol, params []json.RawMessage) (any, error) {
		var (
			token   mizaru.ClientToken
			sig     mizaru.UnblindedSignature
			exitB2E string
		)
		if err := decodeParams(params, &token, &sig, &exitB2E); err != nil {
			return nil, err
		}
		return p.GetRoutes(ctx, token, sig, exitB2E)
	},
	MethodInsertExit: func(ctx context.Context, p Protocol, params []json.RawMessage) (any, error) {
		var exit envelope.Mac[envelope.Signed[descriptor.ExitDescriptor]]
		if err := decodeParams(params, &exit); err != nil {
			return nil, err
		}
		return nil, p.InsertExit(ctx, exit)
	},
	MethodInsertBridge: func(ctx context.Context, p Protocol, params []json.RawMessage) (any, error) {
		var bridge envelope.Mac[descriptor.BridgeDescriptor]
		if err := decodeParams(params, &bridge); err != nil {
			return nil, err
		}
		return nil, p.InsertBridge(ctx, bridge)
	},
	MethodIncrStat: func(ctx context.Context, p Protocol, params []json.RawMessage) (any, error) {
		var name string
		var delta int32
		if err := decodeParams(params, &name, &delta); err != nil {
			return nil, err
		}
		return nil, p.IncrStat(ctx, name, delta)
	},
	MethodSetStat: func(ctx context.Context, p Protocol, params []json.RawMessage) (any, error) {
		var name string
		var value float64
		if err := decodeParams(params, &name, &value); err != nil {
			return nil, err
		}
		return nil, p.SetStat(ctx, name, value)
	},
	MethodUploadAvailable: func(ctx context.Context, p Protocol, params []json.RawMessage) (any, error) {
		var data descriptor.AvailabilityData
		if err := decodeParams(params, &data); err != nil {
			return nil, err
		}
		return nil, p.UploadAvailable(ctx, data)
	},
	MethodGetPuzzle: func(ctx context.Context, p Protocol, params []json.RawMessage) (any, error) {
		if err := decodeParams(params); err != nil {
			return nil, err
		}
		return p.GetPuzzle(ctx)
	},
	MethodRegisterUserSecret: func(ctx context.Context, p Protocol, params []json.RawMessage) (any, error) {
		var puzzle, solution string
		if err := decodeParams(params, &puzzle, &solution); err != nil {
			return nil, err
		}
		return p.RegisterUserSecret(ctx, puzzle, solution)
	},
	MethodUpgradeToSecret: func(ctx context.Context, p Protocol, params []json.RawMessage) (any, error) {
		var cred Credential
		if err := decodeParams(params, &cred); err != nil {
			return nil, err
		}
		return p.UpgradeToSecret(ctx, cred)
	},
}

// paramsError marks a request whose params could not be decoded.
type paramsError struct{ err error }

func (e paramsError) Error() string { return e.err.Error() }

func decodeParams(params []json.RawMessage, out ...any) error {
	if len(params) != len(out) {
		return paramsError{fmt.Errorf("expected %d params, got %d", len(out), len(params))}
	}
	for i := range out {
		if err := json.Unmarshal(params[i], out[i]); err != nil {
			return paramsError{fmt.Errorf("param %d: %w", i, err)}
		}
	}
	return nil
}

// Service answers jrpc requests by dispatching them to a Protocol.
type Service struct {
	Protocol Protocol
	Logger   *slog.Logger
}

// Respond implements jrpc.Handler.
func (s *Service) Respond(ctx context.Context, req jrpc.Request) jrpc.Response {
	fn, ok := registry[Method(req.Method)]
	if !ok {
		return jrpc.Fail(req, jrpc.CodeMethodNotFound, "method not found: "+req.Method, nil)
	}
	result, err := fn(ctx, s.Protocol, req.Params)
	if err != nil {
		if pe, ok := err.(paramsError); ok {
			return jrpc.Fail(req, jrpc.CodeInvalidParams, pe.Error(), nil)
		}
		s.logger().Debug("broker call failed", "method", req.Method, "error", err)
		return failure(req, err)
	}
	return jrpc.Result(req, result)
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
