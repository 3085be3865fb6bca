// Package control is the client's local control surface: a JSON-RPC
// service on a loopback port that a UI or script drives to register
// accounts, inspect credentials, list exits, and read tunnel state, stats
// and logs.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cvsouth/bridgeline/broker"
	"github.com/cvsouth/bridgeline/directory"
	"github.com/cvsouth/bridgeline/jrpc"
	"github.com/cvsouth/bridgeline/logs"
	"github.com/cvsouth/bridgeline/registration"
	"github.com/cvsouth/bridgeline/tunnel"
)

// Method is a control RPC method name.
type Method string

const (
	MethodStartRegistration    Method = "start_registration"
	MethodPollRegistration     Method = "poll_registration"
	MethodStatNum              Method = "stat_num"
	MethodStartTime            Method = "start_time"
	MethodRecentLogs           Method = "recent_logs"
	MethodExitList             Method = "exit_list"
	MethodUserInfo             Method = "user_info"
	MethodCheckSecret          Method = "check_secret"
	MethodConvertLegacyAccount Method = "convert_legacy_account"
	MethodConnInfo             Method = "conn_info"
)

// codeNoSuchRegistration reports a poll for an unknown or expired handle.
const codeNoSuchRegistration = -32001

// UserInfo is what the control surface reveals about an account.
type UserInfo struct {
	Level broker.AccountLevel `json:"level"`
	// Expiry is when plus access ends, in unix seconds. Absent for free
	// accounts.
	Expiry *int64 `json:"expiry,omitempty"`
}

// StatSource reports named client counters. Unknown names read as 0.
type StatSource interface {
	StatNum(name string) float64
}

// ConnSource reports the state of the client's tunnel.
type ConnSource interface {
	ConnInfo() tunnel.ConnInfo
}

// Service answers control requests.
type Service struct {
	Broker       broker.Protocol
	Registration *registration.Orchestrator
	Directory    *directory.Client
	Stats        StatSource
	Tunnel       ConnSource
	Logs         *logs.Ring
	StartTime    time.Time
	Logger       *slog.Logger

	now func() time.Time
}

type methodFunc func(ctx context.Context, s *Service, params []json.RawMessage) (any, error)

var registry = map[Method]methodFunc{
	MethodStartRegistration: func(ctx context.Context, s *Service, params []json.RawMessage) (any, error) {
		if err := decodeParams(params); err != nil {
			return nil, err
		}
		return s.Registration.Start(ctx)
	},
	MethodPollRegistration: func(ctx context.Context, s *Service, params []json.RawMessage) (any, error) {
		var h registration.Handle
		if err := decodeParams(params, &h); err != nil {
			return nil, err
		}
		return s.Registration.Poll(h)
	},
	MethodStatNum: func(ctx context.Context, s *Service, params []json.RawMessage) (any, error) {
		var name string
		if err := decodeParams(params, &name); err != nil {
			return nil, err
		}
		if s.Stats == nil {
			return 0.0, nil
		}
		return s.Stats.StatNum(name), nil
	},
	MethodStartTime: func(ctx context.Context, s *Service, params []json.RawMessage) (any, error) {
		if err := decodeParams(params); err != nil {
			return nil, err
		}
		return s.StartTime.Unix(), nil
	},
	MethodConnInfo: func(ctx context.Context, s *Service, params []json.RawMessage) (any, error) {
		if err := decodeParams(params); err != nil {
			return nil, err
		}
		if s.Tunnel == nil {
			return tunnel.ConnInfo{State: tunnel.Disconnected}, nil
		}
		return s.Tunnel.ConnInfo(), nil
	},
	MethodRecentLogs: func(ctx context.Context, s *Service, params []json.RawMessage) (any, error) {
		if err := decodeParams(params); err != nil {
			return nil, err
		}
		if s.Logs == nil {
			return "", nil
		}
		return s.Logs.String(), nil
	},
	MethodExitList: func(ctx context.Context, s *Service, params []json.RawMessage) (any, error) {
		if err := decodeParams(params); err != nil {
			return nil, err
		}
		list, err := s.Directory.Exits(ctx, false)
		if err != nil {
			return nil, err
		}
		return list.Descriptors(), nil
	},
	MethodUserInfo: func(ctx context.Context, s *Service, params []json.RawMessage) (any, error) {
		var secret string
		if err := decodeParams(params, &secret); err != nil {
			return nil, err
		}
		info, err := s.Broker.GetUserInfoByCred(ctx, broker.SecretCredential(secret))
		if err != nil || info == nil {
			return nil, err
		}
		return userInfo(info, s.clock()), nil
	},
	MethodCheckSecret: func(ctx context.Context, s *Service, params []json.RawMessage) (any, error) {
		var secret string
		if err := decodeParams(params, &secret); err != nil {
			return nil, err
		}
		info, err := s.Broker.GetUserInfoByCred(ctx, broker.SecretCredential(secret))
		if err != nil {
			return nil, err
		}
		return info != nil, nil
	},
	MethodConvertLegacyAccount: func(ctx context.Context, s *Service, params []json.RawMessage) (any, error) {
		var username, password string
		if err := decodeParams(params, &username, &password); err != nil {
			return nil, err
		}
		return s.Broker.UpgradeToSecret(ctx, broker.LegacyPassword(username, password))
	},
}

func userInfo(info *broker.UserInfo, now time.Time) *UserInfo {
	out := &UserInfo{Level: info.Level(now.Unix())}
	if out.Level == broker.LevelPlus {
		expiry := int64(*info.PlusExpiresUnix)
		out.Expiry = &expiry
	}
	return out
}

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

// Respond implements jrpc.Handler.
func (s *Service) Respond(ctx context.Context, req jrpc.Request) jrpc.Response {
	fn, ok := registry[Method(req.Method)]
	if !ok {
		return jrpc.Fail(req, jrpc.CodeMethodNotFound, "method not found: "+req.Method, nil)
	}
	result, err := fn(ctx, s, req.Params)
	if err == nil {
		return jrpc.Result(req, result)
	}
	var pe paramsError
	switch {
	case errors.As(err, &pe):
		return jrpc.Fail(req, jrpc.CodeInvalidParams, pe.Error(), nil)
	case errors.Is(err, registration.ErrNotFound):
		return jrpc.Fail(req, codeNoSuchRegistration, err.Error(), nil)
	}
	s.logger().Warn("control call failed", "method", req.Method, "error", err)
	return jrpc.Fail(req, jrpc.CodeApplication, err.Error(), nil)
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
