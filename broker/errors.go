package broker

import (
	"encoding/json"
	"errors"

	"github.com/cvsouth/bridgeline/envelope"
	"github.com/cvsouth/bridgeline/jrpc"
)

// AuthError is a refusal to authenticate or authorize. Callers choose their
// own retry policy per value.
type AuthError string

const (
	// ErrRateLimited means try again later.
	ErrRateLimited AuthError = "rate_limited"
	// ErrForbidden means the credentials were rejected. Do not retry
	// automatically.
	ErrForbidden AuthError = "forbidden"
	// ErrWrongLevel means the account does not hold the requested level.
	ErrWrongLevel AuthError = "wrong_level"
)

func (e AuthError) Error() string {
	switch e {
	case ErrRateLimited:
		return "auth: rate limited"
	case ErrForbidden:
		return "auth: forbidden"
	case ErrWrongLevel:
		return "auth: wrong account level"
	}
	return "auth: " + string(e)
}

// GenericError is any other failure the broker reports.
type GenericError string

func (e GenericError) Error() string { return "broker: " + string(e) }

// errorData is the data member of a jrpc error carrying a broker error.
type errorData struct {
	Kind string    `json:"kind"`
	Auth AuthError `json:"auth,omitempty"`
}

const (
	errKindAuth           = "auth"
	errKindAuthentication = "authentication"
	errKindGeneric        = "generic"
)

// failure turns err into a jrpc error response that Client can map back to
// the same typed error.
func failure(req jrpc.Request, err error) jrpc.Response {
	var authErr AuthError
	if errors.As(err, &authErr) {
		return jrpc.Fail(req, jrpc.CodeApplication, authErr.Error(), errorData{Kind: errKindAuth, Auth: authErr})
	}
	if errors.Is(err, envelope.ErrAuthentication) {
		return jrpc.Fail(req, jrpc.CodeApplication, envelope.ErrAuthentication.Error(), errorData{Kind: errKindAuthentication})
	}
	var generic GenericError
	if errors.As(err, &generic) {
		return jrpc.Fail(req, jrpc.CodeApplication, string(generic), errorData{Kind: errKindGeneric})
	}
	return jrpc.Fail(req, jrpc.CodeApplication, err.Error(), errorData{Kind: errKindGeneric})
}

// remoteError reconstructs the typed error behind a jrpc error object.
func remoteError(e *jrpc.Error) error {
	raw := jrpc.ErrorData(e)
	if e.Code != jrpc.CodeApplication || len(raw) == 0 {
		return e
	}
	var data errorData
	if err := json.Unmarshal(raw, &data); err != nil {
		return e
	}
	switch data.Kind {
	case errKindAuth:
		return data.Auth
	case errKindAuthentication:
		return envelope.ErrAuthentication
	case errKindGeneric:
		return GenericError(e.Message)
	}
	return e
}
