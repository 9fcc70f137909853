package hosting

import (
	"errors"

	"github.com/ethereum/go-ethereum/rpc"

	testctl "github.com/ethereum-optimism/infra/op-testctl"
)

// JSON-RPC error codes for controller failures
const (
	UsageErrorCode     = -39001
	LoadErrorCode      = -39002
	RuntimeErrorCode   = -39003
	UnknownHandleCode  = -39004
	unspecifiedErrCode = -39000
)

// ErrUnknownHandle is returned for a handle that was never created or was released
var ErrUnknownHandle = errors.New("unknown controller handle")

// sentinels that survive the trip across the boundary, keyed by their wire reason
var reasons = map[string]error{
	"not-loaded":     testctl.ErrNotLoaded,
	"busy":           testctl.ErrBusy,
	"nil-filter":     testctl.ErrNilFilter,
	"nil-callback":   testctl.ErrNilCallback,
	"unknown-action": testctl.ErrUnknownAction,
	"unknown-handle": ErrUnknownHandle,
}

// wireError is a controller error as the rpc server serializes it
type wireError struct {
	code   int
	msg    string
	reason string
}

var (
	_ rpc.Error     = (*wireError)(nil)
	_ rpc.DataError = (*wireError)(nil)
)

func (e *wireError) Error() string { return e.msg }
func (e *wireError) ErrorCode() int { return e.code }
func (e *wireError) ErrorData() any { return e.reason }

func toWire(err error) error {
	if err == nil {
		return nil
	}
	reason := ""
	for r, sentinel := range reasons {
		if errors.Is(err, sentinel) {
			reason = r
			break
		}
	}
	code := unspecifiedErrCode
	switch {
	case errors.Is(err, ErrUnknownHandle):
		code = UnknownHandleCode
	case testctl.IsUsageError(err):
		code = UsageErrorCode
	case testctl.IsLoadError(err):
		code = LoadErrorCode
	case testctl.IsRuntimeError(err):
		code = RuntimeErrorCode
	}
	return &wireError{code: code, msg: err.Error(), reason: reason}
}

// remoteError carries the server's message and, when known, the sentinel it wrapped
type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }

// fromWire rebuilds the typed controller error from an rpc error
func fromWire(op, moduleRef string, err error) error {
	var rpcErr rpc.Error
	if err == nil || !errors.As(err, &rpcErr) {
		return err
	}
	remote := &remoteError{msg: rpcErr.Error()}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if reason, ok := dataErr.ErrorData().(string); ok {
			remote.sentinel = reasons[reason]
		}
	}
	switch rpcErr.ErrorCode() {
	case UsageErrorCode, UnknownHandleCode:
		return testctl.NewUsageError(op, remote)
	case LoadErrorCode:
		return &testctl.LoadError{ModuleRef: moduleRef, Err: remote}
	case RuntimeErrorCode:
		return testctl.NewRuntimeError(remote)
	default:
		return err
	}
}
