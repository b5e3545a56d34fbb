package comm

import (
	"errors"
	"fmt"
	"time"
)

// Code is the error taxonomy for the communication core.
type Code string

const (
	CodeNotConnected     Code = "not_connected"
	CodeConnectTimeout   Code = "connect_timeout"
	CodeReadError        Code = "read_error"
	CodeWriteError       Code = "write_error"
	CodePeerClosed       Code = "peer_closed"
	CodeSerialization    Code = "serialization_error"
	CodeAcquireTimeout   Code = "acquire_timeout"
	CodePoolShutdown     Code = "pool_shutdown"
	CodeBatcherStopped   Code = "batcher_stopped"
	CodeValidationFailed Code = "validation_failed"
	CodeInternal         Code = "internal"
)

// Error is the typed error carried across the communication core. It wraps
// an underlying cause (if any) and always reports a stable Code so callers
// can branch with errors.Is/errors.As instead of string matching.
type Error struct {
	Code    Code
	Op      string
	Message string
	Wrapped error
	Context map[string]interface{}
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is allows errors.Is(err, &Error{Code: X}) to match solely on Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func newErr(code Code, op, msg string, wrapped error) *Error {
	return &Error{Code: code, Op: op, Message: msg, Wrapped: wrapped}
}

func NotConnected(op string) *Error {
	return newErr(CodeNotConnected, op, "not connected", nil)
}

func ConnectTimeout(op string, d time.Duration) *Error {
	return newErr(CodeConnectTimeout, op, fmt.Sprintf("connect timed out after %s", d), nil)
}

func ReadError(op string, err error) *Error {
	return newErr(CodeReadError, op, "read failed", err)
}

func WriteError(op string, err error) *Error {
	return newErr(CodeWriteError, op, "write failed", err)
}

func PeerClosed(op string) *Error {
	return newErr(CodePeerClosed, op, "peer closed the connection", nil)
}

func SerializationFailed(op string, err error) *Error {
	return newErr(CodeSerialization, op, "serialization failed", err)
}

func AcquireTimeout(op string, d time.Duration) *Error {
	return newErr(CodeAcquireTimeout, op, fmt.Sprintf("acquire timed out after %s", d), nil)
}

func PoolShutdown(op string) *Error {
	return newErr(CodePoolShutdown, op, "pool is shut down", nil)
}

func BatcherStopped(op string) *Error {
	return newErr(CodeBatcherStopped, op, "batcher has been stopped", nil)
}

func ValidationFailed(op, reason string) *Error {
	return newErr(CodeValidationFailed, op, reason, nil)
}

func Internal(op string, err error) *Error {
	return newErr(CodeInternal, op, "internal error", err)
}

// Is reports whether err carries the given Code anywhere in its chain.
func Is(err error, code Code) bool {
	return errors.Is(err, &Error{Code: code})
}
