// Package rpcerr defines the closed set of domain errors exostreamd's
// supervisor, state store, and device probe can return, and the bit-exact
// JSON-RPC error codes the router maps them to.
//
// Reference: original_source/exostream/common/protocol.py RPCError enum.
package rpcerr

import (
	"errors"
	"fmt"
)

// Code is a JSON-RPC 2.0 error code, standard or exostreamd-specific.
type Code int

const (
	ParseError      Code = -32700
	InvalidRequest  Code = -32600
	MethodNotFound  Code = -32601
	InvalidParams   Code = -32602
	InternalError   Code = -32603
	StreamAlreadyRunning Code = -32000
	StreamNotRunning     Code = -32001
	DeviceNotFound       Code = -32002
	DeviceInUse          Code = -32003
	InvalidConfiguration Code = -32004
	FFmpegError          Code = -32005
)

// String returns the error kind's name, matching the table in spec §4.E.
func (c Code) String() string {
	switch c {
	case ParseError:
		return "ParseError"
	case InvalidRequest:
		return "InvalidRequest"
	case MethodNotFound:
		return "MethodNotFound"
	case InvalidParams:
		return "InvalidParams"
	case InternalError:
		return "InternalError"
	case StreamAlreadyRunning:
		return "StreamAlreadyRunning"
	case StreamNotRunning:
		return "StreamNotRunning"
	case DeviceNotFound:
		return "DeviceNotFound"
	case DeviceInUse:
		return "DeviceInUse"
	case InvalidConfiguration:
		return "InvalidConfiguration"
	case FFmpegError:
		return "FFmpegError"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error is a domain-level error carrying a wire error code.
//
// Handlers (supervisor, device probe, state store) return *Error for any
// condition named in spec §4.E; the RPC router is the only place that
// turns it into a wire response (spec §4.F). Any other error type
// returned by a handler is treated as an unhandled exception and mapped
// to InternalError by the router.
type Error struct {
	Code    Code
	Message string
	Data    interface{}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs a domain error with the given code and formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches structured data to the error (e.g. available devices).
func (e *Error) WithData(data interface{}) *Error {
	e.Data = data
	return e
}

// As reports whether err is (or wraps) an *Error, matching stdlib errors.As
// semantics explicitly so callers don't need to import "errors" just for this.
func As(err error) (*Error, bool) {
	var rerr *Error
	ok := errors.As(err, &rerr)
	return rerr, ok
}
