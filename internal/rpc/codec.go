// Package rpc implements the daemon's JSON-RPC-shaped request/response
// protocol: wire framing, the closed error-code mapping, and method
// dispatch. The same Router serves both the local and network listeners
// (spec §4.F, §9 "two transports, one router").
//
// Reference: spec §4.E/§4.F. Grounded on
// original_source/exostream/common/protocol.py's RPCRequest/RPCResponse
// dataclasses, which this package reproduces field-for-field, and on
// original_source/exostream/daemon/tcp_server.py /
// daemon/ipc_server.py for the newline-terminated, one-request-per-
// connection framing shape.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/exostream/exostreamd/internal/rpcerr"
)

// MaxRequestSize is the recommended maximum request frame (spec §4.E).
const MaxRequestSize = 64 * 1024

// ProtocolVersion is the fixed "jsonrpc" field value on every frame.
const ProtocolVersion = "2.0"

// Request is one incoming call (spec §4.E).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// ResponseError is the wire shape of a failed call.
type ResponseError struct {
	Code    rpcerr.Code `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Response carries exactly one of Result or Error (spec §4.E).
type Response struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      interface{}    `json:"id"`
	Result  interface{}    `json:"result,omitempty"`
	Error   *ResponseError `json:"error,omitempty"`
}

// SuccessResponse builds a response carrying a result.
func SuccessResponse(id interface{}, result interface{}) *Response {
	return &Response{JSONRPC: ProtocolVersion, ID: id, Result: result}
}

// ErrorResponse builds a response carrying an error.
func ErrorResponse(id interface{}, code rpcerr.Code, message string, data interface{}) *Response {
	return &Response{JSONRPC: ProtocolVersion, ID: id, Error: &ResponseError{Code: code, Message: message, Data: data}}
}

// DecodeRequest parses one frame. A frame that is not valid JSON, or is
// valid JSON but not a conforming request object, is reported via the
// returned error rather than a zero Request.
func DecodeRequest(frame []byte) (*Request, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty request frame")
	}

	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return nil, err
	}
	if req.Method == "" {
		return nil, fmt.Errorf("request missing method")
	}
	return &req, nil
}

// Encode serializes resp with a trailing newline, ready to write to a
// connection (spec §4.E framing).
func Encode(resp *Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// SplitFrame extracts one top-level JSON object from buf: up to and
// including the first newline, or — as a robustness fallback for peers
// that omit the trailing newline — up to the byte that closes the first
// top-level '{' it finds. Returns the frame (without trailing newline)
// and the number of bytes consumed, or ok=false if buf does not yet hold
// a complete frame.
func SplitFrame(buf []byte) (frame []byte, consumed int, ok bool) {
	if idx := bytes.IndexByte(buf, '\n'); idx >= 0 {
		return bytes.TrimRight(buf[:idx], "\r"), idx + 1, true
	}

	depth := 0
	started := false
	for i, b := range buf {
		switch b {
		case '{':
			depth++
			started = true
		case '}':
			depth--
			if started && depth == 0 {
				return buf[:i+1], i + 1, true
			}
		}
	}
	return nil, 0, false
}
