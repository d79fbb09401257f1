package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/exostream/exostreamd/internal/metrics"
	"github.com/exostream/exostreamd/internal/rpcerr"
)

// Handler implements one RPC method. It returns either a JSON-marshalable
// result or a domain error; returning a plain (non-*rpcerr.Error) error is
// treated as an unhandled exception (spec §4.F).
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Router holds the method -> handler table and is shared verbatim by the
// local and network listeners (spec §4.F, §9).
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   zerolog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger zerolog.Logger) *Router {
	return &Router{handlers: make(map[string]Handler), logger: logger}
}

// Register binds a method name to a handler. Intended to be called only
// during daemon startup, before any listener accepts connections.
func (r *Router) Register(method string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = handler
}

// Handle decodes frame, dispatches to the registered handler, and returns
// the encoded response frame. It never panics: a handler panic is
// recovered and mapped to InternalError, matching "a panic inside a
// handler never takes down the listener" (spec §4.G/H).
func (r *Router) Handle(ctx context.Context, frame []byte) []byte {
	req, err := DecodeRequest(frame)
	if err != nil {
		metrics.RecordRPCError(rpcerr.ParseError.String())
		resp, _ := Encode(ErrorResponse(nil, rpcerr.ParseError, err.Error(), nil))
		return resp
	}

	r.mu.RLock()
	handler, ok := r.handlers[req.Method]
	r.mu.RUnlock()

	if !ok {
		metrics.RecordRPCError(rpcerr.MethodNotFound.String())
		resp, _ := Encode(ErrorResponse(req.ID, rpcerr.MethodNotFound, fmt.Sprintf("no handler for method %q", req.Method), nil))
		return resp
	}

	result, err := r.invoke(ctx, handler, req.Params)
	if err != nil {
		if rerr, ok := rpcerr.As(err); ok {
			metrics.RecordRPCError(rerr.Code.String())
			resp, _ := Encode(ErrorResponse(req.ID, rerr.Code, rerr.Message, rerr.Data))
			return resp
		}
		metrics.RecordRPCError(rpcerr.InternalError.String())
		r.logger.Error().Err(err).Str("method", req.Method).Msg("unhandled RPC error")
		resp, _ := Encode(ErrorResponse(req.ID, rpcerr.InternalError, err.Error(), nil))
		return resp
	}

	resp, err := Encode(SuccessResponse(req.ID, result))
	if err != nil {
		resp, _ = Encode(ErrorResponse(req.ID, rpcerr.InternalError, "failed to encode result", nil))
	}
	return resp
}

// invoke calls handler, converting a panic into an *rpcerr.Error mapped to
// InternalError with a traceback in Data, mirroring spec §4.F's
// "any other exception maps to -32603 with data = {traceback: ...}".
func (r *Router) invoke(ctx context.Context, handler Handler, params json.RawMessage) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = rpcerr.New(rpcerr.InternalError, "handler panic: %v", p).
				WithData(map[string]string{"traceback": string(debug.Stack())})
		}
	}()
	return handler(ctx, params)
}
