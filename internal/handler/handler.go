// Package handler maps worker-side command ids to the functions that serve
// them, mirroring the route table a Burst application builds with
// @app.route before it ever accepts a connection.
package handler

import (
	"fmt"

	"github.com/sadewadee/dispatchd/internal/protocol"
)

// Request is the worker-side view of one assigned task: the raw client
// frame body plus the metadata the handler needs to build a response.
type Request struct {
	Cmd         uint32
	ClientIPNum uint32
	Body        []byte
}

// Func handles one request and returns the bytes to send back as the
// response frame's body.
type Func func(req *Request) ([]byte, error)

// Registry maps command ids to their handler. Registration panics on a
// duplicate cmd rather than silently shadowing it, matching the startup
// assertion a Burst app runs before accepting any connection.
type Registry struct {
	funcs map[uint32]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[uint32]Func)}
}

// Register binds cmd to fn. It panics if cmd is already registered.
func (r *Registry) Register(cmd uint32, fn Func) {
	if _, exists := r.funcs[cmd]; exists {
		panic(fmt.Sprintf("handler: duplicate cmd %d", cmd))
	}
	r.funcs[cmd] = fn
}

// Lookup returns the handler for cmd, or ok=false if none was registered.
func (r *Registry) Lookup(cmd uint32) (Func, bool) {
	fn, ok := r.funcs[cmd]
	return fn, ok
}

// Dispatch runs the handler registered for req.Cmd. If none is registered
// it returns protocol.RetUnroutable with no error, leaving the proxy to
// relay that status back to the client.
func Dispatch(r *Registry, req *Request) (body []byte, ret int32, err error) {
	fn, ok := r.Lookup(req.Cmd)
	if !ok {
		return nil, protocol.RetUnroutable, nil
	}
	body, err = fn(req)
	if err != nil {
		return nil, protocol.RetWorkerError, err
	}
	return body, protocol.RetOK, nil
}
