package server

import (
	"context"
	"time"

	"github.com/odin-rt/gateway/internal/protocol"
)

func (g *Gateway) handleServer(c *Conn, req *protocol.Request) (any, *protocol.Error) {
	p := req.Payload

	switch req.Type {
	case "server.ping":
		return map[string]any{"pong": true, "serverTime": time.Now().UnixMilli()}, nil

	case "server.stats":
		return g.Stats(), nil

	case "server.connections":
		snapshot := g.registry.Snapshot()
		return map[string]any{"count": len(snapshot), "connections": snapshot}, nil

	case "server.audit":
		if g.audit == nil {
			return nil, protocol.E(protocol.CodeValidationError, "audit log is not enabled")
		}
		limit, ok := pInt(p, "limit")
		if !ok {
			limit = 100
		}
		return map[string]any{"entries": g.audit.Recent(limit)}, nil
	}

	return nil, protocol.Ef(protocol.CodeUnknownOperation, "unknown operation %q", req.Type)
}

// handleProcedures forwards to the registered orchestrator functions.
// Without any registered procedures the whole namespace is unknown.
func (g *Gateway) handleProcedures(_ *Conn, req *protocol.Request) (any, *protocol.Error) {
	if len(g.opts.Procedures) == 0 || req.Type != "procedures.call" {
		return nil, protocol.Ef(protocol.CodeUnknownOperation, "unknown operation %q", req.Type)
	}

	name, perr := requireString(req.Payload, "name")
	if perr != nil {
		return nil, perr
	}
	fn, ok := g.opts.Procedures[name]
	if !ok {
		return nil, protocol.Ef(protocol.CodeNotFound, "no procedure %q", name)
	}
	params, perr := pRecord(req.Payload, "params")
	if perr != nil {
		return nil, perr
	}

	result, err := fn(context.Background(), params)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return result, nil
}
