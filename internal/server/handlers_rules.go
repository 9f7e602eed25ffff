package server

import (
	"context"
	"encoding/json"

	"github.com/odin-rt/gateway/internal/protocol"
)

func (g *Gateway) handleRules(c *Conn, req *protocol.Request) (any, *protocol.Error) {
	if g.rules == nil {
		return nil, protocol.E(protocol.CodeRulesNotAvailable, "rule engine is not configured")
	}

	ctx := context.Background()
	p := req.Payload

	switch req.Type {
	case "rules.emit":
		topic, perr := requireString(p, "topic")
		if perr != nil {
			return nil, perr
		}
		data, perr := pRecord(p, "data")
		if perr != nil {
			return nil, perr
		}
		ev, err := g.rules.Emit(ctx, topic, data, pString(p, "correlationId"), pString(p, "causationId"))
		if err != nil {
			return nil, protocol.AsError(err)
		}
		return ev, nil

	case "rules.setFact":
		key, perr := requireString(p, "key")
		if perr != nil {
			return nil, perr
		}
		raw, ok := p["value"]
		if !ok {
			return nil, protocol.E(protocol.CodeValidationError, "value is required")
		}
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, protocol.E(protocol.CodeValidationError, "value must be valid JSON")
		}
		if err := g.rules.SetFact(ctx, key, value); err != nil {
			return nil, protocol.AsError(err)
		}
		return map[string]any{"set": true}, nil

	case "rules.getFact":
		key, perr := requireString(p, "key")
		if perr != nil {
			return nil, perr
		}
		value, exists, err := g.rules.GetFact(ctx, key)
		if err != nil {
			return nil, protocol.AsError(err)
		}
		return map[string]any{"key": key, "value": value, "exists": exists}, nil

	case "rules.deleteFact":
		key, perr := requireString(p, "key")
		if perr != nil {
			return nil, perr
		}
		deleted, err := g.rules.DeleteFact(ctx, key)
		if err != nil {
			return nil, protocol.AsError(err)
		}
		return map[string]any{"deleted": deleted}, nil

	case "rules.queryFacts":
		pattern, perr := requireString(p, "pattern")
		if perr != nil {
			return nil, perr
		}
		facts, err := g.rules.QueryFacts(ctx, pattern)
		if err != nil {
			return nil, protocol.AsError(err)
		}
		return map[string]any{"facts": facts}, nil

	case "rules.getAllFacts":
		facts, err := g.rules.AllFacts(ctx)
		if err != nil {
			return nil, protocol.AsError(err)
		}
		return map[string]any{"facts": facts}, nil

	case "rules.stats":
		stats, err := g.rules.Stats(ctx)
		if err != nil {
			return nil, protocol.AsError(err)
		}
		return stats, nil

	case "rules.subscribe":
		pattern, perr := requireString(p, "pattern")
		if perr != nil {
			return nil, perr
		}
		id, err := g.subs.SubscribeEvents(c.id, c, g.rules, pattern)
		if err != nil {
			return nil, protocol.AsError(err)
		}
		g.registry.Update(c.id, func(e *Entry) { e.RulesSubs++ })
		return map[string]any{"subscriptionId": id}, nil

	case "rules.unsubscribe":
		return g.unsubscribe(c, p)
	}

	return nil, protocol.Ef(protocol.CodeUnknownOperation, "unknown operation %q", req.Type)
}
