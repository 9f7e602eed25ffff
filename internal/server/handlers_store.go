package server

import (
	"context"
	"encoding/json"

	"github.com/odin-rt/gateway/internal/monitoring"
	"github.com/odin-rt/gateway/internal/protocol"
	"github.com/odin-rt/gateway/internal/store"
)

func (g *Gateway) handleStore(c *Conn, req *protocol.Request) (any, *protocol.Error) {
	ctx := context.Background()
	p := req.Payload

	switch req.Type {
	case "store.defineBucket":
		return g.storeDefineBucket(c, p)
	case "store.defineQuery":
		return g.storeDefineQuery(c, p)
	case "store.subscribe":
		return g.storeSubscribe(c, p)
	case "store.unsubscribe":
		return g.unsubscribe(c, p)
	}

	bucket, perr := requireString(p, "bucket")
	if perr != nil && req.Type != "store.buckets" && req.Type != "store.stats" && req.Type != "store.transaction" {
		return nil, perr
	}

	switch req.Type {
	case "store.get":
		key, perr := requireString(p, "key")
		if perr != nil {
			return nil, perr
		}
		rec, err := g.store.Get(ctx, bucket, key)
		if err != nil {
			return nil, protocol.AsError(err)
		}
		return rec, nil

	case "store.insert":
		data, perr := pRecord(p, "data")
		if perr != nil {
			return nil, perr
		}
		if data == nil {
			return nil, protocol.E(protocol.CodeValidationError, "data is required")
		}
		rec, err := g.store.Insert(ctx, bucket, data)
		if err != nil {
			return nil, protocol.AsError(err)
		}
		return rec, nil

	case "store.update":
		key, perr := requireString(p, "key")
		if perr != nil {
			return nil, perr
		}
		data, perr := pRecord(p, "data")
		if perr != nil {
			return nil, perr
		}
		if data == nil {
			return nil, protocol.E(protocol.CodeValidationError, "data is required")
		}
		rec, err := g.store.Update(ctx, bucket, key, data)
		if err != nil {
			return nil, protocol.AsError(err)
		}
		return rec, nil

	case "store.delete":
		key, perr := requireString(p, "key")
		if perr != nil {
			return nil, perr
		}
		if err := g.store.Delete(ctx, bucket, key); err != nil {
			return nil, protocol.AsError(err)
		}
		return map[string]any{"deleted": true}, nil

	case "store.clear":
		n, err := g.store.Clear(ctx, bucket)
		if err != nil {
			return nil, protocol.AsError(err)
		}
		return map[string]any{"cleared": n}, nil

	case "store.all":
		recs, err := g.store.All(ctx, bucket)
		if err != nil {
			return nil, protocol.AsError(err)
		}
		return recs, nil

	case "store.where":
		filter, perr := pRecord(p, "filter")
		if perr != nil {
			return nil, perr
		}
		recs, err := g.store.Where(ctx, bucket, filter)
		if err != nil {
			return nil, protocol.AsError(err)
		}
		return recs, nil

	case "store.findOne":
		filter, perr := pRecord(p, "filter")
		if perr != nil {
			return nil, perr
		}
		rec, err := g.store.FindOne(ctx, bucket, filter)
		if err != nil {
			return nil, protocol.AsError(err)
		}
		return rec, nil

	case "store.count":
		filter, perr := pRecord(p, "filter")
		if perr != nil {
			return nil, perr
		}
		n, err := g.store.Count(ctx, bucket, filter)
		if err != nil {
			return nil, protocol.AsError(err)
		}
		return map[string]any{"count": n}, nil

	case "store.first", "store.last":
		n, ok := pInt(p, "n")
		if !ok {
			return nil, protocol.E(protocol.CodeValidationError, "n is required")
		}
		var recs []store.Record
		var err error
		if req.Type == "store.first" {
			recs, err = g.store.First(ctx, bucket, n)
		} else {
			recs, err = g.store.Last(ctx, bucket, n)
		}
		if err != nil {
			return nil, protocol.AsError(err)
		}
		return recs, nil

	case "store.paginate":
		limit, _ := pInt(p, "limit")
		page, err := g.store.Paginate(ctx, bucket, limit, pString(p, "after"))
		if err != nil {
			return nil, protocol.AsError(err)
		}
		return page, nil

	case "store.sum", "store.avg", "store.min", "store.max":
		field, perr := requireString(p, "field")
		if perr != nil {
			return nil, perr
		}
		filter, perr := pRecord(p, "filter")
		if perr != nil {
			return nil, perr
		}
		op := store.AggOp(req.Type[len("store."):])
		v, err := g.store.Aggregate(ctx, bucket, field, op, filter)
		if err != nil {
			return nil, protocol.AsError(err)
		}
		return v, nil

	case "store.buckets":
		names, err := g.store.Buckets(ctx)
		if err != nil {
			return nil, protocol.AsError(err)
		}
		return names, nil

	case "store.stats":
		stats, err := g.store.Stats(ctx)
		if err != nil {
			return nil, protocol.AsError(err)
		}
		return stats, nil

	case "store.transaction":
		return g.storeTransaction(ctx, p)
	}

	return nil, protocol.Ef(protocol.CodeUnknownOperation, "unknown operation %q", req.Type)
}

func (g *Gateway) storeDefineBucket(c *Conn, p map[string]json.RawMessage) (any, *protocol.Error) {
	bucket, perr := requireString(p, "bucket")
	if perr != nil {
		return nil, perr
	}
	var schema store.Schema
	if raw, ok := p["schema"]; ok {
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, protocol.E(protocol.CodeValidationError, "schema must be an object")
		}
	}
	if err := g.store.DefineBucket(bucket, schema); err != nil {
		return nil, protocol.AsError(err)
	}
	g.audit.Record(monitoring.AuditEntry{
		Event: "bucket_defined", Actor: sessionActor(c.session),
		Operation: "store.defineBucket", Resource: bucket,
	})
	return map[string]any{"defined": true}, nil
}

// storeDefineQuery registers a declarative filtered view over one
// bucket. Subscribe-time params override the static filter, so one
// definition serves a family of parameterized subscriptions.
func (g *Gateway) storeDefineQuery(c *Conn, p map[string]json.RawMessage) (any, *protocol.Error) {
	name, perr := requireString(p, "query")
	if perr != nil {
		return nil, perr
	}
	bucket, perr := requireString(p, "bucket")
	if perr != nil {
		return nil, perr
	}
	filter, perr := pRecord(p, "filter")
	if perr != nil {
		return nil, perr
	}

	fn := func(ctx context.Context, view store.QueryView, params store.Record) (any, error) {
		effective := store.Record{}
		for k, v := range filter {
			effective[k] = v
		}
		for k, v := range params {
			effective[k] = v
		}
		if len(effective) == 0 {
			return view.All(bucket)
		}
		return view.Where(bucket, effective)
	}
	if err := g.store.DefineQuery(name, fn); err != nil {
		return nil, protocol.AsError(err)
	}
	g.audit.Record(monitoring.AuditEntry{
		Event: "query_defined", Actor: sessionActor(c.session),
		Operation: "store.defineQuery", Resource: name,
	})
	return map[string]any{"defined": true}, nil
}

func (g *Gateway) storeSubscribe(c *Conn, p map[string]json.RawMessage) (any, *protocol.Error) {
	query, perr := requireString(p, "query")
	if perr != nil {
		return nil, perr
	}
	params, perr := pRecord(p, "params")
	if perr != nil {
		return nil, perr
	}

	id, initial, err := g.subs.SubscribeQuery(c.id, c, g.store, query, params)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	g.registry.Update(c.id, func(e *Entry) { e.StoreSubs++ })
	return map[string]any{"subscriptionId": id, "data": initial}, nil
}

// unsubscribe serves both store.unsubscribe and rules.unsubscribe; the
// subscription id space is flat across kinds.
func (g *Gateway) unsubscribe(c *Conn, p map[string]json.RawMessage) (any, *protocol.Error) {
	sid, perr := requireString(p, "subscriptionId")
	if perr != nil {
		return nil, perr
	}
	if err := g.subs.Unsubscribe(c.id, sid); err != nil {
		return nil, protocol.AsError(err)
	}
	g.registry.Update(c.id, func(e *Entry) {
		queries, events := g.subs.CountFor(c.id)
		e.StoreSubs = queries
		e.RulesSubs = events
	})
	return map[string]any{"unsubscribed": true}, nil
}

func (g *Gateway) storeTransaction(ctx context.Context, p map[string]json.RawMessage) (any, *protocol.Error) {
	raw, ok := p["operations"]
	if !ok {
		return nil, protocol.E(protocol.CodeValidationError, "operations is required")
	}
	var ops []store.TxOp
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, protocol.E(protocol.CodeValidationError, "operations must be an array of transaction ops")
	}
	results, err := g.store.Transaction(ctx, ops)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]any{"results": results}, nil
}
