// Package memory is the reference Store adapter: process-local buckets
// with schema validation, reactive named queries, and transactions with
// per-record version conflict detection.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"

	"github.com/odin-rt/gateway/internal/protocol"
	"github.com/odin-rt/gateway/internal/store"
)

// reserved record fields managed by the store, never writable by clients.
var reservedFields = map[string]struct{}{
	"id":         {},
	"_version":   {},
	"_createdAt": {},
	"_updatedAt": {},
}

type bucket struct {
	schema  store.Schema
	records map[string]store.Record
	order   []string // insertion order, drives first/last/paginate
}

type querySub struct {
	id     string
	name   string
	params store.Record
	ch     chan any
}

// Store is the in-memory implementation of store.Store.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	queries map[string]store.QueryFunc

	subMu   sync.Mutex
	subs    map[string]*querySub
	nextSub int64

	reads  int64
	writes int64

	logger zerolog.Logger
}

// New creates an empty store.
func New(logger zerolog.Logger) *Store {
	return &Store{
		buckets: make(map[string]*bucket),
		queries: make(map[string]store.QueryFunc),
		subs:    make(map[string]*querySub),
		logger:  logger.With().Str("component", "memstore").Logger(),
	}
}

func (m *Store) DefineBucket(name string, schema store.Schema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[name]; ok {
		return protocol.Ef(protocol.CodeAlreadyExists, "bucket %q already defined", name)
	}
	m.buckets[name] = &bucket{schema: schema, records: make(map[string]store.Record)}
	m.logger.Debug().Str("bucket", name).Msg("Bucket defined")
	return nil
}

func (m *Store) DefineQuery(name string, fn store.QueryFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queries[name]; ok {
		return protocol.Ef(protocol.CodeAlreadyExists, "query %q already defined", name)
	}
	m.queries[name] = fn
	m.logger.Debug().Str("query", name).Msg("Query defined")
	return nil
}

func (m *Store) bucketLocked(name string) (*bucket, *protocol.Error) {
	b, ok := m.buckets[name]
	if !ok {
		return nil, protocol.Ef(protocol.CodeBucketNotDefined, "bucket %q is not defined", name)
	}
	return b, nil
}

func cloneRecord(rec store.Record) store.Record {
	if rec == nil {
		return nil
	}
	out := make(store.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

// validate checks data against the schema. full validation (insert)
// enforces required fields; partial validation (update) only type-checks
// the fields present.
func validate(schema store.Schema, data store.Record, full bool) *protocol.Error {
	problems := map[string]string{}
	for name, spec := range schema.Fields {
		v, present := data[name]
		if !present {
			if full && spec.Required {
				problems[name] = "required field missing"
			}
			continue
		}
		if v == nil {
			continue // null is always acceptable
		}
		if !typeMatches(spec.Type, v) {
			problems[name] = fmt.Sprintf("expected %s", spec.Type)
		}
	}
	if len(problems) > 0 {
		return protocol.E(protocol.CodeValidationError, "record failed schema validation").WithDetails(problems)
	}
	return nil
}

func typeMatches(fieldType string, v any) bool {
	switch fieldType {
	case "", "any":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	}
	return false
}

// prepareInsert normalizes data, applies schema defaults, validates, and
// stamps generated fields.
func prepareInsert(b *bucket, data store.Record, now int64) (store.Record, string, *protocol.Error) {
	rec := store.Record{}
	for k, v := range data {
		if _, reserved := reservedFields[k]; reserved {
			continue
		}
		rec[k] = protocol.Normalize(v)
	}
	for name, spec := range b.schema.Fields {
		if _, present := rec[name]; !present && spec.Default != nil {
			rec[name] = protocol.Normalize(spec.Default)
		}
	}
	if err := validate(b.schema, rec, true); err != nil {
		return nil, "", err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, "", protocol.E(protocol.CodeInternal, "failed to generate record id")
	}
	key := id.String()
	rec["id"] = key
	rec["_version"] = float64(1)
	rec["_createdAt"] = float64(now)
	rec["_updatedAt"] = float64(now)
	return rec, key, nil
}

// prepareUpdate merges data over current, asserting _version when the
// caller supplies one.
func prepareUpdate(b *bucket, current store.Record, data store.Record, assertVersion int64, now int64) (store.Record, *protocol.Error) {
	curVersion, _ := current["_version"].(float64)
	if assertVersion > 0 && curVersion != float64(assertVersion) {
		return nil, protocol.Ef(protocol.CodeConflict, "version conflict: record is at version %d", int64(curVersion))
	}
	if raw, present := data["_version"]; present {
		if want, ok := protocol.Normalize(raw).(float64); !ok || want != curVersion {
			return nil, protocol.Ef(protocol.CodeConflict, "version conflict: record is at version %d", int64(curVersion))
		}
	}

	rec := cloneRecord(current)
	for k, v := range data {
		if _, reserved := reservedFields[k]; reserved {
			continue
		}
		rec[k] = protocol.Normalize(v)
	}
	if err := validate(b.schema, rec, false); err != nil {
		return nil, err
	}
	rec["_version"] = curVersion + 1
	rec["_updatedAt"] = float64(now)
	return rec, nil
}

func (m *Store) Insert(_ context.Context, bucketName string, data store.Record) (store.Record, error) {
	m.mu.Lock()
	b, perr := m.bucketLocked(bucketName)
	if perr != nil {
		m.mu.Unlock()
		return nil, perr
	}
	rec, key, perr := prepareInsert(b, data, time.Now().UnixMilli())
	if perr != nil {
		m.mu.Unlock()
		return nil, perr
	}
	b.records[key] = rec
	b.order = append(b.order, key)
	atomic.AddInt64(&m.writes, 1)
	m.mu.Unlock()

	m.notifySubscribers()
	return cloneRecord(rec), nil
}

func (m *Store) Update(_ context.Context, bucketName, key string, data store.Record) (store.Record, error) {
	m.mu.Lock()
	b, perr := m.bucketLocked(bucketName)
	if perr != nil {
		m.mu.Unlock()
		return nil, perr
	}
	current, ok := b.records[key]
	if !ok {
		m.mu.Unlock()
		return nil, protocol.Ef(protocol.CodeNotFound, "no record %q in bucket %q", key, bucketName)
	}
	rec, perr := prepareUpdate(b, current, data, 0, time.Now().UnixMilli())
	if perr != nil {
		m.mu.Unlock()
		return nil, perr
	}
	b.records[key] = rec
	atomic.AddInt64(&m.writes, 1)
	m.mu.Unlock()

	m.notifySubscribers()
	return cloneRecord(rec), nil
}

// Delete removes a record. A missing key is an error at this level;
// transaction deletes are idempotent instead.
func (m *Store) Delete(_ context.Context, bucketName, key string) error {
	m.mu.Lock()
	b, perr := m.bucketLocked(bucketName)
	if perr != nil {
		m.mu.Unlock()
		return perr
	}
	if _, ok := b.records[key]; !ok {
		m.mu.Unlock()
		return protocol.Ef(protocol.CodeNotFound, "no record %q in bucket %q", key, bucketName)
	}
	delete(b.records, key)
	b.order = removeKey(b.order, key)
	atomic.AddInt64(&m.writes, 1)
	m.mu.Unlock()

	m.notifySubscribers()
	return nil
}

func (m *Store) Clear(_ context.Context, bucketName string) (int, error) {
	m.mu.Lock()
	b, perr := m.bucketLocked(bucketName)
	if perr != nil {
		m.mu.Unlock()
		return 0, perr
	}
	n := len(b.records)
	b.records = make(map[string]store.Record)
	b.order = nil
	atomic.AddInt64(&m.writes, 1)
	m.mu.Unlock()

	m.notifySubscribers()
	return n, nil
}

func removeKey(order []string, key string) []string {
	for i, k := range order {
		if k == key {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

func (m *Store) Get(_ context.Context, bucketName, key string) (store.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	atomic.AddInt64(&m.reads, 1)

	b, perr := m.bucketLocked(bucketName)
	if perr != nil {
		return nil, perr
	}
	rec, ok := b.records[key]
	if !ok {
		return nil, protocol.Ef(protocol.CodeNotFound, "no record %q in bucket %q", key, bucketName)
	}
	return cloneRecord(rec), nil
}

func (m *Store) All(_ context.Context, bucketName string) ([]store.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	atomic.AddInt64(&m.reads, 1)

	b, perr := m.bucketLocked(bucketName)
	if perr != nil {
		return nil, perr
	}
	return b.slice(0, len(b.order)), nil
}

// slice copies records [from, to) in insertion order.
func (b *bucket) slice(from, to int) []store.Record {
	out := make([]store.Record, 0, to-from)
	for _, key := range b.order[from:to] {
		out = append(out, cloneRecord(b.records[key]))
	}
	return out
}

func matchesFilter(rec store.Record, filter store.Record) bool {
	for k, want := range filter {
		got, present := rec[k]
		if !present || !protocol.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func (m *Store) Where(_ context.Context, bucketName string, filter store.Record) ([]store.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	atomic.AddInt64(&m.reads, 1)

	b, perr := m.bucketLocked(bucketName)
	if perr != nil {
		return nil, perr
	}
	out := []store.Record{}
	for _, key := range b.order {
		if matchesFilter(b.records[key], filter) {
			out = append(out, cloneRecord(b.records[key]))
		}
	}
	return out, nil
}

func (m *Store) FindOne(ctx context.Context, bucketName string, filter store.Record) (store.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	atomic.AddInt64(&m.reads, 1)

	b, perr := m.bucketLocked(bucketName)
	if perr != nil {
		return nil, perr
	}
	for _, key := range b.order {
		if matchesFilter(b.records[key], filter) {
			return cloneRecord(b.records[key]), nil
		}
	}
	return nil, nil
}

func (m *Store) Count(_ context.Context, bucketName string, filter store.Record) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	atomic.AddInt64(&m.reads, 1)

	b, perr := m.bucketLocked(bucketName)
	if perr != nil {
		return 0, perr
	}
	if len(filter) == 0 {
		return len(b.records), nil
	}
	n := 0
	for _, rec := range b.records {
		if matchesFilter(rec, filter) {
			n++
		}
	}
	return n, nil
}

func (m *Store) First(_ context.Context, bucketName string, n int) ([]store.Record, error) {
	if n <= 0 {
		return nil, protocol.E(protocol.CodeValidationError, "n must be positive")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	atomic.AddInt64(&m.reads, 1)

	b, perr := m.bucketLocked(bucketName)
	if perr != nil {
		return nil, perr
	}
	if n > len(b.order) {
		n = len(b.order)
	}
	return b.slice(0, n), nil
}

func (m *Store) Last(_ context.Context, bucketName string, n int) ([]store.Record, error) {
	if n <= 0 {
		return nil, protocol.E(protocol.CodeValidationError, "n must be positive")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	atomic.AddInt64(&m.reads, 1)

	b, perr := m.bucketLocked(bucketName)
	if perr != nil {
		return nil, perr
	}
	if n > len(b.order) {
		n = len(b.order)
	}
	return b.slice(len(b.order)-n, len(b.order)), nil
}

func (m *Store) Paginate(_ context.Context, bucketName string, limit int, after string) (*store.Page, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	atomic.AddInt64(&m.reads, 1)

	b, perr := m.bucketLocked(bucketName)
	if perr != nil {
		return nil, perr
	}

	start := 0
	if after != "" {
		found := false
		for i, key := range b.order {
			if key == after {
				start = i + 1
				found = true
				break
			}
		}
		if !found {
			return nil, protocol.Ef(protocol.CodeValidationError, "unknown cursor %q", after)
		}
	}

	end := start + limit
	if end > len(b.order) {
		end = len(b.order)
	}
	page := &store.Page{Records: b.slice(start, end), HasMore: end < len(b.order)}
	if page.HasMore {
		page.NextCursor = b.order[end-1]
	}
	return page, nil
}

// Aggregate computes sum/avg/min/max over a numeric field. Empty input:
// sum is 0, avg/min/max are null. Non-numeric values are skipped.
func (m *Store) Aggregate(_ context.Context, bucketName, field string, op store.AggOp, filter store.Record) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	atomic.AddInt64(&m.reads, 1)

	b, perr := m.bucketLocked(bucketName)
	if perr != nil {
		return nil, perr
	}

	var values []float64
	for _, key := range b.order {
		rec := b.records[key]
		if len(filter) > 0 && !matchesFilter(rec, filter) {
			continue
		}
		if v, ok := rec[field].(float64); ok {
			values = append(values, v)
		}
	}

	switch op {
	case store.AggSum:
		total := 0.0
		for _, v := range values {
			total += v
		}
		return total, nil
	case store.AggAvg:
		if len(values) == 0 {
			return nil, nil
		}
		total := 0.0
		for _, v := range values {
			total += v
		}
		return total / float64(len(values)), nil
	case store.AggMin:
		if len(values) == 0 {
			return nil, nil
		}
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min, nil
	case store.AggMax:
		if len(values) == 0 {
			return nil, nil
		}
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max, nil
	}
	return nil, protocol.Ef(protocol.CodeValidationError, "unknown aggregate %q", string(op))
}

func (m *Store) Buckets(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.buckets))
	for name := range m.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Store) Stats(_ context.Context) (map[string]any, error) {
	m.mu.RLock()
	totalRecords := 0
	for _, b := range m.buckets {
		totalRecords += len(b.records)
	}
	stats := map[string]any{
		"buckets": len(m.buckets),
		"records": totalRecords,
		"queries": len(m.queries),
		"reads":   atomic.LoadInt64(&m.reads),
		"writes":  atomic.LoadInt64(&m.writes),
	}
	m.mu.RUnlock()

	m.subMu.Lock()
	stats["subscriptions"] = len(m.subs)
	m.subMu.Unlock()
	return stats, nil
}

func (m *Store) Healthy() bool { return true }

// view adapts the store to the read-only QueryView surface.
type view struct{ m *Store }

func (v view) All(bucket string) ([]store.Record, error) {
	return v.m.All(context.Background(), bucket)
}

func (v view) Where(bucket string, filter store.Record) ([]store.Record, error) {
	return v.m.Where(context.Background(), bucket, filter)
}

func (v view) Count(bucket string, filter store.Record) (int, error) {
	return v.m.Count(context.Background(), bucket, filter)
}

func (v view) Get(bucket, key string) (store.Record, error) {
	return v.m.Get(context.Background(), bucket, key)
}

func (m *Store) evaluate(ctx context.Context, name string, params store.Record) (any, error) {
	m.mu.RLock()
	fn, ok := m.queries[name]
	m.mu.RUnlock()
	if !ok {
		return nil, protocol.Ef(protocol.CodeQueryNotDefined, "query %q is not defined", name)
	}
	return fn(ctx, view{m}, params)
}

func (m *Store) SubscribeQuery(name string, params store.Record) (*store.QuerySubscription, error) {
	// Snapshot and registration happen under subMu so no commit lands
	// between them: notifySubscribers serializes on the same lock, so a
	// write either precedes the snapshot or reaches the channel.
	m.subMu.Lock()
	initial, err := m.evaluate(context.Background(), name, params)
	if err != nil {
		m.subMu.Unlock()
		return nil, err
	}

	m.nextSub++
	sub := &querySub{
		id:     fmt.Sprintf("memq-%d", m.nextSub),
		name:   name,
		params: params,
		ch:     make(chan any, 64),
	}
	m.subs[sub.id] = sub
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if _, live := m.subs[sub.id]; live {
			delete(m.subs, sub.id)
			close(sub.ch)
		}
	}
	return store.NewQuerySubscription(sub.id, initial, sub.ch, cancel), nil
}

// notifySubscribers re-evaluates every live query subscription after a
// commit. Deduplication happens downstream in the gateway; a full buffer
// drops the value, the next change delivers full current state anyway.
func (m *Store) notifySubscribers() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for _, sub := range m.subs {
		v, err := m.evaluate(context.Background(), sub.name, sub.params)
		if err != nil {
			m.logger.Warn().Err(err).Str("query", sub.name).Msg("Query re-evaluation failed")
			continue
		}
		select {
		case sub.ch <- v:
		default:
		}
	}
}

func (m *Store) Transaction(_ context.Context, ops []store.TxOp) ([]any, error) {
	if len(ops) == 0 {
		return nil, protocol.E(protocol.CodeValidationError, "transaction requires at least one operation")
	}

	m.mu.Lock()
	now := time.Now().UnixMilli()

	// staged holds the transaction overlay: nil record = staged delete.
	staged := map[string]map[string]store.Record{}
	newKeys := map[string][]string{}

	readStaged := func(bucketName, key string) (store.Record, bool, *protocol.Error) {
		b, perr := m.bucketLocked(bucketName)
		if perr != nil {
			return nil, false, perr
		}
		if overlay, ok := staged[bucketName]; ok {
			if rec, ok := overlay[key]; ok {
				return rec, rec != nil, nil
			}
		}
		rec, ok := b.records[key]
		return rec, ok, nil
	}
	stage := func(bucketName, key string, rec store.Record) {
		if staged[bucketName] == nil {
			staged[bucketName] = map[string]store.Record{}
		}
		staged[bucketName][key] = rec
	}

	results := make([]any, 0, len(ops))
	for i, op := range ops {
		switch op.Op {
		case "insert":
			b, perr := m.bucketLocked(op.Bucket)
			if perr == nil {
				var rec store.Record
				var key string
				rec, key, perr = prepareInsert(b, op.Data, now)
				if perr == nil {
					stage(op.Bucket, key, rec)
					newKeys[op.Bucket] = append(newKeys[op.Bucket], key)
					results = append(results, cloneRecord(rec))
				}
			}
			if perr != nil {
				m.mu.Unlock()
				return nil, perr.WithDetails(map[string]any{"opIndex": i})
			}

		case "update":
			current, ok, perr := readStaged(op.Bucket, op.Key)
			if perr == nil && !ok {
				perr = protocol.Ef(protocol.CodeNotFound, "no record %q in bucket %q", op.Key, op.Bucket)
			}
			if perr == nil {
				var rec store.Record
				rec, perr = prepareUpdate(m.buckets[op.Bucket], current, op.Data, op.Version, now)
				if perr == nil {
					stage(op.Bucket, op.Key, rec)
					results = append(results, cloneRecord(rec))
				}
			}
			if perr != nil {
				m.mu.Unlock()
				return nil, perr.WithDetails(map[string]any{"opIndex": i})
			}

		case "delete":
			// Idempotent inside a transaction.
			current, ok, perr := readStaged(op.Bucket, op.Key)
			if perr != nil {
				m.mu.Unlock()
				return nil, perr.WithDetails(map[string]any{"opIndex": i})
			}
			if ok && op.Version > 0 {
				if cur, _ := current["_version"].(float64); cur != float64(op.Version) {
					m.mu.Unlock()
					return nil, protocol.Ef(protocol.CodeConflict, "version conflict: record is at version %d", int64(cur)).
						WithDetails(map[string]any{"opIndex": i})
				}
			}
			if ok {
				stage(op.Bucket, op.Key, nil)
			}
			results = append(results, map[string]any{"deleted": ok})

		case "get":
			rec, ok, perr := readStaged(op.Bucket, op.Key)
			if perr != nil {
				m.mu.Unlock()
				return nil, perr.WithDetails(map[string]any{"opIndex": i})
			}
			if ok {
				results = append(results, cloneRecord(rec))
			} else {
				results = append(results, nil)
			}

		default:
			m.mu.Unlock()
			return nil, protocol.Ef(protocol.CodeValidationError, "unknown transaction op %q", op.Op).
				WithDetails(map[string]any{"opIndex": i})
		}
	}

	// Commit the overlay.
	for bucketName, overlay := range staged {
		b := m.buckets[bucketName]
		inserted := map[string]struct{}{}
		for _, key := range newKeys[bucketName] {
			inserted[key] = struct{}{}
		}
		for key, rec := range overlay {
			if rec == nil {
				delete(b.records, key)
				b.order = removeKey(b.order, key)
				continue
			}
			if _, isNew := inserted[key]; isNew {
				b.order = append(b.order, key)
			}
			b.records[key] = rec
		}
	}
	atomic.AddInt64(&m.writes, 1)
	m.mu.Unlock()

	m.notifySubscribers()
	return results, nil
}
