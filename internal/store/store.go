// Package store defines the transactional key-value collaborator the
// gateway consumes: buckets of schema-validated records plus reactive
// named queries. The memory subpackage provides the reference adapter;
// production deployments may plug any implementation of Store.
package store

import (
	"context"
	"sync"
)

// Record is one bucket entry as decoded JSON. Generated fields: "id"
// (assigned on insert), "_version" (monotonic per record, starts at 1),
// "_createdAt" and "_updatedAt" (unix milliseconds).
type Record = map[string]any

// FieldSpec validates one schema field. Type is one of "string",
// "number", "boolean", "object", "array", "any". Default is applied on
// insert when the field is absent.
type FieldSpec struct {
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
	Default  any    `json:"default,omitempty"`
}

// Schema is a bucket's record shape.
type Schema struct {
	Fields map[string]FieldSpec `json:"fields"`
}

// AggOp selects an aggregate computation.
type AggOp string

const (
	AggSum AggOp = "sum"
	AggAvg AggOp = "avg"
	AggMin AggOp = "min"
	AggMax AggOp = "max"
)

// Page is one pagination slice.
type Page struct {
	Records    []Record `json:"records"`
	HasMore    bool     `json:"hasMore"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// TxOp is one operation inside a transaction. Version, when non-zero,
// asserts the record's current _version for update and delete.
type TxOp struct {
	Op      string `json:"op"` // insert | update | delete | get
	Bucket  string `json:"bucket"`
	Key     string `json:"key,omitempty"`
	Data    Record `json:"data,omitempty"`
	Version int64  `json:"version,omitempty"`
}

// QueryView is the read-only surface available to query functions.
type QueryView interface {
	All(bucket string) ([]Record, error)
	Where(bucket string, filter Record) ([]Record, error)
	Count(bucket string, filter Record) (int, error)
	Get(bucket, key string) (Record, error)
}

// QueryFunc is a named, server-defined, read-only computation over
// buckets. Queries are declared before the gateway starts serving.
type QueryFunc func(ctx context.Context, view QueryView, params Record) (any, error)

// QuerySubscription is a live registration on a named query. Initial is
// the value at subscribe time; Values carries every re-evaluation after
// a relevant change (the gateway deduplicates, not the store). Values is
// closed when the subscription is cancelled, by either side.
type QuerySubscription struct {
	ID      string
	Initial any
	Values  <-chan any

	cancelOnce sync.Once
	cancelFn   func()
}

// NewQuerySubscription is used by Store implementations.
func NewQuerySubscription(id string, initial any, values <-chan any, cancel func()) *QuerySubscription {
	return &QuerySubscription{ID: id, Initial: initial, Values: values, cancelFn: cancel}
}

// Cancel detaches the subscription from its source. Idempotent.
func (s *QuerySubscription) Cancel() {
	s.cancelOnce.Do(func() {
		if s.cancelFn != nil {
			s.cancelFn()
		}
	})
}

// Store is the collaborator interface. Implementations must be safe for
// concurrent use by many connection tasks; errors should be
// *protocol.Error values so the router can surface them unchanged.
type Store interface {
	DefineBucket(name string, schema Schema) error
	DefineQuery(name string, fn QueryFunc) error

	Get(ctx context.Context, bucket, key string) (Record, error)
	Insert(ctx context.Context, bucket string, data Record) (Record, error)
	Update(ctx context.Context, bucket, key string, data Record) (Record, error)
	Delete(ctx context.Context, bucket, key string) error
	Clear(ctx context.Context, bucket string) (int, error)

	All(ctx context.Context, bucket string) ([]Record, error)
	Where(ctx context.Context, bucket string, filter Record) ([]Record, error)
	FindOne(ctx context.Context, bucket string, filter Record) (Record, error)
	Count(ctx context.Context, bucket string, filter Record) (int, error)
	First(ctx context.Context, bucket string, n int) ([]Record, error)
	Last(ctx context.Context, bucket string, n int) ([]Record, error)
	Paginate(ctx context.Context, bucket string, limit int, after string) (*Page, error)
	Aggregate(ctx context.Context, bucket, field string, op AggOp, filter Record) (any, error)

	Buckets(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (map[string]any, error)

	SubscribeQuery(name string, params Record) (*QuerySubscription, error)
	Transaction(ctx context.Context, ops []TxOp) ([]any, error)

	Healthy() bool
}
