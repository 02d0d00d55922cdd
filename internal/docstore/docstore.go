// Package docstore is the document-store adapter contract the engines are
// written against. A store holds JSON documents addressed by collection path
// and id, supports optimistic read-modify-write transactions, batched deletes,
// and push subscriptions on documents and queries.
package docstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MaxBatchSize is the largest number of refs BatchDelete accepts.
const MaxBatchSize = 500

// DefaultMaxAttempts bounds transaction retries when a store is built without
// an explicit limit.
const DefaultMaxAttempts = 5

type Ref struct {
	Collection string
	ID         string
}

func (r Ref) Path() string {
	return r.Collection + "/" + r.ID
}

// NewRef returns a ref with a fresh random id.
func NewRef(collection string) Ref {
	return Ref{Collection: collection, ID: uuid.NewString()}
}

type Document struct {
	Ref       Ref
	Data      map[string]any
	Version   int64
	UpdatedAt time.Time
}

// DataTo decodes the document fields into v using the JSON field names.
func (d Document) DataTo(v any) error {
	raw, err := json.Marshal(d.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

type Op string

const (
	OpEqual        Op = "=="
	OpNotEqual     Op = "!="
	OpLess         Op = "<"
	OpLessEqual    Op = "<="
	OpGreater      Op = ">"
	OpGreaterEqual Op = ">="
)

type Filter struct {
	Field string
	Op    Op
	Value any
}

type Order struct {
	Field string
	Desc  bool
}

type Query struct {
	Collection string
	Filters    []Filter
	Order      []Order
	Limit      int
}

func (q Query) Where(field string, op Op, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

func (q Query) OrderBy(field string, desc bool) Query {
	q.Order = append(append([]Order(nil), q.Order...), Order{Field: field, Desc: desc})
	return q
}

func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

type setOptions struct {
	merge bool
}

type SetOption func(*setOptions)

// Merge makes Set combine the given fields with the existing document instead
// of replacing it.
func Merge() SetOption {
	return func(o *setOptions) { o.merge = true }
}

func ApplySetOptions(opts []SetOption) (merge bool) {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.merge
}

// Tx is the view a transaction function gets. Reads observe committed state
// as of the read; writes are buffered and applied atomically on commit.
type Tx interface {
	Get(ctx context.Context, ref Ref) (Document, error)
	Query(ctx context.Context, q Query) ([]Document, error)
	Set(ctx context.Context, ref Ref, data map[string]any, opts ...SetOption) error
	Update(ctx context.Context, ref Ref, fields map[string]any) error
	Delete(ctx context.Context, ref Ref) error
}

type Store interface {
	Get(ctx context.Context, ref Ref) (Document, error)
	Query(ctx context.Context, q Query) ([]Document, error)
	Add(ctx context.Context, collection string, data map[string]any) (Ref, error)
	Update(ctx context.Context, ref Ref, fields map[string]any) error
	BatchDelete(ctx context.Context, refs []Ref) error
	// Transaction runs fn until it commits without conflict, fn returns an
	// error, or attempts run out (ErrTxExhausted). fn may run more than once.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// SubscribeDoc invokes onNext with the current document (exists=false when
	// absent) and again on every change. The returned func stops delivery; it
	// is idempotent.
	SubscribeDoc(ref Ref, onNext func(doc Document, exists bool), onError func(error)) func()
	SubscribeQuery(q Query, onNext func(docs []Document), onError func(error)) func()
	Close() error
}
