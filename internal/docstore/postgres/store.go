// Package postgres stores documents as JSONB rows. Transactions run at
// serializable isolation and are retried on serialization failures. Commits
// publish the changed collection with pg_notify; Listen turns those
// notifications into subscription refreshes.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"qms/pharmacy-service/internal/docstore"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

const notifyChannel = "docstore_changes"

type Options struct {
	MaxAttempts int
	Now         func() time.Time
}

type Store struct {
	pool        *pgxpool.Pool
	maxAttempts int
	now         func() time.Time

	mu      sync.Mutex
	subs    map[int64]*subscription
	nextSub int64
	closed  bool
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	attempts := options.MaxAttempts
	if attempts <= 0 {
		attempts = docstore.DefaultMaxAttempts
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		pool:        pool,
		maxAttempts: attempts,
		now:         now,
		subs:        make(map[int64]*subscription),
	}
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) Get(ctx context.Context, ref docstore.Ref) (docstore.Document, error) {
	doc, err := getDocument(ctx, s.pool, ref)
	return doc, classify(err)
}

func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	docs, err := queryDocuments(ctx, s.pool, q)
	return docs, classify(err)
}

func (s *Store) Add(ctx context.Context, collection string, data map[string]any) (docstore.Ref, error) {
	ref := docstore.NewRef(collection)
	if err := s.write(ctx, []pendingWrite{{kind: writeSet, ref: ref, data: data}}); err != nil {
		return docstore.Ref{}, err
	}
	return ref, nil
}

func (s *Store) Update(ctx context.Context, ref docstore.Ref, fields map[string]any) error {
	return s.write(ctx, []pendingWrite{{kind: writeUpdate, ref: ref, data: fields}})
}

func (s *Store) BatchDelete(ctx context.Context, refs []docstore.Ref) error {
	if len(refs) > docstore.MaxBatchSize {
		return fmt.Errorf("%w: %d refs", docstore.ErrBatchTooLarge, len(refs))
	}
	writes := make([]pendingWrite, 0, len(refs))
	for _, ref := range refs {
		writes = append(writes, pendingWrite{kind: writeDelete, ref: ref})
	}
	return s.write(ctx, writes)
}

func (s *Store) write(ctx context.Context, writes []pendingWrite) error {
	return s.Transaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		ptx := tx.(*pgTx)
		ptx.writes = append(ptx.writes, writes...)
		return nil
	})
}

func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return classify(err)
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %d attempts: %v", docstore.ErrTxExhausted, s.maxAttempts, lastErr)
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("%w: begin: %v", docstore.ErrUnavailable, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	ptx := &pgTx{tx: tx}
	if err = fn(ctx, ptx); err != nil {
		return err
	}
	ptx.done = true

	changed, err := applyWrites(ctx, tx, ptx.writes, s.now().UTC())
	if err != nil {
		return err
	}
	for collection := range changed {
		if _, err = tx.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, collection); err != nil {
			return err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return err
	}
	return nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, sub := range s.subs {
		sub.stop()
		delete(s.subs, id)
	}
	return nil
}

func getDocument(ctx context.Context, q querier, ref docstore.Ref) (docstore.Document, error) {
	var (
		raw       []byte
		version   int64
		updatedAt time.Time
	)
	err := q.QueryRow(ctx, `
		SELECT data, version, updated_at
		FROM documents
		WHERE collection = $1 AND id = $2
	`, ref.Collection, ref.ID).Scan(&raw, &version, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return docstore.Document{}, docstore.ErrNotFound
		}
		return docstore.Document{}, err
	}
	data := map[string]any{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return docstore.Document{}, err
	}
	return docstore.Document{Ref: ref, Data: data, Version: version, UpdatedAt: updatedAt}, nil
}

var sqlOps = map[docstore.Op]string{
	docstore.OpEqual:        "=",
	"":                      "=",
	docstore.OpNotEqual:     "<>",
	docstore.OpLess:         "<",
	docstore.OpLessEqual:    "<=",
	docstore.OpGreater:      ">",
	docstore.OpGreaterEqual: ">=",
}

// buildQuery compiles q to SQL over the documents table. Field names travel
// as parameters so they never need quoting.
func buildQuery(q docstore.Query) (string, []any, error) {
	var b strings.Builder
	args := []any{q.Collection}
	b.WriteString("SELECT id, data, version, updated_at FROM documents WHERE collection = $1")
	for _, filter := range q.Filters {
		op, ok := sqlOps[filter.Op]
		if !ok {
			return "", nil, fmt.Errorf("unsupported operator %q", filter.Op)
		}
		value, err := json.Marshal(docstore.NormalizeValue(filter.Value))
		if err != nil {
			return "", nil, err
		}
		args = append(args, filter.Field, string(value))
		fmt.Fprintf(&b, " AND data -> $%d::text %s $%d::jsonb", len(args)-1, op, len(args))
	}
	for _, order := range q.Order {
		args = append(args, order.Field)
		fmt.Fprintf(&b, " AND data ? $%d::text", len(args))
	}
	if len(q.Order) > 0 {
		b.WriteString(" ORDER BY ")
		for i, order := range q.Order {
			if i > 0 {
				b.WriteString(", ")
			}
			args = append(args, order.Field)
			fmt.Fprintf(&b, "data -> $%d::text", len(args))
			if order.Desc {
				b.WriteString(" DESC")
			}
		}
		b.WriteString(", id")
	} else {
		b.WriteString(" ORDER BY id")
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String(), args, nil
}

func queryDocuments(ctx context.Context, q querier, query docstore.Query) ([]docstore.Document, error) {
	sql, args, err := buildQuery(query)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []docstore.Document
	for rows.Next() {
		var (
			id        string
			raw       []byte
			version   int64
			updatedAt time.Time
		)
		if err := rows.Scan(&id, &raw, &version, &updatedAt); err != nil {
			return nil, err
		}
		data := map[string]any{}
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, err
		}
		docs = append(docs, docstore.Document{
			Ref:       docstore.Ref{Collection: query.Collection, ID: id},
			Data:      data,
			Version:   version,
			UpdatedAt: updatedAt,
		})
	}
	return docs, rows.Err()
}
