// Package memory is an in-process docstore used by tests and single-node
// development. Transactions are serialized and validated optimistically, so a
// write made outside a transaction between its reads and its commit forces a
// retry.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"qms/pharmacy-service/internal/docstore"
)

type Options struct {
	MaxAttempts int
	Now         func() time.Time
}

type Store struct {
	txMu sync.Mutex

	mu           sync.RWMutex
	collections  map[string]map[string]*record
	listeners    map[int64]*listener
	nextListener int64
	seq          int64
	closed       bool
	faults       faults

	maxAttempts int
	now         func() time.Time
}

type record struct {
	data      map[string]any
	version   int64
	updatedAt time.Time
}

type faults struct {
	conflicts        int
	batchDeletesLeft int
	batchDeleteErr   error
}

type writeKind int

const (
	writeSet writeKind = iota
	writeMerge
	writeUpdate
	writeDelete
)

type write struct {
	kind writeKind
	ref  docstore.Ref
	data map[string]any
}

func New(options Options) *Store {
	attempts := options.MaxAttempts
	if attempts <= 0 {
		attempts = docstore.DefaultMaxAttempts
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		collections: make(map[string]map[string]*record),
		listeners:   make(map[int64]*listener),
		maxAttempts: attempts,
		now:         now,
	}
}

func (s *Store) Get(ctx context.Context, ref docstore.Ref) (docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return docstore.Document{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return docstore.Document{}, docstore.ErrClosed
	}
	doc, ok := s.lookup(ref)
	if !ok {
		return docstore.Document{}, docstore.ErrNotFound
	}
	return doc, nil
}

func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, docstore.ErrClosed
	}
	return s.run(q), nil
}

func (s *Store) Add(ctx context.Context, collection string, data map[string]any) (docstore.Ref, error) {
	if err := ctx.Err(); err != nil {
		return docstore.Ref{}, err
	}
	ref := docstore.NewRef(collection)
	if err := s.commit([]write{{kind: writeSet, ref: ref, data: data}}, nil); err != nil {
		return docstore.Ref{}, err
	}
	return ref, nil
}

func (s *Store) Update(ctx context.Context, ref docstore.Ref, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit([]write{{kind: writeUpdate, ref: ref, data: fields}}, nil)
}

func (s *Store) BatchDelete(ctx context.Context, refs []docstore.Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(refs) > docstore.MaxBatchSize {
		return fmt.Errorf("%w: %d refs", docstore.ErrBatchTooLarge, len(refs))
	}
	if err := s.takeBatchDeleteFault(); err != nil {
		return err
	}
	writes := make([]write, 0, len(refs))
	for _, ref := range refs {
		writes = append(writes, write{kind: writeDelete, ref: ref})
	}
	return s.commit(writes, nil)
}

func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &memTx{store: s, reads: make(map[string]int64)}
		err := fn(ctx, tx)
		tx.done = true
		if err != nil {
			return err
		}
		err = s.commit(tx.writes, tx)
		if errors.Is(err, docstore.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %d attempts", docstore.ErrTxExhausted, s.maxAttempts)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, l := range s.listeners {
		l.stop()
		delete(s.listeners, id)
	}
	return nil
}

// ConflictNextCommits makes the next n transaction commits fail validation.
func (s *Store) ConflictNextCommits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults.conflicts = n
}

// FailBatchDeletesAfter lets n more BatchDelete calls succeed and fails the
// following ones with err. A nil err clears the fault.
func (s *Store) FailBatchDeletesAfter(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults.batchDeletesLeft = n
	s.faults.batchDeleteErr = err
}

func (s *Store) takeBatchDeleteFault() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.faults.batchDeleteErr == nil {
		return nil
	}
	if s.faults.batchDeletesLeft > 0 {
		s.faults.batchDeletesLeft--
		return nil
	}
	return s.faults.batchDeleteErr
}

// commit applies writes atomically. When tx is set its reads are validated
// first. Listener snapshots are queued before the lock is released so every
// listener sees commits in order.
func (s *Store) commit(writes []write, tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return docstore.ErrClosed
	}
	if tx != nil {
		if s.faults.conflicts > 0 {
			s.faults.conflicts--
			return docstore.ErrConflict
		}
		if !s.validate(tx) {
			return docstore.ErrConflict
		}
	}
	if len(writes) == 0 {
		return nil
	}

	now := s.now().UTC()
	staged := make(map[string]map[string]*record)
	stagedGet := func(ref docstore.Ref) (*record, bool) {
		if coll, ok := staged[ref.Collection]; ok {
			if rec, ok := coll[ref.ID]; ok {
				return rec, rec != nil
			}
		}
		rec, ok := s.collections[ref.Collection][ref.ID]
		return rec, ok
	}
	stage := func(ref docstore.Ref, rec *record) {
		if staged[ref.Collection] == nil {
			staged[ref.Collection] = make(map[string]*record)
		}
		staged[ref.Collection][ref.ID] = rec
	}

	for _, w := range writes {
		switch w.kind {
		case writeDelete:
			if _, ok := stagedGet(w.ref); ok {
				stage(w.ref, nil)
			}
			continue
		}
		fields, err := docstore.Normalize(w.data, now)
		if err != nil {
			return err
		}
		existing, exists := stagedGet(w.ref)
		var data map[string]any
		switch w.kind {
		case writeSet:
			data = fields
		case writeMerge, writeUpdate:
			if w.kind == writeUpdate && !exists {
				return fmt.Errorf("%w: %s", docstore.ErrNotFound, w.ref.Path())
			}
			data = map[string]any{}
			if exists {
				for key, value := range existing.data {
					data[key] = value
				}
			}
			for key, value := range fields {
				data[key] = value
			}
		}
		s.seq++
		stage(w.ref, &record{data: data, version: s.seq, updatedAt: now})
	}

	changed := make(map[string]bool, len(staged))
	for collection, docs := range staged {
		if s.collections[collection] == nil {
			s.collections[collection] = make(map[string]*record)
		}
		for id, rec := range docs {
			if rec == nil {
				delete(s.collections[collection], id)
			} else {
				s.collections[collection][id] = rec
			}
		}
		changed[collection] = true
	}
	s.notify(changed)
	return nil
}

func (s *Store) validate(tx *memTx) bool {
	for path, version := range tx.reads {
		ref := tx.refs[path]
		current := int64(0)
		if rec, ok := s.collections[ref.Collection][ref.ID]; ok {
			current = rec.version
		}
		if current != version {
			return false
		}
	}
	for _, read := range tx.queries {
		if docstore.Signature(s.run(read.query)) != read.signature {
			return false
		}
	}
	return true
}

func (s *Store) lookup(ref docstore.Ref) (docstore.Document, bool) {
	rec, ok := s.collections[ref.Collection][ref.ID]
	if !ok {
		return docstore.Document{}, false
	}
	return rec.document(ref), true
}

func (s *Store) run(q docstore.Query) []docstore.Document {
	coll := s.collections[q.Collection]
	docs := make([]docstore.Document, 0, len(coll))
	for id, rec := range coll {
		docs = append(docs, rec.document(docstore.Ref{Collection: q.Collection, ID: id}))
	}
	return q.Apply(docs)
}

func (r *record) document(ref docstore.Ref) docstore.Document {
	return docstore.Document{
		Ref:       ref,
		Data:      copyMap(r.data),
		Version:   r.version,
		UpdatedAt: r.updatedAt,
	}
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = copyValue(value)
	}
	return out
}

func copyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return copyMap(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = copyValue(item)
		}
		return out
	default:
		return value
	}
}
