package memory

import (
	"context"
	"errors"

	"qms/pharmacy-service/internal/docstore"
)

var errTxDone = errors.New("transaction already finished")

type queryRead struct {
	query     docstore.Query
	signature string
}

type memTx struct {
	store   *Store
	reads   map[string]int64
	refs    map[string]docstore.Ref
	queries []queryRead
	writes  []write
	done    bool
}

func (t *memTx) Get(ctx context.Context, ref docstore.Ref) (docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return docstore.Document{}, err
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if t.store.closed {
		return docstore.Document{}, docstore.ErrClosed
	}
	doc, ok := t.store.lookup(ref)
	t.track(ref, doc.Version)
	if !ok {
		return docstore.Document{}, docstore.ErrNotFound
	}
	return doc, nil
}

func (t *memTx) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if t.store.closed {
		return nil, docstore.ErrClosed
	}
	docs := t.store.run(q)
	t.queries = append(t.queries, queryRead{query: q, signature: docstore.Signature(docs)})
	return docs, nil
}

func (t *memTx) Set(_ context.Context, ref docstore.Ref, data map[string]any, opts ...docstore.SetOption) error {
	kind := writeSet
	if docstore.ApplySetOptions(opts) {
		kind = writeMerge
	}
	return t.buffer(write{kind: kind, ref: ref, data: data})
}

func (t *memTx) Update(_ context.Context, ref docstore.Ref, fields map[string]any) error {
	return t.buffer(write{kind: writeUpdate, ref: ref, data: fields})
}

func (t *memTx) Delete(_ context.Context, ref docstore.Ref) error {
	return t.buffer(write{kind: writeDelete, ref: ref})
}

func (t *memTx) buffer(w write) error {
	if t.done {
		return errTxDone
	}
	t.writes = append(t.writes, w)
	return nil
}

func (t *memTx) track(ref docstore.Ref, version int64) {
	path := ref.Path()
	if _, seen := t.reads[path]; seen {
		return
	}
	if t.refs == nil {
		t.refs = make(map[string]docstore.Ref)
	}
	t.reads[path] = version
	t.refs[path] = ref
}
