package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qms/pharmacy-service/internal/docstore"

	"github.com/jackc/pgx/v5"
)

type writeKind int

const (
	writeSet writeKind = iota
	writeMerge
	writeUpdate
	writeDelete
)

type pendingWrite struct {
	kind writeKind
	ref  docstore.Ref
	data map[string]any
}

type pgTx struct {
	tx     pgx.Tx
	writes []pendingWrite
	done   bool
}

func (t *pgTx) Get(ctx context.Context, ref docstore.Ref) (docstore.Document, error) {
	return getDocument(ctx, t.tx, ref)
}

func (t *pgTx) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	return queryDocuments(ctx, t.tx, q)
}

func (t *pgTx) Set(_ context.Context, ref docstore.Ref, data map[string]any, opts ...docstore.SetOption) error {
	kind := writeSet
	if docstore.ApplySetOptions(opts) {
		kind = writeMerge
	}
	return t.buffer(pendingWrite{kind: kind, ref: ref, data: data})
}

func (t *pgTx) Update(_ context.Context, ref docstore.Ref, fields map[string]any) error {
	return t.buffer(pendingWrite{kind: writeUpdate, ref: ref, data: fields})
}

func (t *pgTx) Delete(_ context.Context, ref docstore.Ref) error {
	return t.buffer(pendingWrite{kind: writeDelete, ref: ref})
}

func (t *pgTx) buffer(w pendingWrite) error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.writes = append(t.writes, w)
	return nil
}

// applyWrites runs buffered writes in order and returns the collections that
// changed.
func applyWrites(ctx context.Context, tx pgx.Tx, writes []pendingWrite, now time.Time) (map[string]bool, error) {
	changed := make(map[string]bool)
	for _, w := range writes {
		if w.kind == writeDelete {
			tag, err := tx.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, w.ref.Collection, w.ref.ID)
			if err != nil {
				return nil, err
			}
			if tag.RowsAffected() > 0 {
				changed[w.ref.Collection] = true
			}
			continue
		}

		fields, err := docstore.Normalize(w.data, now)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}

		switch w.kind {
		case writeSet:
			_, err = tx.Exec(ctx, `
				INSERT INTO documents (collection, id, data, updated_at)
				VALUES ($1, $2, $3::jsonb, $4)
				ON CONFLICT (collection, id) DO UPDATE
				SET data = EXCLUDED.data,
				    version = nextval('documents_version_seq'),
				    updated_at = EXCLUDED.updated_at
			`, w.ref.Collection, w.ref.ID, string(raw), now)
		case writeMerge:
			_, err = tx.Exec(ctx, `
				INSERT INTO documents (collection, id, data, updated_at)
				VALUES ($1, $2, $3::jsonb, $4)
				ON CONFLICT (collection, id) DO UPDATE
				SET data = documents.data || EXCLUDED.data,
				    version = nextval('documents_version_seq'),
				    updated_at = EXCLUDED.updated_at
			`, w.ref.Collection, w.ref.ID, string(raw), now)
		case writeUpdate:
			tag, execErr := tx.Exec(ctx, `
				UPDATE documents
				SET data = data || $3::jsonb,
				    version = nextval('documents_version_seq'),
				    updated_at = $4
				WHERE collection = $1 AND id = $2
			`, w.ref.Collection, w.ref.ID, string(raw), now)
			err = execErr
			if err == nil && tag.RowsAffected() == 0 {
				return nil, fmt.Errorf("%w: %s", docstore.ErrNotFound, w.ref.Path())
			}
		}
		if err != nil {
			return nil, err
		}
		changed[w.ref.Collection] = true
	}
	return changed, nil
}
