package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"qms/pharmacy-service/internal/docstore"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestTransactionSerializesIncrements(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	ref := docstore.Ref{Collection: "queues", ID: uuid.NewString()}
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- st.Transaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
				current := 0.0
				doc, err := tx.Get(ctx, ref)
				if err == nil {
					current = doc.Data["currentNumber"].(float64)
				} else if !errors.Is(err, docstore.ErrNotFound) {
					return err
				}
				return tx.Set(ctx, ref, map[string]any{"currentNumber": current + 1}, docstore.Merge())
			})
		}()
	}
	wg.Wait()
	close(errs)

	committed := 0
	for err := range errs {
		if err == nil {
			committed++
			continue
		}
		if !errors.Is(err, docstore.ErrTxExhausted) {
			t.Fatalf("unexpected transaction error: %v", err)
		}
	}

	doc, err := st.Get(ctx, ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := int(doc.Data["currentNumber"].(float64)); got != committed {
		t.Fatalf("expected counter %d, got %d", committed, got)
	}
}

func TestQueryFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	collection := "queues/br1/tickets"
	for i, status := range []string{"waiting", "done", "waiting"} {
		if _, err := st.Add(ctx, collection, map[string]any{"ticketNumber": 3 - i, "status": status}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	docs, err := st.Query(ctx, docstore.Query{Collection: collection}.
		Where("status", docstore.OpEqual, "waiting").
		OrderBy("ticketNumber", false).
		WithLimit(1))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 1 || docs[0].Data["ticketNumber"].(float64) != 1 {
		t.Fatalf("expected ticket 1 first, got %+v", docs)
	}
}

func TestSubscribeQueryReceivesNotifications(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	go func() { _ = st.Listen(ctx) }()

	counts := make(chan int, 10)
	stop := st.SubscribeQuery(docstore.Query{Collection: "reservations"}, func(docs []docstore.Document) {
		counts <- len(docs)
	}, nil)
	defer stop()

	waitFor(t, counts, 0)
	time.Sleep(100 * time.Millisecond)
	if _, err := st.Add(ctx, "reservations", map[string]any{"status": "reserved"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	waitFor(t, counts, 1)
}

func waitFor(t *testing.T, ch <-chan int, want int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %d documents", want)
		}
	}
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN is required for integration tests")
	}

	schemaName := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := execOnce(ctx, dsn, "CREATE SCHEMA "+schemaName); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schemaName
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	st := NewStore(pool, Options{MaxAttempts: 10})
	if err := st.Migrate(ctx); err != nil {
		pool.Close()
		t.Fatalf("migrate: %v", err)
	}
	cleanup := func() {
		_ = st.Close()
		pool.Close()
		_ = execOnce(context.Background(), dsn, "DROP SCHEMA "+schemaName+" CASCADE")
	}
	return st, cleanup
}

func execOnce(ctx context.Context, dsn, sql string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, sql)
	return err
}
