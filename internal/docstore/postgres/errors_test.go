package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"qms/pharmacy-service/internal/docstore"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassifyConnectionFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"dial refused", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, true},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), true},
		{"connection dropped", io.ErrUnexpectedEOF, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"not found", docstore.ErrNotFound, false},
		{"cancelled", context.Canceled, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err)
			if docstore.IsUnavailable(got) != tc.want {
				t.Fatalf("expected unavailable=%v for %v, got %v", tc.want, tc.err, got)
			}
			if !errors.Is(got, tc.err) {
				t.Fatalf("expected original error kept in chain, got %v", got)
			}
		})
	}
}

func TestClassifyKeepsUnavailableAndNil(t *testing.T) {
	if classify(nil) != nil {
		t.Fatalf("expected nil to stay nil")
	}
	exhausted := fmt.Errorf("%w: 5 attempts", docstore.ErrTxExhausted)
	if got := classify(exhausted); got != exhausted {
		t.Fatalf("expected exhausted error unchanged, got %v", got)
	}
}
