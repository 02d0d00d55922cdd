package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"qms/pharmacy-service/internal/docstore"

	"github.com/jackc/pgx/v5/pgconn"
)

// classify marks connection-class failures as docstore.ErrUnavailable and
// keeps the original error in the chain. Query and constraint errors pass
// through unchanged.
func classify(err error) error {
	if err == nil || docstore.IsUnavailable(err) {
		return err
	}
	if unavailable(err) {
		return fmt.Errorf("%w: %w", docstore.ErrUnavailable, err)
	}
	return err
}

func unavailable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08 connection exception, 53 insufficient resources, 57P operator
		// intervention (shutdown, crash recovery).
		return strings.HasPrefix(pgErr.Code, "08") ||
			strings.HasPrefix(pgErr.Code, "53") ||
			strings.HasPrefix(pgErr.Code, "57P")
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}
