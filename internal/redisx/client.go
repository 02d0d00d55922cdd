// Package redisx holds the optional Redis shortcuts in front of the document
// store. The store stays the source of truth; every cache miss or Redis
// failure falls through to it.
package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qms/pharmacy-service/internal/models"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

type Cache struct {
	rdb *redis.Client
}

func NewCache(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// IssuedTicket returns the ticket a previous kiosk request with the same id
// was given.
func (c *Cache) IssuedTicket(ctx context.Context, branchID, requestID string) (models.IssuedTicket, bool, error) {
	return get[models.IssuedTicket](ctx, c.rdb, fmt.Sprintf(KeyIdemTicketIssue, branchID, requestID))
}

// RememberTicket records the first ticket issued for a request id. A later
// write for the same id is ignored.
func (c *Cache) RememberTicket(ctx context.Context, branchID, requestID string, ticket models.IssuedTicket) error {
	raw, err := json.Marshal(ticket)
	if err != nil {
		return err
	}
	return c.rdb.SetNX(ctx, fmt.Sprintf(KeyIdemTicketIssue, branchID, requestID), raw, TTLIdempotency).Err()
}

func (c *Cache) Snapshot(ctx context.Context, branchID string) (models.QueueSnapshot, bool, error) {
	return get[models.QueueSnapshot](ctx, c.rdb, fmt.Sprintf(KeySnapshot, branchID))
}

func (c *Cache) StoreSnapshot(ctx context.Context, snapshot models.QueueSnapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, fmt.Sprintf(KeySnapshot, snapshot.Meta.BranchID), raw, TTLSnapshot).Err()
}

// InvalidateSnapshot drops the cached snapshot after a queue write.
func (c *Cache) InvalidateSnapshot(ctx context.Context, branchID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf(KeySnapshot, branchID)).Err()
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.rdb.Close()
}

func get[T any](ctx context.Context, rdb *redis.Client, key string) (T, bool, error) {
	var out T
	raw, err := rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return out, false, nil
		}
		return out, false, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, true, nil
}
