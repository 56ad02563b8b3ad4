// Package redisledger keeps the notification ledger in Redis.
package redisledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"carwatch/pkg/carwatch"
)

const keyPrefix = "carwatch:sent:"

// NewClient parses redisURL and verifies connectivity.
func NewClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis.ParseURL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Ledger records delivered notifications. Entries never expire.
type Ledger struct {
	rdb *redis.Client
}

// New creates a ledger on rdb.
func New(rdb *redis.Client) *Ledger {
	return &Ledger{rdb: rdb}
}

func key(user, listingID, filterID string) string {
	sum := sha256.Sum256([]byte(user + "\x00" + listingID + "\x00" + filterID))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// WasNotified reports whether the ledger holds the triple.
func (l *Ledger) WasNotified(ctx context.Context, user, listingID, filterID string) (bool, error) {
	n, err := l.rdb.Exists(ctx, key(user, listingID, filterID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// RecordNotified stores the triple with SET NX, returning
// carwatch.ErrAlreadyNotified when it is already present.
func (l *Ledger) RecordNotified(ctx context.Context, rec *carwatch.NotificationRecord) error {
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now().UTC()
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}
	ok, err := l.rdb.SetNX(ctx, key(rec.User, rec.ListingID, rec.FilterID), val, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return carwatch.ErrAlreadyNotified
	}
	return nil
}
