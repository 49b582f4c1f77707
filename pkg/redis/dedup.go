package redis

import (
	"context"
	"fmt"
	"time"
)

// Deduplicator remembers inbound message IDs for a TTL so redelivered
// messages are answered without being processed twice.
type Deduplicator struct {
	client *Client
	ttl    time.Duration
}

// NewDeduplicator creates a deduplicator remembering IDs for ttl
func NewDeduplicator(client *Client, ttl time.Duration) *Deduplicator {
	return &Deduplicator{client: client, ttl: ttl}
}

// FirstSeen records id and reports whether this is its first occurrence.
// With Redis disabled every message is treated as new.
func (d *Deduplicator) FirstSeen(ctx context.Context, id string) (bool, error) {
	if !d.client.Enabled() || id == "" {
		return true, nil
	}

	ok, err := d.client.Redis().SetNX(ctx, d.client.key("seen", id), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx failed: %w", err)
	}
	return ok, nil
}

// Forget removes id, used when processing failed and a redelivery should be handled
func (d *Deduplicator) Forget(ctx context.Context, id string) error {
	if !d.client.Enabled() || id == "" {
		return nil
	}
	return d.client.Redis().Del(ctx, d.client.key("seen", id)).Err()
}
