package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// nextSequence returns max(now in microseconds, last + 1) and stores it, so
// sequences stay monotonic across instances and across clock skew.
var nextSequence = redis.NewScript(`
	local last = tonumber(redis.call('GET', KEYS[1]) or '0')
	local now = tonumber(ARGV[1])
	local next = now
	if next <= last then
		next = last + 1
	end
	redis.call('SET', KEYS[1], next)
	return next
`)

// SequenceGenerator hands out document sequence numbers shared by every
// instance of this participant.
type SequenceGenerator struct {
	client *Client
	now    func() time.Time
}

// NewSequenceGenerator creates a Redis backed sequence generator
func NewSequenceGenerator(client *Client) *SequenceGenerator {
	return &SequenceGenerator{client: client, now: time.Now}
}

// Next returns the next sequence number
func (g *SequenceGenerator) Next(ctx context.Context) (int64, error) {
	if !g.client.Enabled() {
		return 0, ErrDisabled
	}

	seq, err := nextSequence.Run(ctx, g.client.Redis(), []string{g.client.key("sequence")},
		g.now().UnixMicro(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("sequence script failed: %w", err)
	}
	return seq, nil
}
