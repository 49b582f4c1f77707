package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/usef/backend/pkg/logger"
	"github.com/wonny/usef/backend/pkg/redis"
)

type stubSequencer struct {
	seq int64
	err error
}

func (s *stubSequencer) Next(ctx context.Context) (int64, error) {
	return s.seq, s.err
}

func TestLocalSequencerStrictlyIncreasing(t *testing.T) {
	frozen := time.Date(2024, 6, 12, 10, 0, 0, 0, time.UTC)
	s := NewLocalSequencer()
	s.now = func() time.Time { return frozen }

	first, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, frozen.UnixMicro(), first)

	prev := first
	for i := 0; i < 100; i++ {
		next, err := s.Next(context.Background())
		require.NoError(t, err)
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestFallbackSequencer(t *testing.T) {
	ctx := context.Background()
	local := &stubSequencer{seq: 7}

	s := NewFallbackSequencer(&stubSequencer{seq: 42}, local, logger.Nop())
	seq, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)

	s = NewFallbackSequencer(&stubSequencer{err: redis.ErrDisabled}, local, logger.Nop())
	seq, err = s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), seq)

	boom := errors.New("connection refused")
	s = NewFallbackSequencer(&stubSequencer{err: boom}, local, logger.Nop())
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, boom)
}
