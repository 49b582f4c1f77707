package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wonny/usef/backend/pkg/logger"
	"github.com/wonny/usef/backend/pkg/redis"
)

// Sequencer hands out globally unique, increasing document sequences
type Sequencer interface {
	Next(ctx context.Context) (int64, error)
}

// LocalSequencer derives sequences from the wall clock in microseconds and
// never repeats one within the process
type LocalSequencer struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewLocalSequencer creates a LocalSequencer
func NewLocalSequencer() *LocalSequencer {
	return &LocalSequencer{now: time.Now}
}

func (s *LocalSequencer) Next(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.now().UnixMicro()
	if next <= s.last {
		next = s.last + 1
	}
	s.last = next
	return next, nil
}

// FallbackSequencer uses primary and switches to fallback while primary
// reports redis.ErrDisabled
type FallbackSequencer struct {
	primary  Sequencer
	fallback Sequencer
	log      *logger.Logger
	once     sync.Once
}

// NewFallbackSequencer creates a FallbackSequencer
func NewFallbackSequencer(primary, fallback Sequencer, log *logger.Logger) *FallbackSequencer {
	return &FallbackSequencer{primary: primary, fallback: fallback, log: log.Component("sequence")}
}

func (s *FallbackSequencer) Next(ctx context.Context) (int64, error) {
	seq, err := s.primary.Next(ctx)
	if errors.Is(err, redis.ErrDisabled) {
		s.once.Do(func() { s.log.Warn("Shared sequence generator disabled, using local sequences") })
		return s.fallback.Next(ctx)
	}
	return seq, err
}
