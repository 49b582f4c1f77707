package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wonny/usef/backend/pkg/logger"
)

// ErrBusStopped is returned when publishing on a stopped bus
var ErrBusStopped = errors.New("event bus stopped")

// Handler processes one event
type Handler func(ctx context.Context, ev Event) error

// BusOptions sizes the queues
type BusOptions struct {
	Workers int // per event type
	Buffer  int // per event type
}

// Bus dispatches events to handlers with one buffered queue and a fixed
// pool of workers per event type. Types without handlers are dropped.
// ⭐ SSOT: asynchronous workflow dispatch
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	queues   map[Type]chan Event
	opts     BusOptions
	log      *logger.Logger

	running bool
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewBus creates a stopped bus
func NewBus(log *logger.Logger, opts BusOptions) *Bus {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	return &Bus{
		handlers: make(map[Type][]Handler),
		queues:   make(map[Type]chan Event),
		done:     make(chan struct{}),
		opts:     opts,
		log:      log.Component("events"),
	}
}

// Subscribe registers h for t. Subscriptions must happen before Start.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Start creates the queues and launches the workers
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running || b.stopped {
		return
	}

	ctx, b.cancel = context.WithCancel(ctx)
	for t := range b.handlers {
		q := make(chan Event, b.opts.Buffer)
		b.queues[t] = q
		handlers := append([]Handler(nil), b.handlers[t]...)
		for i := 0; i < b.opts.Workers; i++ {
			b.wg.Add(1)
			go b.worker(ctx, q, handlers)
		}
	}
	b.running = true
	b.log.WithField("types", len(b.queues)).Info("event bus started")
}

// Publish enqueues ev, blocking while the queue of its type is full
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	stopped, running := b.stopped, b.running
	q, ok := b.queues[ev.Type]
	b.mu.RUnlock()

	if stopped {
		return ErrBusStopped
	}
	if !running {
		return fmt.Errorf("publish %s: event bus not started", ev.Type)
	}
	if !ok {
		b.log.WithField("type", ev.Type).Debug("no handler for event, dropped")
		return nil
	}

	select {
	case q <- ev:
		return nil
	case <-b.done:
		return ErrBusStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects new events, lets the workers finish what is queued and
// waits for them
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	close(b.done)
	running := b.running
	b.mu.Unlock()

	if !running {
		return
	}
	b.wg.Wait()
	b.cancel()
	b.log.Info("event bus stopped")
}

func (b *Bus) worker(ctx context.Context, q <-chan Event, handlers []Handler) {
	defer b.wg.Done()

	handle := func(ev Event) {
		for _, h := range handlers {
			b.dispatch(ctx, h, ev)
		}
	}

	for {
		select {
		case ev := <-q:
			handle(ev)
		case <-b.done:
			for {
				select {
				case ev := <-q:
					handle(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handler, ev Event) {
	start := time.Now()
	log := b.log.WithFields(map[string]interface{}{
		"event_id": ev.ID,
		"type":     ev.Type,
		"period":   ev.Period.String(),
	})

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", fmt.Sprint(r)).Error("event handler panicked")
		}
	}()

	if err := h(ctx, ev); err != nil {
		log.WithError(err).Error("event handler failed")
		return
	}
	log.WithField("duration_ms", time.Since(start).Milliseconds()).Debug("event handled")
}
