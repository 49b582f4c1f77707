// Package coordinator runs the planboard workflows: re-optimization,
// prognoses, flex order placement, settlement, PTU phases and expiration.
// Each run gathers planboard state, invokes a PBC step where a decision is
// needed, applies the result in one transaction and only then publishes
// follow-up events and outgoing messages.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/events"
	"github.com/wonny/usef/backend/internal/lifecycle"
	"github.com/wonny/usef/backend/internal/pbc"
	"github.com/wonny/usef/backend/internal/planboard"
	"github.com/wonny/usef/backend/internal/ptu"
	"github.com/wonny/usef/backend/internal/transport"
	"github.com/wonny/usef/backend/internal/validation"
	"github.com/wonny/usef/backend/pkg/logger"
	"github.com/wonny/usef/backend/pkg/metrics"
)

// Dispatcher delivers outgoing messages; transport.Outbox implements it
type Dispatcher interface {
	Send(ctx context.Context, msg transport.Message, key *contracts.MessageKey) error
}

// Deps are the collaborators shared by every coordinator
type Deps struct {
	Store      planboard.Store
	PBC        pbc.Invoker
	Events     events.Publisher
	Dispatcher Dispatcher
	Sequences  Sequencer
	Engine     *validation.Engine
	Validator  *lifecycle.Validator
	Metrics    *metrics.Metrics
	Log        *logger.Logger
	Now        func() time.Time
}

// base holds Deps plus the helpers every coordinator uses
type base struct {
	Deps
	name string
	log  *logger.Logger
}

func newBase(name string, deps Deps) base {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop()
	}
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	return base{Deps: deps, name: name, log: deps.Log.Component(name)}
}

func (b *base) settings() validation.Settings {
	return b.Engine.Settings()
}

func (b *base) model() ptu.Model {
	return b.Engine.Settings().Model
}

// outgoing is a message to send once its transaction has committed
type outgoing struct {
	msg transport.Message
	key *contracts.MessageKey
}

// unitOfWork collects what a transaction produces for after the commit
type unitOfWork struct {
	events.Pending
	messages []outgoing
}

func (u *unitOfWork) send(msg transport.Message, key *contracts.MessageKey) {
	u.messages = append(u.messages, outgoing{msg: msg, key: key})
}

func (u *unitOfWork) reset() {
	u.Pending.Reset()
	u.messages = nil
}

// inTx runs fn in one planboard transaction. Events and messages fn
// produced are published after the commit; a rolled back transaction
// publishes nothing.
func (b *base) inTx(ctx context.Context, fn func(tx planboard.Store, uow *unitOfWork) error) error {
	var uow unitOfWork
	err := b.Store.InTx(ctx, func(tx planboard.Store) error {
		uow.reset()
		return fn(tx, &uow)
	})
	if err != nil {
		return err
	}

	b.dispatch(ctx, uow.messages)
	if b.Events != nil {
		if err := uow.PublishAll(ctx, b.Events); err != nil {
			return fmt.Errorf("publish events: %w", err)
		}
	}
	return nil
}

// dispatch sends messages; failures are logged and recorded by the
// dispatcher and never undo planboard state
func (b *base) dispatch(ctx context.Context, msgs []outgoing) {
	if b.Dispatcher == nil {
		return
	}
	for _, o := range msgs {
		if err := b.Dispatcher.Send(ctx, o.msg, o.key); err != nil {
			b.log.WithError(err).WithField("message_type", o.msg.MessageType()).Warn("Outgoing message not delivered")
		}
	}
}

// observe records the run duration and outcome
func (b *base) observe(start time.Time, err error) {
	b.Metrics.ObserveCoordinatorRun(b.name, start, err)
	if be, ok := contracts.AsBusinessError(err); ok {
		b.Metrics.BusinessError(string(be.Code))
	}
}

// metadataTo addresses a message to a participant
func metadataTo(domain string, role string, precedence transport.Precedence) transport.Envelope {
	return transport.Envelope{Metadata: transport.Metadata{
		RecipientDomain: domain,
		RecipientRole:   role,
		Precedence:      precedence,
	}}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
