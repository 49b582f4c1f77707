package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/planboard"
	"github.com/wonny/usef/backend/pkg/logger"
	"github.com/wonny/usef/backend/pkg/metrics"
)

// Outbox fills in message metadata, encodes and throttles outgoing
// messages and hands them to a Sender. Delivery failures are recorded on
// the planboard message; planboard state is never rolled back.
type Outbox struct {
	codec   *Codec
	sender  Sender
	store   planboard.Store
	limiter *rate.Limiter
	metrics *metrics.Metrics
	log     *logger.Logger

	domain string
	role   string
	now    func() time.Time
}

// NewOutbox creates an Outbox sending as (domain, role). perSecond bounds the
// local send rate; zero disables throttling.
func NewOutbox(codec *Codec, sender Sender, store planboard.Store, m *metrics.Metrics, log *logger.Logger, domain, role string, perSecond int) *Outbox {
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = perSecond
	}
	if m == nil {
		m = metrics.Noop()
	}
	return &Outbox{
		codec:   codec,
		sender:  sender,
		store:   store,
		limiter: rate.NewLimiter(limit, burst),
		metrics: m,
		log:     log.Component("outbox"),
		domain:  domain,
		role:    role,
		now:     time.Now,
	}
}

// WithClock replaces the clock used for message timestamps
func (o *Outbox) WithClock(now func() time.Time) *Outbox {
	o.now = now
	return o
}

// Prepare fills the sender side of the metadata and any missing identifiers
func (o *Outbox) Prepare(msg Message) {
	meta := msg.Meta()
	meta.SenderDomain = o.domain
	meta.SenderRole = o.role
	meta.TimeStamp = o.now().UTC()
	if meta.MessageID == "" {
		meta.MessageID = uuid.NewString()
	}
	if meta.ConversationID == "" {
		meta.ConversationID = uuid.NewString()
	}
	if meta.Precedence == "" {
		meta.Precedence = Transactional
	}
}

// Send delivers msg. key identifies the planboard message the document
// belongs to; when set, a delivery failure is recorded against it.
func (o *Outbox) Send(ctx context.Context, msg Message, key *contracts.MessageKey) error {
	o.Prepare(msg)
	meta := msg.Meta()
	log := o.log.WithFields(map[string]interface{}{
		"message_type": msg.MessageType(),
		"message_id":   meta.MessageID,
		"recipient":    meta.RecipientDomain,
	})

	payload, err := o.codec.EncodeSigned(msg)
	if err != nil {
		o.metrics.MessageSent(msg.MessageType(), err)
		return o.fail(ctx, log, key, err)
	}

	if err := o.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("outbox rate limit wait failed: %w", err)
	}

	delivery, err := o.sender.Send(ctx, meta.RecipientDomain, meta.Precedence, payload)
	o.metrics.MessageSent(msg.MessageType(), err)
	if err != nil {
		return o.fail(ctx, log, key, err)
	}

	log.WithFields(map[string]interface{}{
		"status_code": delivery.StatusCode,
		"attempts":    delivery.Attempts,
	}).Info("Message delivered")
	return nil
}

func (o *Outbox) fail(ctx context.Context, log *logger.Logger, key *contracts.MessageKey, cause error) error {
	log.WithError(cause).Error("Message delivery failed")
	if key != nil && o.store != nil {
		if err := o.store.RecordDeliveryFailure(ctx, *key, cause.Error()); err != nil {
			log.WithError(err).Error("Failed to record delivery failure")
		}
	}
	return cause
}
