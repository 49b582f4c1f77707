// Package inbound handles documents received from other participants.
// Every document is validated, applied to the planboard in one
// transaction and answered with a response document where the protocol
// asks for one.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/coordinator"
	"github.com/wonny/usef/backend/internal/events"
	"github.com/wonny/usef/backend/internal/lifecycle"
	"github.com/wonny/usef/backend/internal/planboard"
	"github.com/wonny/usef/backend/internal/transport"
	"github.com/wonny/usef/backend/internal/validation"
	"github.com/wonny/usef/backend/pkg/logger"
	"github.com/wonny/usef/backend/pkg/metrics"
)

// ErrUnsupported is returned for message types this participant never receives
var ErrUnsupported = errors.New("unsupported message type")

// Deduplicator remembers message IDs; redis.Deduplicator implements it
type Deduplicator interface {
	FirstSeen(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// MeterDataReceiver takes the answer to a MeterDataQuery;
// coordinator.SettlementCoordinator implements it
type MeterDataReceiver interface {
	OnMeterData(ctx context.Context, querySequence int64, mdcDomain string, data []contracts.MeterData) error
}

// Deps are the collaborators of a Handler
type Deps struct {
	Codec      *transport.Codec
	Store      planboard.Store
	Engine     *validation.Engine
	Validator  *lifecycle.Validator
	Events     events.Publisher
	Dispatcher coordinator.Dispatcher
	MeterData  MeterDataReceiver
	Dedup      Deduplicator // optional
	// OfferExpiration applies to flex offers carrying no expiration
	OfferExpiration time.Duration
	Metrics    *metrics.Metrics
	Log        *logger.Logger
	Now        func() time.Time
}

// Result is the outcome of handling one document
type Result struct {
	MessageType string
	MessageID   string
	Accepted    bool
	Duplicate   bool
	Code        contracts.BusinessErrorCode
	Reason      string
	// Response is the answer sent to the sender, nil when none is due
	Response transport.Message
}

// Handler routes received documents to their handling
type Handler struct {
	Deps
	log *logger.Logger
}

// New creates a Handler
func New(deps Deps) *Handler {
	if deps.Codec == nil {
		deps.Codec = transport.NewCodec()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop()
	}
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	return &Handler{Deps: deps, log: deps.Log.Component("inbound")}
}

// Handle decodes a SignedMessage and applies the document it carries.
// Malformed input returns a transport.DecodeError; a document failing a
// business rule is rejected through Result, not through the error.
func (h *Handler) Handle(ctx context.Context, body []byte) (*Result, error) {
	msg, err := h.Codec.DecodeSigned(body)
	if err != nil {
		h.Metrics.MessageReceived("unknown", "malformed")
		return nil, err
	}
	return h.HandleMessage(ctx, msg)
}

// HandleMessage applies an already decoded document
func (h *Handler) HandleMessage(ctx context.Context, msg transport.Message) (*Result, error) {
	meta := msg.Meta()
	log := h.log.WithFields(map[string]interface{}{
		"message_type": msg.MessageType(),
		"message_id":   meta.MessageID,
		"sender":       meta.SenderDomain,
	})

	if h.Dedup != nil {
		first, err := h.Dedup.FirstSeen(ctx, meta.MessageID)
		if err != nil {
			log.WithError(err).Warn("Duplicate check failed, handling message")
		} else if !first {
			log.Info("Duplicate message ignored")
			h.Metrics.MessageReceived(msg.MessageType(), "duplicate")
			return &Result{MessageType: msg.MessageType(), MessageID: meta.MessageID, Duplicate: true}, nil
		}
	}

	res, err := h.route(ctx, msg)
	if err != nil {
		h.Metrics.MessageReceived(msg.MessageType(), "error")
		if h.Dedup != nil {
			if ferr := h.Dedup.Forget(ctx, meta.MessageID); ferr != nil {
				log.WithError(ferr).Warn("Failed to forget message id")
			}
		}
		log.WithError(err).Error("Message handling failed")
		return nil, err
	}
	res.MessageType = msg.MessageType()
	res.MessageID = meta.MessageID

	outcome := "accepted"
	if !res.Accepted {
		outcome = "rejected"
		log.WithField("reason", res.Reason).Warn("Message rejected")
	} else {
		log.Info("Message accepted")
	}
	h.Metrics.MessageReceived(msg.MessageType(), outcome)

	if res.Response != nil {
		h.respond(ctx, meta, res.Response)
	}
	return res, nil
}

func (h *Handler) route(ctx context.Context, msg transport.Message) (*Result, error) {
	switch m := msg.(type) {
	case *transport.Prognosis:
		return h.handlePrognosis(ctx, m)
	case *transport.FlexOffer:
		return h.handleFlexOffer(ctx, m)
	case *transport.FlexOfferRevocation:
		return h.handleFlexOfferRevocation(ctx, m)
	case *transport.FlexOrder:
		return h.handleFlexOrder(ctx, m)
	case *transport.PrognosisResponse:
		return h.handleResponse(ctx, m.Meta(), m.PrognosisSequence, m.Result, m.RejectionReason,
			contracts.DocumentAPlan, contracts.DocumentDPrognosis)
	case *transport.FlexOfferResponse:
		return h.handleResponse(ctx, m.Meta(), m.FlexOfferSequence, m.Result, m.RejectionReason,
			contracts.DocumentFlexOffer)
	case *transport.FlexOrderResponse:
		return h.handleResponse(ctx, m.Meta(), m.FlexOrderSequence, m.Result, m.RejectionReason,
			contracts.DocumentFlexOrder)
	case *transport.FlexOfferRevocationResponse:
		return h.handleRevocationResponse(m), nil
	case *transport.MeterDataQueryResponse:
		return h.handleMeterData(ctx, m)
	}
	return nil, fmt.Errorf("%s: %w", msg.MessageType(), ErrUnsupported)
}

// ============================================================================
// Shared helpers
// ============================================================================

// apply runs fn in one transaction and publishes the events it produced
// after the commit. A business error rolls everything back, records the
// rejection and is reported through the returned Result.
func (h *Handler) apply(ctx context.Context, rejected *contracts.PlanboardMessage, fn func(tx planboard.Store, pending *events.Pending) error) (*Result, error) {
	var pending events.Pending
	err := h.Store.InTx(ctx, func(tx planboard.Store) error {
		pending.Reset()
		return fn(tx, &pending)
	})

	if be, ok := contracts.AsBusinessError(err); ok {
		h.Metrics.BusinessError(string(be.Code))
		if rejected != nil {
			h.recordRejection(ctx, rejected)
		}
		return &Result{Accepted: false, Code: be.Code, Reason: be.Message}, nil
	}
	if err != nil {
		return nil, err
	}

	if h.Events != nil {
		if err := pending.PublishAll(ctx, h.Events); err != nil {
			h.log.WithError(err).Warn("Failed to publish follow-up events")
		}
	}
	return &Result{Accepted: true}, nil
}

// recordRejection keeps a REJECTED entry in the planboard ledger. A
// document already known under the same key keeps its entry.
func (h *Handler) recordRejection(ctx context.Context, msg *contracts.PlanboardMessage) {
	msg.Status = contracts.StatusRejected
	err := h.Store.StorePlanboardMessage(ctx, msg)
	if err != nil && !errors.Is(err, contracts.ErrDuplicate) {
		h.log.WithError(err).WithField("sequence", msg.Sequence).Warn("Failed to record rejected document")
	}
}

// respond addresses the response to the sender of meta and hands it to
// the dispatcher. Delivery failures are logged only.
func (h *Handler) respond(ctx context.Context, meta *transport.Metadata, resp transport.Message) {
	if h.Dispatcher == nil {
		return
	}
	out := resp.Meta()
	out.RecipientDomain = meta.SenderDomain
	out.RecipientRole = meta.SenderRole
	out.ConversationID = meta.ConversationID
	if out.Precedence == "" {
		out.Precedence = transport.Transactional
	}

	if err := h.Dispatcher.Send(ctx, resp, nil); err != nil {
		h.log.WithError(err).WithField("message_type", resp.MessageType()).Warn("Response not delivered")
	}
}

// checkCommon validates the attributes shared by planboard documents
func (h *Handler) checkCommon(meta *transport.Metadata, timeZone, ptuDuration string) error {
	if err := h.Engine.ValidateDomain(meta.RecipientDomain); err != nil {
		return err
	}
	if err := h.Engine.ValidateTimezone(timeZone); err != nil {
		return err
	}
	d, err := transport.ParseDuration(ptuDuration)
	if err != nil {
		return contracts.NewBusinessError(contracts.CodeInvalidPtuDuration, "%v", err)
	}
	return h.Engine.ValidatePTUDuration(d)
}

// findGroup fails with RELATED_MESSAGE_NOT_FOUND for an unknown group
func findGroup(ctx context.Context, tx planboard.Store, id string) (*contracts.ConnectionGroup, error) {
	group, err := tx.FindConnectionGroup(ctx, id)
	if errors.Is(err, contracts.ErrNotFound) {
		return nil, contracts.NewBusinessError(contracts.CodeRelatedMessageNotFound, "unknown connection group %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("find connection group: %w", err)
	}
	return group, nil
}

func result(accepted bool) string {
	if accepted {
		return transport.ResultAccepted
	}
	return transport.ResultRejected
}
