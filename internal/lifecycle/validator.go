package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/planboard"
	"github.com/wonny/usef/backend/pkg/logger"
)

// Validator checks document transitions against planboard state. Every
// method takes the Store to read from so callers can pass the Store of
// their running transaction.
type Validator struct {
	log *logger.Logger
	now func() time.Time
}

// NewValidator creates a Validator using the wall clock
func NewValidator(log *logger.Logger) *Validator {
	return &Validator{log: log.Component("lifecycle"), now: time.Now}
}

// WithClock returns a copy of the validator using now as its clock
func (v *Validator) WithClock(now func() time.Time) *Validator {
	c := *v
	c.now = now
	return &c
}

// CheckPtuPhase fails with PTUS_IN_WRONG_PHASE when any PTU referenced by
// the offer has reached Operate or a later phase
func (v *Validator) CheckPtuPhase(ctx context.Context, store planboard.Store, offer []contracts.PtuFlexOffer) error {
	for _, p := range offer {
		state, err := store.FindOrCreatePtuState(ctx, p.Container, p.ConnectionGroupID)
		if err != nil {
			return fmt.Errorf("load ptu state: %w", err)
		}
		if state.Phase.IsOperationallyLocked() {
			return contracts.NewBusinessError(contracts.CodePtusInWrongPhase,
				"ptu %s/%d of %s is in phase %s", p.Container.Period, p.Container.Index, p.ConnectionGroupID, state.Phase)
		}
	}
	return nil
}

// ValidatePlanboardMessagesExist returns the planboard messages with the
// given sequence from domain, failing with RELATED_MESSAGE_NOT_FOUND when
// there are none
func (v *Validator) ValidatePlanboardMessagesExist(ctx context.Context, store planboard.Store, sequence int64, domain string) ([]*contracts.PlanboardMessage, error) {
	msgs, err := store.FindPlanboardMessagesBySequence(ctx, sequence, domain)
	if err != nil {
		return nil, fmt.Errorf("find planboard messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil, contracts.NewBusinessError(contracts.CodeRelatedMessageNotFound,
			"no related planboard messages for sequence %d from %s", sequence, domain)
	}
	return msgs, nil
}

// ValidateRelatedDocument returns the referenced document. It fails with
// RELATED_MESSAGE_NOT_FOUND when it does not exist and with DOCUMENT_EXPIRED
// when its expiration date has passed.
func (v *Validator) ValidateRelatedDocument(ctx context.Context, store planboard.Store, docType contracts.DocumentType, sequence int64, domain string) (*contracts.PlanboardMessage, error) {
	msg, err := store.FindSinglePlanboardMessage(ctx, sequence, docType, domain)
	if errors.Is(err, contracts.ErrNotFound) {
		return nil, contracts.NewBusinessError(contracts.CodeRelatedMessageNotFound,
			"no %s with sequence %d from %s", docType, sequence, domain)
	}
	if err != nil {
		return nil, fmt.Errorf("find related document: %w", err)
	}
	if msg.IsExpired(v.now()) || msg.Status == contracts.StatusExpired {
		return nil, contracts.NewBusinessError(contracts.CodeDocumentExpired,
			"%s %d from %s has expired", docType, sequence, domain)
	}
	return msg, nil
}

// Accept moves msg to ACCEPTED after checking that the document it answers,
// if any, has not been processed or expired yet
func (v *Validator) Accept(ctx context.Context, store planboard.Store, msg *contracts.PlanboardMessage, predecessorType contracts.DocumentType, predecessorDomain string) error {
	if msg.OriginSequence != 0 && predecessorType != "" {
		origin, err := v.ValidateRelatedDocument(ctx, store, predecessorType, msg.OriginSequence, predecessorDomain)
		if err != nil {
			return err
		}
		if origin.Status == contracts.StatusProcessed {
			return contracts.NewBusinessError(contracts.CodeIllegalStatusTransition,
				"%s %d was already processed", predecessorType, origin.Sequence)
		}
	}
	return Transition(msg, contracts.StatusAccepted, v.now())
}

// RevokeFlexOffer marks every message of the offer as REVOKED. The offer
// must exist and none of its PTUs may have reached Operate.
func (v *Validator) RevokeFlexOffer(ctx context.Context, store planboard.Store, sequence int64, aggregatorDomain string) ([]*contracts.PlanboardMessage, error) {
	msgs, err := v.ValidatePlanboardMessagesExist(ctx, store, sequence, aggregatorDomain)
	if err != nil {
		return nil, err
	}

	offer, err := store.FindFlexOffers(ctx, contracts.FlexFilter{Sequence: sequence, ParticipantDomain: aggregatorDomain})
	if err != nil {
		return nil, fmt.Errorf("find flex offer: %w", err)
	}
	if err := v.CheckPtuPhase(ctx, store, offer); err != nil {
		return nil, err
	}

	var revoked []*contracts.PlanboardMessage
	now := v.now()
	for _, m := range msgs {
		if m.DocumentType != contracts.DocumentFlexOffer {
			continue
		}
		if err := Transition(m, contracts.StatusRevoked, now); err != nil {
			return nil, err
		}
		if err := store.UpdatePlanboardMessage(ctx, m); err != nil {
			return nil, fmt.Errorf("update flex offer: %w", err)
		}
		revoked = append(revoked, m)
	}
	if len(revoked) == 0 {
		return nil, contracts.NewBusinessError(contracts.CodeRelatedMessageNotFound,
			"no flex offer with sequence %d from %s", sequence, aggregatorDomain)
	}

	v.log.WithFields(map[string]interface{}{
		"sequence":   sequence,
		"aggregator": aggregatorDomain,
	}).Info("flex offer revoked")
	return revoked, nil
}
