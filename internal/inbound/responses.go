package inbound

import (
	"context"
	"fmt"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/events"
	"github.com/wonny/usef/backend/internal/lifecycle"
	"github.com/wonny/usef/backend/internal/planboard"
	"github.com/wonny/usef/backend/internal/transport"
)

// handleResponse applies the answer to a document this participant sent:
// the document moves to ACCEPTED or REJECTED. Responses are never answered.
func (h *Handler) handleResponse(ctx context.Context, meta *transport.Metadata, sequence int64, outcome, reason string, docTypes ...contracts.DocumentType) (*Result, error) {
	to := contracts.StatusAccepted
	if outcome == transport.ResultRejected {
		to = contracts.StatusRejected
	}

	log := h.log.WithFields(map[string]interface{}{
		"sequence": sequence,
		"sender":   meta.SenderDomain,
		"result":   outcome,
	})

	return h.apply(ctx, nil, func(tx planboard.Store, _ *events.Pending) error {
		msgs, err := h.Validator.ValidatePlanboardMessagesExist(ctx, tx, sequence, meta.SenderDomain)
		if err != nil {
			return err
		}

		matched := 0
		for _, msg := range msgs {
			if !isOneOf(msg.DocumentType, docTypes) {
				continue
			}
			matched++
			if msg.Status == to {
				continue
			}
			if err := lifecycle.Transition(msg, to, h.Now()); err != nil {
				return err
			}
			if err := tx.UpdatePlanboardMessage(ctx, msg); err != nil {
				return fmt.Errorf("update %s: %w", msg.DocumentType, err)
			}
		}
		if matched == 0 {
			return contracts.NewBusinessError(contracts.CodeRelatedMessageNotFound,
				"no %v with sequence %d for %s", docTypes, sequence, meta.SenderDomain)
		}

		if to == contracts.StatusRejected {
			log.WithField("reason", reason).Warn("Document rejected by recipient")
		} else {
			log.Debug("Document accepted by recipient")
		}
		return nil
	})
}

// handleRevocationResponse only logs; revocations keep no planboard state
func (h *Handler) handleRevocationResponse(m *transport.FlexOfferRevocationResponse) *Result {
	log := h.log.WithField("sender", m.Meta().SenderDomain)
	if m.Result == transport.ResultRejected {
		log.WithField("reason", m.RejectionReason).Warn("Flex offer revocation rejected")
	} else {
		log.Info("Flex offer revocation accepted")
	}
	return &Result{Accepted: true}
}

func isOneOf(t contracts.DocumentType, types []contracts.DocumentType) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}
