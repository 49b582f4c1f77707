package inbound

import (
	"context"
	"errors"
	"fmt"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/events"
	"github.com/wonny/usef/backend/internal/lifecycle"
	"github.com/wonny/usef/backend/internal/planboard"
	"github.com/wonny/usef/backend/internal/transport"
)

// ============================================================================
// FlexOffer (AGR → DSO/BRP)
// ============================================================================

func (h *Handler) handleFlexOffer(ctx context.Context, m *transport.FlexOffer) (*Result, error) {
	sender := m.Meta().SenderDomain
	msg := &contracts.PlanboardMessage{
		DocumentType:      contracts.DocumentFlexOffer,
		Sequence:          m.Sequence,
		OriginSequence:    m.FlexRequestSequence,
		Status:            contracts.StatusReceived,
		ParticipantDomain: sender,
		Period:            m.Period,
		ConnectionGroupID: m.CongestionPoint,
	}
	if !m.ExpirationDateTime.IsZero() {
		exp := m.ExpirationDateTime
		msg.ExpirationDate = &exp
	} else if h.OfferExpiration > 0 {
		exp := h.Now().Add(h.OfferExpiration)
		msg.ExpirationDate = &exp
	}
	rejected := *msg

	res, err := h.apply(ctx, &rejected, func(tx planboard.Store, _ *events.Pending) error {
		if err := h.checkCommon(m.Meta(), m.TimeZone, m.PTUDuration); err != nil {
			return err
		}
		if err := h.Engine.ValidateCurrency(m.Currency); err != nil {
			return err
		}
		ptus := transport.ToContractPTUs(m.PTUs)
		if err := h.Engine.ValidatePTUsForPeriod(ptus, m.Period, true); err != nil {
			return err
		}

		group, err := findGroup(ctx, tx, m.CongestionPoint)
		if err != nil {
			return err
		}
		if group.AggregatorDomain != "" && group.AggregatorDomain != sender {
			return contracts.NewBusinessError(contracts.CodeInvalidDomain,
				"%s does not trade flexibility on %s", sender, group.USEFIdentifier)
		}
		if err := h.Engine.ValidateGateClosure(m.Period, ptus); err != nil {
			return err
		}
		if err := h.checkNew(ctx, tx, contracts.DocumentFlexOffer, m.Sequence, sender); err != nil {
			return err
		}

		var rows []contracts.PtuFlexOffer
		for _, v := range contracts.ExpandPTUs(ptus) {
			rows = append(rows, contracts.PtuFlexOffer{
				Container:           contracts.PtuContainer{Period: m.Period, Index: v.Index},
				ConnectionGroupID:   m.CongestionPoint,
				ParticipantDomain:   sender,
				Sequence:            m.Sequence,
				FlexRequestSequence: m.FlexRequestSequence,
				Power:               v.Power,
				Price:               v.Price,
			})
		}
		if err := h.Validator.CheckPtuPhase(ctx, tx, rows); err != nil {
			return err
		}

		if err := tx.StoreFlexOffers(ctx, rows); err != nil {
			return fmt.Errorf("store flex offer ptus: %w", err)
		}
		if err := tx.StorePlanboardMessage(ctx, msg); err != nil {
			return fmt.Errorf("store flex offer: %w", err)
		}
		if err := h.Validator.Accept(ctx, tx, msg, contracts.DocumentFlexRequest, sender); err != nil {
			return err
		}
		return tx.UpdatePlanboardMessage(ctx, msg)
	})
	if err != nil {
		return nil, err
	}

	res.Response = &transport.FlexOfferResponse{
		FlexOfferSequence: m.Sequence,
		Result:            result(res.Accepted),
		RejectionReason:   res.Reason,
	}
	return res, nil
}

// ============================================================================
// FlexOfferRevocation (AGR → DSO/BRP)
// ============================================================================

func (h *Handler) handleFlexOfferRevocation(ctx context.Context, m *transport.FlexOfferRevocation) (*Result, error) {
	res, err := h.apply(ctx, nil, func(tx planboard.Store, _ *events.Pending) error {
		if err := h.Engine.ValidateDomain(m.Meta().RecipientDomain); err != nil {
			return err
		}
		_, err := h.Validator.RevokeFlexOffer(ctx, tx, m.Sequence, m.Meta().SenderDomain)
		return err
	})
	if err != nil {
		return nil, err
	}

	res.Response = &transport.FlexOfferRevocationResponse{
		Result:          result(res.Accepted),
		RejectionReason: res.Reason,
	}
	return res, nil
}

// ============================================================================
// FlexOrder (DSO/BRP → AGR)
// ============================================================================

// handleFlexOrder accepts an order for an offer this participant sent. The
// offer is processed and the portfolio re-optimized for the day.
func (h *Handler) handleFlexOrder(ctx context.Context, m *transport.FlexOrder) (*Result, error) {
	sender := m.Meta().SenderDomain
	msg := &contracts.PlanboardMessage{
		DocumentType:      contracts.DocumentFlexOrder,
		Sequence:          m.Sequence,
		OriginSequence:    m.FlexOfferSequence,
		Status:            contracts.StatusReceived,
		ParticipantDomain: sender,
		Period:            m.Period,
		ConnectionGroupID: m.CongestionPoint,
	}
	rejected := *msg

	res, err := h.apply(ctx, &rejected, func(tx planboard.Store, pending *events.Pending) error {
		if err := h.checkCommon(m.Meta(), m.TimeZone, m.PTUDuration); err != nil {
			return err
		}
		if err := h.Engine.ValidateCurrency(m.Currency); err != nil {
			return err
		}
		ptus := transport.ToContractPTUs(m.PTUs)
		if err := h.Engine.ValidatePTUsForPeriod(ptus, m.Period, true); err != nil {
			return err
		}
		if err := h.Engine.ValidateGateClosure(m.Period, ptus); err != nil {
			return err
		}
		if err := h.checkNew(ctx, tx, contracts.DocumentFlexOrder, m.Sequence, sender); err != nil {
			return err
		}

		offered, err := tx.FindFlexOffers(ctx, contracts.FlexFilter{Sequence: m.FlexOfferSequence, ParticipantDomain: sender})
		if err != nil {
			return fmt.Errorf("find flex offer ptus: %w", err)
		}
		byIndex := make(map[int]contracts.PtuFlexOffer, len(offered))
		for _, o := range offered {
			byIndex[o.Container.Index] = o
		}

		var rows []contracts.PtuFlexOrder
		var ordered []contracts.PtuFlexOffer
		for _, v := range contracts.ExpandPTUs(ptus) {
			o, ok := byIndex[v.Index]
			if !ok && len(offered) > 0 {
				return contracts.NewBusinessError(contracts.CodeIncompletePtus,
					"ptu %d was not offered in flex offer %d", v.Index, m.FlexOfferSequence)
			}
			if ok {
				ordered = append(ordered, o)
			}
			rows = append(rows, contracts.PtuFlexOrder{
				Container:         contracts.PtuContainer{Period: m.Period, Index: v.Index},
				ConnectionGroupID: m.CongestionPoint,
				ParticipantDomain: sender,
				Sequence:          m.Sequence,
				FlexOfferSequence: m.FlexOfferSequence,
				Power:             v.Power,
				Price:             v.Price,
			})
		}
		if err := h.Validator.CheckPtuPhase(ctx, tx, ordered); err != nil {
			return err
		}

		if err := tx.StoreFlexOrders(ctx, rows); err != nil {
			return fmt.Errorf("store flex order ptus: %w", err)
		}
		if err := tx.StorePlanboardMessage(ctx, msg); err != nil {
			return fmt.Errorf("store flex order: %w", err)
		}
		if err := h.Validator.Accept(ctx, tx, msg, contracts.DocumentFlexOffer, sender); err != nil {
			return err
		}
		if err := tx.UpdatePlanboardMessage(ctx, msg); err != nil {
			return fmt.Errorf("update flex order: %w", err)
		}

		offer, err := tx.FindSinglePlanboardMessage(ctx, m.FlexOfferSequence, contracts.DocumentFlexOffer, sender)
		if err != nil {
			return fmt.Errorf("find flex offer: %w", err)
		}
		if err := lifecycle.Transition(offer, contracts.StatusProcessed, h.Now()); err != nil {
			return err
		}
		if err := tx.UpdatePlanboardMessage(ctx, offer); err != nil {
			return fmt.Errorf("update flex offer: %w", err)
		}

		pending.Add(events.New(events.ReOptimizePortfolio, m.Period))
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.Response = &transport.FlexOrderResponse{
		FlexOrderSequence: m.Sequence,
		Result:            result(res.Accepted),
		RejectionReason:   res.Reason,
	}
	return res, nil
}

// checkNew fails when the document was received before
func (h *Handler) checkNew(ctx context.Context, tx planboard.Store, docType contracts.DocumentType, sequence int64, sender string) error {
	_, err := tx.FindSinglePlanboardMessage(ctx, sequence, docType, sender)
	if err == nil {
		return contracts.NewBusinessError(contracts.CodeIllegalStatusTransition,
			"%s %d from %s was already received", docType, sequence, sender)
	}
	if !errors.Is(err, contracts.ErrNotFound) {
		return fmt.Errorf("find %s: %w", docType, err)
	}
	return nil
}
