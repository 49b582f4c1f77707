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

var prognosisTypes = map[string]contracts.DocumentType{
	"A-Plan":      contracts.DocumentAPlan,
	"D-Prognosis": contracts.DocumentDPrognosis,
}

// handlePrognosis records an A-Plan or D-Prognosis. A newer prognosis
// for the same group and day supersedes the accepted one.
func (h *Handler) handlePrognosis(ctx context.Context, m *transport.Prognosis) (*Result, error) {
	docType := prognosisTypes[m.Type]
	sender := m.Meta().SenderDomain

	// A-Plans are per BRP; the BRP domain identifies the group
	group := m.CongestionPoint
	if docType == contracts.DocumentAPlan {
		group = m.Meta().RecipientDomain
	}

	msg := &contracts.PlanboardMessage{
		DocumentType:      docType,
		Sequence:          m.Sequence,
		Status:            contracts.StatusReceived,
		ParticipantDomain: sender,
		Period:            m.Period,
		ConnectionGroupID: group,
	}
	rejected := *msg

	res, err := h.apply(ctx, &rejected, func(tx planboard.Store, _ *events.Pending) error {
		if err := h.checkCommon(m.Meta(), m.TimeZone, m.PTUDuration); err != nil {
			return err
		}
		ptus := transport.ToContractPTUs(m.PTUs)
		if err := h.Engine.ValidatePTUsForPeriod(ptus, m.Period, false); err != nil {
			return err
		}
		if _, err := findGroup(ctx, tx, group); err != nil {
			return err
		}

		if docType == contracts.DocumentAPlan && h.Engine.IsDayAheadGateClosed(m.Period) {
			return contracts.NewBusinessError(contracts.CodePtusInWrongPhase,
				"day-ahead gate closure for %s has passed", m.Period)
		}
		if err := h.Engine.ValidateIfPTUForPeriodIsNotInPhase(ctx, tx, group, m.Period,
			contracts.PhaseOperate, contracts.PhasePendingSettlement, contracts.PhaseSettled); err != nil {
			return err
		}

		if err := h.checkNew(ctx, tx, docType, m.Sequence, sender); err != nil {
			return err
		}

		if err := h.supersede(ctx, tx, docType, sender, group, m); err != nil {
			return err
		}

		var rows []contracts.PtuPrognosis
		for _, v := range contracts.ExpandPTUs(ptus) {
			rows = append(rows, contracts.PtuPrognosis{
				Container:         contracts.PtuContainer{Period: m.Period, Index: v.Index},
				ConnectionGroupID: group,
				ParticipantDomain: sender,
				Sequence:          m.Sequence,
				Type:              docType,
				Power:             v.Power,
			})
		}
		if err := tx.StorePrognoses(ctx, rows); err != nil {
			return fmt.Errorf("store prognosis ptus: %w", err)
		}
		if err := tx.StorePlanboardMessage(ctx, msg); err != nil {
			return fmt.Errorf("store prognosis: %w", err)
		}
		if err := h.Validator.Accept(ctx, tx, msg, "", ""); err != nil {
			return err
		}
		return tx.UpdatePlanboardMessage(ctx, msg)
	})
	if err != nil {
		return nil, err
	}

	res.Response = &transport.PrognosisResponse{
		PrognosisSequence: m.Sequence,
		Result:            result(res.Accepted),
		RejectionReason:   res.Reason,
	}
	return res, nil
}

// supersede moves the accepted prognoses of the same sender, group and
// day to PROCESSED
func (h *Handler) supersede(ctx context.Context, tx planboard.Store, docType contracts.DocumentType, sender, group string, m *transport.Prognosis) error {
	previous, err := tx.FindPlanboardMessages(ctx, contracts.MessageFilter{
		DocumentType:      docType,
		ParticipantDomain: sender,
		ConnectionGroupID: group,
		PeriodStart:       m.Period,
		PeriodEnd:         m.Period,
		Statuses:          []contracts.DocumentStatus{contracts.StatusAccepted},
	})
	if err != nil {
		return fmt.Errorf("find previous prognoses: %w", err)
	}
	for _, p := range previous {
		if err := lifecycle.Transition(p, contracts.StatusProcessed, h.Now()); err != nil {
			return err
		}
		if err := tx.UpdatePlanboardMessage(ctx, p); err != nil {
			return fmt.Errorf("update previous prognosis: %w", err)
		}
	}
	return nil
}
