package inbound

import (
	"context"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/transport"
)

// handleMeterData passes measured power to settlement. A failed query is
// left outstanding; the settlement sweep expires it.
func (h *Handler) handleMeterData(ctx context.Context, m *transport.MeterDataQueryResponse) (*Result, error) {
	log := h.log.WithFields(map[string]interface{}{
		"sequence": m.MeterDataQuerySequence,
		"mdc":      m.Meta().SenderDomain,
	})

	if m.Result != "Success" {
		log.Warn("Meter data query failed at the MDC")
		return &Result{Accepted: false, Reason: "meter data query failed"}, nil
	}
	if h.MeterData == nil {
		return &Result{Accepted: false, Reason: "meter data is not handled by this participant"}, nil
	}

	var data []contracts.MeterData
	for _, set := range m.Sets {
		for _, entry := range set.Entries {
			ptus := transport.ToContractPTUs(entry.PTUs)
			if err := h.Engine.ValidatePTUsForPeriod(ptus, entry.Period, true); err != nil {
				be, ok := contracts.AsBusinessError(err)
				if !ok {
					return nil, err
				}
				h.Metrics.BusinessError(string(be.Code))
				log.WithError(err).Warn("Meter data outside the ptus of its period")
				return &Result{Accepted: false, Code: be.Code, Reason: be.Message}, nil
			}
			for _, v := range contracts.ExpandPTUs(ptus) {
				data = append(data, contracts.MeterData{
					Container:         contracts.PtuContainer{Period: entry.Period, Index: v.Index},
					ConnectionGroupID: set.ConnectionGroupID,
					Power:             v.Power,
				})
			}
		}
	}

	err := h.MeterData.OnMeterData(ctx, m.MeterDataQuerySequence, m.Meta().SenderDomain, data)
	if be, ok := contracts.AsBusinessError(err); ok {
		h.Metrics.BusinessError(string(be.Code))
		return &Result{Accepted: false, Code: be.Code, Reason: be.Message}, nil
	}
	if err != nil {
		return nil, err
	}

	log.WithField("values", len(data)).Info("Meter data received")
	return &Result{Accepted: true}, nil
}
