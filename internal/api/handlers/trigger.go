package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wonny/usef/backend/internal/ptu"
	"github.com/wonny/usef/backend/pkg/logger"
)

// ReOptimizer re-optimizes the portfolio of one day
type ReOptimizer interface {
	Trigger(ctx context.Context, date ptu.Date) error
}

// SettlementInitiator starts monthly settlement
type SettlementInitiator interface {
	Initiate(ctx context.Context) (ptu.Date, ptu.Date, error)
	InitiateMonth(ctx context.Context, day ptu.Date) error
}

// FlexOrderPlacer orders accepted flex offers
type FlexOrderPlacer interface {
	PlaceFlexOrders(ctx context.Context, period ptu.Date) (int, error)
}

// TriggerHandler starts coordinator runs on demand
// ⭐ SSOT: manual workflow triggers are exposed only here
type TriggerHandler struct {
	reoptimizer ReOptimizer
	settlement  SettlementInitiator
	flexOrders  FlexOrderPlacer
	logger      *logger.Logger
}

// NewTriggerHandler creates a new trigger handler
func NewTriggerHandler(reoptimizer ReOptimizer, settlement SettlementInitiator, flexOrders FlexOrderPlacer, log *logger.Logger) *TriggerHandler {
	return &TriggerHandler{
		reoptimizer: reoptimizer,
		settlement:  settlement,
		flexOrders:  flexOrders,
		logger:      log,
	}
}

// ReOptimize re-optimizes the portfolio for a day
// POST /api/reoptimize/{date}
func (h *TriggerHandler) ReOptimize(w http.ResponseWriter, r *http.Request) {
	date, err := ptu.ParseDate(mux.Vars(r)["date"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid date format (expected YYYY-MM-DD)")
		return
	}

	if err := h.reoptimizer.Trigger(r.Context(), date); err != nil {
		h.logger.WithError(err).WithField("date", date.String()).Error("Re-optimization failed")
		respondRunError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"date":   date.String(),
	})
}

// InitiateSettlementRequest selects the month to settle
type InitiateSettlementRequest struct {
	Month string `json:"month"` // Optional: any day of the month (YYYY-MM-DD), default previous month
}

// InitiateSettlement starts settlement of a month
// POST /api/settlement/initiate
func (h *TriggerHandler) InitiateSettlement(w http.ResponseWriter, r *http.Request) {
	var req InitiateSettlementRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	day, err := parseOptionalDate(req.Month)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid 'month' date format (expected YYYY-MM-DD)")
		return
	}

	var from, until ptu.Date
	if day.IsZero() {
		from, until, err = h.settlement.Initiate(r.Context())
	} else {
		from, until = day.FirstOfMonth(), day.LastOfMonth()
		err = h.settlement.InitiateMonth(r.Context(), day)
	}
	if err != nil {
		h.logger.WithError(err).Error("Settlement initiation failed")
		respondRunError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":       "initiated",
		"period_start": from.String(),
		"period_end":   until.String(),
	})
}

// PlaceFlexOrdersRequest limits order placement to one day
type PlaceFlexOrdersRequest struct {
	Date string `json:"date"` // Optional: YYYY-MM-DD, default every day with offers
}

// PlaceFlexOrders orders the accepted flex offers
// POST /api/flex-orders/place
func (h *TriggerHandler) PlaceFlexOrders(w http.ResponseWriter, r *http.Request) {
	var req PlaceFlexOrdersRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	date, err := parseOptionalDate(req.Date)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid 'date' format (expected YYYY-MM-DD)")
		return
	}

	placed, err := h.flexOrders.PlaceFlexOrders(r.Context(), date)
	if err != nil {
		h.logger.WithError(err).Error("Flex order placement failed")
		respondRunError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"placed": placed,
	})
}
