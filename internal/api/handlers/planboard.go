package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/planboard"
	"github.com/wonny/usef/backend/internal/ptu"
	"github.com/wonny/usef/backend/pkg/logger"
)

// PlanboardHandler exposes read-only planboard views
type PlanboardHandler struct {
	store  planboard.Store
	logger *logger.Logger
}

// NewPlanboardHandler creates a new planboard handler
func NewPlanboardHandler(store planboard.Store, log *logger.Logger) *PlanboardHandler {
	return &PlanboardHandler{store: store, logger: log}
}

// PlanboardView is the state of one connection group on one day
type PlanboardView struct {
	ConnectionGroup string                        `json:"connection_group"`
	Date            string                        `json:"date"`
	Phases          map[int]contracts.PtuPhase    `json:"phases"`
	Messages        []*contracts.PlanboardMessage `json:"messages"`
}

// GetPlanboard returns PTU phases and planboard messages of a group and day
// GET /api/planboard/{group}/{date}
func (h *PlanboardHandler) GetPlanboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	date, err := ptu.ParseDate(vars["date"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid date format (expected YYYY-MM-DD)")
		return
	}
	groupID := vars["group"]

	if _, err := h.store.FindConnectionGroup(ctx, groupID); err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			respondError(w, http.StatusNotFound, "connection group not found")
			return
		}
		h.logger.WithError(err).Error("Failed to get connection group")
		respondError(w, http.StatusInternalServerError, "Failed to retrieve connection group")
		return
	}

	states, err := h.store.FindPtuStates(ctx, date, groupID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to get ptu states")
		respondError(w, http.StatusInternalServerError, "Failed to retrieve ptu states")
		return
	}
	messages, err := h.store.FindPlanboardMessages(ctx, contracts.MessageFilter{
		ConnectionGroupID: groupID,
		PeriodStart:       date,
		PeriodEnd:         date,
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to get planboard messages")
		respondError(w, http.StatusInternalServerError, "Failed to retrieve planboard messages")
		return
	}

	view := PlanboardView{
		ConnectionGroup: groupID,
		Date:            date.String(),
		Phases:          make(map[int]contracts.PtuPhase, len(states)),
		Messages:        messages,
	}
	for _, s := range states {
		view.Phases[s.Container.Index] = s.Phase
	}
	if view.Messages == nil {
		view.Messages = []*contracts.PlanboardMessage{}
	}

	respondJSON(w, http.StatusOK, view)
}

// GetSettlements returns the settlements of a period
// GET /api/settlements?from=YYYY-MM-DD&until=YYYY-MM-DD
func (h *PlanboardHandler) GetSettlements(w http.ResponseWriter, r *http.Request) {
	from, err := ptu.ParseDate(r.URL.Query().Get("from"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid 'from' date format (expected YYYY-MM-DD)")
		return
	}
	until, err := parseOptionalDate(r.URL.Query().Get("until"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid 'until' date format (expected YYYY-MM-DD)")
		return
	}
	if until.IsZero() {
		until = from.LastOfMonth()
	}
	if until.Before(from) {
		respondError(w, http.StatusBadRequest, "'until' is before 'from'")
		return
	}

	settlements, err := h.store.FindSettlements(r.Context(), from, until)
	if err != nil {
		h.logger.WithError(err).Error("Failed to get settlements")
		respondError(w, http.StatusInternalServerError, "Failed to retrieve settlements")
		return
	}
	if settlements == nil {
		settlements = []contracts.FlexOrderSettlement{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"period_start": from.String(),
		"period_end":   until.String(),
		"settlements":  settlements,
	})
}
