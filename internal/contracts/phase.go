package contracts

import (
	"time"

	"github.com/wonny/usef/backend/internal/ptu"
)

// PtuPhase is the planboard phase of one PTU for one connection group
type PtuPhase string

const (
	PhasePlanNew                PtuPhase = "PLAN_NEW"
	PhasePlanValidate           PtuPhase = "PLAN_VALIDATE"
	PhasePlanSubmit             PtuPhase = "PLAN_SUBMIT"
	PhasePlanAccepted           PtuPhase = "PLAN_ACCEPTED"
	PhaseDayAheadClosedNew      PtuPhase = "DAY_AHEAD_CLOSED_NEW"
	PhaseDayAheadClosedValidate PtuPhase = "DAY_AHEAD_CLOSED_VALIDATE"
	PhaseOperate                PtuPhase = "OPERATE"
	PhasePendingSettlement      PtuPhase = "PENDING_SETTLEMENT"
	PhaseSettled                PtuPhase = "SETTLED"
)

// AllPhases lists the phases in lifecycle order
var AllPhases = []PtuPhase{
	PhasePlanNew,
	PhasePlanValidate,
	PhasePlanSubmit,
	PhasePlanAccepted,
	PhaseDayAheadClosedNew,
	PhaseDayAheadClosedValidate,
	PhaseOperate,
	PhasePendingSettlement,
	PhaseSettled,
}

// Group returns the rank of the phase group. Plan phases share rank 0 and
// day-ahead closed phases rank 1; a PTU's group rank never decreases.
func (p PtuPhase) Group() int {
	switch p {
	case PhasePlanNew, PhasePlanValidate, PhasePlanSubmit, PhasePlanAccepted:
		return 0
	case PhaseDayAheadClosedNew, PhaseDayAheadClosedValidate:
		return 1
	case PhaseOperate:
		return 2
	case PhasePendingSettlement:
		return 3
	case PhaseSettled:
		return 4
	}
	return -1
}

// IsValid reports whether p is a known phase
func (p PtuPhase) IsValid() bool {
	return p.Group() >= 0
}

// IsOperationallyLocked reports whether p is Operate or later
func (p PtuPhase) IsOperationallyLocked() bool {
	return p.Group() >= PhaseOperate.Group()
}

// PtuContainer identifies one time slot
type PtuContainer struct {
	Period ptu.Date `json:"period"`
	Index  int      `json:"ptu_index"`
}

// PtuState is the current phase of one PTU for one connection group
type PtuState struct {
	Container         PtuContainer `json:"container"`
	ConnectionGroupID string       `json:"connection_group"`
	Phase             PtuPhase     `json:"phase"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// Key returns the lock and storage key of the state
func (s *PtuState) Key() PtuStateKey {
	return PtuStateKey{Period: s.Container.Period, Index: s.Container.Index, ConnectionGroupID: s.ConnectionGroupID}
}

// PtuStateKey identifies a PtuState
type PtuStateKey struct {
	Period            ptu.Date
	Index             int
	ConnectionGroupID string
}
