package lifecycle

import "github.com/wonny/usef/backend/internal/contracts"

// AdvancePhase moves a PTU state to the target phase. Phases within one
// group (plan, day-ahead closed) may be revisited freely; across groups the
// phase may only move forward.
func AdvancePhase(state *contracts.PtuState, to contracts.PtuPhase) error {
	if !to.IsValid() {
		return contracts.NewBusinessError(contracts.CodeIllegalPhaseTransition, "unknown phase %q", to)
	}
	if to.Group() < state.Phase.Group() {
		return contracts.NewBusinessError(contracts.CodeIllegalPhaseTransition,
			"ptu %s/%d of %s cannot move back from %s to %s",
			state.Container.Period, state.Container.Index, state.ConnectionGroupID, state.Phase, to)
	}
	state.Phase = to
	return nil
}

// AdvanceIfBehind moves the state to the target phase only when that is a
// step forward across groups. It reports whether the phase changed.
func AdvanceIfBehind(state *contracts.PtuState, to contracts.PtuPhase) bool {
	if state.Phase.Group() >= to.Group() {
		return false
	}
	state.Phase = to
	return true
}
