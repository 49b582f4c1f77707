package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/lifecycle"
	"github.com/wonny/usef/backend/internal/planboard"
	"github.com/wonny/usef/backend/internal/ptu"
)

// PhaseLocks serializes PTU state updates per connection group and day.
// A lock is always taken before the transaction that writes the states.
type PhaseLocks struct {
	m *planboard.KeyedMutex[groupDay]
}

// NewPhaseLocks creates PhaseLocks
func NewPhaseLocks() *PhaseLocks {
	return &PhaseLocks{m: planboard.NewKeyedMutex[groupDay]()}
}

// Lock blocks until (group, period) is free and returns the unlock function
func (l *PhaseLocks) Lock(group string, period ptu.Date) func() {
	return l.m.Lock(groupDay{group: group, period: period})
}

func sortedGroupDays[V any](m map[groupDay]V) []groupDay {
	keys := make([]groupDay, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].group != keys[j].group {
			return keys[i].group < keys[j].group
		}
		return keys[i].period.Before(keys[j].period)
	})
	return keys
}

// PhaseCoordinator moves PTUs through the planboard phases by wall clock:
// DayAheadClosed once the day-ahead gate has closed, Operate from the PTU
// start and PendingSettlement from its end. Settled is set by settlement.
type PhaseCoordinator struct {
	base
	locks *PhaseLocks
}

// NewPhaseCoordinator creates a PhaseCoordinator
func NewPhaseCoordinator(deps Deps, locks *PhaseLocks) *PhaseCoordinator {
	if locks == nil {
		locks = NewPhaseLocks()
	}
	return &PhaseCoordinator{base: newBase("ptu_phase", deps), locks: locks}
}

// Advance updates the PTU states of yesterday, today and tomorrow for
// every active connection group and returns the number of states changed
func (c *PhaseCoordinator) Advance(ctx context.Context) (changed int, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()

	now := c.Now()
	today := c.model().Today(now)
	days := []ptu.Date{today.AddDays(-1), today, today.AddDays(1)}

	groups, err := c.Store.FindActiveConnectionGroups(ctx, days[0], days[2])
	if err != nil {
		return 0, fmt.Errorf("find connection groups: %w", err)
	}

	for _, g := range groups {
		for _, day := range days {
			n, err := c.advanceDay(ctx, g.USEFIdentifier, day, now)
			if err != nil {
				return changed, err
			}
			changed += n
		}
	}

	if changed > 0 {
		c.log.WithFields(map[string]interface{}{
			"groups":  len(groups),
			"changed": changed,
		}).Info("PTU phases advanced")
	}
	return changed, nil
}

func (c *PhaseCoordinator) advanceDay(ctx context.Context, group string, day ptu.Date, now time.Time) (int, error) {
	unlock := c.locks.Lock(group, day)
	defer unlock()

	changed := 0
	err := c.inTx(ctx, func(tx planboard.Store, _ *unitOfWork) error {
		changed = 0
		model := c.model()
		states, err := tx.FindOrCreatePtuStates(ctx, group, day, model.PtusPerDay(day))
		if err != nil {
			return fmt.Errorf("load ptu states: %w", err)
		}

		for _, s := range states {
			target, err := c.TargetPhase(day, s.Container.Index, now)
			if err != nil {
				return err
			}
			if target == "" || !lifecycle.AdvanceIfBehind(s, target) {
				continue
			}
			s.UpdatedAt = now
			if err := tx.UpdatePtuState(ctx, s); err != nil {
				return fmt.Errorf("update ptu state: %w", err)
			}
			changed++
		}
		return nil
	})
	return changed, err
}

// TargetPhase returns the phase the PTU should at least be in at now, or
// "" when it may stay in its plan phase
func (c *PhaseCoordinator) TargetPhase(day ptu.Date, index int, now time.Time) (contracts.PtuPhase, error) {
	model := c.model()
	start, err := model.PtuStart(day, index)
	if err != nil {
		return "", err
	}
	end, err := model.PtuEnd(day, index)
	if err != nil {
		return "", err
	}

	switch {
	case !now.Before(end):
		return contracts.PhasePendingSettlement, nil
	case !now.Before(start):
		return contracts.PhaseOperate, nil
	case !now.Before(c.Engine.DayAheadGateClosure(day)):
		return contracts.PhaseDayAheadClosedNew, nil
	}
	return "", nil
}
