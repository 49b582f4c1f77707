package validation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/planboard"
	"github.com/wonny/usef/backend/internal/ptu"
)

// Engine runs document checks bound to one participant's Settings
// ⭐ SSOT: business validation rules
type Engine struct {
	settings Settings
	now      func() time.Time
}

// New creates an Engine using the wall clock
func New(settings Settings) *Engine {
	return &Engine{settings: settings, now: time.Now}
}

// WithClock returns a copy of the engine using now as its clock
func (e *Engine) WithClock(now func() time.Time) *Engine {
	c := *e
	c.now = now
	return &c
}

// Settings returns the settings the engine validates against
func (e *Engine) Settings() Settings {
	return e.settings
}

// ============================================================================
// Participant settings
// ============================================================================

// ValidateTimezone fails with INVALID_TIMEZONE unless tz is the configured zone
func (e *Engine) ValidateTimezone(tz string) error {
	if tz != e.settings.TimeZone {
		return contracts.NewBusinessError(contracts.CodeInvalidTimezone,
			"time zone %q does not match %q", tz, e.settings.TimeZone)
	}
	return nil
}

// ValidateCurrency fails with INVALID_CURRENCY unless code is the configured currency
func (e *Engine) ValidateCurrency(code string) error {
	if code != e.settings.Currency {
		return contracts.NewBusinessError(contracts.CodeInvalidCurrency,
			"currency %q does not match %q", code, e.settings.Currency)
	}
	return nil
}

// ValidateDomain fails with INVALID_DOMAIN unless domain is the configured domain
func (e *Engine) ValidateDomain(domain string) error {
	if domain != e.settings.Domain {
		return contracts.NewBusinessError(contracts.CodeInvalidDomain,
			"domain %q does not match %q", domain, e.settings.Domain)
	}
	return nil
}

// ValidatePTUDuration fails with INVALID_PTU_DURATION unless d equals the
// configured PTU duration exactly
func (e *Engine) ValidatePTUDuration(d time.Duration) error {
	if d != e.settings.ptuDuration() {
		return contracts.NewBusinessError(contracts.CodeInvalidPtuDuration,
			"ptu duration %s does not match %s", d, e.settings.ptuDuration())
	}
	return nil
}

// ============================================================================
// PTU coverage
// ============================================================================

// ValidatePTUsForPeriod checks that the ranges, sorted by start, form a
// contiguous non-overlapping cover of every PTU of the period. With
// allowPartial only overlaps and out-of-range indices are rejected.
func (e *Engine) ValidatePTUsForPeriod(ptus []contracts.PTU, period ptu.Date, allowPartial bool) error {
	ptusPerDay := e.settings.Model.PtusPerDay(period)

	total := 0
	for _, p := range ptus {
		// bounds first so End and the running total cannot overflow
		if p.Start < 1 || p.Start > ptusPerDay || p.Duration > ptusPerDay {
			return contracts.NewBusinessError(contracts.CodeIncompletePtus,
				"ptu range %d+%d is outside the %d ptus of %s", p.Start, p.Duration, ptusPerDay, period)
		}
		total += p.EffectiveDuration()
	}
	if !allowPartial && total != ptusPerDay {
		return contracts.NewBusinessError(contracts.CodeWrongNumberOfPtus,
			"%d ptus given, %s has %d", total, period, ptusPerDay)
	}

	sorted := append([]contracts.PTU(nil), ptus...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	next := 1
	for _, p := range sorted {
		if p.Start < next || (!allowPartial && p.Start != next) {
			return contracts.NewBusinessError(contracts.CodeIncompletePtus,
				"ptu range starting at %d does not continue at %d", p.Start, next)
		}
		next = p.End() + 1
	}
	if next-1 > ptusPerDay {
		return contracts.NewBusinessError(contracts.CodeIncompletePtus,
			"ptu %d is beyond the %d ptus of %s", next-1, ptusPerDay, period)
	}
	return nil
}

// ============================================================================
// Gate closure
// ============================================================================

// IsWithinIntradayGateClosureTime reports whether ptuStart is too close to
// now to be amended. A PTU stays editable iff
// ptuStart - now > (gateClosurePtus + 1) * ptuDuration.
func (e *Engine) IsWithinIntradayGateClosureTime(ptuStart time.Time) bool {
	window := time.Duration(e.settings.IntradayGateClosurePtus+1) * e.settings.ptuDuration()
	return ptuStart.Sub(e.now()) <= window
}

// IsPtuWithinIntradayGateClosureTime applies IsWithinIntradayGateClosureTime
// to a PTU of a period
func (e *Engine) IsPtuWithinIntradayGateClosureTime(period ptu.Date, index int) (bool, error) {
	start, err := e.settings.Model.PtuStart(period, index)
	if err != nil {
		return false, err
	}
	return e.IsWithinIntradayGateClosureTime(start), nil
}

// ValidateGateClosure fails with GATE_CLOSURE_PASSED when a PTU carrying
// power lies inside the intraday gate closure window
func (e *Engine) ValidateGateClosure(period ptu.Date, ptus []contracts.PTU) error {
	for _, v := range contracts.ExpandPTUs(ptus) {
		if v.Power == 0 {
			continue
		}
		within, err := e.IsPtuWithinIntradayGateClosureTime(period, v.Index)
		if err != nil {
			return contracts.NewBusinessError(contracts.CodeIncompletePtus, "%v", err)
		}
		if within {
			return contracts.NewBusinessError(contracts.CodeGateClosurePassed,
				"ptu %d of %s is within the gate closure of %d ptus", v.Index, period, e.settings.IntradayGateClosurePtus)
		}
	}
	return nil
}

// DayAheadGateClosure returns the instant after which plans for period are
// closed: the configured time of day on the day before period
func (e *Engine) DayAheadGateClosure(period ptu.Date) time.Time {
	d := period.AddDays(-1)
	gate := e.settings.DayAheadGateClosure
	return time.Date(d.Year, d.Month, d.Day, int(gate/time.Hour), int(gate%time.Hour/time.Minute), 0, 0, e.settings.Model.Location)
}

// IsDayAheadGateClosed reports whether plans for period can no longer change
func (e *Engine) IsDayAheadGateClosed(period ptu.Date) bool {
	return !e.now().Before(e.DayAheadGateClosure(period))
}

// ============================================================================
// Phase checks
// ============================================================================

// HasPlanboardItemPtusInOperatePhase reports whether any PTU covered by the
// ranges is currently in the Operate phase for the group
func (e *Engine) HasPlanboardItemPtusInOperatePhase(ctx context.Context, store planboard.Store, groupID string, period ptu.Date, ptus []contracts.PTU) (bool, error) {
	for _, v := range contracts.ExpandPTUs(ptus) {
		state, err := store.FindOrCreatePtuState(ctx, contracts.PtuContainer{Period: period, Index: v.Index}, groupID)
		if err != nil {
			return false, fmt.Errorf("load ptu state: %w", err)
		}
		if state.Phase == contracts.PhaseOperate {
			return true, nil
		}
	}
	return false, nil
}

// ValidateIfPTUForPeriodIsNotInPhase fails with PTUS_IN_WRONG_PHASE when
// every PTU of the period for the group is already in one of phases
func (e *Engine) ValidateIfPTUForPeriodIsNotInPhase(ctx context.Context, store planboard.Store, groupID string, period ptu.Date, phases ...contracts.PtuPhase) error {
	states, err := store.FindOrCreatePtuStates(ctx, groupID, period, e.settings.Model.PtusPerDay(period))
	if err != nil {
		return fmt.Errorf("load ptu states: %w", err)
	}
	return ValidateIfAllPTUForPeriodAreNotInPhase(states, phases...)
}

// ValidateIfAllPTUForPeriodAreNotInPhase is ValidateIfPTUForPeriodIsNotInPhase
// over states the caller already loaded. An empty batch passes.
func ValidateIfAllPTUForPeriodAreNotInPhase(states []*contracts.PtuState, phases ...contracts.PtuPhase) error {
	if len(states) == 0 {
		return nil
	}
	for _, s := range states {
		if !inPhases(s.Phase, phases) {
			return nil
		}
	}

	names := make([]string, len(phases))
	for i, p := range phases {
		names[i] = string(p)
	}
	first := states[0]
	return contracts.NewBusinessError(contracts.CodePtusInWrongPhase,
		"all ptus of %s for %s are in phase [%s]", first.Container.Period, first.ConnectionGroupID, strings.Join(names, ", "))
}

func inPhases(p contracts.PtuPhase, phases []contracts.PtuPhase) bool {
	for _, candidate := range phases {
		if p == candidate {
			return true
		}
	}
	return false
}
