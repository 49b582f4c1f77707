package contracts

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/wonny/usef/backend/internal/ptu"
)

func TestStatusTerminal(t *testing.T) {
	terminal := map[DocumentStatus]bool{
		StatusCreated:            false,
		StatusReceived:           false,
		StatusSent:               false,
		StatusAccepted:           false,
		StatusPendingFlexTrading: false,
		StatusProcessed:          true,
		StatusRejected:           true,
		StatusExpired:            true,
		StatusRevoked:            true,
	}
	for status, want := range terminal {
		assert.Equal(t, want, status.IsTerminal(), string(status))
	}
}

func TestPhaseGroups(t *testing.T) {
	prev := 0
	for _, p := range AllPhases {
		assert.GreaterOrEqual(t, p.Group(), prev, string(p))
		prev = p.Group()
	}
	assert.False(t, PhasePlanValidate.IsOperationallyLocked())
	assert.False(t, PhaseDayAheadClosedValidate.IsOperationallyLocked())
	assert.True(t, PhaseOperate.IsOperationallyLocked())
	assert.True(t, PhaseSettled.IsOperationallyLocked())
	assert.False(t, PtuPhase("BOGUS").IsValid())
}

func TestMessageExpiry(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, (&PlanboardMessage{}).IsExpired(now))
	assert.True(t, (&PlanboardMessage{ExpirationDate: &past}).IsExpired(now))
	assert.True(t, (&PlanboardMessage{ExpirationDate: &now}).IsExpired(now))
	assert.False(t, (&PlanboardMessage{ExpirationDate: &future}).IsExpired(now))
}

func TestMessageFilter(t *testing.T) {
	msg := &PlanboardMessage{
		DocumentType:      DocumentFlexOffer,
		Sequence:          10,
		Status:            StatusAccepted,
		ParticipantDomain: "agr.example.com",
		Period:            ptu.NewDate(2024, time.May, 2),
		ConnectionGroupID: "ean.1",
	}

	assert.True(t, MessageFilter{}.Matches(msg))
	assert.True(t, MessageFilter{
		DocumentType: DocumentFlexOffer,
		PeriodStart:  ptu.NewDate(2024, time.May, 1),
		PeriodEnd:    ptu.NewDate(2024, time.May, 2),
		Statuses:     []DocumentStatus{StatusAccepted, StatusProcessed},
	}.Matches(msg))
	assert.False(t, MessageFilter{PeriodEnd: ptu.NewDate(2024, time.May, 1)}.Matches(msg))
	assert.False(t, MessageFilter{Statuses: []DocumentStatus{StatusSent}}.Matches(msg))
	assert.False(t, MessageFilter{DocumentType: DocumentFlexOrder}.Matches(msg))
}

func TestConnectionValidity(t *testing.T) {
	until := ptu.NewDate(2024, time.March, 1)
	c := Connection{ValidFrom: ptu.NewDate(2024, time.February, 10), ValidUntil: &until}

	assert.False(t, c.ActiveOn(ptu.NewDate(2024, time.February, 9)))
	assert.True(t, c.ActiveOn(ptu.NewDate(2024, time.February, 10)))
	assert.True(t, c.ActiveOn(ptu.NewDate(2024, time.February, 29)))
	assert.False(t, c.ActiveOn(until))

	assert.True(t, c.Overlaps(ptu.NewDate(2024, time.February, 1), ptu.NewDate(2024, time.February, 29)))
	assert.False(t, c.Overlaps(ptu.NewDate(2024, time.March, 1), ptu.NewDate(2024, time.March, 31)))
	assert.False(t, c.Overlaps(ptu.NewDate(2024, time.January, 1), ptu.NewDate(2024, time.January, 31)))
}

func TestCompactPTUs(t *testing.T) {
	price := decimal.RequireFromString("1.5")
	values := []PtuValue{
		{Index: 3, Power: 100, Price: price},
		{Index: 1, Power: 100, Price: price},
		{Index: 2, Power: 100, Price: price},
		{Index: 4, Power: 200, Price: price},
		{Index: 6, Power: 200, Price: price},
	}

	got := CompactPTUs(values)
	assert.Len(t, got, 3)
	assert.Equal(t, 1, got[0].Start)
	assert.Equal(t, 3, got[0].Duration)
	assert.Equal(t, 4, got[1].Start)
	assert.Equal(t, 1, got[1].Duration)
	assert.Equal(t, 6, got[2].Start)

	expanded := ExpandPTUs(got)
	assert.Len(t, expanded, 5)
	assert.Equal(t, 6, expanded[4].Index)
}

func TestSettlementTotals(t *testing.T) {
	s := &FlexOrderSettlement{Ptus: []PtuSettlement{
		{NetSettlement: decimal.RequireFromString("1.25"), Penalty: decimal.RequireFromString("0.10")},
		{NetSettlement: decimal.RequireFromString("2.75"), Penalty: decimal.Zero},
	}}
	assert.True(t, decimal.RequireFromString("4").Equal(s.TotalPrice()))
	assert.True(t, decimal.RequireFromString("0.1").Equal(s.TotalPenalty()))
}
