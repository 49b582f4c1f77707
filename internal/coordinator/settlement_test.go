package coordinator

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/events"
	"github.com/wonny/usef/backend/internal/ptu"
	"github.com/wonny/usef/backend/internal/transport"
)

var (
	monthStart = ptu.NewDate(2024, time.June, 1)
	monthEnd   = ptu.NewDate(2024, time.June, 30)
	mdcDomain  = "mdc.example.com"
)

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

// settlementFixture holds one accepted order of 1000 W at PTU 41 out of an
// offer of 2000 W priced 10.00, and a zero prognosis for that PTU
func settlementFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, at(ptu.NewDate(2024, time.July, 2), 8, 0))
	f.addGroup(t, testGroup, contracts.CongestionPoint, dsoDomain)
	f.storeOffer(t, 300, 0, testDay, []int{41}, 2000, "10.00")
	f.storeOrder(t, 700, 300, testDay, []int{41}, 1000, "10.00", contracts.StatusAccepted)
	require.NoError(t, f.store.StorePrognoses(f.ctx, []contracts.PtuPrognosis{{
		Container:         contracts.PtuContainer{Period: testDay, Index: 41},
		ConnectionGroupID: testGroup,
		ParticipantDomain: dsoDomain,
		Sequence:          650,
		Type:              contracts.DocumentDPrognosis,
		Power:             0,
	}}))
	return f
}

func newSettlement(f *fixture, mdcs ...string) *SettlementCoordinator {
	return NewSettlementCoordinator(f.deps, SettlementOptions{
		MDCDomains:      mdcs,
		QueryExpiration: 24 * time.Hour,
	}, nil)
}

func TestInitiatePublishesCollectForPreviousMonth(t *testing.T) {
	f := newFixture(t, at(ptu.NewDate(2024, time.July, 2), 8, 0))

	from, until, err := newSettlement(f).Initiate(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, monthStart, from)
	assert.Equal(t, monthEnd, until)

	collect := f.publisher.ofType(events.CollectSmartMeterData)
	require.Len(t, collect, 1)
	assert.Equal(t, monthStart, collect[0].Period)
	assert.Equal(t, monthEnd, collect[0].PeriodEnd)
}

func TestCollectWithoutOrdersIsDone(t *testing.T) {
	f := newFixture(t, at(ptu.NewDate(2024, time.July, 2), 8, 0))
	f.addGroup(t, testGroup, contracts.CongestionPoint, dsoDomain)

	require.NoError(t, newSettlement(f, mdcDomain).Collect(f.ctx, monthStart, monthEnd))
	assert.Len(t, f.publisher.ofType(events.CheckInitiateSettlementDone), 1)
	assert.Empty(t, f.dispatcher.messages())
}

func TestCollectWithoutMeterDataCompaniesFinalizes(t *testing.T) {
	f := settlementFixture(t)

	require.NoError(t, newSettlement(f).Collect(f.ctx, monthStart, monthEnd))
	finalize := f.publisher.ofType(events.FinalizeInitiateSettlement)
	require.Len(t, finalize, 1)
	assert.Equal(t, monthEnd, finalize[0].PeriodEnd)
	assert.Empty(t, f.dispatcher.messages())
}

func TestCollectSendsMeterDataQuery(t *testing.T) {
	f := settlementFixture(t)

	require.NoError(t, newSettlement(f, mdcDomain).Collect(f.ctx, monthStart, monthEnd))

	queries, err := f.store.FindPlanboardMessages(f.ctx, contracts.MessageFilter{DocumentType: contracts.DocumentMeterDataQuery})
	require.NoError(t, err)
	require.Len(t, queries, 1)
	q := queries[0]
	assert.Equal(t, contracts.StatusSent, q.Status)
	assert.Equal(t, mdcDomain, q.ParticipantDomain)
	assert.Equal(t, monthStart, q.Period)
	require.NotNil(t, q.ExpirationDate)
	assert.Equal(t, f.now.Add(24*time.Hour), *q.ExpirationDate)

	wire := sentOfType[*transport.MeterDataQuery](f.dispatcher)
	require.Len(t, wire, 1)
	assert.Equal(t, q.Sequence, wire[0].Sequence)
	assert.Equal(t, transport.Routine, wire[0].Meta().Precedence)
	assert.Equal(t, "Usage", wire[0].QueryType)
	assert.Equal(t, []transport.QueryConnection{{ConnectionGroupID: testGroup}}, wire[0].Connections)
	f.requireValidWire(t)
}

func TestSettlementRoundTrip(t *testing.T) {
	f := settlementFixture(t)
	c := newSettlement(f, mdcDomain)

	require.NoError(t, c.Collect(f.ctx, monthStart, monthEnd))
	queries, err := f.store.FindPlanboardMessages(f.ctx, contracts.MessageFilter{DocumentType: contracts.DocumentMeterDataQuery})
	require.NoError(t, err)
	require.Len(t, queries, 1)
	querySeq := queries[0].Sequence

	// outstanding query: finalize waits
	created, err := c.Finalize(f.ctx, monthStart, monthEnd, false)
	require.NoError(t, err)
	assert.Zero(t, created)
	assert.Equal(t, contracts.StatusAccepted, f.message(t, contracts.DocumentFlexOrder, 700, agrDomain).Status)

	require.NoError(t, c.OnMeterData(f.ctx, querySeq, mdcDomain, []contracts.MeterData{{
		Container:         contracts.PtuContainer{Period: testDay, Index: 41},
		ConnectionGroupID: testGroup,
		Power:             600,
	}}))
	assert.Equal(t, contracts.StatusProcessed, f.message(t, contracts.DocumentMeterDataQuery, querySeq, mdcDomain).Status)
	finalize := f.publisher.ofType(events.FinalizeInitiateSettlement)
	require.Len(t, finalize, 1)
	assert.Equal(t, monthStart, finalize[0].Period)
	assert.Equal(t, monthEnd, finalize[0].PeriodEnd)

	// a repeated answer changes nothing
	require.NoError(t, c.OnMeterData(f.ctx, querySeq, mdcDomain, nil))
	assert.Len(t, f.publisher.ofType(events.FinalizeInitiateSettlement), 1)

	created, err = c.Finalize(f.ctx, monthStart, monthEnd, false)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	settlements, err := f.store.FindSettlements(f.ctx, monthStart, monthEnd)
	require.NoError(t, err)
	require.Len(t, settlements, 1)
	s := settlements[0]
	assert.Equal(t, int64(700), s.OrderSequence)
	assert.Equal(t, agrDomain, s.ParticipantDomain)
	require.Len(t, s.Ptus, 1)
	p := s.Ptus[0]
	require.NotNil(t, p.ActualPower)
	assert.Equal(t, int64(600), *p.ActualPower)
	assert.Equal(t, int64(600), p.DeliveredFlexPower)
	assert.Equal(t, int64(400), p.PowerDeficiency)
	assertDecimal(t, "5", p.Price)
	assertDecimal(t, "2", p.Penalty)
	assertDecimal(t, "3", p.NetSettlement)

	assert.Equal(t, contracts.StatusProcessed, f.message(t, contracts.DocumentFlexOrder, 700, agrDomain).Status)
	msg := f.message(t, contracts.DocumentFlexOrderSettlement, s.Sequence, agrDomain)
	assert.Equal(t, contracts.StatusCreated, msg.Status)
	assert.Equal(t, int64(700), msg.OriginSequence)

	states, err := f.store.FindPtuStates(f.ctx, testDay, testGroup)
	require.NoError(t, err)
	for _, st := range states {
		if st.Container.Index == 41 {
			assert.Equal(t, contracts.PhaseSettled, st.Phase)
		}
	}
	assert.NotEmpty(t, f.publisher.ofType(events.CheckInitiateSettlementDone))

	// settling again is a no-op
	created, err = c.Finalize(f.ctx, monthStart, monthEnd, false)
	require.NoError(t, err)
	assert.Zero(t, created)

	sent, err := c.CheckDone(f.ctx, monthStart, monthEnd)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, contracts.StatusSent, f.message(t, contracts.DocumentFlexOrderSettlement, s.Sequence, agrDomain).Status)

	wire := sentOfType[*transport.FlexOrderSettlements](f.dispatcher)
	require.Len(t, wire, 1)
	assert.Equal(t, agrDomain, wire[0].Meta().RecipientDomain)
	require.Len(t, wire[0].Settlements, 1)
	assert.Equal(t, int64(700), wire[0].Settlements[0].OrderReference)
	require.Len(t, wire[0].Settlements[0].PTUs, 1)
	assert.Equal(t, 41, wire[0].Settlements[0].PTUs[0].Start)
	f.requireValidWire(t)

	sent, err = c.CheckDone(f.ctx, monthStart, monthEnd)
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestOnMeterDataForUnknownQuery(t *testing.T) {
	f := settlementFixture(t)

	err := newSettlement(f, mdcDomain).OnMeterData(f.ctx, 999, mdcDomain, nil)
	assert.True(t, contracts.IsBusinessError(err, contracts.CodeRelatedMessageNotFound))
}

func TestSweepFinalizesExpiredQueries(t *testing.T) {
	f := settlementFixture(t)
	c := newSettlement(f, mdcDomain)
	require.NoError(t, c.Collect(f.ctx, monthStart, monthEnd))

	n, err := c.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "query not expired yet")

	f.now = f.now.Add(25 * time.Hour)
	n, err = c.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	queries, err := f.store.FindPlanboardMessages(f.ctx, contracts.MessageFilter{DocumentType: contracts.DocumentMeterDataQuery})
	require.NoError(t, err)
	require.Len(t, queries, 1)
	assert.Equal(t, contracts.StatusExpired, queries[0].Status)

	settlements, err := f.store.FindSettlements(f.ctx, monthStart, monthEnd)
	require.NoError(t, err)
	require.Len(t, settlements, 1)
	p := settlements[0].Ptus[0]
	assert.Nil(t, p.ActualPower)
	assert.Equal(t, int64(1000), p.DeliveredFlexPower, "ordered power counts as delivered without meter data")
	assertDecimal(t, "0", p.Penalty)
	assertDecimal(t, "5", p.NetSettlement)
}

func TestPriceSettlements(t *testing.T) {
	price := decimal.RequireFromString
	orders := []contracts.PtuFlexOrder{
		{Container: contracts.PtuContainer{Period: testDay, Index: 1}, ParticipantDomain: agrDomain, Sequence: 700, FlexOfferSequence: 300, Power: -500, Price: price("8.00")},
		{Container: contracts.PtuContainer{Period: testDay, Index: 2}, ParticipantDomain: agrDomain, Sequence: 700, FlexOfferSequence: 300, Power: 500, Price: price("1.234567")},
	}
	offers := []contracts.PtuFlexOffer{
		{Container: contracts.PtuContainer{Period: testDay, Index: 1}, ParticipantDomain: agrDomain, Sequence: 300, Power: -2000, Price: price("8.00")},
	}
	settlements := []contracts.FlexOrderSettlement{{
		OrderSequence: 700,
		Period:        testDay,
		Ptus:          []contracts.PtuSettlement{{Index: 1}, {Index: 2}, {Index: 3}},
	}}

	PriceSettlements(settlements, orders, offers)

	ptus := settlements[0].Ptus
	assertDecimal(t, "2", ptus[0].Price)
	assertDecimal(t, "1.23457", ptus[1].Price)
	assertDecimal(t, "0", ptus[2].Price)
}
