package planboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/ptu"
)

var (
	testDay   = ptu.NewDate(2024, time.June, 12)
	testGroup = "ean.871685900012345678"
	testAgr   = "agr.example.com"
)

func newTestStore() *MemoryStore {
	s := NewMemoryStore()
	s.SetClock(func() time.Time { return time.Date(2024, 6, 11, 12, 0, 0, 0, time.UTC) })
	return s
}

func TestFindOrCreatePtuStateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	container := contracts.PtuContainer{Period: testDay, Index: 12}

	first, err := s.FindOrCreatePtuState(ctx, container, testGroup)
	require.NoError(t, err)
	assert.Equal(t, contracts.PhasePlanNew, first.Phase)

	first.Phase = contracts.PhaseOperate
	require.NoError(t, s.UpdatePtuState(ctx, first))

	again, err := s.FindOrCreatePtuState(ctx, container, testGroup)
	require.NoError(t, err)
	assert.Equal(t, contracts.PhaseOperate, again.Phase)

	other, err := s.FindOrCreatePtuState(ctx, container, "ean.other")
	require.NoError(t, err)
	assert.Equal(t, contracts.PhasePlanNew, other.Phase)

	_, err = s.FindOrCreatePtuContainer(ctx, testDay, 0)
	assert.Error(t, err)
}

func TestFindOrCreatePtuStatesCoversDay(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	states, err := s.FindOrCreatePtuStates(ctx, testGroup, testDay, 96)
	require.NoError(t, err)
	require.Len(t, states, 96)
	assert.Equal(t, 1, states[0].Container.Index)
	assert.Equal(t, 96, states[95].Container.Index)

	found, err := s.FindPtuStates(ctx, testDay, "")
	require.NoError(t, err)
	assert.Len(t, found, 96)
}

func TestUpdateMissingPtuState(t *testing.T) {
	s := newTestStore()
	err := s.UpdatePtuState(context.Background(), &contracts.PtuState{
		Container:         contracts.PtuContainer{Period: testDay, Index: 1},
		ConnectionGroupID: testGroup,
		Phase:             contracts.PhaseOperate,
	})
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestPlanboardMessageUniqueness(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	msg := &contracts.PlanboardMessage{
		DocumentType:      contracts.DocumentFlexRequest,
		Sequence:          100,
		Status:            contracts.StatusReceived,
		ParticipantDomain: "dso.example.com",
		Period:            testDay,
	}
	require.NoError(t, s.StorePlanboardMessage(ctx, msg))
	assert.NotZero(t, msg.ID)

	dup := *msg
	dup.ID = 0
	err := s.StorePlanboardMessage(ctx, &dup)
	assert.ErrorIs(t, err, contracts.ErrDuplicate)

	// same sequence, other type is a different message
	offer := *msg
	offer.DocumentType = contracts.DocumentFlexOffer
	require.NoError(t, s.StorePlanboardMessage(ctx, &offer))

	found, err := s.FindSinglePlanboardMessage(ctx, 100, contracts.DocumentFlexRequest, "dso.example.com")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, found.ID)

	_, err = s.FindSinglePlanboardMessage(ctx, 101, contracts.DocumentFlexRequest, "dso.example.com")
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	bySeq, err := s.FindPlanboardMessagesBySequence(ctx, 100, "dso.example.com")
	require.NoError(t, err)
	assert.Len(t, bySeq, 2)
}

func TestFindPlanboardMessagesFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	expiry := time.Date(2024, 6, 11, 18, 0, 0, 0, time.UTC)

	msgs := []*contracts.PlanboardMessage{
		{DocumentType: contracts.DocumentFlexOffer, Sequence: 1, Status: contracts.StatusAccepted, ParticipantDomain: testAgr, Period: testDay},
		{DocumentType: contracts.DocumentFlexOffer, Sequence: 2, Status: contracts.StatusRejected, ParticipantDomain: testAgr, Period: testDay},
		{DocumentType: contracts.DocumentFlexOffer, Sequence: 3, Status: contracts.StatusAccepted, ParticipantDomain: testAgr, Period: testDay.AddDays(1)},
		{DocumentType: contracts.DocumentMeterDataQuery, Sequence: 4, Status: contracts.StatusSent, ParticipantDomain: "mdc.example.com", Period: testDay, ExpirationDate: &expiry},
	}
	for _, m := range msgs {
		require.NoError(t, s.StorePlanboardMessage(ctx, m))
	}

	tests := []struct {
		name   string
		filter contracts.MessageFilter
		want   []int64
	}{
		{"by type", contracts.MessageFilter{DocumentType: contracts.DocumentFlexOffer}, []int64{1, 2, 3}},
		{"by status", contracts.MessageFilter{DocumentType: contracts.DocumentFlexOffer, Statuses: []contracts.DocumentStatus{contracts.StatusAccepted}}, []int64{1, 3}},
		{"by period", contracts.MessageFilter{PeriodStart: testDay, PeriodEnd: testDay}, []int64{1, 2, 4}},
		{"expired", contracts.MessageFilter{ExpiredAt: ptrTime(expiry.Add(time.Minute))}, []int64{4}},
		{"expired at boundary", contracts.MessageFilter{ExpiredAt: &expiry}, []int64{4}},
		{"not yet expired", contracts.MessageFilter{ExpiredAt: ptrTime(expiry.Add(-time.Second))}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found, err := s.FindPlanboardMessages(ctx, tt.filter)
			require.NoError(t, err)
			var seqs []int64
			for _, m := range found {
				seqs = append(seqs, m.Sequence)
			}
			assert.Equal(t, tt.want, seqs)
		})
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Store) error {
		if err := tx.StorePlanboardMessage(ctx, &contracts.PlanboardMessage{
			DocumentType: contracts.DocumentFlexOrder, Sequence: 7, ParticipantDomain: testAgr, Period: testDay,
		}); err != nil {
			return err
		}
		state, err := tx.FindOrCreatePtuState(ctx, contracts.PtuContainer{Period: testDay, Index: 1}, testGroup)
		if err != nil {
			return err
		}
		state.Phase = contracts.PhaseOperate
		if err := tx.UpdatePtuState(ctx, state); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.FindSinglePlanboardMessage(ctx, 7, contracts.DocumentFlexOrder, testAgr)
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	states, err := s.FindPtuStates(ctx, testDay, testGroup)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestInTxCommitsAndNests(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	err := s.InTx(ctx, func(tx Store) error {
		return tx.InTx(ctx, func(inner Store) error {
			return inner.StoreFlexOffers(ctx, []contracts.PtuFlexOffer{{
				Container:         contracts.PtuContainer{Period: testDay, Index: 3},
				ConnectionGroupID: testGroup,
				ParticipantDomain: testAgr,
				Sequence:          55,
				Power:             -1200,
				Price:             decimal.RequireFromString("12.50"),
			}})
		})
	})
	require.NoError(t, err)

	offers, err := s.FindFlexOffers(ctx, contracts.FlexFilter{Sequence: 55})
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.True(t, decimal.RequireFromString("12.5").Equal(offers[0].Price))
}

func TestInTxHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newTestStore()

	err := s.InTx(ctx, func(tx Store) error {
		cancel()
		return tx.StoreConnectionGroup(ctx, contracts.ConnectionGroup{USEFIdentifier: testGroup})
	})
	require.Error(t, err)

	_, err = s.FindConnectionGroup(context.Background(), testGroup)
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestFindActiveConnectionGroups(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	may := ptu.NewDate(2024, time.May, 1)
	mayEnd := may.LastOfMonth()

	for _, id := range []string{"cp.a", "cp.b", "cp.c"} {
		require.NoError(t, s.StoreConnectionGroup(ctx, contracts.ConnectionGroup{USEFIdentifier: id, Type: contracts.CongestionPoint}))
	}
	endsInMay := ptu.NewDate(2024, time.May, 10)
	startsJune := ptu.NewDate(2024, time.June, 1)

	require.NoError(t, s.StoreConnection(ctx, contracts.Connection{EntityAddress: "ean.1", ConnectionGroupID: "cp.a", ValidFrom: ptu.NewDate(2023, time.January, 1)}))
	require.NoError(t, s.StoreConnection(ctx, contracts.Connection{EntityAddress: "ean.2", ConnectionGroupID: "cp.b", ValidFrom: ptu.NewDate(2024, time.April, 1), ValidUntil: &endsInMay}))
	require.NoError(t, s.StoreConnection(ctx, contracts.Connection{EntityAddress: "ean.3", ConnectionGroupID: "cp.c", ValidFrom: startsJune}))

	groups, err := s.FindActiveConnectionGroups(ctx, may, mayEnd)
	require.NoError(t, err)
	var ids []string
	for _, g := range groups {
		ids = append(ids, g.USEFIdentifier)
	}
	assert.Equal(t, []string{"cp.a", "cp.b"}, ids)

	conns, err := s.FindActiveConnections(ctx, "cp.b", ptu.NewDate(2024, time.May, 10))
	require.NoError(t, err)
	assert.Empty(t, conns)

	err = s.StoreConnection(ctx, contracts.Connection{EntityAddress: "ean.4", ConnectionGroupID: "cp.missing", ValidFrom: may})
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestMeterDataUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	c := contracts.PtuContainer{Period: testDay, Index: 5}

	require.NoError(t, s.StoreMeterData(ctx, []contracts.MeterData{{Container: c, ConnectionGroupID: testGroup, Power: 100}}))
	require.NoError(t, s.StoreMeterData(ctx, []contracts.MeterData{{Container: c, ConnectionGroupID: testGroup, Power: 150}}))

	data, err := s.FindMeterData(ctx, testGroup, testDay, testDay)
	require.NoError(t, err)
	require.Len(t, data, 1)
	assert.Equal(t, int64(150), data[0].Power)
}

func TestStoreSettlementRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	st := &contracts.FlexOrderSettlement{Sequence: 9, OrderSequence: 3, Period: testDay, Ptus: []contracts.PtuSettlement{{Index: 1}}}

	require.NoError(t, s.StoreSettlement(ctx, st))
	assert.ErrorIs(t, s.StoreSettlement(ctx, st), contracts.ErrDuplicate)

	found, err := s.FindSettlements(ctx, testDay.FirstOfMonth(), testDay.LastOfMonth())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.False(t, found[0].CreatedAt.IsZero())
}

func TestLatestPrognoses(t *testing.T) {
	ptus := []contracts.PtuPrognosis{
		{Container: contracts.PtuContainer{Period: testDay, Index: 2}, ConnectionGroupID: testGroup, Sequence: 10, Power: 1},
		{Container: contracts.PtuContainer{Period: testDay, Index: 1}, ConnectionGroupID: testGroup, Sequence: 20, Power: 2},
		{Container: contracts.PtuContainer{Period: testDay, Index: 2}, ConnectionGroupID: testGroup, Sequence: 20, Power: 3},
		{Container: contracts.PtuContainer{Period: testDay, Index: 1}, ConnectionGroupID: "ean.other", Sequence: 5, Power: 4},
	}

	latest := LatestPrognoses(ptus)
	require.Len(t, latest, 3)
	assert.Equal(t, int64(5), latest[0].Sequence)
	assert.Equal(t, int64(20), latest[1].Sequence)
	assert.Equal(t, 1, latest[1].Container.Index)
	assert.Equal(t, 2, latest[2].Container.Index)
}

func TestGroupBySequence(t *testing.T) {
	offers := OffersBySequence([]contracts.PtuFlexOffer{{Sequence: 1}, {Sequence: 2}, {Sequence: 1}})
	assert.Len(t, offers[1], 2)
	assert.Len(t, offers[2], 1)

	orders := OrdersBySequence([]contracts.PtuFlexOrder{{Sequence: 4}})
	assert.Len(t, orders[4], 1)
}
