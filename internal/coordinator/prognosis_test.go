package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/ptu"
	"github.com/wonny/usef/backend/internal/reconcile"
	"github.com/wonny/usef/backend/internal/transport"
)

func (f *fixture) storeSnapshot(t *testing.T, group string, day ptu.Date, ptus map[int]*reconcile.PowerData) {
	t.Helper()
	require.NoError(t, f.store.StorePortfolioSnapshot(f.ctx, contracts.PortfolioSnapshot{
		ConnectionGroupID: group,
		Period:            day,
		Ptus:              ptus,
	}))
}

func (f *fixture) setPhase(t *testing.T, group string, day ptu.Date, phase contracts.PtuPhase) {
	t.Helper()
	states, err := f.store.FindOrCreatePtuStates(f.ctx, group, day, 96)
	require.NoError(t, err)
	for _, s := range states {
		s.Phase = phase
		require.NoError(t, f.store.UpdatePtuState(f.ctx, s))
	}
}

func TestRecreatePrognosesPerGroupType(t *testing.T) {
	f := newFixture(t, at(testDay.AddDays(-1), 10, 0))
	f.addGroup(t, testGroup, contracts.CongestionPoint, dsoDomain)
	f.addGroup(t, brpGroup, contracts.BrpConnectionGroup, "brp.example.com")
	f.addGroup(t, "agr.example.com", contracts.AgrConnectionGroup, "")

	f.storeSnapshot(t, testGroup, testDay, map[int]*reconcile.PowerData{
		1: {UncontrolledLoad: reconcile.Value(100)},
		2: {UncontrolledLoad: reconcile.Value(100)},
		3: {UncontrolledLoad: reconcile.Value(300), AllocatedFlexProduction: reconcile.Value(50)},
	})
	f.storeSnapshot(t, brpGroup, testDay, map[int]*reconcile.PowerData{})
	f.storeSnapshot(t, "agr.example.com", testDay, map[int]*reconcile.PowerData{})

	c := NewPrognosisCoordinator(f.deps)
	created, err := c.Recreate(f.ctx, testDay)
	require.NoError(t, err)
	assert.Equal(t, 2, created, "agr groups get no prognosis")

	dprog, err := f.store.FindPlanboardMessages(f.ctx, contracts.MessageFilter{DocumentType: contracts.DocumentDPrognosis})
	require.NoError(t, err)
	require.Len(t, dprog, 1)
	assert.Equal(t, contracts.StatusSent, dprog[0].Status)
	assert.Equal(t, dsoDomain, dprog[0].ParticipantDomain)
	assert.Equal(t, testGroup, dprog[0].ConnectionGroupID)

	aplan, err := f.store.FindPlanboardMessages(f.ctx, contracts.MessageFilter{DocumentType: contracts.DocumentAPlan})
	require.NoError(t, err)
	require.Len(t, aplan, 1)
	assert.Equal(t, "brp.example.com", aplan[0].ParticipantDomain)

	rows, err := f.store.FindPrognoses(f.ctx, contracts.FlexFilter{Sequence: dprog[0].Sequence})
	require.NoError(t, err)
	assert.Len(t, rows, 96, "every ptu of the day carries a value")

	wire := sentOfType[*transport.Prognosis](f.dispatcher)
	require.Len(t, wire, 2)
	var dso *transport.Prognosis
	for _, w := range wire {
		if w.Type == "D-Prognosis" {
			dso = w
		}
	}
	require.NotNil(t, dso)
	assert.Equal(t, testGroup, dso.CongestionPoint)
	assert.Equal(t, "PT15M", dso.PTUDuration)
	assert.Equal(t, dprog[0].Sequence, dso.Sequence)
	assert.Equal(t, dsoDomain, dso.Meta().RecipientDomain)
	require.Len(t, dso.PTUs, 3)
	assert.Equal(t, 1, dso.PTUs[0].Start)
	assert.Equal(t, int64(100), dso.PTUs[0].Power)
	assert.Equal(t, 3, dso.PTUs[1].Start)
	assert.Equal(t, int64(250), dso.PTUs[1].Power)
	assert.Equal(t, 4, dso.PTUs[2].Start)
	assert.Equal(t, int64(0), dso.PTUs[2].Power)
	assert.Nil(t, dso.PTUs[0].Price)

	f.requireValidWire(t)
}

func TestRecreatePrognosesSkipsOperatingDay(t *testing.T) {
	f := newFixture(t, at(testDay, 10, 0))
	f.addGroup(t, testGroup, contracts.CongestionPoint, dsoDomain)
	f.storeSnapshot(t, testGroup, testDay, map[int]*reconcile.PowerData{
		1: {UncontrolledLoad: reconcile.Value(100)},
	})
	f.setPhase(t, testGroup, testDay, contracts.PhaseOperate)

	c := NewPrognosisCoordinator(f.deps)
	created, err := c.Recreate(f.ctx, testDay)
	require.NoError(t, err)
	assert.Zero(t, created)
	assert.Empty(t, f.dispatcher.messages())
}

func TestRecreatePrognosesSkipsUnknownGroup(t *testing.T) {
	f := newFixture(t, at(testDay.AddDays(-1), 10, 0))
	f.storeSnapshot(t, "ean.000000000000000001", testDay, map[int]*reconcile.PowerData{})

	created, err := NewPrognosisCoordinator(f.deps).Recreate(f.ctx, testDay)
	require.NoError(t, err)
	assert.Zero(t, created)
}
