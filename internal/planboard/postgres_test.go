package planboard

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/ptu"
	"github.com/wonny/usef/backend/pkg/config"
	"github.com/wonny/usef/backend/pkg/database"
)

// openTestStore connects to DATABASE_URL and skips when the planboard
// schema has not been provisioned there
func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	cfg, err := config.Load()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	var exists bool
	require.NoError(t, db.Pool.QueryRow(ctx, `SELECT to_regclass('planboard.ptu_state') IS NOT NULL`).Scan(&exists))
	if !exists {
		t.Skip("planboard schema not provisioned, skipping integration test")
	}
	return NewPostgresStore(db)
}

// uniqueSequence keeps reruns against the same database apart
func uniqueSequence() int64 {
	return time.Now().UnixMicro()
}

func TestPostgresPtuStateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	group := "it.pg." + time.Now().Format("150405.000000")
	day := ptu.NewDate(2031, time.January, 15)

	states, err := s.FindOrCreatePtuStates(ctx, group, day, 96)
	require.NoError(t, err)
	require.Len(t, states, 96)
	assert.Equal(t, contracts.PhasePlanNew, states[0].Phase)

	err = s.InTx(ctx, func(tx Store) error {
		st, err := tx.FindOrCreatePtuState(ctx, contracts.PtuContainer{Period: day, Index: 10}, group)
		if err != nil {
			return err
		}
		st.Phase = contracts.PhaseOperate
		return tx.UpdatePtuState(ctx, st)
	})
	require.NoError(t, err)

	again, err := s.FindOrCreatePtuState(ctx, contracts.PtuContainer{Period: day, Index: 10}, group)
	require.NoError(t, err)
	assert.Equal(t, contracts.PhaseOperate, again.Phase)
}

func TestPostgresMessageDuplicateAndRollback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seq := uniqueSequence()

	msg := &contracts.PlanboardMessage{
		DocumentType:      contracts.DocumentFlexOffer,
		Sequence:          seq,
		Status:            contracts.StatusReceived,
		ParticipantDomain: "agr.it.example.com",
		Period:            ptu.NewDate(2031, time.January, 15),
	}
	require.NoError(t, s.StorePlanboardMessage(ctx, msg))
	assert.NotZero(t, msg.ID)

	dup := *msg
	assert.ErrorIs(t, s.StorePlanboardMessage(ctx, &dup), contracts.ErrDuplicate)

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx Store) error {
		m := *msg
		m.Status = contracts.StatusAccepted
		if err := tx.UpdatePlanboardMessage(ctx, &m); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	found, err := s.FindSinglePlanboardMessage(ctx, seq, contracts.DocumentFlexOffer, "agr.it.example.com")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusReceived, found.Status)
}

func TestPostgresFlexOfferPrice(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seq := uniqueSequence()
	day := ptu.NewDate(2031, time.January, 16)

	require.NoError(t, s.StoreFlexOffers(ctx, []contracts.PtuFlexOffer{
		{Container: contracts.PtuContainer{Period: day, Index: 1}, ConnectionGroupID: "it.cp", ParticipantDomain: "agr.it", Sequence: seq, Power: 500, Price: decimal.RequireFromString("3.14159")},
		{Container: contracts.PtuContainer{Period: day, Index: 2}, ConnectionGroupID: "it.cp", ParticipantDomain: "agr.it", Sequence: seq, Power: 600, Price: decimal.RequireFromString("2.5")},
	}))

	offers, err := s.FindFlexOffers(ctx, contracts.FlexFilter{Sequence: seq})
	require.NoError(t, err)
	require.Len(t, offers, 2)
	assert.True(t, decimal.RequireFromString("3.14159").Equal(offers[0].Price))
	assert.Equal(t, day, offers[1].Container.Period)
}
