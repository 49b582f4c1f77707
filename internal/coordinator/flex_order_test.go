package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/pbc"
	"github.com/wonny/usef/backend/internal/ptu"
	"github.com/wonny/usef/backend/internal/transport"
)

func selectOffers(seqs ...int64) pbc.Step {
	return func(ctx context.Context, in pbc.Context) (pbc.Context, error) {
		out := in.Clone()
		out[pbc.KeyAcceptedFlexOfferSequences] = append([]int64{}, seqs...)
		return out, nil
	}
}

// storePlanChain stores an A-Plan awaiting flex trading and the flex
// request derived from it
func (f *fixture) storePlanChain(t *testing.T, planSeq, requestSeq int64) {
	t.Helper()
	f.storeMessage(t, contracts.PlanboardMessage{
		DocumentType:      contracts.DocumentAPlan,
		Sequence:          planSeq,
		Status:            contracts.StatusPendingFlexTrading,
		ParticipantDomain: agrDomain,
		Period:            testDay,
		ConnectionGroupID: brpGroup,
	})
	f.storeMessage(t, contracts.PlanboardMessage{
		DocumentType:      contracts.DocumentFlexRequest,
		Sequence:          requestSeq,
		OriginSequence:    planSeq,
		Status:            contracts.StatusSent,
		ParticipantDomain: agrDomain,
		Period:            testDay,
		ConnectionGroupID: testGroup,
	})
}

func TestPlaceFlexOrdersOrdersAcceptedOffer(t *testing.T) {
	f := newFixture(t, at(testDay.AddDays(-1), 10, 0))
	f.storeOffer(t, 300, 0, testDay, []int{41, 42, 43, 44}, -1000, "10.00")

	c := NewFlexOrderCoordinator(f.deps)
	placed, err := c.PlaceFlexOrders(f.ctx, ptu.Date{})
	require.NoError(t, err)
	assert.Equal(t, 1, placed)

	assert.Equal(t, contracts.StatusProcessed, f.message(t, contracts.DocumentFlexOffer, 300, agrDomain).Status)

	orders, err := f.store.FindPlanboardMessages(f.ctx, contracts.MessageFilter{DocumentType: contracts.DocumentFlexOrder})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	order := orders[0]
	assert.Equal(t, contracts.StatusSent, order.Status)
	assert.Equal(t, int64(300), order.OriginSequence)
	assert.Equal(t, agrDomain, order.ParticipantDomain)
	assert.Equal(t, testGroup, order.ConnectionGroupID)

	ptus, err := f.store.FindFlexOrders(f.ctx, contracts.FlexFilter{Sequence: order.Sequence})
	require.NoError(t, err)
	require.Len(t, ptus, 4)
	for _, p := range ptus {
		assert.Equal(t, int64(300), p.FlexOfferSequence)
		assert.Equal(t, int64(-1000), p.Power)
	}

	wire := sentOfType[*transport.FlexOrder](f.dispatcher)
	require.Len(t, wire, 1)
	assert.Equal(t, transport.Critical, wire[0].Meta().Precedence)
	assert.Equal(t, "AGR", wire[0].Meta().RecipientRole)
	assert.Equal(t, order.Sequence, wire[0].Sequence)
	assert.Equal(t, int64(300), wire[0].FlexOfferSequence)
	require.Len(t, wire[0].PTUs, 1)
	assert.Equal(t, 41, wire[0].PTUs[0].Start)
	assert.Equal(t, 4, wire[0].PTUs[0].Duration)
	require.NotNil(t, wire[0].PTUs[0].Price)
	assert.True(t, decimal.RequireFromString("10").Equal(*wire[0].PTUs[0].Price))
	f.requireValidWire(t)

	// a second run finds nothing left to order
	placed, err = c.PlaceFlexOrders(f.ctx, ptu.Date{})
	require.NoError(t, err)
	assert.Zero(t, placed)
}

func TestPlaceFlexOrdersSkipsOfferInsideGateClosure(t *testing.T) {
	// ptu 41 starts at 10:00, inside the 5 ptu window from 09:00
	f := newFixture(t, at(testDay, 9, 0))
	f.storeOffer(t, 300, 0, testDay, []int{41}, 500, "3.00")

	placed, err := NewFlexOrderCoordinator(f.deps).PlaceFlexOrders(f.ctx, testDay)
	require.NoError(t, err)
	assert.Zero(t, placed)
	assert.Equal(t, contracts.StatusAccepted, f.message(t, contracts.DocumentFlexOffer, 300, agrDomain).Status)
	assert.Empty(t, f.dispatcher.messages())
}

func TestPlaceFlexOrdersExpiresStaleOffers(t *testing.T) {
	f := newFixture(t, at(testDay.AddDays(-1), 10, 0))
	f.storeOffer(t, 300, 0, testDay, []int{60}, 500, "3.00")

	offer := f.message(t, contracts.DocumentFlexOffer, 300, agrDomain)
	expired := f.now.Add(-time.Minute)
	offer.ExpirationDate = &expired
	require.NoError(t, f.store.UpdatePlanboardMessage(f.ctx, offer))

	placed, err := NewFlexOrderCoordinator(f.deps).PlaceFlexOrders(f.ctx, ptu.Date{})
	require.NoError(t, err)
	assert.Zero(t, placed)
	assert.Equal(t, contracts.StatusExpired, f.message(t, contracts.DocumentFlexOffer, 300, agrDomain).Status)
}

func TestPlaceFlexOrdersApprovesPlanWhenNoOfferOrdered(t *testing.T) {
	f := newFixture(t, at(testDay.AddDays(-1), 10, 0))
	f.storePlanChain(t, 100, 200)
	f.storeOffer(t, 300, 200, testDay, []int{50}, 500, "3.00")
	f.registry.Register(pbc.StepPlaceFlexOrders, selectOffers())

	placed, err := NewFlexOrderCoordinator(f.deps).PlaceFlexOrders(f.ctx, testDay)
	require.NoError(t, err)
	assert.Zero(t, placed)

	assert.Equal(t, contracts.StatusProcessed, f.message(t, contracts.DocumentAPlan, 100, agrDomain).Status)
	assert.Equal(t, contracts.StatusAccepted, f.message(t, contracts.DocumentFlexOffer, 300, agrDomain).Status)

	responses := sentOfType[*transport.PrognosisResponse](f.dispatcher)
	require.Len(t, responses, 1)
	assert.Equal(t, int64(100), responses[0].PrognosisSequence)
	assert.Equal(t, transport.ResultAccepted, responses[0].Result)
	assert.Equal(t, agrDomain, responses[0].Meta().RecipientDomain)
	f.requireValidWire(t)
}

func TestPlaceFlexOrdersKeepsPlanWithOrderedOffer(t *testing.T) {
	f := newFixture(t, at(testDay.AddDays(-1), 10, 0))
	f.storePlanChain(t, 100, 200)
	f.storeOffer(t, 300, 200, testDay, []int{50}, 500, "3.00")
	f.storeOffer(t, 301, 200, testDay, []int{51}, 500, "3.00")
	f.registry.Register(pbc.StepPlaceFlexOrders, selectOffers(301))

	placed, err := NewFlexOrderCoordinator(f.deps).PlaceFlexOrders(f.ctx, testDay)
	require.NoError(t, err)
	assert.Equal(t, 1, placed)

	assert.Equal(t, contracts.StatusPendingFlexTrading, f.message(t, contracts.DocumentAPlan, 100, agrDomain).Status)
	assert.Equal(t, contracts.StatusAccepted, f.message(t, contracts.DocumentFlexOffer, 300, agrDomain).Status)
	assert.Equal(t, contracts.StatusProcessed, f.message(t, contracts.DocumentFlexOffer, 301, agrDomain).Status)
	assert.Empty(t, sentOfType[*transport.PrognosisResponse](f.dispatcher))
}

func TestPlaceFlexOrdersMissingStepOutput(t *testing.T) {
	f := newFixture(t, at(testDay.AddDays(-1), 10, 0))
	f.storeOffer(t, 300, 0, testDay, []int{50}, 500, "3.00")
	f.registry.Register(pbc.StepPlaceFlexOrders, func(ctx context.Context, in pbc.Context) (pbc.Context, error) {
		return in, nil
	})

	_, err := NewFlexOrderCoordinator(f.deps).PlaceFlexOrders(f.ctx, testDay)
	require.Error(t, err)
	assert.True(t, contracts.IsConfigurationError(err))
	assert.Equal(t, contracts.StatusAccepted, f.message(t, contracts.DocumentFlexOffer, 300, agrDomain).Status)
}
