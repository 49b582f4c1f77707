package inbound

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/transport"
)

func TestHandleResponsesMoveSentDocuments(t *testing.T) {
	f := newFixture(t, at(testDay.AddDays(-1), 10, 0), agrDomain, "AGR")
	for _, m := range []contracts.PlanboardMessage{
		{DocumentType: contracts.DocumentDPrognosis, Sequence: 100},
		{DocumentType: contracts.DocumentFlexOffer, Sequence: 300},
		{DocumentType: contracts.DocumentFlexOrder, Sequence: 700},
	} {
		m.Status = contracts.StatusSent
		m.ParticipantDomain = dsoDomain
		m.Period = testDay
		m.ConnectionGroupID = testGroup
		f.storeMessage(t, m)
	}

	res := f.handle(t, &transport.PrognosisResponse{PrognosisSequence: 100, Result: transport.ResultAccepted}, dsoDomain, "DSO")
	require.True(t, res.Accepted, res.Reason)
	assert.Equal(t, contracts.StatusAccepted, f.message(t, contracts.DocumentDPrognosis, 100, dsoDomain).Status)

	res = f.handle(t, &transport.FlexOfferResponse{
		FlexOfferSequence: 300,
		Result:            transport.ResultRejected,
		RejectionReason:   "price too high",
	}, dsoDomain, "DSO")
	require.True(t, res.Accepted, res.Reason)
	assert.Equal(t, contracts.StatusRejected, f.message(t, contracts.DocumentFlexOffer, 300, dsoDomain).Status)

	res = f.handle(t, &transport.FlexOrderResponse{FlexOrderSequence: 700, Result: transport.ResultAccepted}, dsoDomain, "DSO")
	require.True(t, res.Accepted, res.Reason)
	assert.Equal(t, contracts.StatusAccepted, f.message(t, contracts.DocumentFlexOrder, 700, dsoDomain).Status)

	// a repeated answer changes nothing
	res = f.handle(t, &transport.FlexOrderResponse{FlexOrderSequence: 700, Result: transport.ResultAccepted}, dsoDomain, "DSO")
	assert.True(t, res.Accepted)

	assert.Empty(t, f.dispatcher.messages(), "responses are never answered")
}

func TestHandleResponseForUnknownDocument(t *testing.T) {
	f := newFixture(t, at(testDay.AddDays(-1), 10, 0), agrDomain, "AGR")
	f.storeMessage(t, contracts.PlanboardMessage{
		DocumentType:      contracts.DocumentFlexOffer,
		Sequence:          300,
		Status:            contracts.StatusSent,
		ParticipantDomain: dsoDomain,
		Period:            testDay,
	})

	res := f.handle(t, &transport.FlexOrderResponse{FlexOrderSequence: 999, Result: transport.ResultAccepted}, dsoDomain, "DSO")
	assert.False(t, res.Accepted)
	assert.Equal(t, contracts.CodeRelatedMessageNotFound, res.Code)

	// the sequence exists but names a different document type
	res = f.handle(t, &transport.FlexOrderResponse{FlexOrderSequence: 300, Result: transport.ResultAccepted}, dsoDomain, "DSO")
	assert.False(t, res.Accepted)
	assert.Equal(t, contracts.CodeRelatedMessageNotFound, res.Code)
	assert.Equal(t, contracts.StatusSent, f.message(t, contracts.DocumentFlexOffer, 300, dsoDomain).Status)
}

func TestHandleResponseForProcessedDocument(t *testing.T) {
	f := newFixture(t, at(testDay.AddDays(-1), 10, 0), agrDomain, "AGR")
	f.storeMessage(t, contracts.PlanboardMessage{
		DocumentType:      contracts.DocumentFlexOffer,
		Sequence:          300,
		Status:            contracts.StatusProcessed,
		ParticipantDomain: dsoDomain,
		Period:            testDay,
	})

	res := f.handle(t, &transport.FlexOfferResponse{FlexOfferSequence: 300, Result: transport.ResultRejected}, dsoDomain, "DSO")
	assert.False(t, res.Accepted)
	assert.Equal(t, contracts.CodeIllegalStatusTransition, res.Code)
}

func TestHandleRevocationResponseIsLogged(t *testing.T) {
	f := newFixture(t, at(testDay.AddDays(-1), 10, 0), agrDomain, "AGR")

	res := f.handle(t, &transport.FlexOfferRevocationResponse{Result: transport.ResultRejected, RejectionReason: "ptus in operate"}, dsoDomain, "DSO")
	assert.True(t, res.Accepted)
	assert.Empty(t, f.dispatcher.messages())
}
