package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/events"
	"github.com/wonny/usef/backend/internal/lifecycle"
	"github.com/wonny/usef/backend/internal/pbc"
	"github.com/wonny/usef/backend/internal/planboard"
	"github.com/wonny/usef/backend/internal/ptu"
	"github.com/wonny/usef/backend/internal/transport"
	"github.com/wonny/usef/backend/internal/validation"
	"github.com/wonny/usef/backend/pkg/logger"
)

var (
	amsterdam, _ = time.LoadLocation("Europe/Amsterdam")
	testDay      = ptu.NewDate(2024, time.June, 12)
	testGroup    = "ean.871685900012345678"
	brpGroup     = "brp.example.com"
	dsoDomain    = "dso.example.com"
	agrDomain    = "agr.example.com"
)

func at(d ptu.Date, hour, minute int) time.Time {
	return time.Date(d.Year, d.Month, d.Day, hour, minute, 0, 0, amsterdam)
}

// recordingDispatcher checks every outgoing message against the wire
// schema and keeps it
type recordingDispatcher struct {
	mu      sync.Mutex
	codec   *transport.Codec
	outbox  *transport.Outbox
	sent    []transport.Message
	keys    []*contracts.MessageKey
	invalid []error
}

func newRecordingDispatcher() *recordingDispatcher {
	codec := transport.NewCodec()
	return &recordingDispatcher{
		codec:  codec,
		outbox: transport.NewOutbox(codec, nil, nil, nil, logger.Nop(), dsoDomain, "DSO", 0),
	}
}

func (d *recordingDispatcher) Send(ctx context.Context, msg transport.Message, key *contracts.MessageKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.outbox.Prepare(msg)
	if _, err := d.codec.Encode(msg); err != nil {
		d.invalid = append(d.invalid, err)
	}
	d.sent = append(d.sent, msg)
	d.keys = append(d.keys, key)
	return nil
}

func (d *recordingDispatcher) messages() []transport.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]transport.Message(nil), d.sent...)
}

// recordingPublisher keeps published events instead of handling them
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) ofType(t events.Type) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []events.Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	ctx        context.Context
	now        time.Time
	store      *planboard.MemoryStore
	registry   *pbc.Registry
	dispatcher *recordingDispatcher
	publisher  *recordingPublisher
	deps       Deps
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	f := &fixture{
		ctx:        context.Background(),
		now:        now,
		store:      planboard.NewMemoryStore(),
		dispatcher: newRecordingDispatcher(),
		publisher:  &recordingPublisher{},
	}
	clock := func() time.Time { return f.now }
	f.store.SetClock(clock)

	f.registry = pbc.NewRegistry(logger.Nop(), pbc.DefaultDefinitions())
	pbc.RegisterDefaults(f.registry)

	settings := validation.Settings{
		Domain:                  dsoDomain,
		TimeZone:                "Europe/Amsterdam",
		Currency:                "EUR",
		PtuDuration:             15,
		GateClosurePtus:         8,
		IntradayGateClosurePtus: 4,
		DayAheadGateClosure:     14 * time.Hour,
		Model:                   ptu.NewModel(amsterdam, 15),
	}
	f.deps = Deps{
		Store:      f.store,
		PBC:        f.registry,
		Events:     f.publisher,
		Dispatcher: f.dispatcher,
		Sequences:  NewLocalSequencer(),
		Engine:     validation.New(settings).WithClock(clock),
		Validator:  lifecycle.NewValidator(logger.Nop()).WithClock(clock),
		Log:        logger.Nop(),
		Now:        clock,
	}
	return f
}

func (f *fixture) addGroup(t *testing.T, id string, typ contracts.ConnectionGroupType, participant string) {
	t.Helper()
	require.NoError(t, f.store.StoreConnectionGroup(f.ctx, contracts.ConnectionGroup{
		USEFIdentifier:    id,
		Type:              typ,
		ParticipantDomain: participant,
		AggregatorDomain:  agrDomain,
	}))
	require.NoError(t, f.store.StoreConnection(f.ctx, contracts.Connection{
		EntityAddress:     "conn." + id,
		ConnectionGroupID: id,
		ValidFrom:         ptu.NewDate(2024, time.January, 1),
	}))
}

func (f *fixture) storeMessage(t *testing.T, msg contracts.PlanboardMessage) *contracts.PlanboardMessage {
	t.Helper()
	require.NoError(t, f.store.StorePlanboardMessage(f.ctx, &msg))
	return &msg
}

func (f *fixture) message(t *testing.T, docType contracts.DocumentType, seq int64, domain string) *contracts.PlanboardMessage {
	t.Helper()
	msg, err := f.store.FindSinglePlanboardMessage(f.ctx, seq, docType, domain)
	require.NoError(t, err)
	return msg
}

// storeOffer stores an accepted flex offer for testGroup covering the
// given PTUs with one power and price
func (f *fixture) storeOffer(t *testing.T, seq, requestSeq int64, day ptu.Date, indices []int, power int64, price string) {
	t.Helper()
	var ptus []contracts.PtuFlexOffer
	for _, i := range indices {
		ptus = append(ptus, contracts.PtuFlexOffer{
			Container:           contracts.PtuContainer{Period: day, Index: i},
			ConnectionGroupID:   testGroup,
			ParticipantDomain:   agrDomain,
			Sequence:            seq,
			FlexRequestSequence: requestSeq,
			Power:               power,
			Price:               decimal.RequireFromString(price),
		})
	}
	require.NoError(t, f.store.StoreFlexOffers(f.ctx, ptus))
	f.storeMessage(t, contracts.PlanboardMessage{
		DocumentType:      contracts.DocumentFlexOffer,
		Sequence:          seq,
		OriginSequence:    requestSeq,
		Status:            contracts.StatusAccepted,
		ParticipantDomain: agrDomain,
		Period:            day,
		ConnectionGroupID: testGroup,
	})
}

// storeOrder stores a flex order in the given status ordering the offer
func (f *fixture) storeOrder(t *testing.T, seq, offerSeq int64, day ptu.Date, indices []int, power int64, price string, status contracts.DocumentStatus) {
	t.Helper()
	var ptus []contracts.PtuFlexOrder
	for _, i := range indices {
		ptus = append(ptus, contracts.PtuFlexOrder{
			Container:         contracts.PtuContainer{Period: day, Index: i},
			ConnectionGroupID: testGroup,
			ParticipantDomain: agrDomain,
			Sequence:          seq,
			FlexOfferSequence: offerSeq,
			Power:             power,
			Price:             decimal.RequireFromString(price),
		})
	}
	require.NoError(t, f.store.StoreFlexOrders(f.ctx, ptus))
	f.storeMessage(t, contracts.PlanboardMessage{
		DocumentType:      contracts.DocumentFlexOrder,
		Sequence:          seq,
		OriginSequence:    offerSeq,
		Status:            status,
		ParticipantDomain: agrDomain,
		Period:            day,
		ConnectionGroupID: testGroup,
	})
}

func (f *fixture) requireValidWire(t *testing.T) {
	t.Helper()
	f.dispatcher.mu.Lock()
	defer f.dispatcher.mu.Unlock()
	require.Empty(t, f.dispatcher.invalid)
}

func sentOfType[T transport.Message](d *recordingDispatcher) []T {
	var out []T
	for _, m := range d.messages() {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
