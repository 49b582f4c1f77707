package planboard

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/ptu"
)

// MemoryStore is an in-process Store for tests and development.
// Transactions run one at a time on a copy of the state that replaces the
// live state on commit, so transactions on different containers and groups
// never overlap, slow PBC steps included. Use PostgresStore where they
// must. Code running inside InTx must use the Store it is handed, never
// the MemoryStore.
type MemoryStore struct {
	mu sync.Mutex
	st *memState
	memView
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{st: newMemState()}
	m.memView = memView{owner: m, now: time.Now}
	return m
}

// SetClock overrides the clock used for timestamps (tests)
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.now = now
}

type forecastKey struct {
	endpoint string
	period   ptu.Date
}

type snapshotKey struct {
	group  string
	period ptu.Date
}

type memState struct {
	containers    map[contracts.PtuContainer]struct{}
	states        map[contracts.PtuStateKey]contracts.PtuState
	messages      map[int64]contracts.PlanboardMessage
	messageIndex  map[contracts.MessageKey]int64
	nextMessageID int64

	groups      map[string]contracts.ConnectionGroup
	connections []contracts.Connection

	flexRequests []contracts.PtuFlexRequest
	flexOffers   []contracts.PtuFlexOffer
	flexOrders   []contracts.PtuFlexOrder
	prognoses    []contracts.PtuPrognosis

	meterData   map[contracts.PtuStateKey]contracts.MeterData
	settlements []contracts.FlexOrderSettlement

	udis         map[string]contracts.Udi
	udiForecasts map[forecastKey]contracts.UdiForecast
	snapshots    map[snapshotKey]contracts.PortfolioSnapshot
}

func newMemState() *memState {
	return &memState{
		containers:   make(map[contracts.PtuContainer]struct{}),
		states:       make(map[contracts.PtuStateKey]contracts.PtuState),
		messages:     make(map[int64]contracts.PlanboardMessage),
		messageIndex: make(map[contracts.MessageKey]int64),
		groups:       make(map[string]contracts.ConnectionGroup),
		meterData:    make(map[contracts.PtuStateKey]contracts.MeterData),
		udis:         make(map[string]contracts.Udi),
		udiForecasts: make(map[forecastKey]contracts.UdiForecast),
		snapshots:    make(map[snapshotKey]contracts.PortfolioSnapshot),
	}
}

// clone copies every collection. Stored values are never mutated in place,
// so sharing nested slices and maps between copies is safe.
func (s *memState) clone() *memState {
	return &memState{
		containers:    maps.Clone(s.containers),
		states:        maps.Clone(s.states),
		messages:      maps.Clone(s.messages),
		messageIndex:  maps.Clone(s.messageIndex),
		nextMessageID: s.nextMessageID,
		groups:        maps.Clone(s.groups),
		connections:   slices.Clone(s.connections),
		flexRequests:  slices.Clone(s.flexRequests),
		flexOffers:    slices.Clone(s.flexOffers),
		flexOrders:    slices.Clone(s.flexOrders),
		prognoses:     slices.Clone(s.prognoses),
		meterData:     maps.Clone(s.meterData),
		settlements:   slices.Clone(s.settlements),
		udis:          maps.Clone(s.udis),
		udiForecasts:  maps.Clone(s.udiForecasts),
		snapshots:     maps.Clone(s.snapshots),
	}
}

// memView implements Store either on the live state (tx == nil, each call
// locks the owner) or on a transaction's working copy.
type memView struct {
	owner *MemoryStore
	tx    *memState
	now   func() time.Time
}

func (v *memView) begin() (*memState, func()) {
	if v.tx != nil {
		return v.tx, func() {}
	}
	v.owner.mu.Lock()
	return v.owner.st, v.owner.mu.Unlock
}

// InTx runs fn on a working copy and publishes it when fn returns nil
func (v *memView) InTx(ctx context.Context, fn func(tx Store) error) error {
	if v.tx != nil {
		return fn(v)
	}

	v.owner.mu.Lock()
	defer v.owner.mu.Unlock()

	work := v.owner.st.clone()
	if err := fn(&memView{owner: v.owner, tx: work, now: v.now}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transaction aborted: %w", err)
	}
	v.owner.st = work
	return nil
}

// ============================================================================
// PTU containers and states
// ============================================================================

func (v *memView) FindOrCreatePtuContainer(ctx context.Context, period ptu.Date, index int) (contracts.PtuContainer, error) {
	st, done := v.begin()
	defer done()
	return st.container(period, index)
}

func (s *memState) container(period ptu.Date, index int) (contracts.PtuContainer, error) {
	if index < 1 {
		return contracts.PtuContainer{}, fmt.Errorf("ptu index %d out of range", index)
	}
	c := contracts.PtuContainer{Period: period, Index: index}
	s.containers[c] = struct{}{}
	return c, nil
}

func (v *memView) FindOrCreatePtuState(ctx context.Context, container contracts.PtuContainer, groupID string) (*contracts.PtuState, error) {
	st, done := v.begin()
	defer done()
	return st.state(container, groupID, v.now())
}

func (s *memState) state(container contracts.PtuContainer, groupID string, now time.Time) (*contracts.PtuState, error) {
	if _, err := s.container(container.Period, container.Index); err != nil {
		return nil, err
	}
	key := contracts.PtuStateKey{Period: container.Period, Index: container.Index, ConnectionGroupID: groupID}
	state, ok := s.states[key]
	if !ok {
		state = contracts.PtuState{
			Container:         container,
			ConnectionGroupID: groupID,
			Phase:             contracts.PhasePlanNew,
			UpdatedAt:         now,
		}
		s.states[key] = state
	}
	return &state, nil
}

func (v *memView) FindOrCreatePtuStates(ctx context.Context, groupID string, period ptu.Date, ptusPerDay int) ([]*contracts.PtuState, error) {
	st, done := v.begin()
	defer done()

	out := make([]*contracts.PtuState, 0, ptusPerDay)
	for i := 1; i <= ptusPerDay; i++ {
		state, err := st.state(contracts.PtuContainer{Period: period, Index: i}, groupID, v.now())
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, nil
}

func (v *memView) FindPtuStates(ctx context.Context, period ptu.Date, groupID string) ([]*contracts.PtuState, error) {
	st, done := v.begin()
	defer done()

	var out []*contracts.PtuState
	for key, state := range st.states {
		if key.Period != period || (groupID != "" && key.ConnectionGroupID != groupID) {
			continue
		}
		s := state
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectionGroupID != out[j].ConnectionGroupID {
			return out[i].ConnectionGroupID < out[j].ConnectionGroupID
		}
		return out[i].Container.Index < out[j].Container.Index
	})
	return out, nil
}

func (v *memView) UpdatePtuState(ctx context.Context, state *contracts.PtuState) error {
	st, done := v.begin()
	defer done()

	key := state.Key()
	if _, ok := st.states[key]; !ok {
		return fmt.Errorf("ptu state %s/%d/%s: %w", key.Period, key.Index, key.ConnectionGroupID, contracts.ErrNotFound)
	}
	updated := *state
	updated.UpdatedAt = v.now()
	st.states[key] = updated
	return nil
}

// ============================================================================
// Planboard messages
// ============================================================================

func (v *memView) StorePlanboardMessage(ctx context.Context, msg *contracts.PlanboardMessage) error {
	st, done := v.begin()
	defer done()

	key := msg.Key()
	if _, exists := st.messageIndex[key]; exists {
		return fmt.Errorf("planboard message %s/%d/%s: %w", key.DocumentType, key.Sequence, key.ParticipantDomain, contracts.ErrDuplicate)
	}

	st.nextMessageID++
	now := v.now()
	msg.ID = st.nextMessageID
	msg.CreatedAt = now
	msg.UpdatedAt = now
	st.messages[msg.ID] = *msg
	st.messageIndex[key] = msg.ID
	return nil
}

func (v *memView) UpdatePlanboardMessage(ctx context.Context, msg *contracts.PlanboardMessage) error {
	st, done := v.begin()
	defer done()

	id, ok := st.messageIndex[msg.Key()]
	if !ok {
		return fmt.Errorf("planboard message %d: %w", msg.Sequence, contracts.ErrNotFound)
	}
	msg.ID = id
	msg.UpdatedAt = v.now()
	st.messages[id] = *msg
	return nil
}

func (v *memView) FindSinglePlanboardMessage(ctx context.Context, sequence int64, documentType contracts.DocumentType, participantDomain string) (*contracts.PlanboardMessage, error) {
	st, done := v.begin()
	defer done()

	id, ok := st.messageIndex[contracts.MessageKey{DocumentType: documentType, Sequence: sequence, ParticipantDomain: participantDomain}]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	msg := st.messages[id]
	return &msg, nil
}

func (v *memView) FindPlanboardMessages(ctx context.Context, filter contracts.MessageFilter) ([]*contracts.PlanboardMessage, error) {
	st, done := v.begin()
	defer done()

	var out []*contracts.PlanboardMessage
	for _, m := range st.messages {
		msg := m
		if filter.Matches(&msg) {
			out = append(out, &msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *memView) FindPlanboardMessagesBySequence(ctx context.Context, sequence int64, participantDomain string) ([]*contracts.PlanboardMessage, error) {
	return v.FindPlanboardMessages(ctx, contracts.MessageFilter{Sequence: sequence, ParticipantDomain: participantDomain})
}

func (v *memView) RecordDeliveryFailure(ctx context.Context, key contracts.MessageKey, reason string) error {
	st, done := v.begin()
	defer done()

	id, ok := st.messageIndex[key]
	if !ok {
		return fmt.Errorf("planboard message %d: %w", key.Sequence, contracts.ErrNotFound)
	}
	msg := st.messages[id]
	msg.DeliveryError = reason
	msg.UpdatedAt = v.now()
	st.messages[id] = msg
	return nil
}

// ============================================================================
// Connection groups
// ============================================================================

func (v *memView) StoreConnectionGroup(ctx context.Context, group contracts.ConnectionGroup) error {
	st, done := v.begin()
	defer done()
	st.groups[group.USEFIdentifier] = group
	return nil
}

func (v *memView) StoreConnection(ctx context.Context, conn contracts.Connection) error {
	st, done := v.begin()
	defer done()

	if _, ok := st.groups[conn.ConnectionGroupID]; !ok {
		return fmt.Errorf("connection group %s: %w", conn.ConnectionGroupID, contracts.ErrNotFound)
	}
	st.connections = append(st.connections, conn)
	return nil
}

func (v *memView) FindConnectionGroup(ctx context.Context, id string) (*contracts.ConnectionGroup, error) {
	st, done := v.begin()
	defer done()

	g, ok := st.groups[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return &g, nil
}

func (v *memView) FindActiveConnectionGroups(ctx context.Context, from, until ptu.Date) ([]contracts.ConnectionGroup, error) {
	st, done := v.begin()
	defer done()

	active := map[string]bool{}
	for _, c := range st.connections {
		if c.Overlaps(from, until) {
			active[c.ConnectionGroupID] = true
		}
	}

	var out []contracts.ConnectionGroup
	for id := range active {
		out = append(out, st.groups[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].USEFIdentifier < out[j].USEFIdentifier })
	return out, nil
}

func (v *memView) FindActiveConnections(ctx context.Context, groupID string, day ptu.Date) ([]contracts.Connection, error) {
	st, done := v.begin()
	defer done()

	var out []contracts.Connection
	for _, c := range st.connections {
		if c.ConnectionGroupID == groupID && c.ActiveOn(day) {
			out = append(out, c)
		}
	}
	return out, nil
}

// ============================================================================
// Per-PTU flex documents
// ============================================================================

func (v *memView) StoreFlexRequests(ctx context.Context, ptus []contracts.PtuFlexRequest) error {
	st, done := v.begin()
	defer done()
	for _, p := range ptus {
		if _, err := st.container(p.Container.Period, p.Container.Index); err != nil {
			return err
		}
	}
	st.flexRequests = append(st.flexRequests, ptus...)
	return nil
}

func (v *memView) FindFlexRequests(ctx context.Context, filter contracts.FlexFilter) ([]contracts.PtuFlexRequest, error) {
	st, done := v.begin()
	defer done()

	var out []contracts.PtuFlexRequest
	for _, p := range st.flexRequests {
		if filter.MatchesPtu(p.Sequence, p.ParticipantDomain, p.ConnectionGroupID, p.Container.Period) {
			out = append(out, p)
		}
	}
	sortPtus(out, func(i int) (int64, int) { return out[i].Sequence, out[i].Container.Index })
	return out, nil
}

func (v *memView) StoreFlexOffers(ctx context.Context, ptus []contracts.PtuFlexOffer) error {
	st, done := v.begin()
	defer done()
	for _, p := range ptus {
		if _, err := st.container(p.Container.Period, p.Container.Index); err != nil {
			return err
		}
	}
	st.flexOffers = append(st.flexOffers, ptus...)
	return nil
}

func (v *memView) FindFlexOffers(ctx context.Context, filter contracts.FlexFilter) ([]contracts.PtuFlexOffer, error) {
	st, done := v.begin()
	defer done()

	var out []contracts.PtuFlexOffer
	for _, p := range st.flexOffers {
		if filter.MatchesPtu(p.Sequence, p.ParticipantDomain, p.ConnectionGroupID, p.Container.Period) {
			out = append(out, p)
		}
	}
	sortPtus(out, func(i int) (int64, int) { return out[i].Sequence, out[i].Container.Index })
	return out, nil
}

func (v *memView) StoreFlexOrders(ctx context.Context, ptus []contracts.PtuFlexOrder) error {
	st, done := v.begin()
	defer done()
	for _, p := range ptus {
		if _, err := st.container(p.Container.Period, p.Container.Index); err != nil {
			return err
		}
	}
	st.flexOrders = append(st.flexOrders, ptus...)
	return nil
}

func (v *memView) FindFlexOrders(ctx context.Context, filter contracts.FlexFilter) ([]contracts.PtuFlexOrder, error) {
	st, done := v.begin()
	defer done()

	var out []contracts.PtuFlexOrder
	for _, p := range st.flexOrders {
		if filter.MatchesPtu(p.Sequence, p.ParticipantDomain, p.ConnectionGroupID, p.Container.Period) {
			out = append(out, p)
		}
	}
	sortPtus(out, func(i int) (int64, int) { return out[i].Sequence, out[i].Container.Index })
	return out, nil
}

func (v *memView) StorePrognoses(ctx context.Context, ptus []contracts.PtuPrognosis) error {
	st, done := v.begin()
	defer done()
	for _, p := range ptus {
		if _, err := st.container(p.Container.Period, p.Container.Index); err != nil {
			return err
		}
	}
	st.prognoses = append(st.prognoses, ptus...)
	return nil
}

func (v *memView) FindPrognoses(ctx context.Context, filter contracts.FlexFilter) ([]contracts.PtuPrognosis, error) {
	st, done := v.begin()
	defer done()

	var out []contracts.PtuPrognosis
	for _, p := range st.prognoses {
		if filter.MatchesPtu(p.Sequence, p.ParticipantDomain, p.ConnectionGroupID, p.Container.Period) {
			out = append(out, p)
		}
	}
	sortPtus(out, func(i int) (int64, int) { return out[i].Sequence, out[i].Container.Index })
	return out, nil
}

// ============================================================================
// Meter data and settlements
// ============================================================================

func (v *memView) StoreMeterData(ctx context.Context, data []contracts.MeterData) error {
	st, done := v.begin()
	defer done()
	for _, d := range data {
		if _, err := st.container(d.Container.Period, d.Container.Index); err != nil {
			return err
		}
	}
	for _, d := range data {
		st.meterData[contracts.PtuStateKey{Period: d.Container.Period, Index: d.Container.Index, ConnectionGroupID: d.ConnectionGroupID}] = d
	}
	return nil
}

func (v *memView) FindMeterData(ctx context.Context, groupID string, from, until ptu.Date) ([]contracts.MeterData, error) {
	st, done := v.begin()
	defer done()

	var out []contracts.MeterData
	for key, d := range st.meterData {
		if (groupID == "" || key.ConnectionGroupID == groupID) && !key.Period.Before(from) && !key.Period.After(until) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Container, out[j].Container
		if a.Period != b.Period {
			return a.Period.Before(b.Period)
		}
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		return out[i].ConnectionGroupID < out[j].ConnectionGroupID
	})
	return out, nil
}

func (v *memView) StoreSettlement(ctx context.Context, settlement *contracts.FlexOrderSettlement) error {
	st, done := v.begin()
	defer done()

	for _, s := range st.settlements {
		if s.Sequence == settlement.Sequence {
			return fmt.Errorf("settlement %d: %w", settlement.Sequence, contracts.ErrDuplicate)
		}
	}
	stored := *settlement
	stored.Ptus = slices.Clone(settlement.Ptus)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = v.now()
	}
	st.settlements = append(st.settlements, stored)
	return nil
}

func (v *memView) FindSettlements(ctx context.Context, from, until ptu.Date) ([]contracts.FlexOrderSettlement, error) {
	st, done := v.begin()
	defer done()

	var out []contracts.FlexOrderSettlement
	for _, s := range st.settlements {
		if !s.Period.Before(from) && !s.Period.After(until) {
			out = append(out, s)
		}
	}
	return out, nil
}

// ============================================================================
// UDI portfolio
// ============================================================================

func (v *memView) StoreUdi(ctx context.Context, udi contracts.Udi) error {
	st, done := v.begin()
	defer done()
	st.udis[udi.Endpoint] = udi
	return nil
}

func (v *memView) FindUdis(ctx context.Context, groupID string) ([]contracts.Udi, error) {
	st, done := v.begin()
	defer done()

	var out []contracts.Udi
	for _, u := range st.udis {
		if groupID == "" || u.ConnectionGroupID == groupID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out, nil
}

func (v *memView) StoreUdiForecast(ctx context.Context, forecast contracts.UdiForecast) error {
	st, done := v.begin()
	defer done()
	forecast.Dtus = maps.Clone(forecast.Dtus)
	st.udiForecasts[forecastKey{forecast.Endpoint, forecast.Period}] = forecast
	return nil
}

func (v *memView) FindUdiForecasts(ctx context.Context, period ptu.Date) ([]contracts.UdiForecast, error) {
	st, done := v.begin()
	defer done()

	var out []contracts.UdiForecast
	for key, f := range st.udiForecasts {
		if key.period == period {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out, nil
}

func (v *memView) StorePortfolioSnapshot(ctx context.Context, snapshot contracts.PortfolioSnapshot) error {
	st, done := v.begin()
	defer done()
	snapshot.Ptus = maps.Clone(snapshot.Ptus)
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = v.now()
	}
	st.snapshots[snapshotKey{snapshot.ConnectionGroupID, snapshot.Period}] = snapshot
	return nil
}

func (v *memView) FindPortfolioSnapshots(ctx context.Context, period ptu.Date) ([]contracts.PortfolioSnapshot, error) {
	st, done := v.begin()
	defer done()

	var out []contracts.PortfolioSnapshot
	for key, s := range st.snapshots {
		if key.period == period {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionGroupID < out[j].ConnectionGroupID })
	return out, nil
}
