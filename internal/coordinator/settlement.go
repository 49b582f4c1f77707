package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/events"
	"github.com/wonny/usef/backend/internal/lifecycle"
	"github.com/wonny/usef/backend/internal/pbc"
	"github.com/wonny/usef/backend/internal/planboard"
	"github.com/wonny/usef/backend/internal/ptu"
	"github.com/wonny/usef/backend/internal/reconcile"
	"github.com/wonny/usef/backend/internal/transport"
)

// SettlementOptions configure the meter data round trip
type SettlementOptions struct {
	MDCDomains      []string
	QueryExpiration time.Duration
}

// SettlementCoordinator settles the flex orders of a month in two phases:
// collect asks every Meter Data Company for measured power, finalize
// settles once all answers are in or the queries have expired.
// Settlement periods are whole months; a query's period is the first day.
type SettlementCoordinator struct {
	base
	opts  SettlementOptions
	locks *PhaseLocks
}

// NewSettlementCoordinator creates a SettlementCoordinator
func NewSettlementCoordinator(deps Deps, opts SettlementOptions, locks *PhaseLocks) *SettlementCoordinator {
	if locks == nil {
		locks = NewPhaseLocks()
	}
	return &SettlementCoordinator{base: newBase("settlement", deps), opts: opts, locks: locks}
}

// Subscribe registers the coordinator on the bus
func (c *SettlementCoordinator) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.CollectSmartMeterData, func(ctx context.Context, ev events.Event) error {
		return c.Collect(ctx, ev.Period, ev.PeriodEnd)
	})
	bus.Subscribe(events.FinalizeInitiateSettlement, func(ctx context.Context, ev events.Event) error {
		_, err := c.Finalize(ctx, ev.Period, ev.PeriodEnd, false)
		return err
	})
	bus.Subscribe(events.FinalizeUnfinishedInitiateSettlement, func(ctx context.Context, ev events.Event) error {
		_, err := c.Sweep(ctx)
		return err
	})
	bus.Subscribe(events.CheckInitiateSettlementDone, func(ctx context.Context, ev events.Event) error {
		_, err := c.CheckDone(ctx, ev.Period, ev.PeriodEnd)
		return err
	})
}

// Initiate starts settlement of the month before today
func (c *SettlementCoordinator) Initiate(ctx context.Context) (ptu.Date, ptu.Date, error) {
	from, until := c.model().Today(c.Now()).PreviousMonth()
	return from, until, c.InitiateMonth(ctx, from)
}

// InitiateMonth starts settlement of the month containing day
func (c *SettlementCoordinator) InitiateMonth(ctx context.Context, day ptu.Date) error {
	from, until := day.FirstOfMonth(), day.LastOfMonth()
	c.log.WithFields(map[string]interface{}{
		"period_start": from.String(),
		"period_end":   until.String(),
	}).Info("Settlement initiated")

	if c.Events == nil {
		return c.Collect(ctx, from, until)
	}
	return c.Events.Publish(ctx, events.NewRange(events.CollectSmartMeterData, from, until))
}

// ============================================================================
// Phase 1: collect meter data
// ============================================================================

// Collect sends a MeterDataQuery to every Meter Data Company for the groups
// with accepted flex orders in [from, until]. Without orders settlement is
// done at once; without Meter Data Companies it finalizes without meter data.
func (c *SettlementCoordinator) Collect(ctx context.Context, from, until ptu.Date) (err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()

	log := c.log.WithFields(map[string]interface{}{
		"period_start": from.String(),
		"period_end":   until.String(),
	})

	return c.inTx(ctx, func(tx planboard.Store, uow *unitOfWork) error {
		groups, err := tx.FindActiveConnectionGroups(ctx, from, until)
		if err != nil {
			return fmt.Errorf("find connection groups: %w", err)
		}
		orders, err := c.orderMessages(ctx, tx, from, until)
		if err != nil {
			return err
		}

		if len(groups) == 0 || len(orders) == 0 {
			log.Info("No flex orders to settle")
			uow.Add(events.NewRange(events.CheckInitiateSettlementDone, from, until))
			return nil
		}
		if len(c.opts.MDCDomains) == 0 {
			log.Warn("No meter data companies configured, settling without meter data")
			uow.Add(events.NewRange(events.FinalizeInitiateSettlement, from, until))
			return nil
		}

		active := make(map[string]bool, len(groups))
		for _, g := range groups {
			active[g.USEFIdentifier] = true
		}
		seen := map[string]bool{}
		var connections []transport.QueryConnection
		for _, o := range orders {
			if active[o.ConnectionGroupID] && !seen[o.ConnectionGroupID] {
				seen[o.ConnectionGroupID] = true
				connections = append(connections, transport.QueryConnection{ConnectionGroupID: o.ConnectionGroupID})
			}
		}
		sort.Slice(connections, func(i, j int) bool {
			return connections[i].ConnectionGroupID < connections[j].ConnectionGroupID
		})

		expires := c.Now().Add(c.opts.QueryExpiration)
		for _, mdc := range c.opts.MDCDomains {
			seq, err := c.Sequences.Next(ctx)
			if err != nil {
				return fmt.Errorf("next sequence: %w", err)
			}
			exp := expires
			msg := &contracts.PlanboardMessage{
				DocumentType:      contracts.DocumentMeterDataQuery,
				Sequence:          seq,
				Status:            contracts.StatusSent,
				ParticipantDomain: mdc,
				Period:            from,
				ExpirationDate:    &exp,
			}
			if err := tx.StorePlanboardMessage(ctx, msg); err != nil {
				return fmt.Errorf("store meter data query: %w", err)
			}

			key := msg.Key()
			uow.send(&transport.MeterDataQuery{
				Envelope:       metadataTo(mdc, "MDC", transport.Routine),
				Sequence:       seq,
				DateRangeStart: from,
				DateRangeEnd:   until,
				QueryType:      "Usage",
				Connections:    connections,
			}, &key)
			log.WithFields(map[string]interface{}{"mdc": mdc, "sequence": seq}).Info("Meter data requested")
		}
		return nil
	})
}

// OnMeterData stores the answer to a MeterDataQuery and triggers
// finalization. A repeated answer is ignored.
func (c *SettlementCoordinator) OnMeterData(ctx context.Context, querySequence int64, mdcDomain string, data []contracts.MeterData) error {
	return c.inTx(ctx, func(tx planboard.Store, uow *unitOfWork) error {
		query, err := c.Validator.ValidateRelatedDocument(ctx, tx, contracts.DocumentMeterDataQuery, querySequence, mdcDomain)
		if err != nil {
			return err
		}
		if query.Status == contracts.StatusProcessed {
			c.log.WithField("sequence", querySequence).Debug("Meter data already received")
			return nil
		}

		if err := tx.StoreMeterData(ctx, data); err != nil {
			return fmt.Errorf("store meter data: %w", err)
		}
		if err := lifecycle.Transition(query, contracts.StatusProcessed, c.Now()); err != nil {
			return err
		}
		if err := tx.UpdatePlanboardMessage(ctx, query); err != nil {
			return fmt.Errorf("update meter data query: %w", err)
		}

		uow.Add(events.NewRange(events.FinalizeInitiateSettlement, query.Period, query.Period.LastOfMonth()))
		return nil
	})
}

// ============================================================================
// Phase 2: finalize
// ============================================================================

// Finalize settles the accepted flex orders of [from, until]. Unless
// forced it waits while meter data queries are outstanding; forced, it
// expires them and settles with the meter data received so far. It is a
// no-op for a period that already has settlements.
func (c *SettlementCoordinator) Finalize(ctx context.Context, from, until ptu.Date, force bool) (created int, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()

	log := c.log.WithFields(map[string]interface{}{
		"period_start": from.String(),
		"period_end":   until.String(),
		"forced":       force,
	})

	var settled []contracts.PtuFlexOrder
	err = c.inTx(ctx, func(tx planboard.Store, uow *unitOfWork) error {
		created, settled = 0, nil

		waiting, err := c.outstandingQueries(ctx, tx, from, until, force)
		if err != nil {
			return err
		}
		if waiting {
			log.Debug("Meter data outstanding, settlement waits")
			return nil
		}

		existing, err := tx.FindSettlements(ctx, from, until)
		if err != nil {
			return fmt.Errorf("find settlements: %w", err)
		}
		if len(existing) > 0 {
			log.Info("Period already settled")
			uow.Add(events.NewRange(events.CheckInitiateSettlementDone, from, until))
			return nil
		}

		orderMsgs, err := c.orderMessages(ctx, tx, from, until)
		if err != nil {
			return err
		}
		if len(orderMsgs) == 0 {
			uow.Add(events.NewRange(events.CheckInitiateSettlementDone, from, until))
			return nil
		}

		in, orders, offers, err := c.settlementContext(ctx, tx, from, until, orderMsgs)
		if err != nil {
			return err
		}
		settlements, err := c.settle(ctx, in, orders, offers)
		if err != nil {
			return err
		}

		now := c.Now()
		for i := range settlements {
			s := &settlements[i]
			seq, err := c.Sequences.Next(ctx)
			if err != nil {
				return fmt.Errorf("next sequence: %w", err)
			}
			s.Sequence = seq
			s.CreatedAt = now
			if err := tx.StoreSettlement(ctx, s); err != nil {
				return fmt.Errorf("store settlement: %w", err)
			}
			msg := &contracts.PlanboardMessage{
				DocumentType:      contracts.DocumentFlexOrderSettlement,
				Sequence:          seq,
				OriginSequence:    s.OrderSequence,
				Status:            contracts.StatusCreated,
				ParticipantDomain: s.ParticipantDomain,
				Period:            s.Period,
				ConnectionGroupID: s.ConnectionGroupID,
			}
			if err := tx.StorePlanboardMessage(ctx, msg); err != nil {
				return fmt.Errorf("store settlement message: %w", err)
			}
		}

		for _, m := range orderMsgs {
			if err := lifecycle.Transition(m, contracts.StatusProcessed, now); err != nil {
				return err
			}
			if err := tx.UpdatePlanboardMessage(ctx, m); err != nil {
				return fmt.Errorf("update flex order: %w", err)
			}
		}

		created, settled = len(settlements), orders
		uow.Add(events.NewRange(events.CheckInitiateSettlementDone, from, until))
		log.WithField("settlements", created).Info("Flex orders settled")
		return nil
	})
	if err != nil {
		return 0, err
	}

	return created, c.markSettled(ctx, settled)
}

// outstandingQueries reports whether meter data queries for the period are
// still open. Forced, it expires them instead.
func (c *SettlementCoordinator) outstandingQueries(ctx context.Context, tx planboard.Store, from, until ptu.Date, force bool) (bool, error) {
	queries, err := tx.FindPlanboardMessages(ctx, contracts.MessageFilter{
		DocumentType: contracts.DocumentMeterDataQuery,
		PeriodStart:  from,
		PeriodEnd:    until,
		Statuses:     []contracts.DocumentStatus{contracts.StatusSent},
	})
	if err != nil {
		return false, fmt.Errorf("find meter data queries: %w", err)
	}
	if len(queries) == 0 {
		return false, nil
	}
	if !force {
		return true, nil
	}

	now := c.Now()
	for _, q := range queries {
		if err := lifecycle.Transition(q, contracts.StatusExpired, now); err != nil {
			return false, err
		}
		if err := tx.UpdatePlanboardMessage(ctx, q); err != nil {
			return false, fmt.Errorf("expire meter data query: %w", err)
		}
		c.log.WithFields(map[string]interface{}{
			"mdc":      q.ParticipantDomain,
			"sequence": q.Sequence,
		}).Warn("Meter data query expired without answer")
	}
	return false, nil
}

// orderMessages returns the flex orders of the period accepted by the aggregator
func (c *SettlementCoordinator) orderMessages(ctx context.Context, tx planboard.Store, from, until ptu.Date) ([]*contracts.PlanboardMessage, error) {
	msgs, err := tx.FindPlanboardMessages(ctx, contracts.MessageFilter{
		DocumentType: contracts.DocumentFlexOrder,
		PeriodStart:  from,
		PeriodEnd:    until,
		Statuses:     []contracts.DocumentStatus{contracts.StatusAccepted},
	})
	if err != nil {
		return nil, fmt.Errorf("find flex orders: %w", err)
	}
	return msgs, nil
}

// settlementContext gathers every planboard document of the period the
// settlement step reads
func (c *SettlementCoordinator) settlementContext(ctx context.Context, tx planboard.Store, from, until ptu.Date, orderMsgs []*contracts.PlanboardMessage) (pbc.Context, []contracts.PtuFlexOrder, []contracts.PtuFlexOffer, error) {
	filter := contracts.FlexFilter{PeriodStart: from, PeriodEnd: until}

	accepted := make(map[contracts.MessageKey]bool, len(orderMsgs))
	for _, m := range orderMsgs {
		accepted[m.Key()] = true
	}
	allOrders, err := tx.FindFlexOrders(ctx, filter)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("find flex order ptus: %w", err)
	}
	orders := make([]contracts.PtuFlexOrder, 0, len(allOrders))
	for _, o := range allOrders {
		if accepted[contracts.MessageKey{DocumentType: contracts.DocumentFlexOrder, Sequence: o.Sequence, ParticipantDomain: o.ParticipantDomain}] {
			orders = append(orders, o)
		}
	}

	prognoses, err := tx.FindPrognoses(ctx, filter)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("find prognoses: %w", err)
	}
	requests, err := tx.FindFlexRequests(ctx, filter)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("find flex requests: %w", err)
	}
	offers, err := tx.FindFlexOffers(ctx, filter)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("find flex offers: %w", err)
	}
	meterData, err := tx.FindMeterData(ctx, "", from, until)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("find meter data: %w", err)
	}

	in := pbc.Context{
		pbc.KeyPeriodStart:  from,
		pbc.KeyPeriodEnd:    until,
		pbc.KeyPtuDuration:  c.settings().PtuDuration,
		pbc.KeyFlexOrders:   orders,
		pbc.KeyPrognoses:    planboard.LatestPrognoses(prognoses),
		pbc.KeyFlexRequests: requests,
		pbc.KeyFlexOffers:   offers,
		pbc.KeyMeterData:    meterData,
	}
	return in, orders, offers, nil
}

// settle invokes the settlement step, prices the result from the linked
// flex offers and invokes the penalty step
func (c *SettlementCoordinator) settle(ctx context.Context, in pbc.Context, orders []contracts.PtuFlexOrder, offers []contracts.PtuFlexOffer) ([]contracts.FlexOrderSettlement, error) {
	out, err := c.PBC.Invoke(ctx, pbc.StepInitiateSettlement, in)
	if err != nil {
		return nil, err
	}
	settlements, err := pbc.Get[[]contracts.FlexOrderSettlement](out, pbc.KeySettlementDto)
	if err != nil {
		return nil, err
	}

	PriceSettlements(settlements, orders, offers)

	penalty := in.Clone()
	penalty[pbc.KeySettlementDto] = settlements
	out, err = c.PBC.Invoke(ctx, pbc.StepRequestPenaltyData, penalty)
	if err != nil {
		return nil, err
	}
	return pbc.Get[[]contracts.FlexOrderSettlement](out, pbc.KeySettlementDto)
}

type orderPtuKey struct {
	sequence int64
	period   ptu.Date
	index    int
}

type offerPtuKey struct {
	sequence int64
	domain   string
	period   ptu.Date
	index    int
}

// PriceSettlements sets the price of every settled PTU to the price of the
// linked flex offer PTU scaled by ordered/offered power. Without a linked
// offer the order price is used.
func PriceSettlements(settlements []contracts.FlexOrderSettlement, orders []contracts.PtuFlexOrder, offers []contracts.PtuFlexOffer) {
	orderIdx := make(map[orderPtuKey]contracts.PtuFlexOrder, len(orders))
	for _, o := range orders {
		orderIdx[orderPtuKey{o.Sequence, o.Container.Period, o.Container.Index}] = o
	}
	offerIdx := make(map[offerPtuKey]contracts.PtuFlexOffer, len(offers))
	for _, o := range offers {
		offerIdx[offerPtuKey{o.Sequence, o.ParticipantDomain, o.Container.Period, o.Container.Index}] = o
	}

	for i := range settlements {
		s := &settlements[i]
		for j := range s.Ptus {
			p := &s.Ptus[j]
			order, ok := orderIdx[orderPtuKey{s.OrderSequence, s.Period, p.Index}]
			if !ok {
				continue
			}
			offer, ok := offerIdx[offerPtuKey{order.FlexOfferSequence, order.ParticipantDomain, s.Period, p.Index}]
			if !ok || offer.Power == 0 {
				p.Price = reconcile.Round(order.Price)
				continue
			}
			p.Price = reconcile.Prorate(offer.Price, abs(order.Power), abs(offer.Power))
		}
	}
}

// markSettled moves every ordered PTU to Settled, one group and day at a time
func (c *SettlementCoordinator) markSettled(ctx context.Context, orders []contracts.PtuFlexOrder) error {
	byDay := map[groupDay][]int{}
	for _, o := range orders {
		k := groupDay{group: o.ConnectionGroupID, period: o.Container.Period}
		byDay[k] = append(byDay[k], o.Container.Index)
	}

	for _, k := range sortedGroupDays(byDay) {
		if err := c.settleDay(ctx, k, byDay[k]); err != nil {
			return err
		}
	}
	return nil
}

func (c *SettlementCoordinator) settleDay(ctx context.Context, k groupDay, indices []int) error {
	unlock := c.locks.Lock(k.group, k.period)
	defer unlock()

	now := c.Now()
	return c.inTx(ctx, func(tx planboard.Store, _ *unitOfWork) error {
		for _, idx := range indices {
			state, err := tx.FindOrCreatePtuState(ctx, contracts.PtuContainer{Period: k.period, Index: idx}, k.group)
			if err != nil {
				return fmt.Errorf("load ptu state: %w", err)
			}
			if !lifecycle.AdvanceIfBehind(state, contracts.PhaseSettled) {
				continue
			}
			state.UpdatedAt = now
			if err := tx.UpdatePtuState(ctx, state); err != nil {
				return fmt.Errorf("update ptu state: %w", err)
			}
		}
		return nil
	})
}

// Sweep force-finalizes every period whose meter data queries expired
// without an answer. It returns the number of periods finalized.
func (c *SettlementCoordinator) Sweep(ctx context.Context) (int, error) {
	now := c.Now()
	expired, err := c.Store.FindPlanboardMessages(ctx, contracts.MessageFilter{
		DocumentType:  contracts.DocumentMeterDataQuery,
		Statuses:      []contracts.DocumentStatus{contracts.StatusSent},
		ExpiredAt:     &now,
	})
	if err != nil {
		return 0, fmt.Errorf("find expired meter data queries: %w", err)
	}

	periods := map[ptu.Date]bool{}
	for _, q := range expired {
		periods[q.Period] = true
	}
	days := make([]ptu.Date, 0, len(periods))
	for d := range periods {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	for _, d := range days {
		if _, err := c.Finalize(ctx, d, d.LastOfMonth(), true); err != nil {
			return 0, err
		}
	}
	if len(days) > 0 {
		c.log.WithField("periods", len(days)).Info("Unfinished settlements finalized")
	}
	return len(days), nil
}

// CheckDone sends the created settlements of the period, one
// FlexOrderSettlements message per aggregator. It returns the number of
// messages sent.
func (c *SettlementCoordinator) CheckDone(ctx context.Context, from, until ptu.Date) (sent int, err error) {
	err = c.inTx(ctx, func(tx planboard.Store, uow *unitOfWork) error {
		sent = 0
		msgs, err := tx.FindPlanboardMessages(ctx, contracts.MessageFilter{
			DocumentType: contracts.DocumentFlexOrderSettlement,
			PeriodStart:  from,
			PeriodEnd:    until,
			Statuses:     []contracts.DocumentStatus{contracts.StatusCreated},
		})
		if err != nil {
			return fmt.Errorf("find settlement messages: %w", err)
		}
		if len(msgs) == 0 {
			c.log.WithField("period_start", from.String()).Info("Initiate settlement done")
			return nil
		}

		settlements, err := tx.FindSettlements(ctx, from, until)
		if err != nil {
			return fmt.Errorf("find settlements: %w", err)
		}
		bySequence := make(map[int64]contracts.FlexOrderSettlement, len(settlements))
		for _, s := range settlements {
			bySequence[s.Sequence] = s
		}

		byAggregator := map[string][]*contracts.PlanboardMessage{}
		for _, m := range msgs {
			byAggregator[m.ParticipantDomain] = append(byAggregator[m.ParticipantDomain], m)
		}
		domains := make([]string, 0, len(byAggregator))
		for d := range byAggregator {
			domains = append(domains, d)
		}
		sort.Strings(domains)

		settings := c.settings()
		now := c.Now()
		for _, domain := range domains {
			doc := &transport.FlexOrderSettlements{
				Envelope:    metadataTo(domain, "AGR", transport.Routine),
				PeriodStart: from,
				PeriodEnd:   until,
				Currency:    settings.Currency,
				TimeZone:    settings.TimeZone,
				PTUDuration: transport.FormatDuration(time.Duration(settings.PtuDuration) * time.Minute),
			}
			for _, m := range byAggregator[domain] {
				s, ok := bySequence[m.Sequence]
				if !ok {
					return fmt.Errorf("settlement %d: %w", m.Sequence, contracts.ErrNotFound)
				}
				doc.Settlements = append(doc.Settlements, toWireSettlement(s))
				if err := lifecycle.Transition(m, contracts.StatusSent, now); err != nil {
					return err
				}
				if err := tx.UpdatePlanboardMessage(ctx, m); err != nil {
					return fmt.Errorf("update settlement message: %w", err)
				}
			}

			seq, err := c.Sequences.Next(ctx)
			if err != nil {
				return fmt.Errorf("next sequence: %w", err)
			}
			doc.Sequence = seq
			key := byAggregator[domain][0].Key()
			uow.send(doc, &key)
			sent++
		}
		return nil
	})
	return sent, err
}

func toWireSettlement(s contracts.FlexOrderSettlement) transport.OrderSettlement {
	out := transport.OrderSettlement{
		OrderReference:  s.OrderSequence,
		Period:          s.Period,
		CongestionPoint: s.ConnectionGroupID,
	}
	for _, p := range s.Ptus {
		out.PTUs = append(out.PTUs, transport.SettlementPTU{
			Start:              p.Index,
			PrognosisPower:     p.PrognosisPower,
			OrderedFlexPower:   p.OrderedFlexPower,
			ActualPower:        p.ActualPower,
			DeliveredFlexPower: p.DeliveredFlexPower,
			PowerDeficiency:    p.PowerDeficiency,
			Price:              p.Price,
			Penalty:            p.Penalty,
			NetSettlement:      p.NetSettlement,
		})
	}
	return out
}
