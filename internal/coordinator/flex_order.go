package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/events"
	"github.com/wonny/usef/backend/internal/lifecycle"
	"github.com/wonny/usef/backend/internal/pbc"
	"github.com/wonny/usef/backend/internal/planboard"
	"github.com/wonny/usef/backend/internal/ptu"
	"github.com/wonny/usef/backend/internal/transport"
)

// FlexOrderCoordinator turns accepted flex offers into flex orders
type FlexOrderCoordinator struct {
	base
}

// NewFlexOrderCoordinator creates a FlexOrderCoordinator
func NewFlexOrderCoordinator(deps Deps) *FlexOrderCoordinator {
	return &FlexOrderCoordinator{base: newBase("place_flex_orders", deps)}
}

// Subscribe registers the coordinator on the bus
func (c *FlexOrderCoordinator) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.PlaceFlexOrders, func(ctx context.Context, ev events.Event) error {
		_, err := c.PlaceFlexOrders(ctx, ev.Period)
		return err
	})
}

type groupDay struct {
	group  string
	period ptu.Date
}

// aPlanCount tracks, per A-Plan, the offers linked to it and how many of
// those were not ordered
type aPlanCount struct {
	plan         *contracts.PlanboardMessage
	linked       int
	notDesirable int
}

// PlaceFlexOrders orders the accepted flex offers the PBC step selects,
// per connection group and day. A zero period considers every day. It
// returns the number of orders created.
func (c *FlexOrderCoordinator) PlaceFlexOrders(ctx context.Context, period ptu.Date) (placed int, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()

	err = c.inTx(ctx, func(tx planboard.Store, uow *unitOfWork) error {
		placed = 0
		buckets, err := c.acceptedOffers(ctx, tx, period)
		if err != nil {
			return err
		}

		plans := map[contracts.MessageKey]*aPlanCount{}
		for _, key := range sortedGroupDays(buckets) {
			n, err := c.placeForGroup(ctx, tx, uow, key, buckets[key], plans)
			if err != nil {
				return err
			}
			placed += n
		}

		return c.approveUndesiredPlans(ctx, tx, uow, plans)
	})
	return placed, err
}

// acceptedOffers returns the accepted, unexpired offers grouped by
// connection group then day. Expired offers are moved to EXPIRED.
func (c *FlexOrderCoordinator) acceptedOffers(ctx context.Context, tx planboard.Store, period ptu.Date) (map[groupDay][]*contracts.PlanboardMessage, error) {
	filter := contracts.MessageFilter{
		DocumentType: contracts.DocumentFlexOffer,
		Statuses:     []contracts.DocumentStatus{contracts.StatusAccepted},
	}
	if !period.IsZero() {
		filter.PeriodStart, filter.PeriodEnd = period, period
	}
	msgs, err := tx.FindPlanboardMessages(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find accepted flex offers: %w", err)
	}

	now := c.Now()
	buckets := map[groupDay][]*contracts.PlanboardMessage{}
	for _, m := range msgs {
		if lifecycle.Expire(m, now) {
			if err := tx.UpdatePlanboardMessage(ctx, m); err != nil {
				return nil, fmt.Errorf("expire flex offer: %w", err)
			}
			continue
		}
		k := groupDay{group: m.ConnectionGroupID, period: m.Period}
		buckets[k] = append(buckets[k], m)
	}
	return buckets, nil
}

func (c *FlexOrderCoordinator) placeForGroup(ctx context.Context, tx planboard.Store, uow *unitOfWork, key groupDay, offers []*contracts.PlanboardMessage, plans map[contracts.MessageKey]*aPlanCount) (int, error) {
	ptusByOffer := make(map[int64][]contracts.PtuFlexOffer, len(offers))
	var all []contracts.PtuFlexOffer
	for _, m := range offers {
		ptus, err := tx.FindFlexOffers(ctx, contracts.FlexFilter{Sequence: m.Sequence, ParticipantDomain: m.ParticipantDomain})
		if err != nil {
			return 0, fmt.Errorf("find flex offer ptus: %w", err)
		}
		ptusByOffer[m.Sequence] = ptus
		all = append(all, ptus...)
	}

	out, err := c.PBC.Invoke(ctx, pbc.StepPlaceFlexOrders, pbc.Context{
		pbc.KeyPeriod:          key.period,
		pbc.KeyConnectionGroup: key.group,
		pbc.KeyFlexOffers:      all,
	})
	if err != nil {
		return 0, err
	}
	selected, err := pbc.Get[[]int64](out, pbc.KeyAcceptedFlexOfferSequences)
	if err != nil {
		return 0, err
	}
	isSelected := make(map[int64]bool, len(selected))
	for _, s := range selected {
		isSelected[s] = true
	}

	placed := 0
	for _, m := range offers {
		plan, err := c.originPlan(ctx, tx, m)
		if err != nil {
			return 0, err
		}
		var count *aPlanCount
		if plan != nil {
			count = plans[plan.Key()]
			if count == nil {
				count = &aPlanCount{plan: plan}
				plans[plan.Key()] = count
			}
			count.linked++
		}

		if !isSelected[m.Sequence] {
			if count != nil {
				count.notDesirable++
			}
			continue
		}

		ok, err := c.placeOrder(ctx, tx, uow, m, ptusByOffer[m.Sequence])
		if err != nil {
			return 0, err
		}
		if ok {
			placed++
		}
	}
	return placed, nil
}

// originPlan follows offer → flex request → A-Plan. It returns nil when the
// offer was not made in answer to a request derived from an A-Plan.
func (c *FlexOrderCoordinator) originPlan(ctx context.Context, tx planboard.Store, offer *contracts.PlanboardMessage) (*contracts.PlanboardMessage, error) {
	if offer.OriginSequence == 0 {
		return nil, nil
	}
	request, err := tx.FindSinglePlanboardMessage(ctx, offer.OriginSequence, contracts.DocumentFlexRequest, offer.ParticipantDomain)
	if errors.Is(err, contracts.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find flex request: %w", err)
	}
	if request.OriginSequence == 0 {
		return nil, nil
	}
	plan, err := tx.FindSinglePlanboardMessage(ctx, request.OriginSequence, contracts.DocumentAPlan, offer.ParticipantDomain)
	if errors.Is(err, contracts.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find a-plan: %w", err)
	}
	return plan, nil
}

func (c *FlexOrderCoordinator) placeOrder(ctx context.Context, tx planboard.Store, uow *unitOfWork, offer *contracts.PlanboardMessage, offerPtus []contracts.PtuFlexOffer) (bool, error) {
	log := c.log.WithFields(map[string]interface{}{
		"period":           offer.Period.String(),
		"connection_group": offer.ConnectionGroupID,
		"offer_sequence":   offer.Sequence,
	})
	if len(offerPtus) == 0 {
		log.Warn("Selected flex offer has no ptus")
		return false, nil
	}

	values := make([]contracts.PtuValue, 0, len(offerPtus))
	for _, p := range offerPtus {
		values = append(values, contracts.PtuValue{Index: p.Container.Index, Power: p.Power, Price: p.Price})
	}
	ranges := contracts.CompactPTUs(values)
	if err := c.Engine.ValidateGateClosure(offer.Period, ranges); err != nil {
		if be, ok := contracts.AsBusinessError(err); ok {
			log.WithField("code", be.Code).Warn("Flex offer not ordered: " + be.Message)
			return false, nil
		}
		return false, err
	}

	seq, err := c.Sequences.Next(ctx)
	if err != nil {
		return false, fmt.Errorf("next sequence: %w", err)
	}

	orders := make([]contracts.PtuFlexOrder, 0, len(offerPtus))
	for _, p := range offerPtus {
		orders = append(orders, contracts.PtuFlexOrder{
			Container:         p.Container,
			ConnectionGroupID: p.ConnectionGroupID,
			ParticipantDomain: offer.ParticipantDomain,
			Sequence:          seq,
			FlexOfferSequence: offer.Sequence,
			Power:             p.Power,
			Price:             p.Price,
		})
	}
	if err := tx.StoreFlexOrders(ctx, orders); err != nil {
		return false, fmt.Errorf("store flex order: %w", err)
	}

	order := &contracts.PlanboardMessage{
		DocumentType:      contracts.DocumentFlexOrder,
		Sequence:          seq,
		OriginSequence:    offer.Sequence,
		Status:            contracts.StatusSent,
		ParticipantDomain: offer.ParticipantDomain,
		Period:            offer.Period,
		ConnectionGroupID: offer.ConnectionGroupID,
	}
	if err := tx.StorePlanboardMessage(ctx, order); err != nil {
		return false, fmt.Errorf("store flex order message: %w", err)
	}

	if err := lifecycle.Transition(offer, contracts.StatusProcessed, c.Now()); err != nil {
		return false, err
	}
	if err := tx.UpdatePlanboardMessage(ctx, offer); err != nil {
		return false, fmt.Errorf("update flex offer: %w", err)
	}

	settings := c.settings()
	key := order.Key()
	uow.send(&transport.FlexOrder{
		Envelope:          metadataTo(offer.ParticipantDomain, "AGR", transport.Critical),
		PTUDuration:       transport.FormatDuration(time.Duration(settings.PtuDuration) * time.Minute),
		Period:            offer.Period,
		TimeZone:          settings.TimeZone,
		Currency:          settings.Currency,
		CongestionPoint:   offer.ConnectionGroupID,
		Sequence:          seq,
		FlexOfferSequence: offer.Sequence,
		PTUs:              transport.FromContractPTUs(ranges, true),
	}, &key)

	log.WithField("sequence", seq).Info("Flex order placed")
	return true, nil
}

// approveUndesiredPlans approves every A-Plan whose linked offers were all
// left unordered: no flexibility was wanted, so the plan stands as is
func (c *FlexOrderCoordinator) approveUndesiredPlans(ctx context.Context, tx planboard.Store, uow *unitOfWork, plans map[contracts.MessageKey]*aPlanCount) error {
	now := c.Now()
	for _, count := range plans {
		if count.linked == 0 || count.linked != count.notDesirable {
			continue
		}

		plan := count.plan
		if plan.Status.IsTerminal() {
			continue
		}
		target := contracts.StatusAccepted
		if plan.Status == contracts.StatusPendingFlexTrading || plan.Status == contracts.StatusAccepted {
			target = contracts.StatusProcessed
		}
		if err := lifecycle.Transition(plan, target, now); err != nil {
			if be, ok := contracts.AsBusinessError(err); ok {
				c.log.WithFields(map[string]interface{}{
					"sequence": plan.Sequence,
					"code":     be.Code,
				}).Warn("A-Plan not approved: " + be.Message)
				continue
			}
			return err
		}
		if err := tx.UpdatePlanboardMessage(ctx, plan); err != nil {
			return fmt.Errorf("update a-plan: %w", err)
		}

		uow.send(&transport.PrognosisResponse{
			Envelope:          metadataTo(plan.ParticipantDomain, "AGR", transport.Transactional),
			PrognosisSequence: plan.Sequence,
			Result:            transport.ResultAccepted,
		}, nil)

		c.log.WithFields(map[string]interface{}{
			"sequence": plan.Sequence,
			"offers":   count.linked,
		}).Info("A-Plan approved, no flex offer ordered")
	}
	return nil
}
