package pbc

import (
	"context"
	"sort"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/ptu"
	"github.com/wonny/usef/backend/internal/reconcile"
)

// Portfolio is the per connection group, per PTU power of a participant
type Portfolio map[string]map[int]*reconcile.PowerData

// RegisterDefaults binds the built-in implementation of every default step
func RegisterDefaults(r *Registry) {
	r.Register(StepReOptimizePortfolio, ReOptimizePortfolio)
	r.Register(StepPlaceFlexOrders, PlaceAllFlexOffers)
	r.Register(StepInitiateSettlement, SettleFlexOrders)
	r.Register(StepRequestPenaltyData, PenalizeDeficiencies)
}

// ReOptimizePortfolio allocates ordered flexibility onto the portfolio:
// positive order power is extra consumption, negative extra production
func ReOptimizePortfolio(_ context.Context, in Context) (Context, error) {
	current, err := Get[Portfolio](in, KeyCurrentPortfolio)
	if err != nil {
		return nil, err
	}
	orders, err := Get[[]contracts.PtuFlexOrder](in, KeyFlexOrders)
	if err != nil {
		return nil, err
	}

	updated := Portfolio{}
	for group, ptus := range current {
		updated[group] = make(map[int]*reconcile.PowerData, len(ptus))
		for idx, data := range ptus {
			updated[group][idx] = data.Clone()
		}
	}

	for _, o := range orders {
		ptus, ok := updated[o.ConnectionGroupID]
		if !ok {
			ptus = map[int]*reconcile.PowerData{}
			updated[o.ConnectionGroupID] = ptus
		}
		data := ptus[o.Container.Index]
		if data == nil {
			data = &reconcile.PowerData{}
			ptus[o.Container.Index] = data
		}
		if o.Power >= 0 {
			data.AllocatedFlexConsumption = reconcile.SumNull(data.AllocatedFlexConsumption, reconcile.Value(o.Power))
		} else {
			data.AllocatedFlexProduction = reconcile.SumNull(data.AllocatedFlexProduction, reconcile.Value(-o.Power))
		}
	}

	out := in.Clone()
	out[KeyUpdatedPortfolio] = updated
	return out, nil
}

// PlaceAllFlexOffers orders every offered sequence
func PlaceAllFlexOffers(_ context.Context, in Context) (Context, error) {
	offers, err := Get[[]contracts.PtuFlexOffer](in, KeyFlexOffers)
	if err != nil {
		return nil, err
	}

	seen := map[int64]bool{}
	var sequences []int64
	for _, o := range offers {
		if !seen[o.Sequence] {
			seen[o.Sequence] = true
			sequences = append(sequences, o.Sequence)
		}
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })

	out := in.Clone()
	out[KeyAcceptedFlexOfferSequences] = sequences
	return out, nil
}

type ptuKey struct {
	group  string
	period ptu.Date
	index  int
}

// SettleFlexOrders compares every ordered PTU with the prognosis and the
// meter data. Without meter data the ordered power counts as delivered.
// Prices are left for the caller to fill in.
func SettleFlexOrders(_ context.Context, in Context) (Context, error) {
	orders, err := Get[[]contracts.PtuFlexOrder](in, KeyFlexOrders)
	if err != nil {
		return nil, err
	}
	prognoses, err := Get[[]contracts.PtuPrognosis](in, KeyPrognoses)
	if err != nil {
		return nil, err
	}
	meterData, err := Get[[]contracts.MeterData](in, KeyMeterData)
	if err != nil {
		return nil, err
	}

	prognosis := map[ptuKey]int64{}
	for _, p := range prognoses {
		prognosis[ptuKey{p.ConnectionGroupID, p.Container.Period, p.Container.Index}] = p.Power
	}
	actual := map[ptuKey]int64{}
	for _, m := range meterData {
		actual[ptuKey{m.ConnectionGroupID, m.Container.Period, m.Container.Index}] = m.Power
	}

	bySeq := map[int64]*contracts.FlexOrderSettlement{}
	var order []int64
	for _, o := range orders {
		s, ok := bySeq[o.Sequence]
		if !ok {
			s = &contracts.FlexOrderSettlement{
				OrderSequence:     o.Sequence,
				ParticipantDomain: o.ParticipantDomain,
				ConnectionGroupID: o.ConnectionGroupID,
				Period:            o.Container.Period,
			}
			bySeq[o.Sequence] = s
			order = append(order, o.Sequence)
		}

		key := ptuKey{o.ConnectionGroupID, o.Container.Period, o.Container.Index}
		ps := contracts.PtuSettlement{
			Index:            o.Container.Index,
			PrognosisPower:   prognosis[key],
			OrderedFlexPower: o.Power,
		}
		if a, ok := actual[key]; ok {
			ps.ActualPower = &a
			ps.DeliveredFlexPower = a - ps.PrognosisPower
		} else {
			ps.DeliveredFlexPower = o.Power
		}
		ps.PowerDeficiency = deficiency(o.Power, ps.DeliveredFlexPower)
		s.Ptus = append(s.Ptus, ps)
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	settlements := make([]contracts.FlexOrderSettlement, 0, len(order))
	for _, seq := range order {
		s := bySeq[seq]
		sort.Slice(s.Ptus, func(i, j int) bool { return s.Ptus[i].Index < s.Ptus[j].Index })
		settlements = append(settlements, *s)
	}

	out := in.Clone()
	out[KeySettlementDto] = settlements
	return out, nil
}

// deficiency is the ordered power that was not delivered, as a magnitude
func deficiency(ordered, delivered int64) int64 {
	var d int64
	if ordered >= 0 {
		d = ordered - delivered
	} else {
		d = delivered - ordered
	}
	if d < 0 {
		return 0
	}
	return d
}

// PenalizeDeficiencies charges the undelivered share of every PTU price
func PenalizeDeficiencies(_ context.Context, in Context) (Context, error) {
	settlements, err := Get[[]contracts.FlexOrderSettlement](in, KeySettlementDto)
	if err != nil {
		return nil, err
	}

	out := make([]contracts.FlexOrderSettlement, len(settlements))
	for i, s := range settlements {
		ptus := make([]contracts.PtuSettlement, len(s.Ptus))
		for j, p := range s.Ptus {
			ordered := p.OrderedFlexPower
			if ordered < 0 {
				ordered = -ordered
			}
			deficit := p.PowerDeficiency
			if deficit > ordered {
				deficit = ordered
			}
			p.Penalty = reconcile.Prorate(p.Price, deficit, ordered)
			p.NetSettlement = reconcile.Round(p.Price.Sub(p.Penalty))
			ptus[j] = p
		}
		s.Ptus = ptus
		out[i] = s
	}

	result := in.Clone()
	result[KeySettlementDto] = out
	return result, nil
}
