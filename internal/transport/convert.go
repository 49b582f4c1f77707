package transport

import (
	"github.com/shopspring/decimal"

	"github.com/wonny/usef/backend/internal/contracts"
)

var dispositionToWire = map[contracts.Disposition]string{
	contracts.DispositionAvailable: "Available",
	contracts.DispositionRequested: "Requested",
}

// FromContractPTUs converts planboard PTU ranges to their wire form.
// withPrice controls whether the Price attribute is written.
func FromContractPTUs(ptus []contracts.PTU, withPrice bool) []PTU {
	out := make([]PTU, 0, len(ptus))
	for _, p := range ptus {
		w := PTU{
			Start:       p.Start,
			Duration:    p.EffectiveDuration(),
			Power:       p.Power,
			Disposition: dispositionToWire[p.Disposition],
		}
		if withPrice {
			price := p.Price
			w.Price = &price
		}
		out = append(out, w)
	}
	return out
}

// ToContractPTUs converts wire PTU ranges to planboard ranges. A missing
// price becomes zero.
func ToContractPTUs(ptus []PTU) []contracts.PTU {
	out := make([]contracts.PTU, 0, len(ptus))
	for _, p := range ptus {
		c := contracts.PTU{
			Start:    p.Start,
			Duration: p.Duration,
			Power:    p.Power,
			Price:    decimal.Zero,
		}
		if p.Price != nil {
			c.Price = *p.Price
		}
		for k, v := range dispositionToWire {
			if v == p.Disposition {
				c.Disposition = k
			}
		}
		out = append(out, c)
	}
	return out
}
