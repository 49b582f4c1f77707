package contracts

import (
	"sort"

	"github.com/shopspring/decimal"
)

// PTU is a wire-level range of PTUs sharing one power and price. Start is
// the 1-based index of the first PTU; Duration is the number of PTUs.
type PTU struct {
	Start       int             `json:"start"`
	Duration    int             `json:"duration"`
	Power       int64           `json:"power"`
	Price       decimal.Decimal `json:"price"`
	Disposition Disposition     `json:"disposition,omitempty"`
}

// EffectiveDuration treats a missing duration as one PTU
func (p PTU) EffectiveDuration() int {
	if p.Duration <= 0 {
		return 1
	}
	return p.Duration
}

// End returns the last index covered by the range
func (p PTU) End() int {
	return p.Start + p.EffectiveDuration() - 1
}

// PtuValue is the value of a single PTU index
type PtuValue struct {
	Index       int
	Power       int64
	Price       decimal.Decimal
	Disposition Disposition
}

// ExpandPTUs flattens ranges into one value per index, sorted by index
func ExpandPTUs(ptus []PTU) []PtuValue {
	var out []PtuValue
	for _, p := range ptus {
		for i := 0; i < p.EffectiveDuration(); i++ {
			out = append(out, PtuValue{
				Index:       p.Start + i,
				Power:       p.Power,
				Price:       p.Price,
				Disposition: p.Disposition,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// CompactPTUs merges consecutive indices with identical power, price and
// disposition into one range
func CompactPTUs(values []PtuValue) []PTU {
	sorted := append([]PtuValue(nil), values...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var out []PTU
	for _, v := range sorted {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.End()+1 == v.Index && last.Power == v.Power && last.Price.Equal(v.Price) && last.Disposition == v.Disposition {
				last.Duration++
				continue
			}
		}
		out = append(out, PTU{
			Start:       v.Index,
			Duration:    1,
			Power:       v.Power,
			Price:       v.Price,
			Disposition: v.Disposition,
		})
	}
	return out
}
