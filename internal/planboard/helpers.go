package planboard

import (
	"sort"

	"github.com/wonny/usef/backend/internal/contracts"
)

// LatestPrognoses keeps, per connection group and period, only the PTUs of
// the prognosis with the highest sequence
func LatestPrognoses(ptus []contracts.PtuPrognosis) []contracts.PtuPrognosis {
	type key struct {
		group  string
		period string
	}
	latest := map[key]int64{}
	for _, p := range ptus {
		k := key{p.ConnectionGroupID, p.Container.Period.String()}
		if p.Sequence > latest[k] {
			latest[k] = p.Sequence
		}
	}

	var out []contracts.PtuPrognosis
	for _, p := range ptus {
		if latest[key{p.ConnectionGroupID, p.Container.Period.String()}] == p.Sequence {
			out = append(out, p)
		}
	}
	sortPtus(out, func(i int) (int64, int) { return out[i].Sequence, out[i].Container.Index })
	return out
}

// OffersBySequence groups flex offer PTUs by offer sequence
func OffersBySequence(ptus []contracts.PtuFlexOffer) map[int64][]contracts.PtuFlexOffer {
	out := make(map[int64][]contracts.PtuFlexOffer)
	for _, p := range ptus {
		out[p.Sequence] = append(out[p.Sequence], p)
	}
	return out
}

// OrdersBySequence groups flex order PTUs by order sequence
func OrdersBySequence(ptus []contracts.PtuFlexOrder) map[int64][]contracts.PtuFlexOrder {
	out := make(map[int64][]contracts.PtuFlexOrder)
	for _, p := range ptus {
		out[p.Sequence] = append(out[p.Sequence], p)
	}
	return out
}

// sortPtus orders records by (sequence, index)
func sortPtus(n interface{}, key func(i int) (int64, int)) {
	sort.SliceStable(n, func(i, j int) bool {
		si, ii := key(i)
		sj, ij := key(j)
		if si != sj {
			return si < sj
		}
		return ii < ij
	})
}
