// Package reconcile sums and averages power figures across devices and time
// granularities. Absent figures are never coerced to zero: a sum with one
// absent operand is the other operand, and averages skip absent inputs.
package reconcile

import (
	"github.com/shopspring/decimal"

	"github.com/wonny/usef/backend/internal/ptu"
)

// PowerData holds power figures in watts. The allocated fields are only
// filled for forecasts.
type PowerData struct {
	UncontrolledLoad         decimal.NullDecimal `json:"uncontrolled_load"`
	AverageConsumption       decimal.NullDecimal `json:"average_consumption"`
	AverageProduction        decimal.NullDecimal `json:"average_production"`
	PotentialFlexConsumption decimal.NullDecimal `json:"potential_flex_consumption"`
	PotentialFlexProduction  decimal.NullDecimal `json:"potential_flex_production"`
	AllocatedFlexConsumption decimal.NullDecimal `json:"allocated_flex_consumption"`
	AllocatedFlexProduction  decimal.NullDecimal `json:"allocated_flex_production"`
}

// fields returns pointers to every figure, in declaration order
func (p *PowerData) fields() []*decimal.NullDecimal {
	return []*decimal.NullDecimal{
		&p.UncontrolledLoad,
		&p.AverageConsumption,
		&p.AverageProduction,
		&p.PotentialFlexConsumption,
		&p.PotentialFlexProduction,
		&p.AllocatedFlexConsumption,
		&p.AllocatedFlexProduction,
	}
}

// IsEmpty reports whether every figure is absent
func (p *PowerData) IsEmpty() bool {
	if p == nil {
		return true
	}
	for _, f := range p.fields() {
		if f.Valid {
			return false
		}
	}
	return true
}

// Clone returns a copy of p, or nil for nil
func (p *PowerData) Clone() *PowerData {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// Value builds a present figure
func Value(v int64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromInt(v))
}

// SumNull adds two optional figures; an absent operand is the identity
func SumNull(a, b decimal.NullDecimal) decimal.NullDecimal {
	switch {
	case !a.Valid:
		return b
	case !b.Valid:
		return a
	}
	return decimal.NewNullDecimal(a.Decimal.Add(b.Decimal))
}

// Sum adds two PowerData field by field. nil + x = x and nil + nil = nil.
func Sum(a, b *PowerData) *PowerData {
	switch {
	case a == nil:
		return b.Clone()
	case b == nil:
		return a.Clone()
	}

	out := &PowerData{}
	af, bf, of := a.fields(), b.fields(), out.fields()
	for i := range of {
		*of[i] = SumNull(*af[i], *bf[i])
	}
	return out
}

// Average returns the field-wise mean of the present figures. A field with
// no present input stays absent; nil is returned when nothing is present.
func Average(items ...*PowerData) *PowerData {
	out := &PowerData{}
	of := out.fields()

	for i := range of {
		sum := decimal.Zero
		n := 0
		for _, item := range items {
			if item == nil {
				continue
			}
			if f := *item.fields()[i]; f.Valid {
				sum = sum.Add(f.Decimal)
				n++
			}
		}
		if n > 0 {
			*of[i] = decimal.NewNullDecimal(sum.Div(decimal.NewFromInt(int64(n))))
		}
	}

	if out.IsEmpty() {
		return nil
	}
	return out
}

// NetPower is the expected grid power in watts: load plus consumption minus
// production, adjusted by allocated flexibility. Absent figures count as 0
// here because a prognosis must carry a number for every PTU.
func (p *PowerData) NetPower() int64 {
	if p == nil {
		return 0
	}
	v := p.UncontrolledLoad.Decimal.
		Add(p.AverageConsumption.Decimal).
		Sub(p.AverageProduction.Decimal).
		Add(p.AllocatedFlexConsumption.Decimal).
		Sub(p.AllocatedFlexProduction.Decimal)
	return v.Round(0).IntPart()
}

// PowerContainer holds the figures of one connection or UDI for one PTU
type PowerContainer struct {
	Period   ptu.Date   `json:"period"`
	Index    int        `json:"ptu_index"`
	Forecast *PowerData `json:"forecast,omitempty"`
	Observed *PowerData `json:"observed,omitempty"`
	Profile  *PowerData `json:"profile,omitempty"`
}

// SumContainers adds the forecast, observed and profile figures of
// containers for the same PTU
func SumContainers(period ptu.Date, index int, containers ...*PowerContainer) *PowerContainer {
	out := &PowerContainer{Period: period, Index: index}
	for _, c := range containers {
		if c == nil {
			continue
		}
		out.Forecast = Sum(out.Forecast, c.Forecast)
		out.Observed = Sum(out.Observed, c.Observed)
		out.Profile = Sum(out.Profile, c.Profile)
	}
	return out
}

// AverageContainers averages the figures of containers, typically the DTU
// samples of one device within a PTU
func AverageContainers(period ptu.Date, index int, containers ...*PowerContainer) *PowerContainer {
	var forecasts, observed, profiles []*PowerData
	for _, c := range containers {
		if c == nil {
			continue
		}
		forecasts = append(forecasts, c.Forecast)
		observed = append(observed, c.Observed)
		profiles = append(profiles, c.Profile)
	}
	return &PowerContainer{
		Period:   period,
		Index:    index,
		Forecast: Average(forecasts...),
		Observed: Average(observed...),
		Profile:  Average(profiles...),
	}
}
