package reconcile

import "github.com/shopspring/decimal"

// PriceScale is the number of decimals kept for settlement prices
const PriceScale = 5

var (
	sixty   = decimal.NewFromInt(60)
	million = decimal.NewFromInt(1_000_000)
)

// Round rounds a price to PriceScale decimals, half away from zero
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(PriceScale)
}

// PowerToEnergy converts average power (W) over minutes to energy (Wh)
func PowerToEnergy(power decimal.Decimal, minutes int) decimal.Decimal {
	return power.Mul(decimal.NewFromInt(int64(minutes))).Div(sixty)
}

// PtuPriceFromMWhPrice returns the price of delivering power (W) during one
// PTU of ptuMinutes at a price per MWh
func PtuPriceFromMWhPrice(mwhPrice decimal.Decimal, power int64, ptuMinutes int) decimal.Decimal {
	energyWh := PowerToEnergy(decimal.NewFromInt(power).Abs(), ptuMinutes)
	return Round(mwhPrice.Mul(energyWh).Div(million))
}

// MWhPriceFromPtuPrice is the inverse of PtuPriceFromMWhPrice. Zero power
// yields a zero price.
func MWhPriceFromPtuPrice(ptuPrice decimal.Decimal, power int64, ptuMinutes int) decimal.Decimal {
	energyWh := PowerToEnergy(decimal.NewFromInt(power).Abs(), ptuMinutes)
	if energyWh.IsZero() {
		return decimal.Zero
	}
	return Round(ptuPrice.Mul(million).Div(energyWh))
}

// Prorate scales price by part/whole, rounded to PriceScale. A zero whole
// yields zero.
func Prorate(price decimal.Decimal, part, whole int64) decimal.Decimal {
	if whole == 0 {
		return decimal.Zero
	}
	return Round(price.Mul(decimal.NewFromInt(part)).Div(decimal.NewFromInt(whole)))
}
