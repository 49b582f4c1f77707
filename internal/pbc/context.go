// Package pbc invokes pluggable business components: decision steps that
// take a key/value context and return one.
package pbc

import (
	"fmt"
	"maps"

	"github.com/wonny/usef/backend/internal/contracts"
)

// Context is the input and output of a step
type Context map[string]interface{}

// Clone returns a shallow copy so a step cannot mutate its caller's input
func (c Context) Clone() Context {
	if c == nil {
		return Context{}
	}
	return maps.Clone(c)
}

// Get returns the value under key as T. A missing key or a value of another
// type is a ConfigurationError: the step contract was not honoured.
func Get[T any](c Context, key string) (T, error) {
	var zero T
	raw, ok := c[key]
	if !ok {
		return zero, contracts.NewConfigurationError("pbc", "context has no %s", key)
	}
	v, ok := raw.(T)
	if !ok {
		return zero, contracts.NewConfigurationError("pbc", "context %s is %T, want %T", key, raw, zero)
	}
	return v, nil
}

// Context keys shared by the coordinators and the default steps
const (
	KeyPeriod           = "PERIOD"
	KeyPeriodStart      = "PERIOD_START"
	KeyPeriodEnd        = "PERIOD_END"
	KeyPtuDuration      = "PTU_DURATION"
	KeyConnectionGroup  = "CONNECTION_GROUP"
	KeyCurrentPortfolio = "CURRENT_PORTFOLIO"
	KeyUpdatedPortfolio = "UPDATED_PORTFOLIO"
	KeyFlexOrders       = "FLEX_ORDERS"
	KeyFlexOffers       = "FLEX_OFFERS"
	KeyFlexRequests     = "FLEX_REQUESTS"
	KeyPrognoses        = "PROGNOSES"
	KeyMeterData        = "METER_DATA"

	KeyAcceptedFlexOfferSequences = "ACCEPTED_FLEX_OFFER_SEQUENCES"
	KeySettlementDto              = "SETTLEMENT_DTO"
)

// Step names
const (
	StepReOptimizePortfolio = "AGR_REOPTIMIZE_PORTFOLIO"
	StepPlaceFlexOrders     = "BRP_PLACE_FLEX_ORDERS"
	StepInitiateSettlement  = "DSO_INITIATE_SETTLEMENT"
	StepRequestPenaltyData  = "DSO_REQUEST_PENALTY_DATA"
)

func describe(step string) string {
	return fmt.Sprintf("pbc step %s", step)
}
