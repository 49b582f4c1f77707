package contracts

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/wonny/usef/backend/internal/ptu"
)

// MeterData is the measured average power of a connection group in one PTU
type MeterData struct {
	Container         PtuContainer `json:"container"`
	ConnectionGroupID string       `json:"connection_group"`
	Power             int64        `json:"power"`
}

// PtuSettlement is the settlement of one ordered PTU
type PtuSettlement struct {
	Index              int             `json:"ptu_index"`
	PrognosisPower     int64           `json:"prognosis_power"`
	OrderedFlexPower   int64           `json:"ordered_flex_power"`
	ActualPower        *int64          `json:"actual_power,omitempty"` // nil without meter data
	DeliveredFlexPower int64           `json:"delivered_flex_power"`
	PowerDeficiency    int64           `json:"power_deficiency"`
	Price              decimal.Decimal `json:"price"`
	Penalty            decimal.Decimal `json:"penalty"`
	NetSettlement      decimal.Decimal `json:"net_settlement"`
}

// FlexOrderSettlement settles one flex order for one day
type FlexOrderSettlement struct {
	Sequence          int64           `json:"sequence"`
	OrderSequence     int64           `json:"order_sequence"`
	ParticipantDomain string          `json:"participant_domain"` // aggregator
	ConnectionGroupID string          `json:"connection_group"`
	Period            ptu.Date        `json:"period"`
	Ptus              []PtuSettlement `json:"ptus"`
	CreatedAt         time.Time       `json:"created_at"`
}

// TotalPrice sums the net settlement of every PTU
func (s *FlexOrderSettlement) TotalPrice() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Ptus {
		total = total.Add(p.NetSettlement)
	}
	return total
}

// TotalPenalty sums the penalties of every PTU
func (s *FlexOrderSettlement) TotalPenalty() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Ptus {
		total = total.Add(p.Penalty)
	}
	return total
}
