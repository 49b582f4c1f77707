package contracts

import (
	"github.com/shopspring/decimal"

	"github.com/wonny/usef/backend/internal/ptu"
)

// Disposition marks whether flexibility is requested or merely available
type Disposition string

const (
	DispositionAvailable Disposition = "AVAILABLE"
	DispositionRequested Disposition = "REQUESTED"
)

// PtuFlexRequest is one PTU of a flex request (DSO → AGR)
type PtuFlexRequest struct {
	Container         PtuContainer `json:"container"`
	ConnectionGroupID string       `json:"connection_group"`
	ParticipantDomain string       `json:"participant_domain"`
	Sequence          int64        `json:"sequence"`
	Disposition       Disposition  `json:"disposition"`
	Power             int64        `json:"power"` // W
}

// PtuFlexOffer is one PTU of a flex offer (AGR → DSO/BRP)
type PtuFlexOffer struct {
	Container           PtuContainer    `json:"container"`
	ConnectionGroupID   string          `json:"connection_group"`
	ParticipantDomain   string          `json:"participant_domain"`
	Sequence            int64           `json:"sequence"`
	FlexRequestSequence int64           `json:"flex_request_sequence,omitempty"`
	Power               int64           `json:"power"`
	Price               decimal.Decimal `json:"price"`
}

// PtuFlexOrder is one PTU of a flex order (DSO/BRP → AGR)
type PtuFlexOrder struct {
	Container         PtuContainer    `json:"container"`
	ConnectionGroupID string          `json:"connection_group"`
	ParticipantDomain string          `json:"participant_domain"`
	Sequence          int64           `json:"sequence"`
	FlexOfferSequence int64           `json:"flex_offer_sequence"`
	Power             int64           `json:"power"`
	Price             decimal.Decimal `json:"price"`
}

// PtuPrognosis is one PTU of an A-Plan or D-Prognosis
type PtuPrognosis struct {
	Container         PtuContainer `json:"container"`
	ConnectionGroupID string       `json:"connection_group"`
	ParticipantDomain string       `json:"participant_domain"`
	Sequence          int64        `json:"sequence"`
	Type              DocumentType `json:"type"` // A_PLAN or D_PROGNOSIS
	Power             int64        `json:"power"`
}

// FlexFilter selects per-PTU flex records. Zero fields match anything.
type FlexFilter struct {
	Sequence          int64
	ParticipantDomain string
	ConnectionGroupID string
	PeriodStart       ptu.Date
	PeriodEnd         ptu.Date
}

// MatchesPtu reports whether a record with the given identity passes the filter
func (f FlexFilter) MatchesPtu(seq int64, domain, group string, period ptu.Date) bool {
	if f.Sequence != 0 && seq != f.Sequence {
		return false
	}
	if f.ParticipantDomain != "" && domain != f.ParticipantDomain {
		return false
	}
	if f.ConnectionGroupID != "" && group != f.ConnectionGroupID {
		return false
	}
	if !f.PeriodStart.IsZero() && period.Before(f.PeriodStart) {
		return false
	}
	if !f.PeriodEnd.IsZero() && period.After(f.PeriodEnd) {
		return false
	}
	return true
}
