package contracts

import "github.com/wonny/usef/backend/internal/ptu"

// ConnectionGroupType distinguishes the scope of a connection group
type ConnectionGroupType string

const (
	CongestionPoint    ConnectionGroupType = "CONGESTION_POINT"
	BrpConnectionGroup ConnectionGroupType = "BRP"
	AgrConnectionGroup ConnectionGroupType = "AGR"
)

// ConnectionGroup is a commercial or grid aggregation unit
type ConnectionGroup struct {
	USEFIdentifier string              `json:"usef_identifier"`
	Type           ConnectionGroupType `json:"type"`
	// Domain of the participant owning the group (DSO or BRP)
	ParticipantDomain string `json:"participant_domain,omitempty"`
	// Aggregator trading flexibility on this group
	AggregatorDomain string `json:"aggregator_domain,omitempty"`
}

// Connection is an end-customer metering point belonging to a group for
// the half-open interval [ValidFrom, ValidUntil)
type Connection struct {
	EntityAddress     string    `json:"entity_address"`
	ConnectionGroupID string    `json:"connection_group"`
	ValidFrom         ptu.Date  `json:"valid_from"`
	ValidUntil        *ptu.Date `json:"valid_until,omitempty"`
}

// ActiveOn reports whether the connection belongs to its group on d
func (c Connection) ActiveOn(d ptu.Date) bool {
	return !d.Before(c.ValidFrom) && (c.ValidUntil == nil || d.Before(*c.ValidUntil))
}

// Overlaps reports whether the validity interval intersects [from, until]
func (c Connection) Overlaps(from, until ptu.Date) bool {
	return !c.ValidFrom.After(until) && (c.ValidUntil == nil || c.ValidUntil.After(from))
}
