package contracts

import (
	"time"

	"github.com/wonny/usef/backend/internal/ptu"
)

// DocumentType identifies the kind of document a planboard message tracks
type DocumentType string

const (
	DocumentAPlan               DocumentType = "A_PLAN"
	DocumentDPrognosis          DocumentType = "D_PROGNOSIS"
	DocumentFlexRequest         DocumentType = "FLEX_REQUEST"
	DocumentFlexOffer           DocumentType = "FLEX_OFFER"
	DocumentFlexOrder           DocumentType = "FLEX_ORDER"
	DocumentFlexOrderSettlement DocumentType = "FLEX_ORDER_SETTLEMENT"
	DocumentMeterDataQuery      DocumentType = "METER_DATA_QUERY"
)

// DocumentStatus is the lifecycle state of a planboard message
type DocumentStatus string

const (
	StatusCreated            DocumentStatus = "CREATED"
	StatusReceived           DocumentStatus = "RECEIVED"
	StatusSent               DocumentStatus = "SENT"
	StatusAccepted           DocumentStatus = "ACCEPTED"
	StatusRejected           DocumentStatus = "REJECTED"
	StatusPendingFlexTrading DocumentStatus = "PENDING_FLEX_TRADING"
	StatusProcessed          DocumentStatus = "PROCESSED"
	StatusExpired            DocumentStatus = "EXPIRED"
	StatusRevoked            DocumentStatus = "REVOKED"
)

// IsTerminal reports whether no further transition is possible
func (s DocumentStatus) IsTerminal() bool {
	switch s {
	case StatusProcessed, StatusRejected, StatusExpired, StatusRevoked:
		return true
	}
	return false
}

// MessageKey uniquely identifies a planboard message
type MessageKey struct {
	DocumentType      DocumentType
	Sequence          int64
	ParticipantDomain string
}

// PlanboardMessage is one lifecycle instance of a document. Messages are
// never deleted; the table is an append-only audit ledger.
// ⭐ SSOT: document lifecycle state lives here
type PlanboardMessage struct {
	ID                int64          `json:"id"`
	DocumentType      DocumentType   `json:"document_type"`
	Sequence          int64          `json:"sequence"`
	OriginSequence    int64          `json:"origin_sequence,omitempty"` // 0 when the document answers nothing
	Status            DocumentStatus `json:"status"`
	ParticipantDomain string         `json:"participant_domain"`
	Period            ptu.Date       `json:"period"`
	ConnectionGroupID string         `json:"connection_group,omitempty"`
	ExpirationDate    *time.Time     `json:"expiration_date,omitempty"`
	DeliveryError     string         `json:"delivery_error,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Key returns the unique identity of the message
func (m *PlanboardMessage) Key() MessageKey {
	return MessageKey{
		DocumentType:      m.DocumentType,
		Sequence:          m.Sequence,
		ParticipantDomain: m.ParticipantDomain,
	}
}

// IsExpired reports whether the expiration date has passed at now
func (m *PlanboardMessage) IsExpired(now time.Time) bool {
	return m.ExpirationDate != nil && !now.Before(*m.ExpirationDate)
}

// MessageFilter selects planboard messages. Zero fields match anything.
type MessageFilter struct {
	DocumentType      DocumentType
	Sequence          int64
	OriginSequence    int64
	ParticipantDomain string
	ConnectionGroupID string
	PeriodStart       ptu.Date
	PeriodEnd         ptu.Date
	Statuses          []DocumentStatus
	ExpiredAt         *time.Time // messages expired at that instant, see IsExpired
}

// Matches reports whether m passes the filter
func (f MessageFilter) Matches(m *PlanboardMessage) bool {
	if f.DocumentType != "" && m.DocumentType != f.DocumentType {
		return false
	}
	if f.Sequence != 0 && m.Sequence != f.Sequence {
		return false
	}
	if f.OriginSequence != 0 && m.OriginSequence != f.OriginSequence {
		return false
	}
	if f.ParticipantDomain != "" && m.ParticipantDomain != f.ParticipantDomain {
		return false
	}
	if f.ConnectionGroupID != "" && m.ConnectionGroupID != f.ConnectionGroupID {
		return false
	}
	if !f.PeriodStart.IsZero() && m.Period.Before(f.PeriodStart) {
		return false
	}
	if !f.PeriodEnd.IsZero() && m.Period.After(f.PeriodEnd) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, m.Status) {
		return false
	}
	if f.ExpiredAt != nil && !m.IsExpired(*f.ExpiredAt) {
		return false
	}
	return true
}

func containsStatus(list []DocumentStatus, s DocumentStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
