// Package transport converts planboard documents to and from the XML wire
// format and delivers them to other participants.
package transport

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/wonny/usef/backend/internal/ptu"
)

// Precedence selects the delivery retry policy of a message
type Precedence string

const (
	Routine       Precedence = "Routine"
	Transactional Precedence = "Transactional"
	Critical      Precedence = "Critical"
)

// Result values of response messages
const (
	ResultAccepted = "Accepted"
	ResultRejected = "Rejected"
)

// Metadata is the MessageMetadata element every message carries
type Metadata struct {
	SenderDomain    string     `xml:"SenderDomain,attr" validate:"required,hostname"`
	SenderRole      string     `xml:"SenderRole,attr" validate:"required,oneof=AGR BRP DSO CRO MDC"`
	RecipientDomain string     `xml:"RecipientDomain,attr" validate:"required,hostname"`
	RecipientRole   string     `xml:"RecipientRole,attr" validate:"required,oneof=AGR BRP DSO CRO MDC"`
	TimeStamp       time.Time  `xml:"TimeStamp,attr"`
	MessageID       string     `xml:"MessageID,attr" validate:"required"`
	ConversationID  string     `xml:"ConversationID,attr" validate:"required"`
	Precedence      Precedence `xml:"Precedence,attr" validate:"required,oneof=Routine Transactional Critical"`
	ValidUntil      *time.Time `xml:"ValidUntil,attr,omitempty"`
}

// Envelope is embedded by every message type
type Envelope struct {
	Metadata Metadata `xml:"MessageMetadata"`
}

// Meta returns the metadata of the message
func (e *Envelope) Meta() *Metadata { return &e.Metadata }

// Message is any wire document
type Message interface {
	Meta() *Metadata
	MessageType() string
}

// PTU is a range of PTUs sharing power and price. The bounds allow a
// 25 hour day of one minute PTUs.
type PTU struct {
	Start       int              `xml:"Start,attr" validate:"min=1,max=1500"`
	Duration    int              `xml:"Duration,attr,omitempty" validate:"min=0,max=1500"`
	Power       int64            `xml:"Power,attr"`
	Price       *decimal.Decimal `xml:"Price,attr,omitempty"`
	Disposition string           `xml:"Disposition,attr,omitempty" validate:"omitempty,oneof=Available Requested"`
}

// Prognosis is an A-Plan or D-Prognosis
type Prognosis struct {
	Envelope
	Type            string   `xml:"Type,attr" validate:"oneof=A-Plan D-Prognosis"`
	PTUDuration     string   `xml:"PTU-Duration,attr" validate:"required"`
	Period          ptu.Date `xml:"Period,attr"`
	TimeZone        string   `xml:"TimeZone,attr" validate:"required"`
	Sequence        int64    `xml:"Sequence,attr" validate:"gt=0"`
	CongestionPoint string   `xml:"CongestionPoint,attr,omitempty"`
	PTUs            []PTU    `xml:"PTU" validate:"required,min=1,dive"`
}

func (*Prognosis) MessageType() string { return "Prognosis" }

// PrognosisResponse answers a Prognosis
type PrognosisResponse struct {
	Envelope
	PrognosisSequence int64  `xml:"PrognosisSequence,attr" validate:"gt=0"`
	Result            string `xml:"Result,attr" validate:"oneof=Accepted Rejected"`
	RejectionReason   string `xml:"RejectionReason,attr,omitempty"`
}

func (*PrognosisResponse) MessageType() string { return "PrognosisResponse" }

// FlexRequest asks an aggregator for flexibility
type FlexRequest struct {
	Envelope
	PTUDuration        string    `xml:"PTU-Duration,attr" validate:"required"`
	Period             ptu.Date  `xml:"Period,attr"`
	TimeZone           string    `xml:"TimeZone,attr" validate:"required"`
	CongestionPoint    string    `xml:"CongestionPoint,attr" validate:"required"`
	Sequence           int64     `xml:"Sequence,attr" validate:"gt=0"`
	PrognosisSequence  int64     `xml:"PrognosisSequence,attr,omitempty"`
	ExpirationDateTime time.Time `xml:"ExpirationDateTime,attr"`
	PTUs               []PTU     `xml:"PTU" validate:"required,min=1,dive"`
}

func (*FlexRequest) MessageType() string { return "FlexRequest" }

// FlexOffer offers flexibility, optionally in answer to a FlexRequest
type FlexOffer struct {
	Envelope
	PTUDuration         string    `xml:"PTU-Duration,attr" validate:"required"`
	Period              ptu.Date  `xml:"Period,attr"`
	TimeZone            string    `xml:"TimeZone,attr" validate:"required"`
	Currency            string    `xml:"Currency,attr" validate:"required,len=3"`
	CongestionPoint     string    `xml:"CongestionPoint,attr" validate:"required"`
	Sequence            int64     `xml:"Sequence,attr" validate:"gt=0"`
	FlexRequestSequence int64     `xml:"FlexRequestSequence,attr,omitempty"`
	ExpirationDateTime  time.Time `xml:"ExpirationDateTime,attr"`
	PTUs                []PTU     `xml:"PTU" validate:"required,min=1,dive"`
}

func (*FlexOffer) MessageType() string { return "FlexOffer" }

// FlexOfferResponse answers a FlexOffer
type FlexOfferResponse struct {
	Envelope
	FlexOfferSequence int64  `xml:"FlexOfferSequence,attr" validate:"gt=0"`
	Result            string `xml:"Result,attr" validate:"oneof=Accepted Rejected"`
	RejectionReason   string `xml:"RejectionReason,attr,omitempty"`
}

func (*FlexOfferResponse) MessageType() string { return "FlexOfferResponse" }

// FlexOfferRevocation withdraws a previously sent FlexOffer
type FlexOfferRevocation struct {
	Envelope
	Sequence int64 `xml:"Sequence,attr" validate:"gt=0"`
}

func (*FlexOfferRevocation) MessageType() string { return "FlexOfferRevocation" }

// FlexOfferRevocationResponse answers a FlexOfferRevocation
type FlexOfferRevocationResponse struct {
	Envelope
	Result          string `xml:"Result,attr" validate:"oneof=Accepted Rejected"`
	RejectionReason string `xml:"RejectionReason,attr,omitempty"`
}

func (*FlexOfferRevocationResponse) MessageType() string { return "FlexOfferRevocationResponse" }

// FlexOrder orders (part of) a FlexOffer
type FlexOrder struct {
	Envelope
	PTUDuration       string   `xml:"PTU-Duration,attr" validate:"required"`
	Period            ptu.Date `xml:"Period,attr"`
	TimeZone          string   `xml:"TimeZone,attr" validate:"required"`
	Currency          string   `xml:"Currency,attr" validate:"required,len=3"`
	CongestionPoint   string   `xml:"CongestionPoint,attr" validate:"required"`
	Sequence          int64    `xml:"Sequence,attr" validate:"gt=0"`
	FlexOfferSequence int64    `xml:"FlexOfferSequence,attr" validate:"gt=0"`
	PTUs              []PTU    `xml:"PTU" validate:"required,min=1,dive"`
}

func (*FlexOrder) MessageType() string { return "FlexOrder" }

// FlexOrderResponse answers a FlexOrder
type FlexOrderResponse struct {
	Envelope
	FlexOrderSequence int64  `xml:"FlexOrderSequence,attr" validate:"gt=0"`
	Result            string `xml:"Result,attr" validate:"oneof=Accepted Rejected"`
	RejectionReason   string `xml:"RejectionReason,attr,omitempty"`
}

func (*FlexOrderResponse) MessageType() string { return "FlexOrderResponse" }

// QueryConnection is one connection group asked for in a MeterDataQuery
type QueryConnection struct {
	ConnectionGroupID string `xml:"EntityAddress,attr" validate:"required"`
}

// MeterDataQuery asks a Meter Data Company for measured power
type MeterDataQuery struct {
	Envelope
	Sequence       int64             `xml:"Sequence,attr" validate:"gt=0"`
	DateRangeStart ptu.Date          `xml:"DateRangeStart,attr"`
	DateRangeEnd   ptu.Date          `xml:"DateRangeEnd,attr"`
	QueryType      string            `xml:"QueryType,attr" validate:"oneof=Events Usage"`
	Connections    []QueryConnection `xml:"ConnectionGroup" validate:"dive"`
}

func (*MeterDataQuery) MessageType() string { return "MeterDataQuery" }

// MeterDataEntry is the per-PTU power of one group on one day
type MeterDataEntry struct {
	Period ptu.Date `xml:"Period,attr"`
	PTUs   []PTU    `xml:"PTU" validate:"dive"`
}

// MeterDataSet groups the entries of one connection group
type MeterDataSet struct {
	ConnectionGroupID string           `xml:"EntityAddress,attr" validate:"required"`
	Entries           []MeterDataEntry `xml:"MeterData" validate:"dive"`
}

// MeterDataQueryResponse carries measured power
type MeterDataQueryResponse struct {
	Envelope
	MeterDataQuerySequence int64          `xml:"MeterDataQuerySequence,attr" validate:"gt=0"`
	Result                 string         `xml:"Result,attr" validate:"oneof=Success Failure"`
	DateRangeStart         ptu.Date       `xml:"DateRangeStart,attr"`
	DateRangeEnd           ptu.Date       `xml:"DateRangeEnd,attr"`
	Sets                   []MeterDataSet `xml:"MeterDataSet" validate:"dive"`
}

func (*MeterDataQueryResponse) MessageType() string { return "MeterDataQueryResponse" }

// SettlementPTU is the settlement of one PTU of a flex order
type SettlementPTU struct {
	Start              int             `xml:"Start,attr"`
	PrognosisPower     int64           `xml:"PrognosisPower,attr"`
	OrderedFlexPower   int64           `xml:"OrderedFlexPower,attr"`
	ActualPower        *int64          `xml:"ActualPower,attr,omitempty"`
	DeliveredFlexPower int64           `xml:"DeliveredFlexPower,attr"`
	PowerDeficiency    int64           `xml:"PowerDeficiency,attr"`
	Price              decimal.Decimal `xml:"Price,attr"`
	Penalty            decimal.Decimal `xml:"Penalty,attr"`
	NetSettlement      decimal.Decimal `xml:"NetSettlement,attr"`
}

// OrderSettlement settles one flex order
type OrderSettlement struct {
	OrderReference  int64           `xml:"OrderReference,attr"`
	Period          ptu.Date        `xml:"Period,attr"`
	CongestionPoint string          `xml:"CongestionPoint,attr"`
	PTUs            []SettlementPTU `xml:"PTU"`
}

// FlexOrderSettlements is the monthly settlement sent to an aggregator
type FlexOrderSettlements struct {
	Envelope
	Sequence    int64             `xml:"Sequence,attr" validate:"gt=0"`
	PeriodStart ptu.Date          `xml:"PeriodStart,attr"`
	PeriodEnd   ptu.Date          `xml:"PeriodEnd,attr"`
	Currency    string            `xml:"Currency,attr" validate:"required,len=3"`
	TimeZone    string            `xml:"TimeZone,attr" validate:"required"`
	PTUDuration string            `xml:"PTU-Duration,attr" validate:"required"`
	Settlements []OrderSettlement `xml:"FlexOrderSettlement"`
}

func (*FlexOrderSettlements) MessageType() string { return "FlexOrderSettlements" }

// SignedMessage wraps an encoded message for transfer. Body holds the
// base64 encoded inner message.
type SignedMessage struct {
	SenderDomain string `xml:"SenderDomain,attr" validate:"required"`
	SenderRole   string `xml:"SenderRole,attr" validate:"required"`
	Body         string `xml:"Body,attr" validate:"required,base64"`
}
