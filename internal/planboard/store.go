// Package planboard is the ledger of planboard messages, PTU states and the
// per-PTU flex documents they track.
package planboard

import (
	"context"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/ptu"
)

// Store is the planboard repository. Every write made inside InTx commits
// or rolls back as a whole; InTx on a transactional Store joins the
// running transaction.
// ⭐ SSOT: planboard persistence interface
type Store interface {
	InTx(ctx context.Context, fn func(tx Store) error) error

	// PTU containers and states
	FindOrCreatePtuContainer(ctx context.Context, period ptu.Date, index int) (contracts.PtuContainer, error)
	FindOrCreatePtuState(ctx context.Context, container contracts.PtuContainer, groupID string) (*contracts.PtuState, error)
	FindOrCreatePtuStates(ctx context.Context, groupID string, period ptu.Date, ptusPerDay int) ([]*contracts.PtuState, error)
	FindPtuStates(ctx context.Context, period ptu.Date, groupID string) ([]*contracts.PtuState, error)
	UpdatePtuState(ctx context.Context, state *contracts.PtuState) error

	// Planboard messages
	StorePlanboardMessage(ctx context.Context, msg *contracts.PlanboardMessage) error
	UpdatePlanboardMessage(ctx context.Context, msg *contracts.PlanboardMessage) error
	FindSinglePlanboardMessage(ctx context.Context, sequence int64, documentType contracts.DocumentType, participantDomain string) (*contracts.PlanboardMessage, error)
	FindPlanboardMessages(ctx context.Context, filter contracts.MessageFilter) ([]*contracts.PlanboardMessage, error)
	FindPlanboardMessagesBySequence(ctx context.Context, sequence int64, participantDomain string) ([]*contracts.PlanboardMessage, error)
	RecordDeliveryFailure(ctx context.Context, key contracts.MessageKey, reason string) error

	// Connection groups
	StoreConnectionGroup(ctx context.Context, group contracts.ConnectionGroup) error
	StoreConnection(ctx context.Context, conn contracts.Connection) error
	FindConnectionGroup(ctx context.Context, id string) (*contracts.ConnectionGroup, error)
	FindActiveConnectionGroups(ctx context.Context, from, until ptu.Date) ([]contracts.ConnectionGroup, error)
	FindActiveConnections(ctx context.Context, groupID string, day ptu.Date) ([]contracts.Connection, error)

	// Per-PTU flex documents
	StoreFlexRequests(ctx context.Context, ptus []contracts.PtuFlexRequest) error
	FindFlexRequests(ctx context.Context, filter contracts.FlexFilter) ([]contracts.PtuFlexRequest, error)
	StoreFlexOffers(ctx context.Context, ptus []contracts.PtuFlexOffer) error
	FindFlexOffers(ctx context.Context, filter contracts.FlexFilter) ([]contracts.PtuFlexOffer, error)
	StoreFlexOrders(ctx context.Context, ptus []contracts.PtuFlexOrder) error
	FindFlexOrders(ctx context.Context, filter contracts.FlexFilter) ([]contracts.PtuFlexOrder, error)
	StorePrognoses(ctx context.Context, ptus []contracts.PtuPrognosis) error
	FindPrognoses(ctx context.Context, filter contracts.FlexFilter) ([]contracts.PtuPrognosis, error)

	// Meter data and settlements
	StoreMeterData(ctx context.Context, data []contracts.MeterData) error
	FindMeterData(ctx context.Context, groupID string, from, until ptu.Date) ([]contracts.MeterData, error)
	StoreSettlement(ctx context.Context, settlement *contracts.FlexOrderSettlement) error
	FindSettlements(ctx context.Context, from, until ptu.Date) ([]contracts.FlexOrderSettlement, error)

	// UDI portfolio
	StoreUdi(ctx context.Context, udi contracts.Udi) error
	FindUdis(ctx context.Context, groupID string) ([]contracts.Udi, error)
	StoreUdiForecast(ctx context.Context, forecast contracts.UdiForecast) error
	FindUdiForecasts(ctx context.Context, period ptu.Date) ([]contracts.UdiForecast, error)
	StorePortfolioSnapshot(ctx context.Context, snapshot contracts.PortfolioSnapshot) error
	FindPortfolioSnapshots(ctx context.Context, period ptu.Date) ([]contracts.PortfolioSnapshot, error)
}
