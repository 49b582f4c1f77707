package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/events"
	"github.com/wonny/usef/backend/internal/planboard"
	"github.com/wonny/usef/backend/internal/ptu"
	"github.com/wonny/usef/backend/internal/transport"
)

// PrognosisCoordinator turns the re-optimized portfolio into prognoses:
// a D-Prognosis per congestion point for the DSO and an A-Plan per BRP
// connection group for the BRP
type PrognosisCoordinator struct {
	base
}

// NewPrognosisCoordinator creates a PrognosisCoordinator
func NewPrognosisCoordinator(deps Deps) *PrognosisCoordinator {
	return &PrognosisCoordinator{base: newBase("prognosis", deps)}
}

// Subscribe registers the coordinator on the bus
func (c *PrognosisCoordinator) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.ReCreatePrognoses, func(ctx context.Context, ev events.Event) error {
		_, err := c.Recreate(ctx, ev.Period)
		return err
	})
}

// Recreate sends a new prognosis for every portfolio snapshot of date and
// returns how many were created. Groups whose PTUs have all reached
// Operate are skipped.
func (c *PrognosisCoordinator) Recreate(ctx context.Context, date ptu.Date) (created int, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()

	err = c.inTx(ctx, func(tx planboard.Store, uow *unitOfWork) error {
		created = 0
		snapshots, err := tx.FindPortfolioSnapshots(ctx, date)
		if err != nil {
			return fmt.Errorf("find portfolio snapshots: %w", err)
		}

		for _, snap := range snapshots {
			ok, err := c.createPrognosis(ctx, tx, uow, snap)
			if err != nil {
				return err
			}
			if ok {
				created++
			}
		}
		return nil
	})
	return created, err
}

func (c *PrognosisCoordinator) createPrognosis(ctx context.Context, tx planboard.Store, uow *unitOfWork, snap contracts.PortfolioSnapshot) (bool, error) {
	log := c.log.WithFields(map[string]interface{}{
		"period":           snap.Period.String(),
		"connection_group": snap.ConnectionGroupID,
	})

	group, err := tx.FindConnectionGroup(ctx, snap.ConnectionGroupID)
	if errors.Is(err, contracts.ErrNotFound) {
		log.Warn("Snapshot for unknown connection group skipped")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find connection group: %w", err)
	}

	var (
		docType  contracts.DocumentType
		role     string
		wireType string
	)
	switch group.Type {
	case contracts.CongestionPoint:
		docType, role, wireType = contracts.DocumentDPrognosis, "DSO", "D-Prognosis"
	case contracts.BrpConnectionGroup:
		docType, role, wireType = contracts.DocumentAPlan, "BRP", "A-Plan"
	default:
		return false, nil
	}
	if group.ParticipantDomain == "" {
		log.Warn("Connection group has no participant, no prognosis sent")
		return false, nil
	}

	err = c.Engine.ValidateIfPTUForPeriodIsNotInPhase(ctx, tx, group.USEFIdentifier, snap.Period,
		contracts.PhaseOperate, contracts.PhasePendingSettlement, contracts.PhaseSettled)
	if be, ok := contracts.AsBusinessError(err); ok {
		log.WithField("code", be.Code).Warn("Prognosis skipped: " + be.Message)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	seq, err := c.Sequences.Next(ctx)
	if err != nil {
		return false, fmt.Errorf("next sequence: %w", err)
	}

	settings := c.settings()
	n := settings.Model.PtusPerDay(snap.Period)
	values := make([]contracts.PtuValue, 0, n)
	rows := make([]contracts.PtuPrognosis, 0, n)
	for i := 1; i <= n; i++ {
		var power int64
		if d := snap.Ptus[i]; d != nil {
			power = d.NetPower()
		}
		values = append(values, contracts.PtuValue{Index: i, Power: power})
		rows = append(rows, contracts.PtuPrognosis{
			Container:         contracts.PtuContainer{Period: snap.Period, Index: i},
			ConnectionGroupID: group.USEFIdentifier,
			ParticipantDomain: group.ParticipantDomain,
			Sequence:          seq,
			Type:              docType,
			Power:             power,
		})
	}
	if err := tx.StorePrognoses(ctx, rows); err != nil {
		return false, fmt.Errorf("store prognosis: %w", err)
	}

	msg := &contracts.PlanboardMessage{
		DocumentType:      docType,
		Sequence:          seq,
		Status:            contracts.StatusSent,
		ParticipantDomain: group.ParticipantDomain,
		Period:            snap.Period,
		ConnectionGroupID: group.USEFIdentifier,
	}
	if err := tx.StorePlanboardMessage(ctx, msg); err != nil {
		return false, fmt.Errorf("store prognosis message: %w", err)
	}

	wire := &transport.Prognosis{
		Envelope:    metadataTo(group.ParticipantDomain, role, transport.Transactional),
		Type:        wireType,
		PTUDuration: transport.FormatDuration(time.Duration(settings.PtuDuration) * time.Minute),
		Period:      snap.Period,
		TimeZone:    settings.TimeZone,
		Sequence:    seq,
		PTUs:        transport.FromContractPTUs(contracts.CompactPTUs(values), false),
	}
	if group.Type == contracts.CongestionPoint {
		wire.CongestionPoint = group.USEFIdentifier
	}
	key := msg.Key()
	uow.send(wire, &key)

	log.WithFields(map[string]interface{}{"sequence": seq, "type": docType}).Info("Prognosis created")
	return true, nil
}
