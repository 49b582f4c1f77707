package jobs

import (
	"context"
	"fmt"

	"github.com/wonny/usef/backend/internal/ptu"
	"github.com/wonny/usef/backend/pkg/logger"
)

// SettlementInitiator starts settlement of the previous month
type SettlementInitiator interface {
	Initiate(ctx context.Context) (ptu.Date, ptu.Date, error)
}

// InitiateSettlementJob starts the monthly settlement
// ⭐ SSOT: 월간 정산 시작은 이 Job에서만
type InitiateSettlementJob struct {
	settlement SettlementInitiator
	schedule   string
	logger     *logger.Logger
}

// NewInitiateSettlementJob creates a new settlement initiation job
func NewInitiateSettlementJob(settlement SettlementInitiator, schedule string, log *logger.Logger) *InitiateSettlementJob {
	return &InitiateSettlementJob{settlement: settlement, schedule: schedule, logger: log}
}

// Name returns the job name
func (j *InitiateSettlementJob) Name() string { return "initiate_settlement" }

// Schedule returns the cron schedule
func (j *InitiateSettlementJob) Schedule() string { return j.schedule }

// Run initiates settlement of the month before today
func (j *InitiateSettlementJob) Run(ctx context.Context) error {
	from, until, err := j.settlement.Initiate(ctx)
	if err != nil {
		return fmt.Errorf("initiate settlement %s..%s: %w", from, until, err)
	}
	j.logger.WithFields(map[string]interface{}{
		"period_start": from.String(),
		"period_end":   until.String(),
	}).Info("Scheduled settlement initiated")
	return nil
}

// SettlementSweeper finalizes settlements whose meter data never arrived
type SettlementSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// FinalizeSweepJob finalizes unfinished settlements
type FinalizeSweepJob struct {
	sweeper  SettlementSweeper
	schedule string
	logger   *logger.Logger
}

// NewFinalizeSweepJob creates a new finalize sweep job
func NewFinalizeSweepJob(sweeper SettlementSweeper, schedule string, log *logger.Logger) *FinalizeSweepJob {
	return &FinalizeSweepJob{sweeper: sweeper, schedule: schedule, logger: log}
}

// Name returns the job name
func (j *FinalizeSweepJob) Name() string { return "finalize_sweep" }

// Schedule returns the cron schedule
func (j *FinalizeSweepJob) Schedule() string { return j.schedule }

// Run sweeps the expired meter data queries
func (j *FinalizeSweepJob) Run(ctx context.Context) error {
	if _, err := j.sweeper.Sweep(ctx); err != nil {
		return fmt.Errorf("finalize sweep: %w", err)
	}
	return nil
}
