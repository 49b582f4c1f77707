package jobs

import (
	"context"
	"fmt"

	"github.com/wonny/usef/backend/pkg/logger"
)

// PhaseAdvancer moves PTU states to the phase the clock dictates
type PhaseAdvancer interface {
	Advance(ctx context.Context) (int, error)
}

// PtuPhaseJob advances PTU phases of yesterday, today and tomorrow
// ⭐ SSOT: 주기적 PTU phase 전환은 이 Job에서만
type PtuPhaseJob struct {
	phases   PhaseAdvancer
	schedule string
	logger   *logger.Logger
}

// NewPtuPhaseJob creates a new PTU phase job
func NewPtuPhaseJob(phases PhaseAdvancer, schedule string, log *logger.Logger) *PtuPhaseJob {
	return &PtuPhaseJob{phases: phases, schedule: schedule, logger: log}
}

// Name returns the job name
func (j *PtuPhaseJob) Name() string { return "ptu_phase" }

// Schedule returns the cron schedule
func (j *PtuPhaseJob) Schedule() string { return j.schedule }

// Run advances the phases
func (j *PtuPhaseJob) Run(ctx context.Context) error {
	changed, err := j.phases.Advance(ctx)
	if err != nil {
		return fmt.Errorf("advance ptu phases: %w", err)
	}
	if changed > 0 {
		j.logger.WithField("changed", changed).Debug("PTU phase job completed")
	}
	return nil
}

// DocumentExpirer expires planboard messages past their expiration date
type DocumentExpirer interface {
	ExpireDocuments(ctx context.Context) (int, error)
}

// ExpireDocumentsJob expires overdue planboard messages
type ExpireDocumentsJob struct {
	expirer  DocumentExpirer
	schedule string
	logger   *logger.Logger
}

// NewExpireDocumentsJob creates a new document expiration job
func NewExpireDocumentsJob(expirer DocumentExpirer, schedule string, log *logger.Logger) *ExpireDocumentsJob {
	return &ExpireDocumentsJob{expirer: expirer, schedule: schedule, logger: log}
}

// Name returns the job name
func (j *ExpireDocumentsJob) Name() string { return "expire_documents" }

// Schedule returns the cron schedule
func (j *ExpireDocumentsJob) Schedule() string { return j.schedule }

// Run expires the documents
func (j *ExpireDocumentsJob) Run(ctx context.Context) error {
	expired, err := j.expirer.ExpireDocuments(ctx)
	if err != nil {
		return fmt.Errorf("expire documents: %w", err)
	}
	if expired > 0 {
		j.logger.WithField("expired", expired).Info("Documents expired")
	}
	return nil
}
