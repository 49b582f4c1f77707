package jobs

import (
	"context"
	"fmt"

	"github.com/wonny/usef/backend/internal/ptu"
	"github.com/wonny/usef/backend/pkg/logger"
)

// FlexOrderPlacer orders accepted flex offers
type FlexOrderPlacer interface {
	PlaceFlexOrders(ctx context.Context, period ptu.Date) (int, error)
}

// PlaceFlexOrdersJob orders the accepted flex offers of every open day
type PlaceFlexOrdersJob struct {
	placer   FlexOrderPlacer
	schedule string
	logger   *logger.Logger
}

// NewPlaceFlexOrdersJob creates a new flex order placement job
func NewPlaceFlexOrdersJob(placer FlexOrderPlacer, schedule string, log *logger.Logger) *PlaceFlexOrdersJob {
	return &PlaceFlexOrdersJob{placer: placer, schedule: schedule, logger: log}
}

// Name returns the job name
func (j *PlaceFlexOrdersJob) Name() string { return "place_flex_orders" }

// Schedule returns the cron schedule
func (j *PlaceFlexOrdersJob) Schedule() string { return j.schedule }

// Run places the orders; a zero period covers every day with offers
func (j *PlaceFlexOrdersJob) Run(ctx context.Context) error {
	placed, err := j.placer.PlaceFlexOrders(ctx, ptu.Date{})
	if err != nil {
		return fmt.Errorf("place flex orders: %w", err)
	}
	if placed > 0 {
		j.logger.WithField("placed", placed).Info("Flex orders placed")
	}
	return nil
}
