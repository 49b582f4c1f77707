package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/events"
	"github.com/wonny/usef/backend/internal/pbc"
	"github.com/wonny/usef/backend/internal/planboard"
	"github.com/wonny/usef/backend/internal/ptu"
	"github.com/wonny/usef/backend/internal/reconcile"
)

// ReOptimizeCoordinator re-plans the aggregator portfolio of a day after
// flex orders change it. Runs per date are single-flight; requests that
// arrive during a run are coalesced into one more run.
type ReOptimizeCoordinator struct {
	base
	flags *FlagHolder
}

// NewReOptimizeCoordinator creates a ReOptimizeCoordinator
func NewReOptimizeCoordinator(deps Deps, flags *FlagHolder) *ReOptimizeCoordinator {
	if flags == nil {
		flags = NewFlagHolder()
	}
	return &ReOptimizeCoordinator{base: newBase("reoptimize", deps), flags: flags}
}

// Subscribe registers the coordinator on the bus
func (c *ReOptimizeCoordinator) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.ReOptimizePortfolio, func(ctx context.Context, ev events.Event) error {
		return c.Trigger(ctx, ev.Period)
	})
}

// Trigger runs re-optimization for date, or marks it to be re-run when a
// run is already in progress. A pending request is served even when the
// run before it failed, unless the failure is a ConfigurationError. When
// the last run completes the prognoses are re-created exactly once.
func (c *ReOptimizeCoordinator) Trigger(ctx context.Context, date ptu.Date) error {
	log := c.log.WithField("period", date.String())
	if !c.flags.TryStart(date) {
		c.Metrics.ReOptimizeCoalesced()
		log.Debug("Re-optimization already running, request coalesced")
		return nil
	}

	runs := 0
	for {
		runs++
		err := c.run(ctx, date)
		if contracts.IsConfigurationError(err) {
			// rerunning the same steps fails the same way
			if pending := c.flags.Abort(date); pending {
				log.Warn("Pending re-optimization request dropped with misconfigured run")
			}
			return err
		}
		if !c.flags.Finish(date) {
			if err != nil {
				return err
			}
			break
		}
		if err != nil {
			log.WithError(err).WithField("run", runs).Warn("Re-optimization failed, running again for the pending request")
			continue
		}
		log.WithField("run", runs).Debug("Re-optimization requested during run, running again")
	}

	log.WithField("runs", runs).Info("Re-optimization finished")
	if c.Events == nil {
		return nil
	}
	return c.Events.Publish(ctx, events.New(events.ReCreatePrognoses, date))
}

func (c *ReOptimizeCoordinator) run(ctx context.Context, date ptu.Date) (err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()

	return c.inTx(ctx, func(tx planboard.Store, _ *unitOfWork) error {
		current, err := c.currentPortfolio(ctx, tx, date)
		if err != nil {
			return err
		}
		orders, err := c.acceptedOrders(ctx, tx, date)
		if err != nil {
			return err
		}

		out, err := c.PBC.Invoke(ctx, pbc.StepReOptimizePortfolio, pbc.Context{
			pbc.KeyPeriod:           date,
			pbc.KeyPtuDuration:      c.settings().PtuDuration,
			pbc.KeyCurrentPortfolio: current,
			pbc.KeyFlexOrders:       orders,
		})
		if err != nil {
			return err
		}
		updated, err := pbc.Get[pbc.Portfolio](out, pbc.KeyUpdatedPortfolio)
		if err != nil {
			return err
		}

		now := c.Now()
		for group, ptus := range updated {
			snapshot := contracts.PortfolioSnapshot{
				ConnectionGroupID: group,
				Period:            date,
				Ptus:              ptus,
				CreatedAt:         now,
			}
			if err := tx.StorePortfolioSnapshot(ctx, snapshot); err != nil {
				return fmt.Errorf("store portfolio snapshot: %w", err)
			}
		}

		c.log.WithFields(map[string]interface{}{
			"period": date.String(),
			"groups": len(updated),
			"orders": len(orders),
		}).Debug("Portfolio re-optimized")
		return nil
	})
}

// currentPortfolio sums the device forecasts of every active group per PTU
func (c *ReOptimizeCoordinator) currentPortfolio(ctx context.Context, tx planboard.Store, date ptu.Date) (pbc.Portfolio, error) {
	groups, err := tx.FindActiveConnectionGroups(ctx, date, date)
	if err != nil {
		return nil, fmt.Errorf("find connection groups: %w", err)
	}
	forecasts, err := tx.FindUdiForecasts(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("find udi forecasts: %w", err)
	}
	byEndpoint := make(map[string]contracts.UdiForecast, len(forecasts))
	for _, f := range forecasts {
		byEndpoint[f.Endpoint] = f
	}

	settings := c.settings()
	ptusPerDay := settings.Model.PtusPerDay(date)
	portfolio := pbc.Portfolio{}
	for _, g := range groups {
		udis, err := tx.FindUdis(ctx, g.USEFIdentifier)
		if err != nil {
			return nil, fmt.Errorf("find udis: %w", err)
		}

		var series []reconcile.UdiSeries
		for _, u := range udis {
			f, ok := byEndpoint[u.Endpoint]
			if !ok {
				continue
			}
			series = append(series, reconcile.UdiSeries{Endpoint: u.Endpoint, DtuSize: u.DtuSize, Dtus: f.Dtus})
		}

		ptus, err := reconcile.SumUdisPerPtu(series, settings.PtuDuration, ptusPerDay)
		if err != nil {
			return nil, contracts.NewConfigurationError(c.name, "group %s: %v", g.USEFIdentifier, err)
		}
		portfolio[g.USEFIdentifier] = ptus
	}
	return portfolio, nil
}

// acceptedOrders returns the PTUs of the flex orders accepted for date
func (c *ReOptimizeCoordinator) acceptedOrders(ctx context.Context, tx planboard.Store, date ptu.Date) ([]contracts.PtuFlexOrder, error) {
	msgs, err := tx.FindPlanboardMessages(ctx, contracts.MessageFilter{
		DocumentType: contracts.DocumentFlexOrder,
		PeriodStart:  date,
		PeriodEnd:    date,
		Statuses:     []contracts.DocumentStatus{contracts.StatusAccepted, contracts.StatusProcessed},
	})
	if err != nil {
		return nil, fmt.Errorf("find flex orders: %w", err)
	}
	if len(msgs) == 0 {
		return []contracts.PtuFlexOrder{}, nil
	}

	accepted := make(map[contracts.MessageKey]bool, len(msgs))
	for _, m := range msgs {
		accepted[m.Key()] = true
	}

	ptus, err := tx.FindFlexOrders(ctx, contracts.FlexFilter{PeriodStart: date, PeriodEnd: date})
	if err != nil {
		return nil, fmt.Errorf("find flex order ptus: %w", err)
	}
	out := make([]contracts.PtuFlexOrder, 0, len(ptus))
	for _, p := range ptus {
		key := contracts.MessageKey{DocumentType: contracts.DocumentFlexOrder, Sequence: p.Sequence, ParticipantDomain: p.ParticipantDomain}
		if accepted[key] {
			out = append(out, p)
		}
	}
	return out, nil
}
