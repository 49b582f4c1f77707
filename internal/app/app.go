// Package app builds the participant process once at startup: storage,
// transport, event bus, coordinators, inbound handling, HTTP and the
// scheduler all share the collaborators created here.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/wonny/usef/backend/internal/api"
	"github.com/wonny/usef/backend/internal/api/handlers"
	"github.com/wonny/usef/backend/internal/coordinator"
	"github.com/wonny/usef/backend/internal/events"
	"github.com/wonny/usef/backend/internal/inbound"
	"github.com/wonny/usef/backend/internal/lifecycle"
	"github.com/wonny/usef/backend/internal/pbc"
	"github.com/wonny/usef/backend/internal/planboard"
	"github.com/wonny/usef/backend/internal/scheduler"
	"github.com/wonny/usef/backend/internal/scheduler/jobs"
	"github.com/wonny/usef/backend/internal/transport"
	"github.com/wonny/usef/backend/internal/validation"
	"github.com/wonny/usef/backend/pkg/config"
	"github.com/wonny/usef/backend/pkg/database"
	"github.com/wonny/usef/backend/pkg/httputil"
	"github.com/wonny/usef/backend/pkg/logger"
	"github.com/wonny/usef/backend/pkg/metrics"
	"github.com/wonny/usef/backend/pkg/redis"
)

// dedupTTL is how long inbound message IDs are remembered
const dedupTTL = 24 * time.Hour

// Coordinators are the workflow runners of the participant
type Coordinators struct {
	ReOptimize *coordinator.ReOptimizeCoordinator
	Prognosis  *coordinator.PrognosisCoordinator
	FlexOrder  *coordinator.FlexOrderCoordinator
	Settlement *coordinator.SettlementCoordinator
	Phase      *coordinator.PhaseCoordinator
	Expiration *coordinator.ExpirationCoordinator
}

// App is the wired participant process
// ⭐ SSOT: every long-lived component is constructed here and nowhere else
type App struct {
	Config  *config.Config
	Log     *logger.Logger
	Metrics *metrics.Metrics

	DB    *database.DB // nil with the memory store
	Redis *redis.Client
	Store planboard.Store

	Engine    *validation.Engine
	Validator *lifecycle.Validator
	PBC       *pbc.Registry
	Bus       *events.Bus
	Outbox    *transport.Outbox

	Coordinators Coordinators
	Inbound      *inbound.Handler
	Server       *api.Server
	Scheduler    *scheduler.Scheduler
}

// New connects to the configured backends and wires every component.
// Close releases what New opened, also when New fails halfway.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *App, err error) {
	a := &App{
		Config:  cfg,
		Log:     log,
		Metrics: metrics.New(cfg.MetricsEnabled),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// 1. Storage
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	// 2. Redis helpers: shared sequences, dedup, per-recipient rate limit
	a.Redis, err = redis.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	sequences := coordinator.NewFallbackSequencer(redis.NewSequenceGenerator(a.Redis), coordinator.NewLocalSequencer(), log)

	// 3. Validation
	settings, err := validation.SettingsFromConfig(cfg.USEF)
	if err != nil {
		return nil, err
	}
	a.Engine = validation.New(settings)
	a.Validator = lifecycle.NewValidator(log)

	// 4. PBC steps
	if a.PBC, err = newRegistry(cfg, log); err != nil {
		return nil, err
	}

	// 5. Transport
	client := httputil.New(cfg, log).WithLimiter(redis.NewRateLimiter(a.Redis, cfg.Sender.RateLimit, time.Second))
	sender := transport.NewHTTPSender(client, cfg.Sender, cfg.USEF.EndpointTemplate)
	a.Outbox = transport.NewOutbox(transport.NewCodec(), sender, a.Store, a.Metrics, log,
		cfg.USEF.Domain, cfg.USEF.Role, cfg.Sender.RateLimit)

	// 6. Coordinators on the event bus
	a.Bus = events.NewBus(log, events.BusOptions{Workers: 2})
	deps := coordinator.Deps{
		Store:      a.Store,
		PBC:        a.PBC,
		Events:     a.Bus,
		Dispatcher: a.Outbox,
		Sequences:  sequences,
		Engine:     a.Engine,
		Validator:  a.Validator,
		Metrics:    a.Metrics,
		Log:        log,
	}
	locks := coordinator.NewPhaseLocks()
	a.Coordinators = Coordinators{
		ReOptimize: coordinator.NewReOptimizeCoordinator(deps, coordinator.NewFlagHolder()),
		Prognosis:  coordinator.NewPrognosisCoordinator(deps),
		FlexOrder:  coordinator.NewFlexOrderCoordinator(deps),
		Settlement: coordinator.NewSettlementCoordinator(deps, coordinator.SettlementOptions{
			MDCDomains:      cfg.USEF.MDCDomains,
			QueryExpiration: cfg.USEF.MeterDataQueryExpiration,
		}, locks),
		Phase:      coordinator.NewPhaseCoordinator(deps, locks),
		Expiration: coordinator.NewExpirationCoordinator(deps),
	}
	a.Coordinators.ReOptimize.Subscribe(a.Bus)
	a.Coordinators.Prognosis.Subscribe(a.Bus)
	a.Coordinators.FlexOrder.Subscribe(a.Bus)
	a.Coordinators.Settlement.Subscribe(a.Bus)

	// 7. Inbound documents
	a.Inbound = inbound.New(inbound.Deps{
		Store:           a.Store,
		Engine:          a.Engine,
		Validator:       a.Validator,
		Events:          a.Bus,
		Dispatcher:      a.Outbox,
		MeterData:       a.Coordinators.Settlement,
		Dedup:           redis.NewDeduplicator(a.Redis, dedupTTL),
		OfferExpiration: cfg.USEF.FlexOfferExpiration,
		Metrics:         a.Metrics,
		Log:             log,
	})

	// 8. HTTP
	c := a.Coordinators
	router := api.NewRouter(api.Handlers{
		Message:   handlers.NewMessageHandler(a.Inbound, log),
		Trigger:   handlers.NewTriggerHandler(c.ReOptimize, c.Settlement, c.FlexOrder, log),
		Planboard: handlers.NewPlanboardHandler(a.Store, log),
		Metrics:   a.Metrics.Handler(),
	}, log)
	a.Server = api.New(cfg, log, router)

	// 9. Scheduler
	a.Scheduler = scheduler.New(log, scheduler.Options{
		MaxRetries: cfg.Schedules.JobMaxRetries,
		RetryDelay: cfg.Schedules.JobRetryInterval,
		Metrics:    a.Metrics,
	})
	for _, job := range a.Jobs() {
		if err := a.Scheduler.AddJob(job); err != nil {
			return nil, err
		}
	}

	log.WithFields(map[string]interface{}{
		"domain": cfg.USEF.Domain,
		"role":   cfg.USEF.Role,
		"store":  cfg.Store,
		"redis":  a.Redis.Enabled(),
		"jobs":   len(a.Scheduler.GetAllJobs()),
	}).Info("Participant wired")

	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.Store {
	case "postgres":
		db, err := database.New(ctx, a.Config)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		a.DB = db
		a.Store = planboard.NewPostgresStore(db)
		a.Log.Info("Connected to database")
	default:
		a.Store = planboard.NewMemoryStore()
		a.Log.Warn("Using in-memory planboard store; state is lost on restart")
	}
	return nil
}

func newRegistry(cfg *config.Config, log *logger.Logger) (*pbc.Registry, error) {
	defs := pbc.DefaultDefinitions()
	if cfg.USEF.PBCStepsFile != "" {
		loaded, err := pbc.LoadDefinitions(cfg.USEF.PBCStepsFile)
		if err != nil {
			return nil, err
		}
		defs = loaded
	}
	hash, err := pbc.Hash(defs)
	if err != nil {
		return nil, fmt.Errorf("hash pbc steps: %w", err)
	}

	r := pbc.NewRegistry(log, defs)
	pbc.RegisterDefaults(r)
	log.WithFields(map[string]interface{}{
		"steps": len(defs),
		"hash":  hash,
	}).Info("PBC steps loaded")
	return r, nil
}

// Jobs returns the periodic jobs of the configured role. Every role
// advances PTU phases and expires documents; the parties ordering
// flexibility (DSO, BRP) also place orders and settle them.
func (a *App) Jobs() []scheduler.Job {
	s := a.Config.Schedules
	c := a.Coordinators
	list := []scheduler.Job{
		jobs.NewPtuPhaseJob(c.Phase, s.PtuPhase, a.Log),
		jobs.NewExpireDocumentsJob(c.Expiration, s.ExpireDocuments, a.Log),
	}
	switch a.Config.USEF.Role {
	case "DSO", "BRP":
		list = append(list,
			jobs.NewPlaceFlexOrdersJob(c.FlexOrder, s.PlaceFlexOrders, a.Log),
			jobs.NewInitiateSettlementJob(c.Settlement, s.InitiateSettle, a.Log),
			jobs.NewFinalizeSweepJob(c.Settlement, s.FinalizeSweep, a.Log),
		)
	}
	return list
}

// Run starts the bus and the scheduler and serves HTTP until ctx is
// cancelled, then stops everything in reverse order
func (a *App) Run(ctx context.Context) error {
	a.Bus.Start(ctx)
	defer a.Bus.Stop()

	a.Scheduler.Start()
	defer a.Scheduler.Stop()

	return a.Server.Run(ctx)
}

// StartBus starts the event bus for one-shot commands. The returned func
// drains the queued follow-up events and stops the bus.
func (a *App) StartBus(ctx context.Context) (stop func()) {
	a.Bus.Start(ctx)
	return a.Bus.Stop
}

// Close releases the backend connections
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Log.WithError(err).Warn("Failed to close redis")
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
