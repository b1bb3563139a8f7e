package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/drovermedia/drover/internal/api"
	"github.com/drovermedia/drover/internal/catalog"
	"github.com/drovermedia/drover/internal/database"
	"github.com/drovermedia/drover/internal/dispatch"
	"github.com/drovermedia/drover/internal/event"
	"github.com/drovermedia/drover/internal/monitor"
	"github.com/drovermedia/drover/internal/probe"
	"github.com/drovermedia/drover/internal/registry"
	"github.com/drovermedia/drover/internal/scanner"
	"github.com/drovermedia/drover/internal/tracker"
	"github.com/drovermedia/drover/pkg/logger"
)

var log = logger.Get("Core")

type RunnableService interface {
	Run(context.Context) error
}

// Drover represents the top-level object for the coordinator, responsible
// for constructing the stores, services and gateway, connecting them via
// the event bus, and running them until stopped.
type droverImpl struct {
	config   DroverConfig
	eventBus event.EventCoordinator

	db    database.Manager
	store *catalog.Store

	restGateway    RunnableService
	scannerService RunnableService
	monitorService RunnableService
}

// New wires every coordinator service together. Construction performs no
// I/O beyond validating the scan roots; the database is connected in Run.
func New(config DroverConfig) (*droverImpl, error) {
	db := database.New()
	store := catalog.NewStore(db)
	eventBus := event.New()

	registryService := registry.New(store, eventBus, config.Liveness.HeartbeatTimeoutDuration())
	dispatchService := dispatch.New(store, eventBus)
	trackerService := tracker.New(store, eventBus)
	monitorService := monitor.New(monitor.Config{
		HeartbeatTimeout: config.Liveness.HeartbeatTimeoutDuration(),
		TaskStallTimeout: config.Liveness.TaskStallTimeoutDuration(),
		SweepInterval:    config.Liveness.SweepIntervalDuration(),
	}, store, eventBus)

	scannerService, err := scanner.New(scanner.Config{
		Roots:         config.Paths.Roots(),
		CronSpec:      config.Scheduler.CronSpec(),
		ScanOnStartup: config.Scheduler.ScanOnStartup,
	}, store, probe.NewProber())
	if err != nil {
		return nil, fmt.Errorf("failed to construct scanner service: %w", err)
	}

	return &droverImpl{
		config:         config,
		eventBus:       eventBus,
		db:             db,
		store:          store,
		restGateway:    api.NewRestGateway(&config.Rest, registryService, dispatchService, trackerService, store, eventBus),
		scannerService: scannerService,
		monitorService: monitorService,
	}, nil
}

// Run will start the coordinator by bringing up the database connection and
// all services. This function will not return until the coordinator is
// stopped. To stop it, the provided context must be cancelled; errors from
// which a service cannot recover will also cause a stop.
func (drover *droverImpl) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	log.Emit(logger.NEW, "Connecting to database...\n")
	if err := drover.db.Connect(drover.config.Database); err != nil {
		return err
	}

	wg := &sync.WaitGroup{}
	drover.spawnAsyncService(ctx, wg, drover.scannerService, "scanner-service", crashHandler)
	drover.spawnAsyncService(ctx, wg, drover.monitorService, "liveness-monitor", crashHandler)
	drover.spawnAsyncService(ctx, wg, drover.restGateway, "rest-gateway", crashHandler)
	log.Emit(logger.SUCCESS, "Drover services spawned!\n")

	wg.Wait()
	return nil
}

// spawnAsyncService will run the provided function/service as its own
// go-routine, ensuring that the service waitgroup is updated correctly
func (drover *droverImpl) spawnAsyncService(context context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(context); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}
