// Package monitor is the coordinators liveness safety net. Two
// independent periodic sweeps detect workers whose heartbeat lapsed and
// RUNNING tasks whose progress went silent, cascade-failing whatever they
// find. Each affected row is re-checked under its own transaction and row
// lock, so the sweeps are idempotent and safe to interleave with live
// updates.
package monitor

import (
	"context"
	"time"

	"github.com/drovermedia/drover/internal/catalog"
	"github.com/drovermedia/drover/internal/event"
	"github.com/drovermedia/drover/pkg/logger"
	"github.com/google/uuid"
)

var log = logger.Get("Monitor")

type (
	Store interface {
		ListExpiredWorkerIDs(cutoff time.Time) ([]uuid.UUID, error)
		ExpireWorker(id uuid.UUID, cutoff time.Time) (bool, *catalog.Task, error)
		ListStalledTaskIDs(cutoff time.Time) ([]uuid.UUID, error)
		FailStalledTask(id uuid.UUID, cutoff time.Time) (*catalog.Task, error)
	}

	Config struct {
		HeartbeatTimeout time.Duration
		TaskStallTimeout time.Duration
		SweepInterval    time.Duration
	}

	monitorService struct {
		config   Config
		store    Store
		eventBus event.EventDispatcher
	}
)

func New(config Config, store Store, eventBus event.EventDispatcher) *monitorService {
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = time.Second * 30
	}
	if config.TaskStallTimeout == 0 {
		config.TaskStallTimeout = time.Second * 60
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = time.Second * 30
	}

	return &monitorService{config: config, store: store, eventBus: eventBus}
}

// Run drives both sweeps on their own tickers until the context is
// cancelled. Sweep failures are logged and retried on the next tick; the
// monitor itself never stops on a per-row error.
func (service *monitorService) Run(ctx context.Context) error {
	workerTicker := time.NewTicker(service.config.SweepInterval)
	taskTicker := time.NewTicker(service.config.SweepInterval)
	defer workerTicker.Stop()
	defer taskTicker.Stop()

	log.Emit(logger.NEW, "Liveness monitor started (heartbeat timeout %v, stall timeout %v)\n",
		service.config.HeartbeatTimeout, service.config.TaskStallTimeout)

	for {
		select {
		case <-workerTicker.C:
			service.SweepWorkers()
		case <-taskTicker.C:
			service.SweepTasks()
		case <-ctx.Done():
			log.Emit(logger.STOP, "Liveness monitor stopping\n")
			return nil
		}
	}
}

// SweepWorkers marks every worker whose heartbeat lapsed as OFFLINE,
// cascade-failing the task it was holding, if any.
func (service *monitorService) SweepWorkers() {
	cutoff := time.Now().Add(-service.config.HeartbeatTimeout)
	ids, err := service.store.ListExpiredWorkerIDs(cutoff)
	if err != nil {
		log.Errorf("Worker sweep failed to list expired workers: %v\n", err)
		return
	}

	for _, id := range ids {
		expired, failed, err := service.store.ExpireWorker(id, cutoff)
		if err != nil {
			log.Errorf("Worker sweep failed to expire worker %s: %v\n", id, err)
			continue
		}
		if !expired {
			// A heartbeat landed between listing and locking the row.
			continue
		}

		log.Warnf("Worker %s declared OFFLINE after missed heartbeats\n", id)
		if failed != nil {
			log.Warnf("Task %s failed, its worker went offline\n", failed.ID)
			service.eventBus.Dispatch(event.TASK_UPDATED, failed)
			service.eventBus.Dispatch(event.TASK_FAILED, failed)
		}
	}
}

// SweepTasks fails every RUNNING task which has not been updated within the
// stall timeout. The worker returns to IDLE rather than OFFLINE; a stalled
// transcode does not imply a dead worker.
func (service *monitorService) SweepTasks() {
	cutoff := time.Now().Add(-service.config.TaskStallTimeout)
	ids, err := service.store.ListStalledTaskIDs(cutoff)
	if err != nil {
		log.Errorf("Task sweep failed to list stalled tasks: %v\n", err)
		return
	}

	for _, id := range ids {
		failed, err := service.store.FailStalledTask(id, cutoff)
		if err != nil {
			log.Errorf("Task sweep failed to fail task %s: %v\n", id, err)
			continue
		}
		if failed == nil {
			// Task caught up (or finished) between listing and locking.
			continue
		}

		log.Warnf("Task %s failed after exceeding the stall timeout\n", failed.ID)
		service.eventBus.Dispatch(event.TASK_UPDATED, failed)
		service.eventBus.Dispatch(event.TASK_FAILED, failed)
	}
}
