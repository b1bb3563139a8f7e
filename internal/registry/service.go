// Package registry manages the worker fleet: registration under unique
// names, heartbeat bookkeeping, and operator-requested retirement. A name
// is owned by exactly one live instance at a time; an instance whose
// heartbeat has lapsed may be reclaimed by a fresh registration.
package registry

import (
	"errors"
	"time"

	"github.com/drovermedia/drover/internal/catalog"
	"github.com/drovermedia/drover/internal/event"
	"github.com/drovermedia/drover/pkg/logger"
	"github.com/google/uuid"
)

var log = logger.Get("Registry")

// ErrNameTaken is returned when a registration collides with a worker name
// whose current holder is still heartbeating.
var ErrNameTaken = errors.New("worker name is held by a live instance")

type (
	Store interface {
		GetWorker(id uuid.UUID) (*catalog.Worker, error)
		GetWorkerByName(name string) (*catalog.Worker, error)
		CreateWorker(worker *catalog.Worker) error
		ReclaimWorker(name string, cutoff time.Time, kind catalog.WorkerKind, supportsVR bool) (*catalog.Worker, *catalog.Task, error)
		UpdateWorkerHeartbeat(id uuid.UUID, name string) error
		SetWorkerOfflineRequest(id uuid.UUID, request catalog.OfflineRequest) error
		ListWorkers(limit int, offset int) ([]*catalog.Worker, error)
		UpdateWorker(worker *catalog.Worker) error
		DeleteWorker(id uuid.UUID) error
	}

	registryService struct {
		store            Store
		eventBus         event.EventDispatcher
		heartbeatTimeout time.Duration
	}
)

func New(store Store, eventBus event.EventDispatcher, heartbeatTimeout time.Duration) *registryService {
	return &registryService{store: store, eventBus: eventBus, heartbeatTimeout: heartbeatTimeout}
}

// Register creates or revives the worker row for the given name. A name
// held by a live instance is a conflict; a stale holder is reclaimed,
// cascade-failing any task it still holds, and the revived worker starts
// clean under the newly declared kind and VR capability.
func (service *registryService) Register(name string, kind catalog.WorkerKind, supportsVR bool) (uuid.UUID, error) {
	existing, err := service.store.GetWorkerByName(name)
	if errors.Is(err, catalog.ErrWorkerNotFound) {
		worker := &catalog.Worker{
			ID:            uuid.New(),
			Name:          name,
			Kind:          kind,
			SupportsVR:    supportsVR,
			Status:        catalog.WorkerIdle,
			LastHeartbeat: time.Now(),
		}

		if err := service.store.CreateWorker(worker); err != nil {
			// A racing registration may have claimed the name between the
			// lookup and the insert; the unique constraint is authoritative.
			if errors.Is(err, catalog.ErrDuplicateWorkerName) {
				return uuid.Nil, ErrNameTaken
			}
			return uuid.Nil, err
		}

		log.Emit(logger.NEW, "Registered worker %s (%s, vr=%v)\n", name, kind, supportsVR)
		return worker.ID, nil
	} else if err != nil {
		return uuid.Nil, err
	}

	if service.isLive(existing) {
		return uuid.Nil, ErrNameTaken
	}

	// The liveness check above ran on an unlocked read; the store re-runs
	// it under the row lock, so a racing registration (or a late heartbeat)
	// which revived the name in the meantime surfaces as a conflict here
	// rather than a second reclaim of the same row.
	cutoff := time.Now().Add(-service.heartbeatTimeout)
	reclaimed, failed, err := service.store.ReclaimWorker(name, cutoff, kind, supportsVR)
	if errors.Is(err, catalog.ErrWorkerStillLive) {
		return uuid.Nil, ErrNameTaken
	} else if err != nil {
		return uuid.Nil, err
	}
	if failed != nil {
		log.Warnf("Reclaimed worker %s held orphan task %s, task failed\n", name, failed.ID)
		service.eventBus.Dispatch(event.TASK_UPDATED, failed)
	}

	log.Emit(logger.NEW, "Reclaimed stale worker %s (%s, vr=%v)\n", name, kind, supportsVR)
	return reclaimed.ID, nil
}

// Heartbeat stamps the workers liveness. The name must match the
// registration the worker id was issued for.
func (service *registryService) Heartbeat(id uuid.UUID, name string) error {
	return service.store.UpdateWorkerHeartbeat(id, name)
}

// RequestOffline flags the worker for retirement; the dispatcher reads the
// flag and answers the workers next poll with a go-offline signal instead
// of a task.
func (service *registryService) RequestOffline(id uuid.UUID, mode catalog.OfflineRequest) error {
	if mode != catalog.OfflineSoft && mode != catalog.OfflineShutdown {
		return errors.New("invalid offline request mode")
	}

	return service.store.SetWorkerOfflineRequest(id, mode)
}

func (service *registryService) CancelOffline(id uuid.UUID) error {
	return service.store.SetWorkerOfflineRequest(id, catalog.OfflineNone)
}

func (service *registryService) Worker(id uuid.UUID) (*catalog.Worker, error) {
	return service.store.GetWorker(id)
}

// Workers lists the fleet with the status column re-derived from heartbeat
// freshness, so a worker which died moments ago reads OFFLINE even before
// the liveness sweep has caught up with it.
func (service *registryService) Workers(limit int, offset int) ([]*catalog.Worker, error) {
	workers, err := service.store.ListWorkers(limit, offset)
	if err != nil {
		return nil, err
	}

	for _, worker := range workers {
		if worker.Status != catalog.WorkerOffline && !service.isLive(worker) {
			worker.Status = catalog.WorkerOffline
		}
	}

	return workers, nil
}

func (service *registryService) UpdateWorker(worker *catalog.Worker) error {
	return service.store.UpdateWorker(worker)
}

func (service *registryService) DeleteWorker(id uuid.UUID) error {
	return service.store.DeleteWorker(id)
}

func (service *registryService) isLive(worker *catalog.Worker) bool {
	return time.Since(worker.LastHeartbeat) <= service.heartbeatTimeout
}
