// Package dispatch matches pending videos to requesting workers. Matching
// runs entirely inside one store transaction so two workers polling at the
// same moment can never be handed the same video.
package dispatch

import (
	"errors"

	"github.com/drovermedia/drover/internal/catalog"
	"github.com/drovermedia/drover/internal/event"
	"github.com/drovermedia/drover/pkg/logger"
	"github.com/google/uuid"
)

var log = logger.Get("Dispatch")

type (
	Store interface {
		AssignNextTask(workerID uuid.UUID, query catalog.CandidateQuery, destPath *string) (*catalog.Task, error)
	}

	dispatchService struct {
		store    Store
		eventBus event.EventDispatcher
	}
)

func New(store Store, eventBus event.EventDispatcher) *dispatchService {
	return &dispatchService{store: store, eventBus: eventBus}
}

// NextTask answers a worker poll. The capability filter is built from the
// kind and VR support the worker declared on this request (not the stored
// registration, which a concurrent re-registration may have changed).
// Possible outcomes, expressed through the returned error:
//   - a task descriptor (nil error);
//   - catalog.ErrNoCandidate, nothing matched;
//   - catalog.OfflineRequestedError, the worker must retire instead;
//   - catalog.ErrWorkerNotFound.
func (service *dispatchService) NextTask(workerID uuid.UUID, kind catalog.WorkerKind, supportsVR bool, destPath *string) (*catalog.Task, error) {
	if !kind.IsValid() {
		return nil, errors.New("unknown worker kind")
	}

	query := catalog.CandidateQueryFor(kind, supportsVR)
	task, err := service.store.AssignNextTask(workerID, query, destPath)
	if err != nil {
		return nil, err
	}

	log.Emit(logger.NEW, "Assigned task %s (%s) to worker %s\n", task.ID, task.SourcePath, task.WorkerName)
	service.eventBus.Dispatch(event.TASK_CREATED, task)

	return task, nil
}
