// Package tracker drives the task state machine from worker progress
// reports. Every accepted update mutates the task, its video, and (on
// terminal transitions) its worker in a single transaction; lifecycle
// events are published only after that transaction commits.
package tracker

import (
	"github.com/drovermedia/drover/internal/catalog"
	"github.com/drovermedia/drover/internal/event"
	"github.com/drovermedia/drover/pkg/logger"
	"github.com/google/uuid"
)

var log = logger.Get("Tracker")

type (
	Store interface {
		GetTask(id uuid.UUID) (*catalog.Task, error)
		ListTasks(filter catalog.TaskFilter) ([]*catalog.Task, error)
		UpdateTaskFromWorker(taskID uuid.UUID, workerID uuid.UUID, patch catalog.TaskPatch) (*catalog.Task, error)
	}

	trackerService struct {
		store    Store
		eventBus event.EventDispatcher
	}
)

func New(store Store, eventBus event.EventDispatcher) *trackerService {
	return &trackerService{store: store, eventBus: eventBus}
}

// ApplyUpdate validates and applies a worker-reported update. The store
// rejects updates from the wrong worker, updates against terminal tasks,
// and illegal transitions; callers translate those sentinel errors to
// transport responses. Event publication is best-effort and never unwinds
// the committed store write.
func (service *trackerService) ApplyUpdate(taskID uuid.UUID, workerID uuid.UUID, patch catalog.TaskPatch) (*catalog.Task, error) {
	task, err := service.store.UpdateTaskFromWorker(taskID, workerID, patch)
	if err != nil {
		return nil, err
	}

	service.eventBus.Dispatch(event.TASK_UPDATED, task)
	switch task.Status {
	case catalog.TaskCompleted:
		log.Emit(logger.SUCCESS, "Task %s completed by worker %s\n", task.ID, task.WorkerName)
		service.eventBus.Dispatch(event.TASK_COMPLETE, task)
	case catalog.TaskFailed:
		log.Warnf("Task %s failed on worker %s\n", task.ID, task.WorkerName)
		service.eventBus.Dispatch(event.TASK_FAILED, task)
	}

	return task, nil
}

func (service *trackerService) Task(id uuid.UUID) (*catalog.Task, error) {
	return service.store.GetTask(id)
}

func (service *trackerService) Tasks(filter catalog.TaskFilter) ([]*catalog.Task, error) {
	return service.store.ListTasks(filter)
}
