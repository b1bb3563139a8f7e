package catalog

import (
	"fmt"
	"time"

	"github.com/drovermedia/drover/internal/database"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type (
	// Store is responsible for managing the coordinators highly-relational
	// data. The entity stores below this layer are 'dumb'; this layer links
	// them together inside transactions and provides the database handle.
	// Any mutation spanning a task, its video and its worker goes through
	// here so the cross-entity invariants hold at every commit.
	Store struct {
		db database.Manager

		videos  videoStore
		tasks   taskStore
		workers workerStore
		logs    logStore
	}

	// ScanBatch is one commit-unit of scanner reconciliation: rows
	// re-sighted unchanged, brand new rows, and rows whose file changed
	// on disk.
	ScanBatch struct {
		Seen      []uuid.UUID
		Inserts   []*Video
		Refreshes []*Video
	}

	// TaskPatch carries a worker-reported progress update.
	TaskPatch struct {
		Status           TaskStatus
		Progress         float64
		ElapsedSeconds   *int
		RemainingSeconds *int
		ErrorMessage     *string
	}

	// OfflineRequestedError is returned by AssignNextTask when the worker
	// has a pending offline request; the transport layer translates it to
	// the 'please go offline' response rather than an error envelope.
	OfflineRequestedError struct {
		Mode OfflineRequest
	}
)

func (e OfflineRequestedError) Error() string {
	return fmt.Sprintf("worker has a pending offline request (mode %d)", e.Mode)
}

func NewStore(db database.Manager) *Store {
	return &Store{db: db}
}

func (store *Store) handle() database.Queryable {
	return store.db.GetSqlxDb()
}

// -- Videos --

func (store *Store) GetVideo(id uuid.UUID) (*Video, error) {
	return store.videos.Get(store.handle(), id)
}

func (store *Store) GetVideoByPath(path string) (*Video, error) {
	return store.videos.GetByPath(store.handle(), path)
}

func (store *Store) ListVideos(filter VideoFilter) ([]*Video, error) {
	return store.videos.List(store.handle(), filter)
}

// MarkAllVideosMissing tentatively tombstones the whole catalog at the
// start of a scan run.
func (store *Store) MarkAllVideosMissing() error {
	return store.videos.MarkAllMissing(store.handle())
}

// ApplyScanBatch commits one scanner batch atomically: re-sighted rows are
// marked present, changed rows refreshed, and new files inserted.
func (store *Store) ApplyScanBatch(batch ScanBatch) error {
	return store.db.WrapTx(func(tx *sqlx.Tx) error {
		for _, id := range batch.Seen {
			if err := store.videos.MarkSeen(tx, id); err != nil {
				return err
			}
		}
		for _, video := range batch.Refreshes {
			if err := store.videos.Refresh(tx, video); err != nil {
				return err
			}
		}
		for _, video := range batch.Inserts {
			if video.ID == uuid.Nil {
				video.ID = uuid.New()
			}
			if err := store.videos.Insert(tx, video); err != nil {
				return err
			}
		}

		return nil
	})
}

// -- Workers --

func (store *Store) GetWorker(id uuid.UUID) (*Worker, error) {
	return store.workers.Get(store.handle(), id)
}

func (store *Store) GetWorkerByName(name string) (*Worker, error) {
	return store.workers.GetByName(store.handle(), name)
}

func (store *Store) ListWorkers(limit int, offset int) ([]*Worker, error) {
	return store.workers.List(store.handle(), limit, offset)
}

func (store *Store) CreateWorker(worker *Worker) error {
	if worker.ID == uuid.Nil {
		worker.ID = uuid.New()
	}

	return store.workers.Insert(store.handle(), worker)
}

func (store *Store) UpdateWorker(worker *Worker) error {
	return store.workers.Update(store.handle(), worker)
}

func (store *Store) DeleteWorker(id uuid.UUID) error {
	return store.workers.Delete(store.handle(), id)
}

// ReclaimWorker revives an expired registration under a new declaration of
// kind and VR support. The staleness check is re-run against the named row
// under its lock; a row whose heartbeat is fresher than the cutoff (a late
// heartbeat, or a racing registration which already reclaimed it) returns
// ErrWorkerStillLive so two registrations can never both own one name. If
// the stale row still holds a live task, that task is cascade-failed first;
// the revived worker always starts clean. The failed task (if any) is
// returned so the caller can publish it.
func (store *Store) ReclaimWorker(name string, cutoff time.Time, kind WorkerKind, supportsVR bool) (*Worker, *Task, error) {
	var reclaimed *Worker
	var failed *Task
	err := store.db.WrapTx(func(tx *sqlx.Tx) error {
		worker, err := store.workers.GetByNameForUpdate(tx, name)
		if err != nil {
			return err
		}
		if worker.LastHeartbeat.After(cutoff) {
			return ErrWorkerStillLive
		}

		if worker.CurrentTaskID != nil {
			task, err := store.tasks.GetForUpdate(tx, *worker.CurrentTaskID)
			if err == nil && !task.Status.Terminal() {
				if err := store.failTaskTx(tx, task, WorkerOfflineMessage); err != nil {
					return err
				}
				failed = task
			}
		}

		worker.Kind = kind
		worker.SupportsVR = supportsVR
		worker.Status = WorkerIdle
		worker.LastHeartbeat = time.Now()
		worker.CurrentTaskID = nil
		worker.OfflineRequest = OfflineNone

		reclaimed = worker
		return store.workers.Update(tx, worker)
	})
	if err != nil {
		return nil, nil, err
	}

	return reclaimed, failed, nil
}

// UpdateWorkerHeartbeat stamps the workers heartbeat, reviving an OFFLINE
// worker back to IDLE. The provided name must match the registration.
func (store *Store) UpdateWorkerHeartbeat(id uuid.UUID, name string) error {
	return store.db.WrapTx(func(tx *sqlx.Tx) error {
		worker, err := store.workers.GetForUpdate(tx, id)
		if err != nil {
			return err
		}
		if worker.Name != name {
			return ErrWorkerNotFound
		}

		worker.LastHeartbeat = time.Now()
		if worker.Status == WorkerOffline {
			worker.Status = WorkerIdle
		}

		return store.workers.Update(tx, worker)
	})
}

func (store *Store) SetWorkerOfflineRequest(id uuid.UUID, request OfflineRequest) error {
	return store.db.WrapTx(func(tx *sqlx.Tx) error {
		worker, err := store.workers.GetForUpdate(tx, id)
		if err != nil {
			return err
		}

		worker.OfflineRequest = request
		return store.workers.Update(tx, worker)
	})
}

func (store *Store) ListExpiredWorkerIDs(cutoff time.Time) ([]uuid.UUID, error) {
	return store.workers.ListExpiredIDs(store.handle(), cutoff)
}

// ExpireWorker marks a worker whose heartbeat lapsed before the cutoff as
// OFFLINE and cascade-fails its live task, if any. The check is re-run
// under the row lock so interleaved sweeps and late heartbeats are safe;
// a worker which no longer qualifies is left untouched and reported as
// not expired.
func (store *Store) ExpireWorker(id uuid.UUID, cutoff time.Time) (bool, *Task, error) {
	expired := false
	var failed *Task
	err := store.db.WrapTx(func(tx *sqlx.Tx) error {
		worker, err := store.workers.GetForUpdate(tx, id)
		if err != nil {
			return err
		}
		if worker.Status == WorkerOffline || worker.LastHeartbeat.After(cutoff) {
			return nil
		}

		if worker.CurrentTaskID != nil {
			task, err := store.tasks.GetForUpdate(tx, *worker.CurrentTaskID)
			if err == nil && !task.Status.Terminal() {
				if err := store.failTaskTx(tx, task, WorkerOfflineMessage); err != nil {
					return err
				}
				failed = task
			}
		}

		worker.Status = WorkerOffline
		worker.OfflineRequest = OfflineNone
		worker.CurrentTaskID = nil

		expired = true
		return store.workers.Update(tx, worker)
	})
	if err != nil {
		return false, nil, err
	}

	return expired, failed, nil
}

// -- Tasks --

func (store *Store) GetTask(id uuid.UUID) (*Task, error) {
	return store.tasks.Get(store.handle(), id)
}

func (store *Store) ListTasks(filter TaskFilter) ([]*Task, error) {
	return store.tasks.List(store.handle(), filter)
}

// AssignNextTask atomically matches the requesting worker against the best
// candidate video and creates the linking task. The worker row lock
// serialises concurrent dispatches from the same worker; the SKIP LOCKED
// candidate selection keeps two dispatchers off the same video.
func (store *Store) AssignNextTask(workerID uuid.UUID, query CandidateQuery, destPath *string) (*Task, error) {
	var task *Task
	err := store.db.WrapTx(func(tx *sqlx.Tx) error {
		worker, err := store.workers.GetForUpdate(tx, workerID)
		if err != nil {
			return err
		}
		if worker.OfflineRequest != OfflineNone {
			return OfflineRequestedError{Mode: worker.OfflineRequest}
		}

		video, err := store.videos.SelectCandidate(tx, query)
		if err != nil {
			return err
		}

		now := time.Now()
		task = &Task{
			ID:             uuid.New(),
			VideoID:        video.ID,
			WorkerID:       worker.ID,
			WorkerName:     worker.Name,
			SourcePath:     video.Path,
			DestPath:       destPath,
			Status:         TaskRunning,
			Progress:       0,
			StartTime:      now,
			LastUpdateTime: now,
		}

		if err := store.tasks.Insert(tx, task); err != nil {
			return err
		}
		if err := store.videos.SetStatusAndTask(tx, video.ID, TranscodeCreated, &task.ID); err != nil {
			return err
		}

		worker.Status = WorkerBusy
		worker.CurrentTaskID = &task.ID
		return store.workers.Update(tx, worker)
	})
	if err != nil {
		return nil, err
	}

	return task, nil
}

// UpdateTaskFromWorker applies a worker-reported progress update, driving
// the task state machine and the dependent video/worker rows in a single
// transaction. Terminal tasks reject every update.
func (store *Store) UpdateTaskFromWorker(taskID uuid.UUID, workerID uuid.UUID, patch TaskPatch) (*Task, error) {
	var updated *Task
	err := store.db.WrapTx(func(tx *sqlx.Tx) error {
		task, err := store.tasks.GetForUpdate(tx, taskID)
		if err != nil {
			return err
		}
		if task.WorkerID != workerID {
			return ErrWorkerMismatch
		}
		if task.Status.Terminal() {
			return ErrTaskTerminal
		}
		if !ValidTaskTransition(task.Status, patch.Status) {
			return ErrIllegalTransition
		}

		now := time.Now()
		task.Status = patch.Status
		task.Progress = patch.Progress
		task.LastUpdateTime = now
		if patch.ElapsedSeconds != nil {
			task.ElapsedSeconds = *patch.ElapsedSeconds
		}
		task.RemainingSeconds = patch.RemainingSeconds

		switch patch.Status {
		case TaskRunning:
			if err := store.videos.SetStatusAndTask(tx, task.VideoID, TranscodeRunning, &task.ID); err != nil {
				return err
			}

		case TaskCompleted:
			task.Progress = 100
			zero := 0
			task.RemainingSeconds = &zero
			task.EndTime = &now

			if err := store.videos.SetStatusAndTask(tx, task.VideoID, TranscodeCompleted, nil); err != nil {
				return err
			}
			if err := store.releaseWorkerTx(tx, task.WorkerID, task.ID); err != nil {
				return err
			}

		case TaskFailed:
			task.RemainingSeconds = nil
			task.EndTime = &now
			task.ErrorMessage = patch.ErrorMessage

			message := "transcode failed"
			if patch.ErrorMessage != nil {
				message = *patch.ErrorMessage
			}

			if err := store.videos.SetStatusAndTask(tx, task.VideoID, TranscodeFailed, nil); err != nil {
				return err
			}
			if err := store.releaseWorkerTx(tx, task.WorkerID, task.ID); err != nil {
				return err
			}
			if err := store.appendLogTx(tx, task.ID, LogError, message); err != nil {
				return err
			}
		}

		if err := store.tasks.Update(tx, task); err != nil {
			return err
		}

		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (store *Store) ListStalledTaskIDs(cutoff time.Time) ([]uuid.UUID, error) {
	return store.tasks.ListStalledIDs(store.handle(), cutoff)
}

// FailStalledTask fails a RUNNING task whose last update precedes the
// cutoff, cascading to its video and returning the worker to IDLE (stalled
// progress alone does not imply the worker itself is gone). Returns nil if
// the task no longer qualifies by the time its row lock is acquired.
func (store *Store) FailStalledTask(id uuid.UUID, cutoff time.Time) (*Task, error) {
	var failed *Task
	err := store.db.WrapTx(func(tx *sqlx.Tx) error {
		task, err := store.tasks.GetForUpdate(tx, id)
		if err != nil {
			return err
		}
		if task.Status != TaskRunning || task.LastUpdateTime.After(cutoff) {
			return nil
		}

		if err := store.failTaskTx(tx, task, TaskStalledMessage); err != nil {
			return err
		}

		failed = task
		return nil
	})
	if err != nil {
		return nil, err
	}

	return failed, nil
}

// failTaskTx is the shared cascade: the task is failed with the given
// message, its video returns to FAILED with the task link cleared, the
// assigned worker (if still pointing at this task) returns to IDLE, and an
// ERROR audit entry is appended. Callers which need different worker
// handling (e.g. the heartbeat sweep marking it OFFLINE) adjust the worker
// row themselves after this returns.
func (store *Store) failTaskTx(tx *sqlx.Tx, task *Task, message string) error {
	now := time.Now()
	task.Status = TaskFailed
	task.EndTime = &now
	task.RemainingSeconds = nil
	task.ErrorMessage = &message

	if err := store.tasks.Update(tx, task); err != nil {
		return err
	}
	if err := store.videos.SetStatusAndTask(tx, task.VideoID, TranscodeFailed, nil); err != nil {
		return err
	}
	if err := store.releaseWorkerTx(tx, task.WorkerID, task.ID); err != nil {
		return err
	}

	return store.appendLogTx(tx, task.ID, LogError, message)
}

// releaseWorkerTx clears the workers task linkage and returns it to IDLE,
// but only when it still references the given task; a worker which has
// already been re-assigned (or reclaimed) is left alone.
func (store *Store) releaseWorkerTx(tx *sqlx.Tx, workerID uuid.UUID, taskID uuid.UUID) error {
	worker, err := store.workers.GetForUpdate(tx, workerID)
	if err != nil {
		if err == ErrWorkerNotFound {
			return nil
		}
		return err
	}

	if worker.CurrentTaskID == nil || *worker.CurrentTaskID != taskID {
		return nil
	}

	worker.Status = WorkerIdle
	worker.CurrentTaskID = nil
	return store.workers.Update(tx, worker)
}

// -- Logs --

func (store *Store) AppendTaskLog(taskID uuid.UUID, level LogLevel, message string) error {
	return store.db.WrapTx(func(tx *sqlx.Tx) error {
		if _, err := store.tasks.Get(tx, taskID); err != nil {
			return err
		}

		return store.appendLogTx(tx, taskID, level, message)
	})
}

func (store *Store) ListLogs(filter LogFilter) ([]*TaskLog, error) {
	return store.logs.List(store.handle(), filter)
}

func (store *Store) appendLogTx(tx *sqlx.Tx, taskID uuid.UUID, level LogLevel, message string) error {
	return store.logs.Insert(tx, &TaskLog{
		ID:      uuid.New(),
		TaskID:  taskID,
		LogTime: time.Now(),
		Level:   level,
		Message: message,
	})
}
