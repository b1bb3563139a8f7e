package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/drovermedia/drover/internal/database"
	"github.com/google/uuid"
)

type taskStore struct{}

const taskColumns = `id, video_id, worker_id, worker_name, source_path, dest_path, status, progress,
	start_time, end_time, elapsed_seconds, remaining_seconds, last_update_time, error_message`

func (store *taskStore) Insert(db database.Queryable, task *Task) error {
	_, err := db.NamedExec(`
		INSERT INTO transcode_tasks(id, video_id, worker_id, worker_name, source_path, dest_path,
			status, progress, start_time, end_time, elapsed_seconds, remaining_seconds,
			last_update_time, error_message)
		VALUES(:id, :video_id, :worker_id, :worker_name, :source_path, :dest_path,
			:status, :progress, :start_time, NULL, :elapsed_seconds, :remaining_seconds,
			:last_update_time, NULL)
	`, task)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}

	return nil
}

func (store *taskStore) Get(db database.Queryable, id uuid.UUID) (*Task, error) {
	return store.get(db, id, false)
}

// GetForUpdate locks the task row for the remainder of the transaction;
// all status transitions for a single task serialise on this lock.
func (store *taskStore) GetForUpdate(db database.Queryable, id uuid.UUID) (*Task, error) {
	return store.get(db, id, true)
}

func (store *taskStore) get(db database.Queryable, id uuid.UUID, forUpdate bool) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM transcode_tasks WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var task Task
	if err := db.Get(&task, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}

	return &task, nil
}

func (store *taskStore) Update(db database.Queryable, task *Task) error {
	_, err := db.NamedExec(`
		UPDATE transcode_tasks
		SET status=:status, progress=:progress, end_time=:end_time, elapsed_seconds=:elapsed_seconds,
			remaining_seconds=:remaining_seconds, last_update_time=:last_update_time,
			error_message=:error_message
		WHERE id=:id
	`, task)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, err)
	}

	return nil
}

// ListStalledIDs returns the RUNNING tasks whose last accepted update is at
// or before the given cutoff. Only the IDs are returned; the sweep re-reads
// each row under its own lock before acting on it.
func (store *taskStore) ListStalledIDs(db database.Queryable, cutoff time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := db.Select(&ids, `
		SELECT id FROM transcode_tasks
		WHERE status=$1 AND last_update_time <= $2
	`, TaskRunning, cutoff)
	if err != nil {
		return nil, err
	}

	return ids, nil
}

func (store *taskStore) List(db database.Queryable, filter TaskFilter) ([]*Task, error) {
	builder := squirrel.Select(taskColumns).From("transcode_tasks")

	if len(filter.Statuses) > 0 {
		statuses := make([]int, len(filter.Statuses))
		for k, v := range filter.Statuses {
			statuses[k] = int(v)
		}
		builder = builder.Where(squirrel.Eq{"status": statuses})
	}

	builder = builder.OrderBy(sortClause(filter.SortBy, taskSortColumns, "start_time", filter.Descending))
	if filter.Limit > 0 {
		builder = builder.Limit(uint64(filter.Limit)).Offset(uint64(filter.Offset))
	}

	query, args, err := builder.PlaceholderFormat(squirrel.Dollar).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct list tasks query: %w", err)
	}

	var tasks []*Task
	if err := db.Select(&tasks, query, args...); err != nil {
		return nil, err
	}

	return tasks, nil
}

var taskSortColumns = map[string]string{
	"start_time":       "start_time",
	"end_time":         "end_time",
	"progress":         "progress",
	"status":           "status",
	"last_update_time": "last_update_time",
}
