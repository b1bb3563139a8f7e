package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/drovermedia/drover/internal/database"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

type workerStore struct{}

const workerColumns = `id, name, kind, supports_vr, status, last_heartbeat, current_task_id, offline_request`

func (store *workerStore) Insert(db database.Queryable, worker *Worker) error {
	_, err := db.NamedExec(`
		INSERT INTO transcode_workers(id, name, kind, supports_vr, status, last_heartbeat,
			current_task_id, offline_request)
		VALUES(:id, :name, :kind, :supports_vr, :status, :last_heartbeat, NULL, 0)
	`, worker)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateWorkerName
		}
		return fmt.Errorf("failed to insert worker %s: %w", worker.Name, err)
	}

	return nil
}

func (store *workerStore) Get(db database.Queryable, id uuid.UUID) (*Worker, error) {
	return store.get(db, `SELECT `+workerColumns+` FROM transcode_workers WHERE id=$1`, id)
}

// GetForUpdate locks the worker row; registration, heartbeat and dispatch
// races for a single worker serialise on this lock.
func (store *workerStore) GetForUpdate(db database.Queryable, id uuid.UUID) (*Worker, error) {
	return store.get(db, `SELECT `+workerColumns+` FROM transcode_workers WHERE id=$1 FOR UPDATE`, id)
}

func (store *workerStore) GetByName(db database.Queryable, name string) (*Worker, error) {
	return store.get(db, `SELECT `+workerColumns+` FROM transcode_workers WHERE name=$1`, name)
}

func (store *workerStore) GetByNameForUpdate(db database.Queryable, name string) (*Worker, error) {
	return store.get(db, `SELECT `+workerColumns+` FROM transcode_workers WHERE name=$1 FOR UPDATE`, name)
}

func (store *workerStore) get(db database.Queryable, query string, arg any) (*Worker, error) {
	var worker Worker
	if err := db.Get(&worker, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWorkerNotFound
		}
		return nil, err
	}

	return &worker, nil
}

func (store *workerStore) Update(db database.Queryable, worker *Worker) error {
	_, err := db.NamedExec(`
		UPDATE transcode_workers
		SET name=:name, kind=:kind, supports_vr=:supports_vr, status=:status,
			last_heartbeat=:last_heartbeat, current_task_id=:current_task_id,
			offline_request=:offline_request
		WHERE id=:id
	`, worker)
	if err != nil {
		return fmt.Errorf("failed to update worker %s: %w", worker.ID, err)
	}

	return nil
}

func (store *workerStore) List(db database.Queryable, limit int, offset int) ([]*Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM transcode_workers ORDER BY name ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}

	var workers []*Worker
	if err := db.Select(&workers, query, args...); err != nil {
		return nil, err
	}

	return workers, nil
}

func (store *workerStore) Delete(db database.Queryable, id uuid.UUID) error {
	result, err := db.Exec(`DELETE FROM transcode_workers WHERE id=$1`, id)
	if err != nil {
		return err
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrWorkerNotFound
	}

	return nil
}

// ListExpiredIDs returns the non-OFFLINE workers whose last heartbeat is at
// or before the cutoff. IDs only; the sweep locks each row individually.
func (store *workerStore) ListExpiredIDs(db database.Queryable, cutoff time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := db.Select(&ids, `
		SELECT id FROM transcode_workers
		WHERE status <> $1 AND last_heartbeat <= $2
	`, WorkerOffline, cutoff)
	if err != nil {
		return nil, err
	}

	return ids, nil
}
