package catalog

import (
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/drovermedia/drover/internal/database"
)

type logStore struct{}

const logColumns = `id, task_id, log_time, level, message`

func (store *logStore) Insert(db database.Queryable, entry *TaskLog) error {
	_, err := db.NamedExec(`
		INSERT INTO transcode_logs(id, task_id, log_time, level, message)
		VALUES(:id, :task_id, :log_time, :level, :message)
	`, entry)
	if err != nil {
		return fmt.Errorf("failed to insert log entry for task %s: %w", entry.TaskID, err)
	}

	return nil
}

func (store *logStore) List(db database.Queryable, filter LogFilter) ([]*TaskLog, error) {
	builder := squirrel.Select(logColumns).From("transcode_logs")

	if len(filter.Levels) > 0 {
		levels := make([]int, len(filter.Levels))
		for k, v := range filter.Levels {
			levels[k] = int(v)
		}
		builder = builder.Where(squirrel.Eq{"level": levels})
	}
	if filter.StartTime != nil {
		builder = builder.Where(squirrel.GtOrEq{"log_time": *filter.StartTime})
	}
	if filter.EndTime != nil {
		builder = builder.Where(squirrel.LtOrEq{"log_time": *filter.EndTime})
	}

	order := "log_time ASC"
	if filter.Descending {
		order = "log_time DESC"
	}
	builder = builder.OrderBy(order)
	if filter.Limit > 0 {
		builder = builder.Limit(uint64(filter.Limit)).Offset(uint64(filter.Offset))
	}

	query, args, err := builder.PlaceholderFormat(squirrel.Dollar).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct list logs query: %w", err)
	}

	var entries []*TaskLog
	if err := db.Select(&entries, query, args...); err != nil {
		return nil, err
	}

	return entries, nil
}
