package catalog

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/drovermedia/drover/internal/database"
	"github.com/google/uuid"
)

type videoStore struct{}

const videoColumns = `id, path, codec, bitrate_kbps, width, height, total_pixels, fps, size_mb,
	is_vr, file_mtime, updated_at, exist, transcode_status, current_task_id`

func (store *videoStore) Insert(db database.Queryable, video *Video) error {
	_, err := db.NamedExec(`
		INSERT INTO videos(id, path, codec, bitrate_kbps, width, height, total_pixels, fps, size_mb,
			is_vr, file_mtime, updated_at, exist, transcode_status, current_task_id)
		VALUES(:id, :path, :codec, :bitrate_kbps, :width, :height, :total_pixels, :fps, :size_mb,
			:is_vr, :file_mtime, current_timestamp, TRUE, :transcode_status, NULL)
	`, video)
	if err != nil {
		return fmt.Errorf("failed to insert video %s: %w", video.Path, err)
	}

	return nil
}

// Refresh re-writes the probed metadata and classification of an existing
// row, marking the file as present again. The current task linkage is left
// untouched.
func (store *videoStore) Refresh(db database.Queryable, video *Video) error {
	_, err := db.NamedExec(`
		UPDATE videos
		SET codec=:codec, bitrate_kbps=:bitrate_kbps, width=:width, height=:height,
			total_pixels=:total_pixels, fps=:fps, size_mb=:size_mb, is_vr=:is_vr,
			file_mtime=:file_mtime, updated_at=current_timestamp, exist=TRUE,
			transcode_status=:transcode_status
		WHERE id=:id
	`, video)
	if err != nil {
		return fmt.Errorf("failed to refresh video %s: %w", video.Path, err)
	}

	return nil
}

func (store *videoStore) Get(db database.Queryable, id uuid.UUID) (*Video, error) {
	var video Video
	if err := db.Get(&video, `SELECT `+videoColumns+` FROM videos WHERE id=$1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVideoNotFound
		}
		return nil, err
	}

	return &video, nil
}

func (store *videoStore) GetByPath(db database.Queryable, path string) (*Video, error) {
	var video Video
	if err := db.Get(&video, `SELECT `+videoColumns+` FROM videos WHERE path=$1`, path); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVideoNotFound
		}
		return nil, err
	}

	return &video, nil
}

// MarkAllMissing tentatively flips every row to exist=false at the start of
// a scan; rows re-sighted during the walk are flipped back.
func (store *videoStore) MarkAllMissing(db database.Queryable) error {
	_, err := db.Exec(`UPDATE videos SET exist=FALSE WHERE exist=TRUE`)
	return err
}

func (store *videoStore) MarkSeen(db database.Queryable, id uuid.UUID) error {
	_, err := db.Exec(`UPDATE videos SET exist=TRUE WHERE id=$1`, id)
	return err
}

func (store *videoStore) SetStatusAndTask(db database.Queryable, id uuid.UUID, status TranscodeStatus, taskID *uuid.UUID) error {
	_, err := db.Exec(`
		UPDATE videos SET transcode_status=$2, current_task_id=$3, updated_at=current_timestamp
		WHERE id=$1
	`, id, status, taskID)
	return err
}

// SelectCandidate picks the best dispatch candidate matching the query,
// ordered by bitrate descending so the worst offenders are transcoded
// first. The returned row is locked for the remainder of the transaction;
// SKIP LOCKED keeps racing dispatchers from serialising on the same row.
func (store *videoStore) SelectCandidate(db database.Queryable, q CandidateQuery) (*Video, error) {
	statuses := make([]int, len(q.Statuses))
	for k, v := range q.Statuses {
		statuses[k] = int(v)
	}

	builder := squirrel.Select(videoColumns).
		From("videos").
		Where(squirrel.Eq{"exist": true, "is_vr": q.IsVR}).
		Where(squirrel.Eq{"transcode_status": statuses}).
		Where("current_task_id IS NULL")

	if q.MaxPixels != nil {
		builder = builder.Where(squirrel.LtOrEq{"total_pixels": *q.MaxPixels})
	}
	if q.MaxFps != nil {
		builder = builder.Where(squirrel.LtOrEq{"fps": *q.MaxFps})
	}
	if q.Codec != nil {
		builder = builder.Where(squirrel.Eq{"codec": *q.Codec})
	}

	query, args, err := builder.
		OrderBy("bitrate_kbps DESC").
		Limit(1).
		Suffix("FOR UPDATE SKIP LOCKED").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct candidate query: %w", err)
	}

	var video Video
	if err := db.Get(&video, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoCandidate
		}
		return nil, err
	}

	return &video, nil
}

func (store *videoStore) List(db database.Queryable, filter VideoFilter) ([]*Video, error) {
	builder := squirrel.Select(videoColumns).From("videos")

	if len(filter.Statuses) > 0 {
		statuses := make([]int, len(filter.Statuses))
		for k, v := range filter.Statuses {
			statuses[k] = int(v)
		}
		builder = builder.Where(squirrel.Eq{"transcode_status": statuses})
	}
	if filter.IsVR != nil {
		builder = builder.Where(squirrel.Eq{"is_vr": *filter.IsVR})
	}
	if len(filter.Codecs) > 0 {
		builder = builder.Where(squirrel.Eq{"codec": filter.Codecs})
	}
	if filter.MinBitrate != nil {
		builder = builder.Where(squirrel.GtOrEq{"bitrate_kbps": *filter.MinBitrate})
	}
	if filter.MaxBitrate != nil {
		builder = builder.Where(squirrel.LtOrEq{"bitrate_kbps": *filter.MaxBitrate})
	}
	if filter.MinSizeMb != nil {
		builder = builder.Where(squirrel.GtOrEq{"size_mb": *filter.MinSizeMb})
	}
	if filter.MaxSizeMb != nil {
		builder = builder.Where(squirrel.LtOrEq{"size_mb": *filter.MaxSizeMb})
	}

	builder = builder.OrderBy(sortClause(filter.SortBy, videoSortColumns, "updated_at", filter.Descending))
	if filter.Limit > 0 {
		builder = builder.Limit(uint64(filter.Limit)).Offset(uint64(filter.Offset))
	}

	query, args, err := builder.PlaceholderFormat(squirrel.Dollar).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct list videos query: %w", err)
	}

	var videos []*Video
	if err := db.Select(&videos, query, args...); err != nil {
		return nil, err
	}

	return videos, nil
}

var videoSortColumns = map[string]string{
	"path":             "path",
	"codec":            "codec",
	"bitrate_k":        "bitrate_kbps",
	"video_size":       "size_mb",
	"updated_at":       "updated_at",
	"transcode_status": "transcode_status",
}

// sortClause maps a user-supplied sort key onto a known column, falling
// back to the given default. Keys pass through an allow-list so request
// input never reaches the ORDER BY clause verbatim.
func sortClause(key string, allowed map[string]string, dflt string, descending bool) string {
	column, ok := allowed[key]
	if !ok {
		column = dflt
	}

	if descending {
		return column + " DESC"
	}
	return column + " ASC"
}
