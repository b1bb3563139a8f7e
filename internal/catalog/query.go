package catalog

import (
	"errors"
	"time"
)

var (
	ErrVideoNotFound  = errors.New("video does not exist")
	ErrTaskNotFound   = errors.New("task does not exist")
	ErrWorkerNotFound = errors.New("worker does not exist")

	// ErrDuplicateWorkerName surfaces the unique constraint on worker
	// names; the registry decides whether the existing holder is stale
	// enough to reclaim.
	ErrDuplicateWorkerName = errors.New("worker name is already registered")

	// ErrNoCandidate is returned by the dispatcher path when no catalog row
	// matches the requesting workers capability filter.
	ErrNoCandidate = errors.New("no candidate video available")

	// ErrWorkerStillLive is returned by ReclaimWorker when the named row
	// turns out to be live once its lock is held; the registry surfaces it
	// as a registration conflict.
	ErrWorkerStillLive = errors.New("worker is still live, cannot reclaim")

	// ErrTaskTerminal guards terminal stickiness; a COMPLETED or FAILED
	// task rejects every further mutation.
	ErrTaskTerminal = errors.New("task is in a terminal state")

	// ErrIllegalTransition is returned when a worker reports a status which
	// is not a legal successor of the tasks current status.
	ErrIllegalTransition = errors.New("illegal task status transition")

	// ErrWorkerMismatch is returned when a progress update arrives from a
	// worker other than the one the task is assigned to.
	ErrWorkerMismatch = errors.New("task is not assigned to this worker")
)

// Hardware encoders are reserved for the easy cases: near-1080p or below,
// conventional frame rates, h264 input. The pixel ceiling carries a small
// epsilon so slightly-off container geometry (1920x1088 etc) still matches.
const (
	HardwareMaxPixels = 1920*1080 + 16*1920
	HardwareMaxFps    = 31.0
	HardwareCodec     = "h264"
)

type (
	// CandidateQuery captures the dispatchers capability filter over the
	// video catalog. The store translates it to SQL; the Matches method is
	// the same predicate in Go, used by tests and in-memory fakes.
	CandidateQuery struct {
		Statuses  []TranscodeStatus
		IsVR      bool
		MaxPixels *int
		MaxFps    *float64
		Codec     *string
	}

	// VideoFilter is the user-facing listing filter for GET /videos.
	VideoFilter struct {
		Statuses   []TranscodeStatus
		IsVR       *bool
		Codecs     []string
		MinBitrate *int
		MaxBitrate *int
		MinSizeMb  *float64
		MaxSizeMb  *float64
		SortBy     string
		Descending bool
		Limit      int
		Offset     int
	}

	// TaskFilter is the user-facing listing filter for GET /tasks.
	TaskFilter struct {
		Statuses   []TaskStatus
		SortBy     string
		Descending bool
		Limit      int
		Offset     int
	}

	// LogFilter is the user-facing listing filter for GET /logs.
	LogFilter struct {
		Levels     []LogLevel
		StartTime  *time.Time
		EndTime    *time.Time
		Descending bool
		Limit      int
		Offset     int
	}
)

// CandidateQueryFor builds the dispatch filter for a worker of the declared
// kind and VR capability:
//   - CPU/QSV workers may retry prior failures; NVENC/VPU only take fresh
//     WAIT_TRANSCODE rows.
//   - VR videos are a distinct pool; a worker sees VR candidates iff it is
//     VR capable (and only CPU workers may declare that capability).
//   - non-CPU workers are further restricted to the hardware-friendly
//     subset (h264, <=1080p-ish, <=31fps).
func CandidateQueryFor(kind WorkerKind, supportsVR bool) CandidateQuery {
	query := CandidateQuery{
		IsVR: kind == WorkerKindCPU && supportsVR,
	}

	switch kind {
	case WorkerKindCPU, WorkerKindQSV:
		query.Statuses = []TranscodeStatus{TranscodeWait, TranscodeFailed}
	default:
		query.Statuses = []TranscodeStatus{TranscodeWait}
	}

	if kind != WorkerKindCPU {
		maxPixels := HardwareMaxPixels
		maxFps := HardwareMaxFps
		codec := HardwareCodec
		query.MaxPixels = &maxPixels
		query.MaxFps = &maxFps
		query.Codec = &codec
	}

	return query
}

// Matches reports whether the given video satisfies this candidate query.
// Missing files never match; the dispatcher must not hand out tombstones.
func (q CandidateQuery) Matches(v *Video) bool {
	if !v.Exists {
		return false
	}

	statusOk := false
	for _, s := range q.Statuses {
		if v.TranscodeStatus == s {
			statusOk = true
			break
		}
	}
	if !statusOk {
		return false
	}

	if v.IsVR != q.IsVR {
		return false
	}
	if q.MaxPixels != nil && v.TotalPixels > *q.MaxPixels {
		return false
	}
	if q.MaxFps != nil && v.Fps > *q.MaxFps {
		return false
	}
	if q.Codec != nil && v.Codec != *q.Codec {
		return false
	}

	return true
}
