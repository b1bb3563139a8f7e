// Package catalog contains the durable entities the coordinator tracks
// (videos, transcode tasks, workers and task logs) and the postgres-backed
// stores which manage them. All wire-level integer codes for the various
// status enums are defined here, and only here.
package catalog

import (
	"time"

	"github.com/google/uuid"
)

type (
	// TranscodeStatus describes where a video sits in its transcoding
	// lifecycle. Stored (and exposed over the API) as an integer code.
	TranscodeStatus int

	// TaskStatus describes a single transcode attempt.
	TaskStatus int

	// WorkerStatus is the liveness/occupancy state of a fleet member.
	WorkerStatus int

	// WorkerKind is the encoder class a worker advertises; it constrains
	// which candidate videos the dispatcher may hand to it.
	WorkerKind int

	// OfflineRequest is an operator-requested retirement mode for a worker.
	// The dispatcher refuses new assignments while one is pending.
	OfflineRequest int

	// LogLevel is the severity of an audit log entry attached to a task.
	LogLevel int
)

const (
	TranscodeNotNeeded TranscodeStatus = iota
	TranscodeWait
	TranscodeCreated
	TranscodeRunning
	TranscodeCompleted
	TranscodeFailed
)

const (
	TaskCreated TaskStatus = iota
	TaskRunning
	TaskCompleted
	TaskFailed
)

const (
	WorkerOffline WorkerStatus = iota
	WorkerIdle
	WorkerBusy
	WorkerFailed
)

const (
	WorkerKindCPU WorkerKind = iota
	WorkerKindNVENC
	WorkerKindQSV
	WorkerKindVPU
)

const (
	OfflineNone OfflineRequest = iota
	OfflineSoft
	OfflineShutdown
)

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// Canonical error messages recorded against tasks which the coordinator
// fails on behalf of a silent worker. Operators (and the tests) match on
// these strings, so they must not drift.
const (
	WorkerOfflineMessage = "Worker offline, task terminated"
	TaskStalledMessage   = "Task exceeded 60s without update"
)

func (s TranscodeStatus) String() string {
	switch s {
	case TranscodeNotNeeded:
		return "NOT_NEEDED"
	case TranscodeWait:
		return "WAIT_TRANSCODE"
	case TranscodeCreated:
		return "CREATED"
	case TranscodeRunning:
		return "RUNNING"
	case TranscodeCompleted:
		return "COMPLETED"
	case TranscodeFailed:
		return "FAILED"
	}

	return "UNKNOWN"
}

func (s TaskStatus) String() string {
	switch s {
	case TaskCreated:
		return "CREATED"
	case TaskRunning:
		return "RUNNING"
	case TaskCompleted:
		return "COMPLETED"
	case TaskFailed:
		return "FAILED"
	}

	return "UNKNOWN"
}

// Terminal reports whether the status is sticky; no update may mutate a
// task once it has reached a terminal status.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

func (s WorkerStatus) String() string {
	switch s {
	case WorkerOffline:
		return "OFFLINE"
	case WorkerIdle:
		return "IDLE"
	case WorkerBusy:
		return "BUSY"
	case WorkerFailed:
		return "FAILED"
	}

	return "UNKNOWN"
}

func (k WorkerKind) String() string {
	switch k {
	case WorkerKindCPU:
		return "CPU"
	case WorkerKindNVENC:
		return "NVENC"
	case WorkerKindQSV:
		return "QSV"
	case WorkerKindVPU:
		return "VPU"
	}

	return "UNKNOWN"
}

// IsValid reports whether the integer code received over the wire names a
// known worker kind.
func (k WorkerKind) IsValid() bool {
	return k >= WorkerKindCPU && k <= WorkerKindVPU
}

func (l LogLevel) String() string {
	switch l {
	case LogDebug:
		return "DEBUG"
	case LogInfo:
		return "INFO"
	case LogWarn:
		return "WARN"
	case LogError:
		return "ERROR"
	}

	return "UNKNOWN"
}

// ValidTaskTransition reports whether a worker-reported status is a legal
// successor of the tasks current status. Terminal states accept nothing;
// a worker may abort a task before its first progress report
// (CREATED -> FAILED).
func ValidTaskTransition(from TaskStatus, to TaskStatus) bool {
	switch from {
	case TaskCreated:
		return to == TaskCreated || to == TaskRunning || to == TaskFailed
	case TaskRunning:
		return to == TaskRunning || to == TaskCompleted || to == TaskFailed
	}

	return false
}

type (
	// Video is a catalog entry for a single source file, keyed by its
	// normalised root-relative path. Rows are never deleted; a file which
	// disappears from disk is kept as a tombstone with Exists=false.
	Video struct {
		ID              uuid.UUID       `db:"id" json:"video_id"`
		Path            string          `db:"path" json:"video_path"`
		Codec           string          `db:"codec" json:"codec"`
		BitrateKbps     int             `db:"bitrate_kbps" json:"bitrate_k"`
		Width           int             `db:"width" json:"resolutionx"`
		Height          int             `db:"height" json:"resolutiony"`
		TotalPixels     int             `db:"total_pixels" json:"resolutionall"`
		Fps             float64         `db:"fps" json:"fps"`
		SizeMb          float64         `db:"size_mb" json:"video_size"`
		IsVR            bool            `db:"is_vr" json:"is_vr"`
		FileMtime       *time.Time      `db:"file_mtime" json:"file_mtime"`
		UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
		Exists          bool            `db:"exist" json:"exists"`
		TranscodeStatus TranscodeStatus `db:"transcode_status" json:"transcode_status"`
		CurrentTaskID   *uuid.UUID      `db:"current_task_id" json:"transcode_task_id"`
	}

	// Task is one attempt to transcode one video by one worker. Its ID
	// doubles as the externally visible task UUID.
	Task struct {
		ID               uuid.UUID  `db:"id" json:"task_id"`
		VideoID          uuid.UUID  `db:"video_id" json:"video_id"`
		WorkerID         uuid.UUID  `db:"worker_id" json:"worker_id"`
		WorkerName       string     `db:"worker_name" json:"worker_name"`
		SourcePath       string     `db:"source_path" json:"video_path"`
		DestPath         *string    `db:"dest_path" json:"dest_path"`
		Status           TaskStatus `db:"status" json:"status"`
		Progress         float64    `db:"progress" json:"progress"`
		StartTime        time.Time  `db:"start_time" json:"start_time"`
		EndTime          *time.Time `db:"end_time" json:"end_time"`
		ElapsedSeconds   int        `db:"elapsed_seconds" json:"elapsed_time"`
		RemainingSeconds *int       `db:"remaining_seconds" json:"remaining_time"`
		LastUpdateTime   time.Time  `db:"last_update_time" json:"last_update_time"`
		ErrorMessage     *string    `db:"error_message" json:"error_message"`
	}

	// Worker is a fleet member. Rows are created on first registration and
	// are never deleted automatically.
	Worker struct {
		ID             uuid.UUID      `db:"id" json:"worker_id"`
		Name           string         `db:"name" json:"worker_name"`
		Kind           WorkerKind     `db:"kind" json:"worker_type"`
		SupportsVR     bool           `db:"supports_vr" json:"support_vr"`
		Status         WorkerStatus   `db:"status" json:"worker_status"`
		LastHeartbeat  time.Time      `db:"last_heartbeat" json:"last_heartbeat"`
		CurrentTaskID  *uuid.UUID     `db:"current_task_id" json:"current_task_id"`
		OfflineRequest OfflineRequest `db:"offline_request" json:"offline_request"`
	}

	// TaskLog is an append-only audit record attached to a task.
	TaskLog struct {
		ID      uuid.UUID `db:"id" json:"log_id"`
		TaskID  uuid.UUID `db:"task_id" json:"task_id"`
		LogTime time.Time `db:"log_time" json:"log_time"`
		Level   LogLevel  `db:"level" json:"log_level"`
		Message string    `db:"message" json:"log_message"`
	}
)

// VREligible reports whether the workers VR support flag should be honored;
// only CPU encoders handle VR content acceptably, so the flag is ignored
// for every other kind.
func (w *Worker) VREligible() bool {
	return w.Kind == WorkerKindCPU && w.SupportsVR
}
