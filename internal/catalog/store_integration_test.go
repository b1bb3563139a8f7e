package catalog_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/drovermedia/drover/internal/catalog"
	"github.com/drovermedia/drover/internal/database"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	pgUser     = "postgres"
	pgPassword = "postgres"
	pgDatabase = "drover_test"
)

// One postgres container backs the whole package; each test truncates the
// schema before running, so these tests are intentionally not parallel.
var (
	pgOnce  sync.Once
	pgErr   error
	pgStore *catalog.Store
	pgDb    *sqlx.DB
)

func provisionStore(t *testing.T) *catalog.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping containerised store tests in short mode")
	}

	pgOnce.Do(func() {
		ctx := context.Background()
		container, err := postgres.RunContainer(ctx,
			testcontainers.WithImage("docker.io/postgres:14.1-alpine"),
			postgres.WithDatabase(pgDatabase),
			postgres.WithUsername(pgUser),
			postgres.WithPassword(pgPassword),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			pgErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}

		host, err := container.Host(ctx)
		if err != nil {
			pgErr = err
			return
		}
		port, err := container.MappedPort(ctx, "5432/tcp")
		if err != nil {
			pgErr = err
			return
		}

		manager := database.New()
		if err := manager.Connect(database.DatabaseConfig{
			Host:     host,
			Port:     port.Port(),
			User:     pgUser,
			Password: pgPassword,
			Name:     pgDatabase,
		}); err != nil {
			pgErr = fmt.Errorf("failed to connect to containerised postgres: %w", err)
			return
		}

		pgStore = catalog.NewStore(manager)
		pgDb = manager.GetSqlxDb()
	})
	if pgErr != nil {
		t.Fatalf("postgres provisioning failed: %s", pgErr)
	}

	_, err := pgDb.Exec(`TRUNCATE transcode_logs, transcode_tasks, transcode_workers, videos`)
	require.NoError(t, err)

	return pgStore
}

func seedWorker(t *testing.T, store *catalog.Store, name string, kind catalog.WorkerKind, heartbeat time.Time) *catalog.Worker {
	t.Helper()
	worker := &catalog.Worker{
		ID:            uuid.New(),
		Name:          name,
		Kind:          kind,
		Status:        catalog.WorkerIdle,
		LastHeartbeat: heartbeat,
	}
	require.NoError(t, store.CreateWorker(worker))

	return worker
}

func seedCandidate(t *testing.T, store *catalog.Store, path string, bitrateKbps int) *catalog.Video {
	t.Helper()
	video := &catalog.Video{
		Path:            path,
		Codec:           "h264",
		BitrateKbps:     bitrateKbps,
		Width:           1920,
		Height:          1080,
		TotalPixels:     1920 * 1080,
		Fps:             30,
		SizeMb:          700,
		Exists:          true,
		TranscodeStatus: catalog.TranscodeWait,
	}
	require.NoError(t, store.ApplyScanBatch(catalog.ScanBatch{Inserts: []*catalog.Video{video}}))

	return video
}

func Test_Store_AssignNextTask_LinksWorkerVideoAndTask(t *testing.T) {
	store := provisionStore(t)

	worker := seedWorker(t, store, "encoder-1", catalog.WorkerKindCPU, time.Now())
	seedCandidate(t, store, "/low.mp4", 4000)
	best := seedCandidate(t, store, "/high.mp4", 12000)

	task, err := store.AssignNextTask(worker.ID, catalog.CandidateQueryFor(catalog.WorkerKindCPU, false), nil)
	require.NoError(t, err)
	require.NotNil(t, task)

	// The highest-bitrate candidate wins, and all three rows point at each
	// other after the commit.
	assert.Equal(t, best.ID, task.VideoID)
	assert.Equal(t, "/high.mp4", task.SourcePath)
	assert.Equal(t, catalog.TaskRunning, task.Status)

	video, err := store.GetVideo(best.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.TranscodeCreated, video.TranscodeStatus)
	require.NotNil(t, video.CurrentTaskID)
	assert.Equal(t, task.ID, *video.CurrentTaskID)

	assigned, err := store.GetWorker(worker.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.WorkerBusy, assigned.Status)
	require.NotNil(t, assigned.CurrentTaskID)
	assert.Equal(t, task.ID, *assigned.CurrentTaskID)
}

func Test_Store_AssignNextTask_ConcurrentDispatchSingleCandidate(t *testing.T) {
	store := provisionStore(t)

	workerA := seedWorker(t, store, "encoder-1", catalog.WorkerKindCPU, time.Now())
	workerB := seedWorker(t, store, "encoder-2", catalog.WorkerKindCPU, time.Now())
	only := seedCandidate(t, store, "/contested.mp4", 9000)

	query := catalog.CandidateQueryFor(catalog.WorkerKindCPU, false)

	type outcome struct {
		task *catalog.Task
		err  error
	}

	start := make(chan struct{})
	results := make(chan outcome, 2)
	for _, id := range []uuid.UUID{workerA.ID, workerB.ID} {
		id := id
		go func() {
			<-start
			task, err := store.AssignNextTask(id, query, nil)
			results <- outcome{task, err}
		}()
	}
	close(start)

	var tasks []*catalog.Task
	misses := 0
	for i := 0; i < 2; i++ {
		result := <-results
		if result.err != nil {
			assert.ErrorIs(t, result.err, catalog.ErrNoCandidate)
			misses++
			continue
		}
		tasks = append(tasks, result.task)
	}

	// SKIP LOCKED keeps the racing dispatcher off the contested row.
	require.Len(t, tasks, 1, "exactly one dispatcher may win the single candidate")
	assert.Equal(t, 1, misses)
	assert.Equal(t, only.ID, tasks[0].VideoID)
}

func Test_Store_AssignNextTask_RefusesPendingOffline(t *testing.T) {
	store := provisionStore(t)

	worker := seedWorker(t, store, "encoder-1", catalog.WorkerKindCPU, time.Now())
	seedCandidate(t, store, "/waiting.mp4", 9000)
	require.NoError(t, store.SetWorkerOfflineRequest(worker.ID, catalog.OfflineShutdown))

	_, err := store.AssignNextTask(worker.ID, catalog.CandidateQueryFor(catalog.WorkerKindCPU, false), nil)

	var offlineErr catalog.OfflineRequestedError
	require.ErrorAs(t, err, &offlineErr)
	assert.Equal(t, catalog.OfflineShutdown, offlineErr.Mode)

	// The candidate must remain untouched for the next dispatcher.
	video, err := store.GetVideoByPath("/waiting.mp4")
	require.NoError(t, err)
	assert.Equal(t, catalog.TranscodeWait, video.TranscodeStatus)
	assert.Nil(t, video.CurrentTaskID)
}

func Test_Store_UpdateTaskFromWorker_CompletionCascade(t *testing.T) {
	store := provisionStore(t)

	worker := seedWorker(t, store, "encoder-1", catalog.WorkerKindCPU, time.Now())
	seedCandidate(t, store, "/movie.mp4", 9000)

	task, err := store.AssignNextTask(worker.ID, catalog.CandidateQueryFor(catalog.WorkerKindCPU, false), nil)
	require.NoError(t, err)

	elapsed := 30
	updated, err := store.UpdateTaskFromWorker(task.ID, worker.ID, catalog.TaskPatch{
		Status: catalog.TaskRunning, Progress: 50, ElapsedSeconds: &elapsed,
	})
	require.NoError(t, err)
	assert.Equal(t, float64(50), updated.Progress)

	completed, err := store.UpdateTaskFromWorker(task.ID, worker.ID, catalog.TaskPatch{
		Status: catalog.TaskCompleted, Progress: 99,
	})
	require.NoError(t, err)
	assert.Equal(t, float64(100), completed.Progress, "completion pins progress to 100")
	assert.NotNil(t, completed.EndTime)

	video, err := store.GetVideo(task.VideoID)
	require.NoError(t, err)
	assert.Equal(t, catalog.TranscodeCompleted, video.TranscodeStatus)
	assert.Nil(t, video.CurrentTaskID)

	released, err := store.GetWorker(worker.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.WorkerIdle, released.Status)
	assert.Nil(t, released.CurrentTaskID)

	// Terminal stickiness: no update may follow completion.
	_, err = store.UpdateTaskFromWorker(task.ID, worker.ID, catalog.TaskPatch{Status: catalog.TaskRunning, Progress: 10})
	assert.ErrorIs(t, err, catalog.ErrTaskTerminal)
}

func Test_Store_UpdateTaskFromWorker_RejectsWrongWorker(t *testing.T) {
	store := provisionStore(t)

	owner := seedWorker(t, store, "encoder-1", catalog.WorkerKindCPU, time.Now())
	impostor := seedWorker(t, store, "encoder-2", catalog.WorkerKindCPU, time.Now())
	seedCandidate(t, store, "/movie.mp4", 9000)

	task, err := store.AssignNextTask(owner.ID, catalog.CandidateQueryFor(catalog.WorkerKindCPU, false), nil)
	require.NoError(t, err)

	_, err = store.UpdateTaskFromWorker(task.ID, impostor.ID, catalog.TaskPatch{Status: catalog.TaskRunning, Progress: 10})
	assert.ErrorIs(t, err, catalog.ErrWorkerMismatch)
}

func Test_Store_ExpireWorker_CascadesAndRechecksUnderLock(t *testing.T) {
	store := provisionStore(t)

	worker := seedWorker(t, store, "encoder-1", catalog.WorkerKindCPU, time.Now().Add(-time.Minute))
	seedCandidate(t, store, "/movie.mp4", 9000)

	task, err := store.AssignNextTask(worker.ID, catalog.CandidateQueryFor(catalog.WorkerKindCPU, false), nil)
	require.NoError(t, err)

	// A cutoff older than the heartbeat means the worker no longer
	// qualifies; nothing may change.
	expired, failed, err := store.ExpireWorker(worker.ID, time.Now().Add(-2*time.Minute))
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Nil(t, failed)

	untouched, err := store.GetWorker(worker.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.WorkerBusy, untouched.Status)

	// With the heartbeat genuinely lapsed the full cascade runs.
	expired, failed, err = store.ExpireWorker(worker.ID, time.Now().Add(-30*time.Second))
	require.NoError(t, err)
	assert.True(t, expired)
	require.NotNil(t, failed)
	assert.Equal(t, task.ID, failed.ID)
	assert.Equal(t, catalog.TaskFailed, failed.Status)
	assert.Equal(t, catalog.WorkerOfflineMessage, *failed.ErrorMessage)

	video, err := store.GetVideo(task.VideoID)
	require.NoError(t, err)
	assert.Equal(t, catalog.TranscodeFailed, video.TranscodeStatus)
	assert.Nil(t, video.CurrentTaskID)

	offline, err := store.GetWorker(worker.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.WorkerOffline, offline.Status)
	assert.Nil(t, offline.CurrentTaskID)
}

func Test_Store_FailStalledTask_CascadesWithCanonicalMessage(t *testing.T) {
	store := provisionStore(t)

	worker := seedWorker(t, store, "encoder-1", catalog.WorkerKindCPU, time.Now())
	seedCandidate(t, store, "/movie.mp4", 9000)

	task, err := store.AssignNextTask(worker.ID, catalog.CandidateQueryFor(catalog.WorkerKindCPU, false), nil)
	require.NoError(t, err)

	failed, err := store.FailStalledTask(task.ID, time.Now())
	require.NoError(t, err)
	require.NotNil(t, failed)
	assert.Equal(t, catalog.TaskFailed, failed.Status)
	assert.Equal(t, catalog.TaskStalledMessage, *failed.ErrorMessage)

	// A stalled task releases its worker to IDLE rather than OFFLINE.
	released, err := store.GetWorker(worker.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.WorkerIdle, released.Status)
	assert.Nil(t, released.CurrentTaskID)

	video, err := store.GetVideo(task.VideoID)
	require.NoError(t, err)
	assert.Equal(t, catalog.TranscodeFailed, video.TranscodeStatus)

	logs, err := store.ListLogs(catalog.LogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, task.ID, logs[0].TaskID)
	assert.Equal(t, catalog.LogError, logs[0].Level)
	assert.Equal(t, catalog.TaskStalledMessage, logs[0].Message)

	// The failure is sticky; a second sweep pass finds nothing to do.
	again, err := store.FailStalledTask(task.ID, time.Now())
	require.NoError(t, err)
	assert.Nil(t, again)
}

func Test_Store_ReclaimWorker_RechecksLivenessUnderLock(t *testing.T) {
	store := provisionStore(t)

	worker := seedWorker(t, store, "encoder-1", catalog.WorkerKindNVENC, time.Now().Add(-time.Minute))
	seedCandidate(t, store, "/movie.mp4", 9000)

	task, err := store.AssignNextTask(worker.ID, catalog.CandidateQueryFor(catalog.WorkerKindNVENC, false), nil)
	require.NoError(t, err)

	reclaimed, failed, err := store.ReclaimWorker("encoder-1", time.Now().Add(-30*time.Second), catalog.WorkerKindCPU, true)
	require.NoError(t, err)

	// The row survives under its original id but adopts the new
	// declaration, and the orphaned task is cascade-failed.
	assert.Equal(t, worker.ID, reclaimed.ID)
	assert.Equal(t, catalog.WorkerKindCPU, reclaimed.Kind)
	assert.True(t, reclaimed.SupportsVR)
	assert.Equal(t, catalog.WorkerIdle, reclaimed.Status)
	require.NotNil(t, failed)
	assert.Equal(t, task.ID, failed.ID)
	assert.Equal(t, catalog.WorkerOfflineMessage, *failed.ErrorMessage)

	// The reclaim stamped a fresh heartbeat, so a second reclaim of the
	// same name is a conflict rather than a double-revival.
	_, _, err = store.ReclaimWorker("encoder-1", time.Now().Add(-30*time.Second), catalog.WorkerKindQSV, false)
	assert.ErrorIs(t, err, catalog.ErrWorkerStillLive)
}
