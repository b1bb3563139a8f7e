package dispatch_test

import (
	"testing"

	"github.com/drovermedia/drover/internal/catalog"
	"github.com/drovermedia/drover/internal/dispatch"
	"github.com/drovermedia/drover/internal/event"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatchStore struct {
	task      *catalog.Task
	err       error
	lastQuery catalog.CandidateQuery
	lastDest  *string
}

func (store *fakeDispatchStore) AssignNextTask(workerID uuid.UUID, query catalog.CandidateQuery, destPath *string) (*catalog.Task, error) {
	store.lastQuery = query
	store.lastDest = destPath
	if store.err != nil {
		return nil, store.err
	}

	return store.task, nil
}

func Test_NextTask_AssignsAndAnnounces(t *testing.T) {
	t.Parallel()

	task := &catalog.Task{ID: uuid.New(), SourcePath: "/a.mp4", Status: catalog.TaskRunning}
	store := &fakeDispatchStore{task: task}

	bus := event.New()
	var published *catalog.Task
	bus.RegisterHandlerFunction(event.TASK_CREATED, func(_ event.Event, payload event.Payload) {
		published = payload.(*catalog.Task)
	})

	srv := dispatch.New(store, bus)

	dest := "/out/a.mkv"
	got, err := srv.NextTask(uuid.New(), catalog.WorkerKindNVENC, true, &dest)
	require.NoError(t, err)
	assert.Equal(t, task, got)
	assert.Equal(t, &dest, store.lastDest)

	// The filter is built from the declared capabilities; NVENC never sees
	// VR content or prior failures regardless of the flag it sent.
	assert.False(t, store.lastQuery.IsVR)
	assert.ElementsMatch(t, []catalog.TranscodeStatus{catalog.TranscodeWait}, store.lastQuery.Statuses)
	require.NotNil(t, store.lastQuery.Codec)
	assert.Equal(t, "h264", *store.lastQuery.Codec)

	require.NotNil(t, published)
	assert.Equal(t, task.ID, published.ID)
}

func Test_NextTask_RejectsUnknownKind(t *testing.T) {
	t.Parallel()

	srv := dispatch.New(&fakeDispatchStore{}, event.New())

	_, err := srv.NextTask(uuid.New(), catalog.WorkerKind(9), false, nil)
	assert.Error(t, err)
}

func Test_NextTask_PropagatesOutcomeErrors(t *testing.T) {
	t.Parallel()

	bus := event.New()
	announced := false
	bus.RegisterHandlerFunction(event.TASK_CREATED, func(_ event.Event, _ event.Payload) { announced = true })

	store := &fakeDispatchStore{err: catalog.ErrNoCandidate}
	srv := dispatch.New(store, bus)

	_, err := srv.NextTask(uuid.New(), catalog.WorkerKindCPU, false, nil)
	assert.ErrorIs(t, err, catalog.ErrNoCandidate)

	store.err = catalog.OfflineRequestedError{Mode: catalog.OfflineShutdown}
	_, err = srv.NextTask(uuid.New(), catalog.WorkerKindCPU, false, nil)
	var offline catalog.OfflineRequestedError
	require.ErrorAs(t, err, &offline)
	assert.Equal(t, catalog.OfflineShutdown, offline.Mode)

	assert.False(t, announced, "no event may be published for a failed assignment")
}
