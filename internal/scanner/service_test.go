package scanner_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/drovermedia/drover/internal/catalog"
	"github.com/drovermedia/drover/internal/probe"
	"github.com/drovermedia/drover/internal/scanner"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errProbe = errors.New("test: probe failed")

type fakeStore struct {
	videos       map[string]*catalog.Video
	markAllCalls int
	batches      []catalog.ScanBatch
}

func newFakeStore() *fakeStore {
	return &fakeStore{videos: make(map[string]*catalog.Video)}
}

func (store *fakeStore) MarkAllVideosMissing() error {
	store.markAllCalls++
	return nil
}

func (store *fakeStore) GetVideoByPath(path string) (*catalog.Video, error) {
	if video, ok := store.videos[path]; ok {
		return video, nil
	}

	return nil, catalog.ErrVideoNotFound
}

func (store *fakeStore) ApplyScanBatch(batch catalog.ScanBatch) error {
	store.batches = append(store.batches, batch)
	return nil
}

func (store *fakeStore) allInserts() []*catalog.Video {
	inserts := make([]*catalog.Video, 0)
	for _, batch := range store.batches {
		inserts = append(inserts, batch.Inserts...)
	}

	return inserts
}

func (store *fakeStore) allSeen() []uuid.UUID {
	seen := make([]uuid.UUID, 0)
	for _, batch := range store.batches {
		seen = append(seen, batch.Seen...)
	}

	return seen
}

func (store *fakeStore) allRefreshes() []*catalog.Video {
	refreshes := make([]*catalog.Video, 0)
	for _, batch := range store.batches {
		refreshes = append(refreshes, batch.Refreshes...)
	}

	return refreshes
}

type fakeProber struct {
	metadata map[string]*probe.FileMetadata
	probed   []string
}

func newFakeProber() *fakeProber {
	return &fakeProber{metadata: make(map[string]*probe.FileMetadata)}
}

func (prober *fakeProber) Probe(_ context.Context, path string) (*probe.FileMetadata, error) {
	prober.probed = append(prober.probed, path)
	if meta, ok := prober.metadata[filepath.Base(path)]; ok {
		return meta, nil
	}

	return nil, errProbe
}

func writeFile(t *testing.T, dir string, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))

	return path
}

func Test_New_RejectsEmptyOrMissingRoots(t *testing.T) {
	t.Parallel()

	_, err := scanner.New(scanner.Config{}, newFakeStore(), newFakeProber())
	assert.Error(t, err, "no roots configured must be fatal")

	_, err = scanner.New(scanner.Config{Roots: []string{"/definitely/not/a/real/dir"}}, newFakeStore(), newFakeProber())
	assert.Error(t, err, "all roots missing must be fatal")

	// One missing root amongst valid ones is tolerated.
	_, err = scanner.New(scanner.Config{Roots: []string{t.TempDir(), "/definitely/not/a/real/dir"}}, newFakeStore(), newFakeProber())
	assert.NoError(t, err)
}

func Test_Scan_DiscoversAndClassifiesNewFiles(t *testing.T) {
	t.Parallel()
	tempDir := t.TempDir()

	writeFile(t, tempDir, "movie.mp4", 2048)
	writeFile(t, tempDir, "movie-trailer.mp4", 2048)
	writeFile(t, tempDir, "notes.txt", 128)

	store := newFakeStore()
	prober := newFakeProber()
	prober.metadata["movie.mp4"] = &probe.FileMetadata{
		Codec: "h264", BitrateKbps: 9000, Width: 1920, Height: 1080, Fps: 30,
	}

	srv, err := scanner.New(scanner.Config{Roots: []string{tempDir}}, store, prober)
	require.NoError(t, err)

	srv.Scan(context.Background())

	assert.Equal(t, 1, store.markAllCalls, "the catalog must be tombstoned ahead of each scan")

	inserts := store.allInserts()
	require.Len(t, inserts, 1, "only the non-trailer video container should be ingested")

	video := inserts[0]
	assert.Equal(t, string(filepath.Separator)+"movie.mp4", video.Path)
	assert.Equal(t, "h264", video.Codec)
	assert.Equal(t, 1920*1080, video.TotalPixels)
	assert.True(t, video.Exists)
	assert.Equal(t, catalog.TranscodeWait, video.TranscodeStatus)
	assert.NotNil(t, video.FileMtime)
}

func Test_Scan_UnchangedFilesAreNotReprobed(t *testing.T) {
	t.Parallel()
	tempDir := t.TempDir()

	path := writeFile(t, tempDir, "known.mkv", 4096)
	info, err := os.Stat(path)
	require.NoError(t, err)

	existingID := uuid.New()
	store := newFakeStore()
	mtime := info.ModTime()
	store.videos[string(filepath.Separator)+"known.mkv"] = &catalog.Video{
		ID:        existingID,
		SizeMb:    float64(info.Size()) / (1024 * 1024),
		FileMtime: &mtime,
	}

	prober := newFakeProber()
	srv, err := scanner.New(scanner.Config{Roots: []string{tempDir}}, store, prober)
	require.NoError(t, err)

	srv.Scan(context.Background())

	assert.Empty(t, prober.probed, "an unchanged file must not be probed")
	assert.Equal(t, []uuid.UUID{existingID}, store.allSeen())
	assert.Empty(t, store.allInserts())
	assert.Empty(t, store.allRefreshes())
}

func Test_Scan_ChangedFilesAreRefreshedUnderSameID(t *testing.T) {
	t.Parallel()
	tempDir := t.TempDir()

	writeFile(t, tempDir, "changed.mp4", 4096)

	existingID := uuid.New()
	store := newFakeStore()
	staleMtime := time.Now().Add(-time.Hour)
	store.videos[string(filepath.Separator)+"changed.mp4"] = &catalog.Video{
		ID:        existingID,
		Codec:     "h264",
		SizeMb:    float64(4096) / (1024 * 1024),
		FileMtime: &staleMtime,
	}

	prober := newFakeProber()
	prober.metadata["changed.mp4"] = &probe.FileMetadata{
		Codec: "hevc", BitrateKbps: 5000, Width: 1920, Height: 1080, Fps: 30,
	}

	srv, err := scanner.New(scanner.Config{Roots: []string{tempDir}}, store, prober)
	require.NoError(t, err)

	srv.Scan(context.Background())

	refreshes := store.allRefreshes()
	require.Len(t, refreshes, 1)
	assert.Equal(t, existingID, refreshes[0].ID, "a refresh must keep the original row identity")
	assert.Equal(t, "hevc", refreshes[0].Codec)
	assert.Equal(t, catalog.TranscodeWait, refreshes[0].TranscodeStatus)
	assert.Empty(t, store.allInserts())
}

func Test_Scan_ChangedFileMidTranscodeIsNotReclassified(t *testing.T) {
	t.Parallel()
	tempDir := t.TempDir()

	writeFile(t, tempDir, "busy.mp4", 8192)

	existingID := uuid.New()
	taskID := uuid.New()
	store := newFakeStore()
	staleMtime := time.Now().Add(-time.Hour)
	store.videos[string(filepath.Separator)+"busy.mp4"] = &catalog.Video{
		ID:              existingID,
		Codec:           "h264",
		SizeMb:          1,
		FileMtime:       &staleMtime,
		TranscodeStatus: catalog.TranscodeRunning,
		CurrentTaskID:   &taskID,
	}

	prober := newFakeProber()
	srv, err := scanner.New(scanner.Config{Roots: []string{tempDir}}, store, prober)
	require.NoError(t, err)

	srv.Scan(context.Background())

	// The refresh is deferred while a task owns the row; the file is only
	// marked as sighted so it survives the tombstone pass.
	assert.Empty(t, prober.probed, "a file mid-transcode must not be re-probed")
	assert.Empty(t, store.allRefreshes())
	assert.Equal(t, []uuid.UUID{existingID}, store.allSeen())
}

func Test_Scan_ProbeFailureSkipsFileButContinues(t *testing.T) {
	t.Parallel()
	tempDir := t.TempDir()

	writeFile(t, tempDir, "broken.mp4", 1024)
	writeFile(t, tempDir, "fine.mp4", 1024)

	store := newFakeStore()
	prober := newFakeProber()
	prober.metadata["fine.mp4"] = &probe.FileMetadata{
		Codec: "h264", BitrateKbps: 3000, Width: 1280, Height: 720, Fps: 25,
	}

	srv, err := scanner.New(scanner.Config{Roots: []string{tempDir}}, store, prober)
	require.NoError(t, err)

	srv.Scan(context.Background())

	inserts := store.allInserts()
	require.Len(t, inserts, 1, "the probe failure must only skip its own file")
	assert.Equal(t, string(filepath.Separator)+"fine.mp4", inserts[0].Path)
}
