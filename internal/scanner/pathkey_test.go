package scanner_test

import (
	"path/filepath"
	"testing"

	"github.com/drovermedia/drover/internal/scanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_PathKey_RootRelativeWithLeadingSeparator(t *testing.T) {
	t.Parallel()

	sep := string(filepath.Separator)

	key, err := scanner.PathKey(filepath.Join(sep, "media"), filepath.Join(sep, "media", "shows", "a.mp4"))
	require.NoError(t, err)
	assert.Equal(t, sep+filepath.Join("shows", "a.mp4"), key)

	// A file directly under the root.
	key, err = scanner.PathKey(filepath.Join(sep, "media"), filepath.Join(sep, "media", "a.mp4"))
	require.NoError(t, err)
	assert.Equal(t, sep+"a.mp4", key)
}

func Test_PathKey_SameFileSameKey(t *testing.T) {
	t.Parallel()

	sep := string(filepath.Separator)
	root := filepath.Join(sep, "media")

	first, err := scanner.PathKey(root, filepath.Join(root, "dir", "b.mkv"))
	require.NoError(t, err)
	second, err := scanner.PathKey(root+sep, filepath.Join(root, "dir", "b.mkv"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func Test_PathKey_RejectsPathsOutsideRoot(t *testing.T) {
	t.Parallel()

	sep := string(filepath.Separator)

	_, err := scanner.PathKey(filepath.Join(sep, "media"), filepath.Join(sep, "other", "a.mp4"))
	assert.Error(t, err)

	_, err = scanner.PathKey(filepath.Join(sep, "media"), filepath.Join(sep, "media"))
	assert.Error(t, err, "the root itself is not a valid key")
}
