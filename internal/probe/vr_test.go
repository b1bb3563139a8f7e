package probe_test

import (
	"testing"

	"github.com/drovermedia/drover/internal/probe"
	"github.com/stretchr/testify/assert"
)

func Test_IsVRFilename_MatchesStudioCodes(t *testing.T) {
	t.Parallel()

	assert.True(t, probe.IsVRFilename("/media/SIVR-123.mp4"))
	assert.True(t, probe.IsVRFilename("/media/ipvr-045 something.mkv"))
	assert.True(t, probe.IsVRFilename("/media/Some.Title.8K.VR.mp4"))
	assert.True(t, probe.IsVRFilename("/media/FSVSS-001.mp4"))
}

func Test_IsVRFilename_IgnoresPathDirectories(t *testing.T) {
	t.Parallel()

	// Only the base filename is inspected; a VR-looking directory must not
	// taint a flat file inside it.
	assert.False(t, probe.IsVRFilename("/media/vr-collection/regular-movie.mp4"))
}

func Test_IsVRFilename_ExclusionCodes(t *testing.T) {
	t.Parallel()

	// DVRT contains the VR substring but is a known false positive.
	assert.False(t, probe.IsVRFilename("/media/DVRT-001.mp4"))
}

func Test_IsVRFilename_PlainFiles(t *testing.T) {
	t.Parallel()

	assert.False(t, probe.IsVRFilename("/media/A.Regular.Movie.2023.1080p.mp4"))
}
