// Package probe extracts the stream metadata the scanner needs from a
// source file (codec, bitrate, resolution, frame rate) via ffprobe, and
// derives the VR flag from the filename.
package probe

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/drovermedia/drover/pkg/logger"
	ffprobe "gopkg.in/vansante/go-ffprobe.v2"
)

var log = logger.Get("Probe")

const probeTimeout = time.Second * 30

type (
	// FileMetadata is the probed view of a single source file.
	FileMetadata struct {
		Codec       string
		BitrateKbps int
		Width       int
		Height      int
		Fps         float64
		SizeBytes   int64
		IsVR        bool
	}

	// FfprobeProber shells out to ffprobe for stream information.
	FfprobeProber struct{}
)

func NewProber() *FfprobeProber {
	return &FfprobeProber{}
}

// Probe stats and probes the file at the given path. A file with no video
// stream is an error; a file with no derivable bitrate is not (the bitrate
// falls back through tag and container values down to a size/duration
// estimate, and finally zero).
func (prober *FfprobeProber) Probe(ctx context.Context, path string) (*FileMetadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	data, err := ffprobe.ProbeURL(probeCtx, path)
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	stream := data.FirstVideoStream()
	if stream == nil {
		return nil, fmt.Errorf("no video stream in %s", path)
	}

	bpsTag, _ := stream.TagList.GetString("BPS")
	bitrate := ResolveBitrate(stream.BitRate, bpsTag, data.Format.BitRate, info.Size(), data.Format.DurationSeconds)
	if bitrate == 0 {
		log.Warnf("Unable to determine bitrate for %s, recording as 0\n", path)
	}

	return &FileMetadata{
		Codec:       stream.CodecName,
		BitrateKbps: bitrate / 1000,
		Width:       stream.Width,
		Height:      stream.Height,
		Fps:         ParseFrameRate(stream.AvgFrameRate),
		SizeBytes:   info.Size(),
		IsVR:        IsVRFilename(path),
	}, nil
}

// ResolveBitrate resolves the video bitrate (in bits per second) through
// the sources available in probe output, most specific first: the video
// stream's own bit_rate, the muxer BPS tag, the container bit_rate, and
// finally an estimate from file size over duration.
func ResolveBitrate(streamBitrate string, bpsTag string, formatBitrate string, sizeBytes int64, durationSeconds float64) int {
	for _, raw := range []string{streamBitrate, bpsTag, formatBitrate} {
		if value, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && value > 0 {
			return value
		}
	}

	if durationSeconds > 0 {
		return int(float64(sizeBytes*8) / durationSeconds)
	}

	return 0
}

// ParseFrameRate parses ffprobe's rational frame rate notation ("30000/1001")
// into frames per second. Returns 0 for malformed or zero-denominator input.
func ParseFrameRate(raw string) float64 {
	parts := strings.SplitN(strings.TrimSpace(raw), "/", 2)
	numerator, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	if len(parts) == 1 {
		return numerator
	}

	denominator, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || denominator == 0 {
		return 0
	}

	return numerator / denominator
}
