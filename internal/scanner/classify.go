package scanner

import (
	"github.com/drovermedia/drover/internal/catalog"
	"github.com/drovermedia/drover/internal/probe"
)

// The bitrate target scales from a 3,500kbps baseline at 1080p30 by pixel
// count and frame rate, clamped so pathological inputs (tiny clips, high
// speed captures) stay inside a sane band.
const (
	baseBitrateKbps = 3500
	basePixels      = 1920 * 1080
	baseFps         = 30.0

	minTargetKbps = 2000
	maxTargetKbps = 25000
)

// TargetBitrateKbps computes the bitrate above which an already-efficient
// encode is still considered worth re-encoding.
func TargetBitrateKbps(totalPixels int, fps float64) int {
	target := baseBitrateKbps * (float64(totalPixels) / basePixels) * (fps / baseFps)

	if target < minTargetKbps {
		return minTargetKbps
	}
	if target > maxTargetKbps {
		return maxTargetKbps
	}
	return int(target)
}

// Classify determines the transcode status a probed file enters the
// catalog with:
//   - h264 is always worth re-encoding;
//   - efficient codecs (hevc/av1) on VR content are left alone, VR
//     re-encodes burn CPU for little gain;
//   - efficient codecs elsewhere are re-encoded only when their bitrate
//     still sits at or above the scaled target;
//   - anything else is left alone.
func Classify(meta *probe.FileMetadata) catalog.TranscodeStatus {
	switch meta.Codec {
	case "h264":
		return catalog.TranscodeWait

	case "hevc", "av1":
		if meta.IsVR {
			return catalog.TranscodeNotNeeded
		}
		if meta.BitrateKbps >= TargetBitrateKbps(meta.Width*meta.Height, meta.Fps) {
			return catalog.TranscodeWait
		}
		return catalog.TranscodeNotNeeded
	}

	return catalog.TranscodeNotNeeded
}
