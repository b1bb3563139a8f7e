package probe

import (
	"path/filepath"
	"strings"
)

// Studio codes which mark a filename as VR content, and the codes which
// look like one of them but are not. Matching is case-insensitive over the
// base filename.
var (
	vrCodes          = []string{"SIVR", "IPVR", "DSVR", "KAVR", "MDVR", "RSRVR", "SSR", "VR", "FSVSS"}
	vrExclusionCodes = []string{"DVRT"}
)

// IsVRFilename reports whether the file at the given path is VR content,
// judged purely on its name: it must contain at least one known VR studio
// code and none of the exclusion codes.
func IsVRFilename(path string) bool {
	name := strings.ToUpper(filepath.Base(path))

	matched := false
	for _, code := range vrCodes {
		if strings.Contains(name, code) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	for _, code := range vrExclusionCodes {
		if strings.Contains(name, code) {
			return false
		}
	}

	return true
}
