package transfer

import (
	"path/filepath"
	"strings"
)

const (
	tempPrefix   = ".tunesync-"
	tempSuffix   = ".part"
	markerSuffix = ".part.state"
)

// TempPath returns the in-progress temporary path for dest. The temp file
// lives in the destination directory so the final rename stays on one
// filesystem.
func TempPath(dest string) string {
	return filepath.Join(filepath.Dir(dest), tempPrefix+filepath.Base(dest)+tempSuffix)
}

// MarkerPath returns the resume-marker sidecar path for dest.
func MarkerPath(dest string) string {
	return filepath.Join(filepath.Dir(dest), tempPrefix+filepath.Base(dest)+markerSuffix)
}

// IsArtifact reports whether name (a basename) is a temp file or resume
// marker written by a transfer worker.
func IsArtifact(name string) bool {
	if !strings.HasPrefix(name, tempPrefix) {
		return false
	}
	return strings.HasSuffix(name, tempSuffix) || strings.HasSuffix(name, markerSuffix)
}

// ArtifactTarget returns the final destination path a temp file or marker
// belongs to, and false if path is not a transfer artifact.
func ArtifactTarget(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, tempPrefix) {
		return "", false
	}
	name := strings.TrimPrefix(base, tempPrefix)
	switch {
	case strings.HasSuffix(name, markerSuffix):
		name = strings.TrimSuffix(name, markerSuffix)
	case strings.HasSuffix(name, tempSuffix):
		name = strings.TrimSuffix(name, tempSuffix)
	default:
		return "", false
	}
	if name == "" {
		return "", false
	}
	return filepath.Join(filepath.Dir(path), name), true
}
