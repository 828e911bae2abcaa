// Package conventions centralizes the on-disk layout shared by the daemon
// and the CLI commands.
package conventions

import "path/filepath"

const (
	// DefaultDataDir is the default contimg state directory name (relative to home).
	DefaultDataDir = ".contimg"
	// DBFile is the filename of the SQLite state database.
	DBFile = "contimg.db"
	// CalLockFile is the filename of the calibration registry advisory lock.
	CalLockFile = "calreg.lock"

	// Stage artifact names.

	// MeasurementSetArtifact is the artifact name the convert stage emits.
	MeasurementSetArtifact = "ms"
	// ImageArtifact is the artifact name the imaging stage emits.
	ImageArtifact = "image"
)

// DataDir returns the contimg state directory under the given home directory.
func DataDir(home string) string {
	return filepath.Join(home, DefaultDataDir)
}

// DBPath returns the path of the SQLite state database inside the data directory.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, DBFile)
}

// CalLockPath returns the path of the calibration registry lock file.
func CalLockPath(dataDir string) string {
	return filepath.Join(dataDir, CalLockFile)
}

// GroupOutputDir returns the directory a group's stage outputs are written
// under, one subdirectory per group below the configured output root.
func GroupOutputDir(outputRoot, groupID string) string {
	return filepath.Join(outputRoot, groupID)
}
