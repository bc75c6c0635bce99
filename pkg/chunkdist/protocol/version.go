package protocol

import (
	"fmt"

	"golang.org/x/mod/semver"
)

const Version = "v0.3.0"

// IsCompatibleVersion checks if a worker version is compatible with the master version.
// Major version must match exactly; minor and patch versions can differ.
func IsCompatibleVersion(workerVersion, masterVersion string) (bool, error) {
	if !semver.IsValid(workerVersion) {
		return false, fmt.Errorf("invalid worker version: %s", workerVersion)
	}
	if !semver.IsValid(masterVersion) {
		return false, fmt.Errorf("invalid master version: %s", masterVersion)
	}

	return semver.Major(workerVersion) == semver.Major(masterVersion), nil
}

// CompatibilityError returns a user-friendly message for incompatible versions.
func CompatibilityError(workerVersion, masterVersion string) string {
	return fmt.Sprintf(
		"worker version %s is incompatible with master version %s (required: %s.x.x)",
		workerVersion, masterVersion, semver.Major(masterVersion),
	)
}
