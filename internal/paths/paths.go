// Package paths centralizes the on-disk layout used by the learned
// profile store (C5), the transfer journal (C8) and the quirk
// database (C4).
//
// Grounded on ipp-usb's paths.go (PathConfDir/PathProgState/
// PathProgStateDev), moved from the teacher's system-wide /etc and
// /var directories to a single user-scoped root (spec §4.5: "a
// well-known user-scoped directory") since this engine runs as a
// library/CLI under the invoking user's account, not as a system
// daemon.
package paths

import (
	"os"
	"path/filepath"
)

// rootDirName is the directory name created under the user's config
// home.
const rootDirName = "swiftmtp"

// Root returns the user-scoped root directory for all persisted engine
// state. It prefers os.UserConfigDir(); if that is unavailable (e.g. no
// HOME set), it falls back to a dot-directory under the user's home.
func Root() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, rootDirName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+rootDirName)
}

// ProfilesDir is where the learned profile store (C5) persists one
// document per device fingerprint.
func ProfilesDir() string { return filepath.Join(Root(), "profiles") }

// JournalDir is where the transfer journal (C8) persists one document
// per device id.
func JournalDir() string { return filepath.Join(Root(), "journal") }

// QuirksDir is the default search path for quirk database documents
// (spec §6 MTP_QUIRKS_PATH), unless overridden by the environment.
func QuirksDir() string { return filepath.Join(Root(), "quirks") }

// LockDir holds per-device lock files preventing two processes from
// opening the same device concurrently.
func LockDir() string { return filepath.Join(Root(), "lock") }
