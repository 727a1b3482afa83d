//go:build windows

package transfer

import (
	"time"

	"github.com/spf13/afero"
)

// AtomicReplace finalizes a transfer on Windows, where a rename cannot
// replace an existing open file outright; delete-then-rename with a
// short retry window absorbs the usual AV-scanner/indexer sharing
// violation (spec §4.7: "if the OS only supplies non-atomic rename,
// delete-then-rename with a small retry window").
func AtomicReplace(fs afero.Fs, tempPath, finalPath string) error {
	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		if attempt > 0 {
			time.Sleep(50 * time.Millisecond)
		}
		_ = fs.Remove(finalPath)
		if err := fs.Rename(tempPath, finalPath); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
