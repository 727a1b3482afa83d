package transfer

import (
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// FinalizeTransfer runs the atomic rename and the caller's journal
// telemetry update concurrently: the two act on independent state (the
// filesystem and the journal's on-disk document) and neither result
// depends on the other, so there is nothing to gain from serializing
// them (spec §4.7's finalization step, "telemetry alongside the atomic
// rename"). recordTelemetry may be nil when no journal is attached.
func FinalizeTransfer(fs afero.Fs, tempPath, finalPath string, recordTelemetry func() error) error {
	var g errgroup.Group

	g.Go(func() error {
		return AtomicReplace(fs, tempPath, finalPath)
	})
	if recordTelemetry != nil {
		g.Go(recordTelemetry)
	}

	return g.Wait()
}
