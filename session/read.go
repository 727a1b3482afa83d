package session

import (
	"context"
	"fmt"

	"github.com/swiftmtp/swiftmtp/model"
	"github.com/swiftmtp/swiftmtp/transfer"
)

// Read downloads handle to destPath, using the whole-object path or a
// resumable chunked path depending on the negotiated policy and
// whatever the journal already knows about a prior attempt (spec §4.6
// "read()", §4.7 "Whole-object read" / "Resumable read").
func (s *Session) Read(ctx context.Context, handle uint32, destPath string) (*transfer.Progress, error) {
	val, err := s.submit(ctx, func(ctx context.Context) (interface{}, error) {
		if err := s.ensureOpen(ctx); err != nil {
			return nil, err
		}
		return s.readLocked(ctx, handle, destPath)
	})
	if err != nil {
		return nil, err
	}
	return val.(*transfer.Progress), nil
}

func (s *Session) readLocked(ctx context.Context, handle uint32, destPath string) (*transfer.Progress, error) {
	oi, err := s.getInfoLocked(ctx, handle)
	if err != nil {
		return nil, err
	}

	etag := model.ETag{Size: oi.Size}
	if oi.HasModified {
		etag.Mtime = oi.Modified
	}

	deviceID := s.cfg.Summary.Ident()
	hasJournal := s.cfg.Journal != nil
	tempPath := destPath + ".part"

	var rec model.TransferRecord
	var resumeFrom uint64
	resuming := false

	if hasJournal {
		if prior, ok := s.cfg.Journal.FindResumableRead(deviceID, handle, etag); ok && s.supportsPartialRead() {
			if fi, statErr := s.cfg.fsOrDefault().Stat(tempPath); statErr == nil && uint64(fi.Size()) == prior.CommittedBytes {
				rec = prior
				resumeFrom = prior.CommittedBytes
				resuming = true
			}
		}
	}

	if !resuming && hasJournal {
		rec, err = s.cfg.Journal.BeginRead(deviceID, handle, oi.Name, oi.Size, oi.HasSize, tempPath, destPath, s.supportsPartialRead(), etag)
		if err != nil {
			return nil, err
		}
	}

	progress := transfer.NewProgress(oi.Size, oi.HasSize)
	progress.Add(int(resumeFrom))
	guard := transfer.AcquireActivityGuard("read:" + oi.Name)
	defer guard.Release()

	s.runHooks(ctx, model.PhaseBeforeTransfer)
	defer s.runHooks(ctx, model.PhaseAfterTransfer)

	if resuming {
		s.log.Info(' ', "resuming read of %q at offset %d", oi.Name, resumeFrom)
		err = transfer.ReadResumable(ctx, s.link, s.cfg.fsOrDefault(), handle, tempPath,
			resumeFrom, oi.Size, s.policy.Tuning.MaxChunkBytes, s.policy.Read == model.ReadPartial64, progress)
	} else if s.policy.Read != model.ReadWhole {
		err = transfer.ReadResumable(ctx, s.link, s.cfg.fsOrDefault(), handle, tempPath,
			0, oi.Size, s.policy.Tuning.MaxChunkBytes, s.policy.Read == model.ReadPartial64, progress)
	} else {
		err = transfer.ReadWhole(ctx, s.link, s.cfg.fsOrDefault(), handle, tempPath, progress)
	}

	if err != nil {
		if hasJournal {
			committed := progress.Transferred()
			_ = s.cfg.Journal.UpdateProgress(deviceID, rec.ID, committed)
			_ = s.cfg.Journal.Fail(deviceID, rec.ID, err.Error(), false)
		}
		return nil, err
	}

	if err := s.finalizeRead(tempPath, destPath, deviceID, rec, progress, hasJournal); err != nil {
		return nil, err
	}
	return progress, nil
}

// finalizeRead runs the atomic rename and the journal's completion
// bookkeeping. Both act on independent state (the filesystem and the
// journal's on-disk document), so spec §4.7's "telemetry finalization
// alongside the atomic rename" runs them concurrently via
// transfer.FinalizeTransfer rather than sequentially.
func (s *Session) finalizeRead(tempPath, destPath, deviceID string, rec model.TransferRecord, progress *transfer.Progress, hasJournal bool) error {
	var complete func() error
	if hasJournal {
		complete = func() error {
			if err := s.cfg.Journal.UpdateProgress(deviceID, rec.ID, progress.Transferred()); err != nil {
				return err
			}
			if err := s.cfg.Journal.RecordThroughput(deviceID, rec.ID, progress.ThroughputBps()); err != nil {
				return err
			}
			return s.cfg.Journal.Complete(deviceID, rec.ID)
		}
	}

	if err := transfer.FinalizeTransfer(s.cfg.fsOrDefault(), tempPath, destPath, complete); err != nil {
		return fmt.Errorf("finalize read: %w", err)
	}
	return nil
}

// supportsPartialRead reports whether the negotiated policy can resume
// a read at all, independent of which partial opcode it would use.
func (s *Session) supportsPartialRead() bool {
	return s.policy.Read == model.ReadPartial64 || s.policy.Read == model.ReadPartial32
}
