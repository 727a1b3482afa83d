package transfer

import (
	"context"
	"os"

	"github.com/spf13/afero"

	"github.com/swiftmtp/swiftmtp/internal/errs"
	"github.com/swiftmtp/swiftmtp/link"
	"github.com/swiftmtp/swiftmtp/ptp"
)

// ReadWhole issues GetObject(handle) and streams the data-in phase into
// tempPath, truncating any previous content (spec §4.7 "Whole-object
// read"). Callers atomic-rename tempPath to its final name on success.
func ReadWhole(ctx context.Context, l *link.Link, fs afero.Fs, handle uint32, tempPath string, progress *Progress) error {
	f, err := fs.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	rsp, err := l.ExecuteStreamingCommand(ctx, uint16(ptp.OpGetObject), []uint32{handle}, 0, nil,
		func(chunk []byte) (int, error) {
			n, werr := f.Write(chunk)
			progress.Add(n)
			return n, werr
		})
	if err != nil {
		return err
	}
	return link.CheckOK(rsp)
}

// ReadResumable continues a partial download from startOffset to total,
// in chunks of at most maxChunk bytes, via GetPartialObject64 (use64)
// or the 32-bit GetPartialObject (spec §4.7 "Resumable read"). tempPath
// is opened in append mode: the caller is responsible for having
// verified its existing length equals startOffset (via the journal's
// CommittedBytes and an ETag match).
func ReadResumable(ctx context.Context, l *link.Link, fs afero.Fs, handle uint32, tempPath string,
	startOffset, total uint64, maxChunk int, use64 bool, progress *Progress) error {

	if maxChunk <= 0 {
		maxChunk = 2 * 1024 * 1024
	}

	f, err := fs.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	offset := startOffset
	for offset < total {
		want := uint64(maxChunk)
		if remaining := total - offset; want > remaining {
			want = remaining
		}

		got := 0
		consumer := func(chunk []byte) (int, error) {
			n, werr := f.Write(chunk)
			got += n
			progress.Add(n)
			return n, werr
		}

		opcode, params := partialReadCommand(handle, offset, want, use64)
		rsp, err := l.ExecuteStreamingCommand(ctx, opcode, params, 0, nil, consumer)
		if err != nil {
			return err
		}
		if err := link.CheckOK(rsp); err != nil {
			return err
		}
		if got == 0 {
			return errs.NewMalformed("partial read made no progress")
		}
		offset += uint64(got)
	}
	return nil
}

func partialReadCommand(handle uint32, offset, maxBytes uint64, use64 bool) (uint16, []uint32) {
	if use64 {
		return uint16(ptp.OpGetPartialObject64), []uint32{handle, uint32(offset), uint32(offset >> 32), uint32(maxBytes)}
	}
	return uint16(ptp.OpGetPartialObject), []uint32{handle, uint32(offset), uint32(maxBytes)}
}
