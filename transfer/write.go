package transfer

import (
	"context"
	"io"

	"github.com/spf13/afero"

	"github.com/swiftmtp/swiftmtp/internal/errs"
	"github.com/swiftmtp/swiftmtp/link"
	"github.com/swiftmtp/swiftmtp/ptp"
)

// SendObjectInfo runs SendObjectInfo(storageCmd, parentCmd) with
// dataset as its payload and returns the device-assigned object
// handle from the response params (spec §4.7: "response params contain
// [storage, parent, newHandle]"). The producer tracks its own offset
// into the encoded dataset rather than assuming it fits in one call, so
// datasets longer than the link's chunk size still stream correctly.
func SendObjectInfo(ctx context.Context, l *link.Link, storageCmd, parentCmd uint32, dataset ptp.ObjectInfoDataset) (uint32, link.Response, error) {
	payload := ptp.Encode(dataset)
	offset := 0
	producer := func(buf []byte) (int, error) {
		if offset >= len(payload) {
			return 0, nil
		}
		n := copy(buf, payload[offset:])
		offset += n
		return n, nil
	}

	rsp, err := l.ExecuteStreamingCommand(ctx, uint16(ptp.OpSendObjectInfo), []uint32{storageCmd, parentCmd}, len(payload), producer, nil)
	if err != nil {
		return 0, rsp, err
	}
	if err := link.CheckOK(rsp); err != nil {
		return 0, rsp, err
	}
	if len(rsp.Params) < 3 {
		return 0, rsp, errs.NewMalformed("SendObjectInfo response missing newHandle param")
	}
	return rsp.Params[2], rsp, nil
}

// SendObject streams size bytes read from sourcePath as the data-out
// phase of SendObject (spec §4.7 "Whole-object write"). A zero-length
// SendObject (size == 0, sourcePath == "") is used for folder creation
// (spec §4.6 createFolder).
func SendObject(ctx context.Context, l *link.Link, fs afero.Fs, sourcePath string, size uint64, progress *Progress) error {
	var producer link.Producer

	if sourcePath != "" {
		f, err := fs.Open(sourcePath)
		if err != nil {
			return err
		}
		defer f.Close()

		producer = func(buf []byte) (int, error) {
			n, rerr := f.Read(buf)
			progress.Add(n)
			if rerr != nil && rerr != io.EOF {
				return n, rerr
			}
			return n, nil
		}
	}

	rsp, err := l.ExecuteStreamingCommand(ctx, uint16(ptp.OpSendObject), nil, int(size), producer, nil)
	if err != nil {
		return err
	}
	return link.CheckOK(rsp)
}

// CreateFolder issues the SendObjectInfo+SendObject pair that creates
// an association (folder) under parentCmd and returns its new handle
// (spec §4.6 createFolder: "format=0x3001 (association),
// associationType=0x0001, size=0").
func CreateFolder(ctx context.Context, l *link.Link, storageCmd, parentCmd uint32, name string) (uint32, error) {
	handle, _, err := SendObjectInfo(ctx, l, storageCmd, parentCmd, ptp.ObjectInfoDataset{
		StorageID:       storageCmd,
		ObjectFormat:    ptp.FormatAssociation,
		ParentObject:    parentCmd,
		AssociationType: ptp.AssociationGenericFolder,
		Filename:        name,
	})
	if err != nil {
		return 0, err
	}
	if err := SendObject(ctx, l, nil, "", 0, NewProgress(0, true)); err != nil {
		return 0, err
	}
	return handle, nil
}

// SendPartialObject writes one chunk of an upload at offset via
// SendPartialObject (0x95C1), used when supportsSendPartialObject lets
// the write path resume after an interruption (spec §4.7 "Partial
// write").
func SendPartialObject(ctx context.Context, l *link.Link, handle uint32, offset uint64, chunk []byte) error {
	sent := false
	producer := func(buf []byte) (int, error) {
		if sent {
			return 0, nil
		}
		n := copy(buf, chunk)
		sent = true
		return n, nil
	}

	rsp, err := l.ExecuteStreamingCommand(ctx, uint16(ptp.OpSendPartialObject),
		[]uint32{handle, uint32(offset), uint32(offset >> 32), uint32(len(chunk))}, len(chunk), producer, nil)
	if err != nil {
		return err
	}
	return link.CheckOK(rsp)
}

// SendObjectChunked drives SendPartialObject across an entire upload,
// reading sourcePath in chunkSize pieces starting at startOffset (spec
// §4.7 "write in chunks using SendPartialObject(handle, offset,
// size)").
func SendObjectChunked(ctx context.Context, l *link.Link, fs afero.Fs, handle uint32, sourcePath string,
	startOffset, total uint64, chunkSize int, progress *Progress) error {

	if chunkSize <= 0 {
		chunkSize = 2 * 1024 * 1024
	}

	f, err := fs.Open(sourcePath)
	if err != nil {
		return err
	}
	defer f.Close()

	if startOffset > 0 {
		if _, err := f.Seek(int64(startOffset), io.SeekStart); err != nil {
			return err
		}
	}

	buf := make([]byte, chunkSize)
	offset := startOffset
	for offset < total {
		want := chunkSize
		if remaining := total - offset; uint64(want) > remaining {
			want = int(remaining)
		}

		n, err := io.ReadFull(f, buf[:want])
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return err
		}
		if n == 0 {
			break
		}

		if err := SendPartialObject(ctx, l, handle, offset, buf[:n]); err != nil {
			return err
		}
		progress.Add(n)
		offset += uint64(n)
	}
	return nil
}
