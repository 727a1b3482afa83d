package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/swiftmtp/swiftmtp/device"
	"github.com/swiftmtp/swiftmtp/internal/errs"
	"github.com/swiftmtp/swiftmtp/link"
	"github.com/swiftmtp/swiftmtp/ptp"
	"github.com/swiftmtp/swiftmtp/usbtransport"
)

func newTestLink() (*link.Link, *usbtransport.MockTransport) {
	mt := usbtransport.NewMockTransport(device.Summary{})
	return link.New(mt, time.Second, 0, nil), mt
}

func TestReadWholeWritesDataPhaseToTempFile(t *testing.T) {
	l, mt := newTestLink()
	body := []byte("hello, mtp world")

	mt.OnBulkOut(func(buf []byte) {
		hdr, err := ptp.DecodeHeader(buf)
		if err != nil || hdr.Type != ptp.TypeCommand {
			return
		}
		data := ptp.EncodeDataHeader(hdr.Code, hdr.TxID, len(body))
		mt.PushIn(append(data, body...))
		rsp, _ := ptp.EncodeCommand(ptp.TypeResponse, uint16(errs.CodeOK), hdr.TxID, nil)
		mt.PushIn(rsp)
	})

	fs := afero.NewMemMapFs()
	progress := NewProgress(uint64(len(body)), true)

	if err := ReadWhole(context.Background(), l, fs, 0x10, "/tmp/out.part", progress); err != nil {
		t.Fatal(err)
	}

	got, err := afero.ReadFile(fs, "/tmp/out.part")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(body) {
		t.Fatalf("file contents = %q, want %q", got, body)
	}
	if progress.Transferred() != uint64(len(body)) {
		t.Fatalf("Transferred() = %d, want %d", progress.Transferred(), len(body))
	}
}

func TestReadResumableAppendsFromOffset(t *testing.T) {
	l, mt := newTestLink()
	rest := []byte("WORLD")

	mt.OnBulkOut(func(buf []byte) {
		hdr, err := ptp.DecodeHeader(buf)
		if err != nil || hdr.Type != ptp.TypeCommand {
			return
		}
		data := ptp.EncodeDataHeader(hdr.Code, hdr.TxID, len(rest))
		mt.PushIn(append(data, rest...))
		rsp, _ := ptp.EncodeCommand(ptp.TypeResponse, uint16(errs.CodeOK), hdr.TxID, nil)
		mt.PushIn(rsp)
	})

	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/tmp/big.part", []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	progress := NewProgress(10, true)
	if err := ReadResumable(context.Background(), l, fs, 0x2A, "/tmp/big.part", 5, 10, 1024, true, progress); err != nil {
		t.Fatal(err)
	}

	got, err := afero.ReadFile(fs, "/tmp/big.part")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "helloWORLD" {
		t.Fatalf("file contents = %q, want %q", got, "helloWORLD")
	}
}

func TestSendObjectInfoReturnsNewHandle(t *testing.T) {
	l, mt := newTestLink()
	respondWith(mt, uint16(errs.CodeOK), 0x00010001, 0xFFFFFFFF, 0x77)

	handle, _, err := SendObjectInfo(context.Background(), l, 0x00010001, 0xFFFFFFFF, ptp.ObjectInfoDataset{
		StorageID:    0x00010001,
		ObjectFormat: 0x3000,
		Filename:     "hello.bin",
	})
	if err != nil {
		t.Fatal(err)
	}
	if handle != 0x77 {
		t.Fatalf("handle = %#x, want 0x77", handle)
	}
}

func TestSendObjectStreamsFileContents(t *testing.T) {
	l, mt := newTestLink()
	mt.OnBulkOut(func(buf []byte) {
		hdr, err := ptp.DecodeHeader(buf)
		if err != nil || hdr.Type != ptp.TypeCommand {
			return // data-phase chunk; nothing to do but let it be recorded
		}
		rsp, _ := ptp.EncodeCommand(ptp.TypeResponse, uint16(errs.CodeOK), hdr.TxID, nil)
		mt.PushIn(rsp)
	})

	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/src/hello.bin", []byte("payload-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	progress := NewProgress(13, true)
	if err := SendObject(context.Background(), l, fs, "/src/hello.bin", 13, progress); err != nil {
		t.Fatal(err)
	}
	if progress.Transferred() != 13 {
		t.Fatalf("Transferred() = %d, want 13", progress.Transferred())
	}

	written := mt.Written()
	if len(written) < 3 {
		t.Fatalf("expected at least a command write, a data-header write and a payload write, got %d writes", len(written))
	}
	dataHeader := ptp.EncodeDataHeader(uint16(ptp.OpSendObject), 1, 13)
	if string(written[1]) != string(dataHeader) {
		t.Fatalf("second write = %x, want data header %x", written[1], dataHeader)
	}
	if string(written[2]) != "payload-bytes" {
		t.Fatalf("third write = %q, want file payload", written[2])
	}
}

func TestAtomicReplaceRenamesOnMemMapFs(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/tmp/file.part", []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := AtomicReplace(fs, "/tmp/file.part", "/tmp/file.final"); err != nil {
		t.Fatal(err)
	}

	got, err := afero.ReadFile(fs, "/tmp/file.final")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "data" {
		t.Fatalf("contents = %q, want %q", got, "data")
	}
}

// respondWith mirrors link_test.go's helper: it installs a BulkOut hook
// that decodes the just-written command header and queues an immediate
// response container with no data phase.
func respondWith(mt *usbtransport.MockTransport, code uint16, params ...uint32) {
	mt.OnBulkOut(func(buf []byte) {
		hdr, err := ptp.DecodeHeader(buf)
		if err != nil || hdr.Type != ptp.TypeCommand {
			return
		}
		rsp, _ := ptp.EncodeCommand(ptp.TypeResponse, code, hdr.TxID, params)
		mt.PushIn(rsp)
	})
}
