package session

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/swiftmtp/swiftmtp/device"
	"github.com/swiftmtp/swiftmtp/internal/errs"
	"github.com/swiftmtp/swiftmtp/journal"
	"github.com/swiftmtp/swiftmtp/ptp"
	"github.com/swiftmtp/swiftmtp/usbtransport"
)

// step is one expected command in a scripted device conversation: the
// opcode the test expects next, how many bytes of a host->device data
// phase (if any) to wait for before responding, and a respond callback
// that pushes the device's reply (and, for read-style operations, its
// own data phase) once the expected bytes have arrived.
type step struct {
	opcode          uint16
	expectDataBytes int
	respond         func(mt *usbtransport.MockTransport, txid uint32)
}

// scriptedDevice drives a MockTransport through an ordered list of
// steps. link.Link holds its mutex for an entire command transaction
// (spec §3 invariant 1: at most one in-flight PTP transaction at a
// time), so commands always arrive in the order the session actor
// issues them, making a flat step list an exact model of a scripted
// conversation.
type scriptedDevice struct {
	mt    *usbtransport.MockTransport
	steps []step
	idx   int

	inData         bool
	headerConsumed bool
	got            int
	txid           uint32
}

func newScriptedDevice(t *testing.T, mt *usbtransport.MockTransport, steps []step) *scriptedDevice {
	d := &scriptedDevice{mt: mt, steps: steps}
	mt.OnBulkOut(func(buf []byte) { d.onBulkOut(t, buf) })
	return d
}

func (d *scriptedDevice) onBulkOut(t *testing.T, buf []byte) {
	if !d.inData {
		hdr, err := ptp.DecodeHeader(buf)
		if err != nil || hdr.Type != ptp.TypeCommand {
			t.Fatalf("expected a command container, got decode err=%v", err)
		}
		if d.idx >= len(d.steps) {
			t.Fatalf("unscripted command 0x%04x", hdr.Code)
		}
		cur := d.steps[d.idx]
		if cur.opcode != hdr.Code {
			t.Fatalf("step %d: expected opcode 0x%04x, got 0x%04x", d.idx, cur.opcode, hdr.Code)
		}
		if cur.expectDataBytes == 0 {
			d.idx++
			cur.respond(d.mt, hdr.TxID)
			return
		}
		d.inData = true
		d.headerConsumed = false
		d.got = 0
		d.txid = hdr.TxID
		return
	}

	if !d.headerConsumed {
		// writeDataPhase always writes the 12-byte data-container header
		// as its own BulkOut call, separate from the payload chunks that
		// follow, so the first call after the command is always it.
		d.headerConsumed = true
		return
	}

	d.got += len(buf)
	cur := d.steps[d.idx]
	if d.got < cur.expectDataBytes {
		return
	}
	d.inData = false
	d.idx++
	cur.respond(d.mt, d.txid)
}

func respondOK(params ...uint32) func(mt *usbtransport.MockTransport, txid uint32) {
	return func(mt *usbtransport.MockTransport, txid uint32) {
		rsp, _ := ptp.EncodeCommand(ptp.TypeResponse, uint16(errs.CodeOK), txid, params)
		mt.PushIn(rsp)
	}
}

func respondError(code errs.ProtocolCode) func(mt *usbtransport.MockTransport, txid uint32) {
	return func(mt *usbtransport.MockTransport, txid uint32) {
		rsp, _ := ptp.EncodeCommand(ptp.TypeResponse, uint16(code), txid, nil)
		mt.PushIn(rsp)
	}
}

func respondWithData(payload []byte, params ...uint32) func(mt *usbtransport.MockTransport, txid uint32) {
	return func(mt *usbtransport.MockTransport, txid uint32) {
		data := ptp.EncodeDataHeader(0, txid, len(payload))
		mt.PushIn(append(data, payload...))
		rsp, _ := ptp.EncodeCommand(ptp.TypeResponse, uint16(errs.CodeOK), txid, params)
		mt.PushIn(rsp)
	}
}

// minimalDeviceInfoPayload encodes a GetDeviceInfo dataset with no
// supported operations/events, enough for decodeDeviceInfo to succeed
// without granting any optional capability.
func minimalDeviceInfoPayload(manufacturer, model string) []byte {
	var buf []byte
	buf = ptp.PutUint16(buf, 100)  // StandardVersion
	buf = ptp.PutUint32(buf, 6)    // VendorExtensionID
	buf = ptp.PutUint16(buf, 100)  // VendorExtensionVersion
	buf = ptp.PutString(buf, "")   // VendorExtensionDesc
	buf = ptp.PutUint16(buf, 0)    // FunctionalMode
	buf = putUint16Array(buf, nil) // OperationsSupported
	buf = putUint16Array(buf, nil) // EventsSupported
	buf = putUint16Array(buf, nil) // DevicePropertiesSupported
	buf = putUint16Array(buf, nil) // CaptureFormats
	buf = putUint16Array(buf, nil) // ImageFormats
	buf = ptp.PutString(buf, manufacturer)
	buf = ptp.PutString(buf, model)
	buf = ptp.PutString(buf, "1.0")
	buf = ptp.PutString(buf, "")
	return buf
}

func putUint16Array(buf []byte, vals []uint16) []byte {
	buf = ptp.PutUint32(buf, uint32(len(vals)))
	for _, v := range vals {
		buf = ptp.PutUint16(buf, v)
	}
	return buf
}

func encodeUint32Array(vals ...uint32) []byte {
	var buf []byte
	buf = ptp.PutUint32(buf, uint32(len(vals)))
	for _, v := range vals {
		buf = ptp.PutUint32(buf, v)
	}
	return buf
}

func storageInfoPayload(capacity, free uint64, description string) []byte {
	var buf []byte
	buf = ptp.PutUint16(buf, 3) // StorageType
	buf = ptp.PutUint16(buf, 2) // FilesystemType
	buf = ptp.PutUint16(buf, 0) // AccessCapability (read-write)
	buf = ptp.PutUint64(buf, capacity)
	buf = ptp.PutUint64(buf, free)
	buf = ptp.PutUint32(buf, 0) // FreeSpaceInImages
	buf = ptp.PutString(buf, description)
	buf = ptp.PutString(buf, "")
	return buf
}

func newTestSession(t *testing.T, steps []step) (*Session, *usbtransport.MockTransport) {
	t.Helper()
	mt := usbtransport.NewMockTransport(device.Summary{Fingerprint: device.Fingerprint{VID: 0x18D1, PID: 0x4EE1}})
	newScriptedDevice(t, mt, steps)

	s := New(Config{
		Summary: mt.Descriptor(),
		Open:    func(ctx context.Context) (usbtransport.Transport, error) { return mt, nil },
		Fs:      afero.NewMemMapFs(),
	})
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, mt
}

// openSteps is the scripted device side of the open-if-needed sequence
// (spec §4.6) common to every test below: preemptive CloseSession
// (ignored by the actor, still hits the wire), OpenSession(1), and
// GetDeviceInfo with no optional capabilities.
func openSteps() []step {
	return []step{
		{opcode: uint16(ptp.OpCloseSession), respond: respondError(errs.CodeSessionNotOpen)},
		{opcode: uint16(ptp.OpOpenSession), respond: respondOK()},
		{opcode: uint16(ptp.OpGetDeviceInfo), respond: respondWithData(minimalDeviceInfoPayload("Google", "Pixel 7"))},
	}
}

func TestOpenHappyPath(t *testing.T) {
	s, _ := newTestSession(t, openSteps())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}

	info, err := s.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Manufacturer != "Google" || info.Model != "Pixel 7" {
		t.Fatalf("unexpected device info: %+v", info)
	}
}

// TestOpenSessionAlreadyOpenRecovery is spec §8 scenario 5: the first
// OpenSession(1) returns SessionAlreadyOpen, the actor closes and
// retries, and the retry succeeds.
func TestOpenSessionAlreadyOpenRecovery(t *testing.T) {
	steps := []step{
		{opcode: uint16(ptp.OpCloseSession), respond: respondError(errs.CodeSessionNotOpen)},
		{opcode: uint16(ptp.OpOpenSession), respond: respondError(errs.CodeSessionAlreadyOpen)},
		{opcode: uint16(ptp.OpCloseSession), respond: respondOK()},
		{opcode: uint16(ptp.OpOpenSession), respond: respondOK()},
		{opcode: uint16(ptp.OpGetDeviceInfo), respond: respondWithData(minimalDeviceInfoPayload("Xiaomi", "Redmi"))},
	}
	s, _ := newTestSession(t, steps)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
}

// TestStoragesZeroBackoffThenSucceeds is spec §8 scenario 4: the first
// three GetStorageIDs calls report zero storages; the fourth succeeds,
// and Storages() resolves with no caller-visible error.
func TestStoragesZeroBackoffThenSucceeds(t *testing.T) {
	steps := openSteps()
	steps = append(steps,
		step{opcode: uint16(ptp.OpGetStorageIDs), respond: respondWithData(encodeUint32Array())},
		step{opcode: uint16(ptp.OpGetStorageIDs), respond: respondWithData(encodeUint32Array())},
		step{opcode: uint16(ptp.OpGetStorageIDs), respond: respondWithData(encodeUint32Array())},
		step{opcode: uint16(ptp.OpGetStorageIDs), respond: respondWithData(encodeUint32Array(0x00010001))},
		step{opcode: uint16(ptp.OpGetStorageInfo), respond: respondWithData(storageInfoPayload(10_000_000_000, 5_000_000_000, "Internal"))},
	)
	s, _ := newTestSession(t, steps)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	storages, err := s.Storages(ctx)
	if err != nil {
		t.Fatalf("Storages: %v", err)
	}
	if len(storages) != 1 || storages[0].StorageID != 0x00010001 {
		t.Fatalf("unexpected storages: %+v", storages)
	}
}

func ptrUint32(v uint32) *uint32 { return &v }

// TestWriteLadderFormatUndefinedRecovers is spec §8 scenario 2's first
// rung: the primary SendObjectInfo fails with InvalidParameterValue,
// the "format-undefined" rung (spec §4.6 rung 1) retries with
// ObjectFormat=0x3000 and succeeds, and the subsequent SendObject
// uploads the file.
func TestWriteLadderFormatUndefinedRecovers(t *testing.T) {
	const fileContents = "hello, mtp"
	const parentHandle = uint32(5)

	// Both SendObjectInfo attempts (the primary, format=0, and the
	// format-undefined rung, format=0x3000) carry a dataset of equal
	// length: only the string fields affect the encoded size, and both
	// attempts use the same filename and the same 15-character
	// modification date taken from the source file's mtime.
	dsLen := len(ptp.Encode(ptp.ObjectInfoDataset{
		StorageID: 1, ObjectFormat: ptp.FormatUndefined, ParentObject: parentHandle, Filename: "hello.bin",
		ModificationDate: "20240101T000000",
	}))

	steps := openSteps()
	steps = append(steps,
		step{opcode: uint16(ptp.OpSendObjectInfo), expectDataBytes: dsLen, respond: respondError(errs.CodeInvalidParameterValue)},
		step{opcode: uint16(ptp.OpSendObjectInfo), expectDataBytes: dsLen, respond: respondOK(1, parentHandle, 0x1234)},
		step{opcode: uint16(ptp.OpSendObject), expectDataBytes: len(fileContents), respond: respondOK()},
	)

	s, _ := newTestSession(t, steps)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}

	s.parentStorageCache[parentHandle] = 1

	fs := s.cfg.fsOrDefault()
	if err := afero.WriteFile(fs, "/src/hello.bin", []byte(fileContents), 0o644); err != nil {
		t.Fatalf("seed source file: %v", err)
	}

	progress, err := s.Write(ctx, 1, ptrUint32(parentHandle), "hello.bin", 0, uint64(len(fileContents)), "/src/hello.bin")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := progress.Transferred(); got != uint64(len(fileContents)) {
		t.Fatalf("expected %d bytes transferred, got %d", len(fileContents), got)
	}
}

// TestWriteLadderClimbRetriesOnlyFormatUndefined walks the ladder past
// its in-place rungs into a target climb and verifies the climbed
// target sees exactly two attempts: the primary parameters, then the
// format-undefined variant (spec §4.6 rung 7). The scripted device
// fails on any unscripted command, so retrying the full rung set at
// the new parent — or climbing without bound — aborts the test.
func TestWriteLadderClimbRetriesOnlyFormatUndefined(t *testing.T) {
	const fileContents = "hello, mtp"
	const parentHandle = uint32(5)

	dsLen := len(ptp.Encode(ptp.ObjectInfoDataset{
		StorageID: 1, ObjectFormat: 0, ParentObject: parentHandle, Filename: "hello.bin",
		ModificationDate: "20240101T000000",
	}))
	dsLenNoDate := len(ptp.Encode(ptp.ObjectInfoDataset{
		StorageID: 1, ObjectFormat: 0, ParentObject: parentHandle, Filename: "hello.bin",
	}))

	downloadInfo := ptp.Encode(ptp.ObjectInfoDataset{
		StorageID: 1, ObjectFormat: ptp.FormatAssociation, Filename: "Download",
	})

	steps := openSteps()
	steps = append(steps,
		// Primary at the explicit parent, then the three applicable
		// in-place rungs (format-undefined, omit-dates, root-command-
		// parent), all rejected.
		step{opcode: uint16(ptp.OpSendObjectInfo), expectDataBytes: dsLen, respond: respondError(errs.CodeInvalidParameterValue)},
		step{opcode: uint16(ptp.OpSendObjectInfo), expectDataBytes: dsLen, respond: respondError(errs.CodeInvalidParameterValue)},
		step{opcode: uint16(ptp.OpSendObjectInfo), expectDataBytes: dsLenNoDate, respond: respondError(errs.CodeInvalidParameterValue)},
		step{opcode: uint16(ptp.OpSendObjectInfo), expectDataBytes: dsLen, respond: respondError(errs.CodeInvalidParameterValue)},
		// Target-ladder climb: the storage root is listed and the
		// Download association found.
		step{opcode: uint16(ptp.OpGetObjectHandles), respond: respondWithData(encodeUint32Array(7))},
		step{opcode: uint16(ptp.OpGetObjectInfo), respond: respondWithData(downloadInfo)},
		// At the climbed target: primary fails once more, then the
		// format-undefined variant succeeds.
		step{opcode: uint16(ptp.OpSendObjectInfo), expectDataBytes: dsLen, respond: respondError(errs.CodeInvalidParameterValue)},
		step{opcode: uint16(ptp.OpSendObjectInfo), expectDataBytes: dsLen, respond: respondOK(1, 7, 0x1234)},
		step{opcode: uint16(ptp.OpSendObject), expectDataBytes: len(fileContents), respond: respondOK()},
	)

	s, _ := newTestSession(t, steps)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}

	s.parentStorageCache[parentHandle] = 1
	fs := s.cfg.fsOrDefault()
	if err := afero.WriteFile(fs, "/src/hello.bin", []byte(fileContents), 0o644); err != nil {
		t.Fatalf("seed source file: %v", err)
	}

	progress, err := s.Write(ctx, 1, ptrUint32(parentHandle), "hello.bin", 0, uint64(len(fileContents)), "/src/hello.bin")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := progress.Transferred(); got != uint64(len(fileContents)) {
		t.Fatalf("expected %d bytes transferred, got %d", len(fileContents), got)
	}
}

// TestWriteLabSmokeNeverRetries confirms a name prefixed with the
// reserved smoke-write token surfaces the first concrete error without
// walking the retry ladder (spec §4.6: "never retried").
func TestWriteLabSmokeNeverRetries(t *testing.T) {
	const parentHandle = uint32(5)
	name := smokeWritePrefix + "probe.bin"

	dsLen := len(ptp.Encode(ptp.ObjectInfoDataset{
		StorageID: 1, ObjectFormat: 0, ParentObject: parentHandle, Filename: name,
		ModificationDate: "20240101T000000",
	}))

	steps := openSteps()
	steps = append(steps,
		step{opcode: uint16(ptp.OpSendObjectInfo), expectDataBytes: dsLen, respond: respondError(errs.CodeInvalidParameterValue)},
	)
	s, _ := newTestSession(t, steps)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}

	s.parentStorageCache[parentHandle] = 1
	fs := s.cfg.fsOrDefault()
	if err := afero.WriteFile(fs, "/src/probe.bin", []byte("x"), 0o644); err != nil {
		t.Fatalf("seed source file: %v", err)
	}

	_, err := s.Write(ctx, 1, ptrUint32(parentHandle), name, 0, 1, "/src/probe.bin")
	if err == nil {
		t.Fatal("expected the first error to surface without retry")
	}
	if !errs.ProtocolKindIs(err, errs.ProtocolInvalidParameter) {
		t.Fatalf("expected InvalidParameter, got %v", err)
	}
}

// TestWriteExplicitParentHonoredDespiteSubfolderQuirk pins the recorded
// decision on spec §9's open question: writeToSubfolderOnly redirects
// only writes with no (or root) parent, never an explicitly supplied
// non-root parent. The scripted device fails on any unscripted command,
// so a target-ladder enumeration here would abort the test.
func TestWriteExplicitParentHonoredDespiteSubfolderQuirk(t *testing.T) {
	const fileContents = "abc"
	const parentHandle = uint32(7)

	dsLen := len(ptp.Encode(ptp.ObjectInfoDataset{
		StorageID: 1, ObjectFormat: 0, ParentObject: parentHandle, Filename: "a.bin",
		ModificationDate: "20240101T000000",
	}))

	steps := openSteps()
	steps = append(steps,
		step{opcode: uint16(ptp.OpSendObjectInfo), expectDataBytes: dsLen, respond: respondOK(1, parentHandle, 0x55)},
		step{opcode: uint16(ptp.OpSendObject), expectDataBytes: len(fileContents), respond: respondOK()},
	)
	s, _ := newTestSession(t, steps)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}

	s.policy.Tuning.WriteToSubfolderOnly = true
	s.parentStorageCache[parentHandle] = 1

	fs := s.cfg.fsOrDefault()
	if err := afero.WriteFile(fs, "/src/a.bin", []byte(fileContents), 0o644); err != nil {
		t.Fatalf("seed source file: %v", err)
	}

	if _, err := s.Write(ctx, 1, ptrUint32(parentHandle), "a.bin", 0, uint64(len(fileContents)), "/src/a.bin"); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

// TestWriteRejectsNonConcreteStorage covers spec §3 invariant 5: a
// storage id of 0 (or 0xFFFFFFFF) never reaches SendObjectInfo.
func TestWriteRejectsNonConcreteStorage(t *testing.T) {
	s, _ := newTestSession(t, openSteps())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}

	_, err := s.Write(ctx, 0, nil, "b.bin", 0, 1, "/src/b.bin")
	if err == nil {
		t.Fatal("expected a precondition failure for storage id 0")
	}
}

// TestReconcileDeletesPartialWriteAtOpen is P5: a journal write record
// with a known remote handle whose on-device object is smaller than the
// declared total is deleted during the next session open, and the
// record closed, before any new work is accepted.
func TestReconcileDeletesPartialWriteAtOpen(t *testing.T) {
	mt := usbtransport.NewMockTransport(device.Summary{Fingerprint: device.Fingerprint{VID: 0x18D1, PID: 0x4EE1}})

	js := journal.NewStore(afero.NewMemMapFs(), "/journal")
	deviceID := mt.Descriptor().Ident()
	rec, err := js.BeginWrite(deviceID, "hello.bin", 1000, "", "", "/src/hello.bin", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := js.RecordRemoteHandle(deviceID, rec.ID, 0x99); err != nil {
		t.Fatal(err)
	}

	partial := ptp.Encode(ptp.ObjectInfoDataset{
		StorageID: 1, ObjectFormat: ptp.FormatUndefined, ObjectCompressedSize: 400, Filename: "hello.bin",
	})

	steps := openSteps()
	steps = append(steps,
		step{opcode: uint16(ptp.OpGetObjectInfo), respond: respondWithData(partial)},
		step{opcode: uint16(ptp.OpDeleteObject), respond: respondOK()},
	)
	newScriptedDevice(t, mt, steps)

	s := New(Config{
		Summary: mt.Descriptor(),
		Open:    func(ctx context.Context) (usbtransport.Transport, error) { return mt, nil },
		Journal: js,
		Fs:      afero.NewMemMapFs(),
	})
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if got := js.LoadResumables(deviceID); len(got) != 0 {
		t.Fatalf("expected the partial write record to be closed, got %+v", got)
	}
}
