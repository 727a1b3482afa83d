package session

import (
	"context"
	"strings"

	"github.com/swiftmtp/swiftmtp/internal/errs"
	"github.com/swiftmtp/swiftmtp/link"
	"github.com/swiftmtp/swiftmtp/model"
	"github.com/swiftmtp/swiftmtp/ptp"
	"github.com/swiftmtp/swiftmtp/transfer"
	"github.com/swiftmtp/swiftmtp/writetarget"
)

// smokeWritePrefix marks a "lab smoke write": a probe issued by an
// automated device-characterization run. These are never retried, so
// a probe's first concrete error is what gets recorded (spec §4.6:
// "so automated probes can characterize devices without infinite
// ladders").
const smokeWritePrefix = "swiftmtp-probe-"

// maxTargetClimbs bounds the write target ladder's rung 7 (spec §4.6
// "up to 4 climb attempts per call", P9).
const maxTargetClimbs = 4

// maxTransientRetries bounds the same-parameters retry for transient
// transport/busy conditions, keeping the overall ladder within spec
// §7's "≤ 12 rungs including target-climb attempts".
const maxTransientRetries = 3

// maxHardRecoveries bounds the close/reopen/reset cycle a write may
// trigger, so an endlessly SessionNotOpen-reporting device cannot loop
// the ladder forever (P9).
const maxHardRecoveries = 1

// writeParams is one concrete attempt at SendObjectInfo+SendObject:
// the command-phase parameters plus the dataset fields the retry
// ladder (spec §4.6) is allowed to vary.
type writeParams struct {
	storageCmd  uint32
	parentCmd   uint32
	dsParent    uint32
	format      uint16
	size        uint32 // ObjectCompressedSize; 0xFFFFFFFF means "unknown size" rung
	modDate     string // PTP date-time string; empty when unknown or suppressed
	omitDates   bool
	usePropList bool
}

func commandParent(handle uint32) uint32 {
	if model.IsRootParent(handle) {
		return writetarget.RootParent
	}
	return handle
}

func clampSize(size uint64) uint32 {
	if size > 0xFFFFFFFE {
		return 0xFFFFFFFE
	}
	return uint32(size)
}

// sessionDirLister adapts Session's link + caches to writetarget.DirLister
// (spec §4.9, §9 "Dynamic dispatch").
type sessionDirLister struct {
	s *Session
}

func (d sessionDirLister) ListChildren(ctx context.Context, storage, parent uint32) ([]model.ObjectInfo, error) {
	return d.s.listChildrenLocked(ctx, storage, parent)
}

func (d sessionDirLister) CreateFolder(ctx context.Context, storage, parent uint32, name string) (uint32, error) {
	handle, err := transfer.CreateFolder(ctx, d.s.link, storage, parent, name)
	if err != nil {
		return 0, err
	}
	d.s.cacheMu.Lock()
	d.s.parentStorageCache[handle] = storage
	d.s.cacheMu.Unlock()
	return handle, nil
}

// Write uploads size bytes read from sourcePath to the device, wrapped
// in the full write recovery ladder (spec §4.6, §4.7). storageHint
// names the storage to use when parent is nil or the device requires a
// writable subfolder; parent, when non-nil and not root, names an
// explicit destination folder.
func (s *Session) Write(ctx context.Context, storageHint uint32, parent *uint32, name string, format uint16, size uint64, sourcePath string) (*transfer.Progress, error) {
	val, err := s.submit(ctx, func(ctx context.Context) (interface{}, error) {
		if err := s.ensureOpen(ctx); err != nil {
			return nil, err
		}
		return s.writeLocked(ctx, storageHint, parent, name, format, size, sourcePath)
	})
	if err != nil {
		return nil, err
	}
	return val.(*transfer.Progress), nil
}

// CreateFolder creates a single association under parent (root when
// parent is nil) and returns its handle (spec §4.6 "createFolder()").
func (s *Session) CreateFolder(ctx context.Context, storage uint32, parent *uint32, name string) (uint32, error) {
	val, err := s.submit(ctx, func(ctx context.Context) (interface{}, error) {
		if err := s.ensureOpen(ctx); err != nil {
			return uint32(0), err
		}
		sanitized, err := writetarget.SanitizeName(name)
		if err != nil {
			return uint32(0), err
		}
		parentCmd := writetarget.RootParent
		if parent != nil {
			parentCmd = commandParent(*parent)
		}
		handle, err := transfer.CreateFolder(ctx, s.link, storage, parentCmd, sanitized)
		if err != nil {
			return uint32(0), err
		}
		s.cacheMu.Lock()
		s.parentStorageCache[handle] = storage
		s.cacheMu.Unlock()
		return handle, nil
	})
	if err != nil {
		return 0, err
	}
	return val.(uint32), nil
}

func (s *Session) writeLocked(ctx context.Context, storageHint uint32, parent *uint32, name string, format uint16, size uint64, sourcePath string) (*transfer.Progress, error) {
	noRetry := strings.HasPrefix(name, smokeWritePrefix)
	excluding := map[uint32]bool{}

	storage, parentHandle, err := s.resolveWriteTarget(ctx, storageHint, parent, excluding)
	if err != nil {
		return nil, err
	}

	deviceID := s.cfg.Summary.Ident()
	hasJournal := s.cfg.Journal != nil
	var rec model.TransferRecord
	if hasJournal {
		rec, err = s.cfg.Journal.BeginWrite(deviceID, name, size, "", "", sourcePath, s.policy.Write == model.WritePartial)
		if err != nil {
			return nil, err
		}
	}

	progress := transfer.NewProgress(size, true)
	guard := transfer.AcquireActivityGuard("write:" + name)
	defer guard.Release()

	base := writeParams{
		storageCmd: storage,
		parentCmd:  commandParent(parentHandle),
		dsParent:   commandParent(parentHandle),
		format:     format,
		size:       clampSize(size),
		modDate:    s.sourceModDate(sourcePath),
	}
	if s.policy.Tuning.ForceFFFFFFFForSendObject {
		base.parentCmd = writetarget.RootParent
	}

	s.runHooks(ctx, model.PhaseBeforeTransfer)
	err = s.runWriteLadder(ctx, base, name, size, sourcePath, progress, noRetry, excluding, deviceID, rec, hasJournal)
	s.runHooks(ctx, model.PhaseAfterTransfer)
	if err != nil {
		if hasJournal {
			_ = s.cfg.Journal.Fail(deviceID, rec.ID, err.Error(), false)
		}
		return nil, err
	}

	if hasJournal {
		_ = s.cfg.Journal.Complete(deviceID, rec.ID)
		_ = s.cfg.Journal.RecordThroughput(deviceID, rec.ID, progress.ThroughputBps())
	}
	return progress, nil
}

// sourceModDate formats the source file's mtime as a PTP date-time
// string for the ObjectInfo dataset (spec §4.7: "dates (or empty)").
// Devices quirked with emptyDatesInSendObject never see a date.
func (s *Session) sourceModDate(sourcePath string) string {
	if sourcePath == "" || s.policy.Tuning.EmptyDatesInSendObject {
		return ""
	}
	fi, err := s.cfg.fsOrDefault().Stat(sourcePath)
	if err != nil {
		return ""
	}
	return fi.ModTime().UTC().Format("20060102T150405")
}

// resolveWriteTarget implements spec §4.6's target resolution step. An
// explicitly supplied non-root parent is always honored, even when the
// device is quirked writeToSubfolderOnly: the subfolder redirect only
// applies when no parent was supplied or the supplied parent means
// root (see DESIGN.md, Open Question 1).
func (s *Session) resolveWriteTarget(ctx context.Context, storageHint uint32, parent *uint32, excluding map[uint32]bool) (storage, parentHandle uint32, err error) {
	if parent != nil && !model.IsRootParent(*parent) {
		s.cacheMu.Lock()
		st, ok := s.parentStorageCache[*parent]
		s.cacheMu.Unlock()
		if !ok {
			oi, err := s.getInfoLocked(ctx, *parent)
			if err != nil {
				return 0, 0, err
			}
			st = oi.StorageID
		}
		if st == 0 || st == writetarget.RootParent {
			return 0, 0, errs.NewProtocolError(errs.CodeInvalidStorageID, "write target parent has no valid storage id")
		}
		return st, *parent, nil
	}

	storage = storageHint
	if storage == 0 || storage == writetarget.RootParent {
		return 0, 0, errs.PreconditionFailed("write target storage id %#x is not concrete", storage)
	}

	// An explicitly root parent on a device that accepts root writes
	// goes straight to the storage root; the ladder only runs for
	// writeToSubfolderOnly devices or calls that name no parent at all.
	if parent != nil && !s.policy.Tuning.WriteToSubfolderOnly {
		return storage, writetarget.RootParent, nil
	}

	dl := sessionDirLister{s}
	handle, err := writetarget.Resolve(ctx, dl, storage, s.policy.Tuning.PreferredWriteFolder, excluding)
	if err != nil {
		return 0, 0, err
	}
	return storage, handle, nil
}

// writeClass is the branch of spec §4.6's response-code classification
// table that a write attempt's error falls into.
type writeClass int

const (
	writeFatal writeClass = iota
	writeTransientTransport
	writeSessionNotOpen
	writeStaleHandle
	writeInvalidParameter
)

func classifyWriteError(err error) writeClass {
	if te, ok := errs.IsTransport(err); ok {
		if te.Retryable() {
			return writeTransientTransport
		}
		return writeFatal
	}
	if pe, ok := errs.AsProtocol(err); ok {
		switch pe.Kind {
		case errs.ProtocolSessionNotOpen:
			return writeSessionNotOpen
		case errs.ProtocolObjectNotFound:
			return writeStaleHandle
		case errs.ProtocolInvalidParameter, errs.ProtocolInvalidStorageID:
			return writeInvalidParameter
		case errs.ProtocolBusy:
			return writeTransientTransport
		default:
			return writeFatal
		}
	}
	return writeFatal
}

// runWriteLadder drives the full retry envelope around one write (spec
// §4.6 "Write recovery ladder"): in-place InvalidParameter rungs,
// target-ladder climbs, hard link recovery on SessionNotOpen/stale
// handles (suppressed to a direct climb when the quirk database marks
// the condition expected), and bounded same-params retry on transient
// transport errors.
func (s *Session) runWriteLadder(ctx context.Context, base writeParams, name string, size uint64, sourcePath string,
	progress *transfer.Progress, noRetry bool, excluding map[uint32]bool, deviceID string, rec model.TransferRecord, hasJournal bool) error {

	current := base
	climbs := 0
	transientAttempts := 0
	hardRecoveries := 0

	for {
		err := s.trySendAndUpload(ctx, current, name, size, sourcePath, progress, deviceID, rec, hasJournal)
		if err == nil {
			return nil
		}
		if noRetry {
			return err
		}
		s.log.Debug('!', "write %q attempt failed: %s", name, err)

		switch classifyWriteError(err) {
		case writeFatal:
			return err

		case writeTransientTransport:
			transientAttempts++
			if transientAttempts > maxTransientRetries {
				return err
			}
			if errs.ProtocolKindIs(err, errs.ProtocolBusy) {
				s.runHooks(ctx, model.PhaseOnDeviceBusy)
			}
			s.runBusyBackoff(ctx, model.BusyBackoff{Retries: 1, BaseMs: 200 * transientAttempts})
			continue

		case writeSessionNotOpen, writeStaleHandle:
			if s.policy.Tuning.ExpectedStaleWriteTarget {
				if climbs >= maxTargetClimbs {
					return err
				}
				excluding[current.parentCmd] = true
				climbs++
				storage, parent, rerr := s.resolveWriteTarget(ctx, current.storageCmd, nil, excluding)
				if rerr != nil {
					return rerr
				}
				current = writeParams{storageCmd: storage, parentCmd: commandParent(parent), dsParent: commandParent(parent), format: base.format, size: base.size, modDate: base.modDate}
				continue
			}

			hardRecoveries++
			if hardRecoveries > maxHardRecoveries {
				return err
			}
			if rerr := s.hardRecoverLink(ctx); rerr != nil {
				return rerr
			}
			storage, parent, rerr := s.resolveWriteTarget(ctx, current.storageCmd, nil, excluding)
			if rerr != nil {
				return rerr
			}
			current = writeParams{storageCmd: storage, parentCmd: commandParent(parent), dsParent: commandParent(parent), format: current.format, size: current.size, modDate: current.modDate}
			continue

		case writeInvalidParameter:
			// The full rung set runs only at the original target. At a
			// climbed target the primary has already failed above, and
			// the only in-place variant retried is format-undefined
			// (spec §4.6 rung 7: "on each new parent, try primary then
			// format-undefined"), keeping the ladder inside its
			// ≤ 12-attempt bound (P9).
			rungErr := err
			if climbs == 0 {
				rungErr = s.tryInvalidParameterRungs(ctx, base, current, name, size, sourcePath, progress, deviceID, rec, hasJournal)
			} else if current.format != ptp.FormatUndefined {
				r := current
				r.format = ptp.FormatUndefined
				rungErr = s.trySendAndUpload(ctx, r, name, size, sourcePath, progress, deviceID, rec, hasJournal)
			}
			if rungErr == nil {
				return nil
			}
			if classifyWriteError(rungErr) == writeFatal {
				return rungErr
			}

			if climbs >= maxTargetClimbs {
				return rungErr
			}
			excluding[current.parentCmd] = true
			climbs++
			storage, parent, rerr := s.resolveWriteTarget(ctx, current.storageCmd, nil, excluding)
			if rerr != nil {
				return rerr
			}
			s.log.Debug('!', "write %q climbing to parent 0x%08x (attempt %d)", name, parent, climbs)
			current = writeParams{storageCmd: storage, parentCmd: commandParent(parent), dsParent: commandParent(parent), format: base.format, size: base.size, modDate: base.modDate}
			continue
		}
	}
}

// tryInvalidParameterRungs applies spec §4.6's six in-place retry
// rungs in order, skipping any that would be identical to primary, and
// returns nil on the first success.
func (s *Session) tryInvalidParameterRungs(ctx context.Context, primary, current writeParams, name string, size uint64, sourcePath string,
	progress *transfer.Progress, deviceID string, rec model.TransferRecord, hasJournal bool) error {

	var lastErr error
	for _, rung := range buildInvalidParameterRungs(primary, current, s.policy.Tuning.UnknownSizeInSendObjectInfo, s.policy.Tuning.SupportsSendObjectPropList) {
		err := s.trySendAndUpload(ctx, rung, name, size, sourcePath, progress, deviceID, rec, hasJournal)
		if err == nil {
			return nil
		}
		lastErr = err
		if classifyWriteError(err) == writeFatal {
			return err
		}
	}
	return lastErr
}

// buildInvalidParameterRungs constructs spec §4.6's rungs 1-6 from
// current, dropping any rung that would reproduce current exactly (the
// ladder only ever tries a configuration once).
func buildInvalidParameterRungs(primary, current writeParams, allowUnknownSize, supportsPropList bool) []writeParams {
	var rungs []writeParams

	if current.format != ptp.FormatUndefined {
		r := current
		r.format = ptp.FormatUndefined
		rungs = append(rungs, r)
	}

	if model.IsRootParent(primary.parentCmd) && current.dsParent != 0 {
		r := current
		r.dsParent = 0
		rungs = append(rungs, r)
	}

	if allowUnknownSize && current.size != 0xFFFFFFFF {
		r := current
		r.size = 0xFFFFFFFF
		rungs = append(rungs, r)
	}

	if !current.omitDates && current.modDate != "" {
		r := current
		r.omitDates = true
		rungs = append(rungs, r)
	}

	if current.parentCmd != writetarget.RootParent {
		r := current
		r.parentCmd = writetarget.RootParent
		rungs = append(rungs, r)
	}

	if supportsPropList && !current.usePropList {
		r := current
		r.usePropList = true
		rungs = append(rungs, r)
	}

	return rungs
}

// hardRecoverLink tears the USB link fully down and re-establishes it,
// clearing the parent-storage cache so every subsequent lookup is
// fresh (spec §4.6: "try close → reopen full link → clear
// parent-storage cache → re-resolve target → continue ladder").
func (s *Session) hardRecoverLink(ctx context.Context) error {
	_, _ = s.link.CloseSession(ctx)
	if err := s.resetReopenLadder(ctx); err != nil {
		return err
	}
	s.parentStorageCache = map[uint32]uint32{}
	return nil
}

// trySendAndUpload runs one concrete SendObjectInfo(+SendObjectPropList)
// and SendObject attempt, recording the remote handle in the journal as
// soon as it is known (spec §4.7 "the actor records this handle in the
// journal before starting SendObject, so reconciliation can clean
// partials").
func (s *Session) trySendAndUpload(ctx context.Context, p writeParams, name string, size uint64, sourcePath string,
	progress *transfer.Progress, deviceID string, rec model.TransferRecord, hasJournal bool) error {

	var handle uint32
	var err error

	if p.usePropList {
		handle, err = s.sendObjectPropList(ctx, p, name)
	} else {
		ds := ptp.ObjectInfoDataset{
			StorageID:            p.storageCmd,
			ObjectFormat:         p.format,
			ObjectCompressedSize: p.size,
			ParentObject:         p.dsParent,
			Filename:             name,
		}
		if !p.omitDates {
			ds.ModificationDate = p.modDate
		}
		handle, _, err = transfer.SendObjectInfo(ctx, s.link, p.storageCmd, p.parentCmd, ds)
	}
	if err != nil {
		return err
	}

	if hasJournal {
		_ = s.cfg.Journal.RecordRemoteHandle(deviceID, rec.ID, handle)
	}
	s.cacheMu.Lock()
	s.parentStorageCache[handle] = p.storageCmd
	s.cacheMu.Unlock()

	if s.policy.Write == model.WritePartial && sourcePath != "" {
		return transfer.SendObjectChunked(ctx, s.link, s.cfg.fsOrDefault(), handle, sourcePath, 0, size, s.policy.Tuning.MaxChunkBytes, progress)
	}
	return transfer.SendObject(ctx, s.link, s.cfg.fsOrDefault(), sourcePath, size, progress)
}

// sendObjectPropList implements rung 6: SendObjectPropList (0x9808)
// with params [storage, parent, format, size_msw, size_lsw] and a
// dataset of (objectHandle=0, propCode, dataType, value) tuples (spec
// §4.6 rung "send-object-prop-list").
func (s *Session) sendObjectPropList(ctx context.Context, p writeParams, name string) (uint32, error) {
	elems := []ptp.PropElement{
		{PropCode: ptp.PropStorageID, DataType: ptp.DataTypeUint32, Value: uint64(p.storageCmd)},
		{PropCode: ptp.PropParentObject, DataType: ptp.DataTypeUint32, Value: uint64(p.dsParent)},
		{PropCode: ptp.PropObjectFileName, DataType: ptp.DataTypeString, Str: name},
		{PropCode: ptp.PropObjectFormat, DataType: ptp.DataTypeUint16, Value: uint64(p.format)},
		{PropCode: ptp.PropObjectSize, DataType: ptp.DataTypeUint64, Value: uint64(p.size)},
	}
	payload := ptp.EncodePropList(elems)

	offset := 0
	producer := func(buf []byte) (int, error) {
		if offset >= len(payload) {
			return 0, nil
		}
		n := copy(buf, payload[offset:])
		offset += n
		return n, nil
	}

	rsp, err := s.link.ExecuteStreamingCommand(ctx, uint16(ptp.OpSendObjectPropList),
		[]uint32{p.storageCmd, p.parentCmd, uint32(p.format), 0, uint32(p.size)}, len(payload), producer, nil)
	if err != nil {
		return 0, err
	}
	if err := link.CheckOK(rsp); err != nil {
		return 0, err
	}
	if len(rsp.Params) < 3 {
		return 0, errs.NewMalformed("SendObjectPropList response missing newHandle param")
	}
	return rsp.Params[2], nil
}
