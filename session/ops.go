package session

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/swiftmtp/swiftmtp/internal/errs"
	"github.com/swiftmtp/swiftmtp/link"
	"github.com/swiftmtp/swiftmtp/model"
	"github.com/swiftmtp/swiftmtp/ptp"
)

// storageInfoConcurrency bounds how many GetStorageInfo calls run at
// once when resolving a multi-storage device's storage list. The
// underlying link still serializes each individual transaction (its
// own mutex), so this only overlaps the USB round-trip latency across
// storages rather than racing the wire protocol.
const storageInfoConcurrency = 4

// Receipt returns the probe receipt recorded when the session's policy
// was resolved. Zero until the first successful open.
func (s *Session) Receipt(ctx context.Context) (ProbeReceipt, error) {
	val, err := s.submit(ctx, func(ctx context.Context) (interface{}, error) {
		if err := s.ensureOpen(ctx); err != nil {
			return ProbeReceipt{}, err
		}
		return s.receipt, nil
	})
	if err != nil {
		return ProbeReceipt{}, err
	}
	return val.(ProbeReceipt), nil
}

// Info returns the DeviceInfo captured at open time.
func (s *Session) Info(ctx context.Context) (model.DeviceInfo, error) {
	val, err := s.submit(ctx, func(ctx context.Context) (interface{}, error) {
		if err := s.ensureOpen(ctx); err != nil {
			return model.DeviceInfo{}, err
		}
		return s.deviceInfo, nil
	})
	if err != nil {
		return model.DeviceInfo{}, err
	}
	return val.(model.DeviceInfo), nil
}

// storageBackoffMs is the storage-readiness retry schedule (spec §4.6
// "storages()": "backoff 250/500/1000/2000/3000 ms, up to 5 attempts").
var storageBackoffMs = [5]int{250, 500, 1000, 2000, 3000}

// Storages enumerates every storage on the device, retrying with
// backoff when the device transiently reports zero, and escalating to
// a full close/reset/reopen before accepting an empty result as
// legitimate (spec §4.6 "storages()").
func (s *Session) Storages(ctx context.Context) ([]model.StorageInfo, error) {
	val, err := s.submit(ctx, func(ctx context.Context) (interface{}, error) {
		if err := s.ensureOpen(ctx); err != nil {
			return nil, err
		}
		return s.storagesLocked(ctx)
	})
	if err != nil {
		return nil, err
	}
	return val.([]model.StorageInfo), nil
}

func (s *Session) storagesLocked(ctx context.Context) ([]model.StorageInfo, error) {
	s.runHooks(ctx, model.PhaseBeforeGetStorageIDs)

	ids, err := s.fetchStorageIDsWithBackoff(ctx)
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		ids, err = s.escalateForStorages(ctx)
		if err != nil {
			return nil, err
		}
	}

	s.storageIDs = ids
	infos := make([]model.StorageInfo, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(storageInfoConcurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			info, err := s.link.GetStorageInfo(gctx, id)
			if err != nil {
				return err
			}
			infos[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return infos, nil
}

func (s *Session) fetchStorageIDsWithBackoff(ctx context.Context) ([]uint32, error) {
	for attempt := 0; ; attempt++ {
		ids, err := s.link.GetStorageIDs(ctx)
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 || attempt >= len(storageBackoffMs) {
			return ids, nil
		}
		select {
		case <-time.After(time.Duration(storageBackoffMs[attempt]) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// escalateForStorages runs spec §4.6's last-resort ladder: close the
// session, reset the device, reopen, and try once more.
func (s *Session) escalateForStorages(ctx context.Context) ([]uint32, error) {
	s.log.Info('!', "no storages after backoff; escalating to device reset")
	_, _ = s.link.CloseSession(ctx)
	_ = s.transport.ResetDevice()

	if err := s.openSessionWithRecovery(ctx); err != nil {
		return nil, err
	}

	return s.link.GetStorageIDs(ctx)
}

// List enumerates the children of parent on storage. It prefers the
// GetObjectPropList fast path; the first NotSupported response
// permanently disables it for the remaining lifetime of the session
// (spec §4.6 "list()").
func (s *Session) List(ctx context.Context, storage, parent uint32) ([]model.ObjectInfo, error) {
	val, err := s.submit(ctx, func(ctx context.Context) (interface{}, error) {
		if err := s.ensureOpen(ctx); err != nil {
			return nil, err
		}
		s.runHooks(ctx, model.PhaseBeforeGetObjectHandles)

		if !s.propListDisabled && s.policy.Enumeration == model.EnumerationPropList {
			objs, err := s.listViaPropList(ctx, parent)
			if err == nil {
				return objs, nil
			}
			if !errs.ProtocolKindIs(err, errs.ProtocolNotSupported) {
				return nil, err
			}
			s.propListDisabled = true
		}

		return s.listViaHandlesThenInfo(ctx, storage, parent)
	})
	if err != nil {
		return nil, err
	}
	return val.([]model.ObjectInfo), nil
}

// listViaPropList aggregates the (handle, propCode, value) tuples
// GetObjectPropList returns into one ObjectInfo per handle, preserving
// handle order as first seen.
func (s *Session) listViaPropList(ctx context.Context, parent uint32) ([]model.ObjectInfo, error) {
	elems, err := s.link.GetObjectPropList(ctx, parent)
	if err != nil {
		return nil, err
	}

	order := make([]uint32, 0)
	byHandle := make(map[uint32]*model.ObjectInfo)
	get := func(h uint32) *model.ObjectInfo {
		oi, ok := byHandle[h]
		if !ok {
			oi = &model.ObjectInfo{Handle: h}
			byHandle[h] = oi
			order = append(order, h)
		}
		return oi
	}

	for _, e := range elems {
		oi := get(e.Handle)
		switch e.PropCode {
		case ptp.PropStorageID:
			oi.StorageID = uint32(e.Value)
		case ptp.PropParentObject:
			oi.Parent = uint32(e.Value)
			oi.HasParent = true
		case ptp.PropObjectFileName:
			oi.Name = e.Str
		case ptp.PropObjectSize:
			oi.Size = e.Value
			oi.HasSize = e.Value != 0 && e.Value != 0xFFFFFFFF
		case ptp.PropObjectFormat:
			oi.Format = uint16(e.Value)
		case ptp.PropDateModified:
			if t, ok := parseMTPDate(e.Str); ok {
				oi.Modified = t
				oi.HasModified = true
			}
		}
	}

	out := make([]model.ObjectInfo, 0, len(order))
	for _, h := range order {
		out = append(out, *byHandle[h])
	}
	return out, nil
}

// listViaHandlesThenInfo is the fallback enumeration path: one
// GetObjectHandles call followed by a per-handle GetObjectInfo (spec
// §4.6 "list()": "fall back to GetObjectHandles followed by per-handle
// GetObjectInfo").
func (s *Session) listViaHandlesThenInfo(ctx context.Context, storage, parent uint32) ([]model.ObjectInfo, error) {
	handles, err := s.link.GetObjectHandles(ctx, storage, 0, parent)
	if err != nil {
		return nil, err
	}

	out := make([]model.ObjectInfo, 0, len(handles))
	for _, h := range handles {
		oi, err := s.link.GetObjectInfo(ctx, h)
		if err != nil {
			return nil, err
		}
		s.cacheMu.Lock()
		s.parentStorageCache[h] = oi.StorageID
		s.cacheMu.Unlock()
		out = append(out, oi)
	}
	return out, nil
}

// GetInfo fetches a single object's metadata, falling back to the
// 64-bit ObjectSize property when the 32-bit dataset field is absent
// or overflowed (spec §4.6 "getInfo()").
func (s *Session) GetInfo(ctx context.Context, handle uint32) (model.ObjectInfo, error) {
	val, err := s.submit(ctx, func(ctx context.Context) (interface{}, error) {
		if err := s.ensureOpen(ctx); err != nil {
			return model.ObjectInfo{}, err
		}
		return s.getInfoLocked(ctx, handle)
	})
	if err != nil {
		return model.ObjectInfo{}, err
	}
	return val.(model.ObjectInfo), nil
}

func (s *Session) getInfoLocked(ctx context.Context, handle uint32) (model.ObjectInfo, error) {
	oi, err := s.link.GetObjectInfo(ctx, handle)
	if err != nil {
		return model.ObjectInfo{}, err
	}
	s.cacheMu.Lock()
	s.parentStorageCache[handle] = oi.StorageID
	s.cacheMu.Unlock()

	if !oi.HasSize && !s.policy.Tuning.SkipGetObjectPropValue {
		size, err := s.link.GetObjectPropValue(ctx, handle, ptp.PropObjectSize)
		if err == nil && size != 0 {
			oi.Size = size
			oi.HasSize = true
		}
	}
	return oi, nil
}

// Delete removes handle. When recursive is true and handle is a
// folder, its children are enumerated and deleted depth-first before
// the folder itself (spec §4.6 "delete()").
func (s *Session) Delete(ctx context.Context, handle uint32, recursive bool) error {
	_, err := s.submit(ctx, func(ctx context.Context) (interface{}, error) {
		if err := s.ensureOpen(ctx); err != nil {
			return nil, err
		}
		return nil, s.deleteLocked(ctx, handle, recursive)
	})
	return err
}

func (s *Session) deleteLocked(ctx context.Context, handle uint32, recursive bool) error {
	if recursive {
		if err := s.deleteChildrenLocked(ctx, handle); err != nil {
			return err
		}
	}

	_, err := s.link.DeleteObject(ctx, handle)
	if err != nil {
		return err
	}
	s.cacheMu.Lock()
	delete(s.parentStorageCache, handle)
	s.cacheMu.Unlock()
	return nil
}

// deleteChildrenLocked enumerates and deletes every descendant of
// parent, fanning siblings out across a bounded errgroup. All
// parentStorageCache access goes through s.cacheMu, since siblings now
// run concurrently rather than sequentially under the single actor
// goroutine (spec §4.6 "delete()").
func (s *Session) deleteChildrenLocked(ctx context.Context, parent uint32) error {
	s.cacheMu.Lock()
	storage, ok := s.parentStorageCache[parent]
	s.cacheMu.Unlock()

	if !ok {
		oi, err := s.getInfoLocked(ctx, parent)
		if err != nil {
			return err
		}
		storage = oi.StorageID
	}

	children, err := s.listChildrenLocked(ctx, storage, parent)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(storageInfoConcurrency)
	for _, child := range children {
		child := child
		g.Go(func() error {
			return s.deleteChildLocked(gctx, child.Handle)
		})
	}
	return g.Wait()
}

// deleteChildLocked recursively deletes one child encountered during a
// recursive delete's fan-out.
func (s *Session) deleteChildLocked(ctx context.Context, handle uint32) error {
	if err := s.deleteChildrenLocked(ctx, handle); err != nil {
		return err
	}

	if _, err := s.link.DeleteObject(ctx, handle); err != nil {
		return err
	}
	s.cacheMu.Lock()
	delete(s.parentStorageCache, handle)
	s.cacheMu.Unlock()
	return nil
}

func (s *Session) listChildrenLocked(ctx context.Context, storage, parent uint32) ([]model.ObjectInfo, error) {
	s.cacheMu.Lock()
	disabled := s.propListDisabled
	s.cacheMu.Unlock()

	if !disabled && s.policy.Enumeration == model.EnumerationPropList {
		objs, err := s.listViaPropList(ctx, parent)
		if err == nil {
			return objs, nil
		}
		if !errs.ProtocolKindIs(err, errs.ProtocolNotSupported) {
			return nil, err
		}
		s.cacheMu.Lock()
		s.propListDisabled = true
		s.cacheMu.Unlock()
	}
	return s.listViaHandlesThenInfo(ctx, storage, parent)
}

// Move reassigns handle to a new parent on storage (spec §4.6
// "move()").
func (s *Session) Move(ctx context.Context, handle, storage, newParent uint32) error {
	_, err := s.submit(ctx, func(ctx context.Context) (interface{}, error) {
		if err := s.ensureOpen(ctx); err != nil {
			return nil, err
		}
		rsp, err := s.link.MoveObject(ctx, handle, storage, newParent)
		if err != nil {
			return nil, err
		}
		if err := link.CheckOK(rsp); err != nil {
			return nil, err
		}
		s.cacheMu.Lock()
		s.parentStorageCache[handle] = storage
		s.cacheMu.Unlock()
		return nil, nil
	})
	return err
}

// Events returns the session's decoded interrupt-endpoint event
// stream, or nil if the device does not support events or the session
// has not been opened yet.
func (s *Session) Events() <-chan link.Event {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.events
}

// mtpDateLayouts covers the date-time forms PropDateModified is seen
// to use in practice: the plain "YYYYMMDDThhmmss" form and the same
// form with a trailing UTC-offset ("+hhmm"/"-hhmm").
var mtpDateLayouts = []string{
	"20060102T150405",
	"20060102T150405-0700",
}

// parseMTPDate parses the PTP date-time string format used by
// PropDateModified; an unparsable or empty string reports ok=false
// rather than an error, since many devices omit or malform this field.
func parseMTPDate(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range mtpDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
