package link

import (
	"context"

	"github.com/swiftmtp/swiftmtp/internal/errs"
	"github.com/swiftmtp/swiftmtp/model"
	"github.com/swiftmtp/swiftmtp/ptp"
)

// High-level helpers built on C3 (spec §4.3): OpenSession, CloseSession,
// GetDeviceInfo, GetStorageIDs, GetStorageInfo, GetObjectHandles,
// GetObjectInfo, GetObjectPropValue, GetObjectPropList, DeleteObject,
// MoveObject, ResetDeviceOp.

func (l *Link) OpenSession(ctx context.Context, sessionID uint32) (Response, error) {
	return l.Execute(ctx, uint16(ptp.OpOpenSession), []uint32{sessionID})
}

func (l *Link) CloseSession(ctx context.Context) (Response, error) {
	return l.Execute(ctx, uint16(ptp.OpCloseSession), nil)
}

func (l *Link) ResetDeviceOp(ctx context.Context) (Response, error) {
	return l.Execute(ctx, uint16(ptp.OpResetDevice), nil)
}

func (l *Link) DeleteObject(ctx context.Context, handle uint32) (Response, error) {
	return l.Execute(ctx, uint16(ptp.OpDeleteObject), []uint32{handle})
}

func (l *Link) MoveObject(ctx context.Context, handle, storage, parent uint32) (Response, error) {
	return l.Execute(ctx, uint16(ptp.OpMoveObject), []uint32{handle, storage, parent})
}

// GetDeviceInfo runs GetDeviceInfo and decodes the DeviceInfo dataset.
func (l *Link) GetDeviceInfo(ctx context.Context) (model.DeviceInfo, error) {
	var payload []byte
	rsp, err := l.ExecuteStreamingCommand(ctx, uint16(ptp.OpGetDeviceInfo), nil, 0, nil,
		func(chunk []byte) (int, error) {
			payload = append(payload, chunk...)
			return len(chunk), nil
		})
	if err != nil {
		return model.DeviceInfo{}, err
	}
	if err := CheckOK(rsp); err != nil {
		return model.DeviceInfo{}, err
	}

	return decodeDeviceInfo(payload)
}

// GetStorageIDs returns the storage id list.
func (l *Link) GetStorageIDs(ctx context.Context) ([]uint32, error) {
	var payload []byte
	rsp, err := l.ExecuteStreamingCommand(ctx, uint16(ptp.OpGetStorageIDs), nil, 0, nil,
		func(chunk []byte) (int, error) {
			payload = append(payload, chunk...)
			return len(chunk), nil
		})
	if err != nil {
		return nil, err
	}
	if err := CheckOK(rsp); err != nil {
		return nil, err
	}

	count, rest, err := ptp.GetUint32(payload)
	if err != nil {
		return nil, err
	}
	return decodeUint32Array(rest, count)
}

// GetStorageInfo fetches StorageInfo for one storage id.
func (l *Link) GetStorageInfo(ctx context.Context, storageID uint32) (model.StorageInfo, error) {
	var payload []byte
	rsp, err := l.ExecuteStreamingCommand(ctx, uint16(ptp.OpGetStorageInfo), []uint32{storageID}, 0, nil,
		func(chunk []byte) (int, error) {
			payload = append(payload, chunk...)
			return len(chunk), nil
		})
	if err != nil {
		return model.StorageInfo{}, err
	}
	if err := CheckOK(rsp); err != nil {
		return model.StorageInfo{}, err
	}

	return decodeStorageInfo(storageID, payload)
}

// GetObjectHandles returns object handles for (storage, parent, format).
// Pass 0xFFFFFFFF for storage to mean "all storages", 0 for format to
// mean "any format".
func (l *Link) GetObjectHandles(ctx context.Context, storage uint32, format uint16, parent uint32) ([]uint32, error) {
	var payload []byte
	rsp, err := l.ExecuteStreamingCommand(ctx, uint16(ptp.OpGetObjectHandles),
		[]uint32{storage, uint32(format), parent}, 0, nil,
		func(chunk []byte) (int, error) {
			payload = append(payload, chunk...)
			return len(chunk), nil
		})
	if err != nil {
		return nil, err
	}
	if err := CheckOK(rsp); err != nil {
		return nil, err
	}

	count, rest, err := ptp.GetUint32(payload)
	if err != nil {
		return nil, err
	}
	return decodeUint32Array(rest, count)
}

// GetObjectInfo fetches a single ObjectInfo via GetObjectInfo.
func (l *Link) GetObjectInfo(ctx context.Context, handle uint32) (model.ObjectInfo, error) {
	var payload []byte
	rsp, err := l.ExecuteStreamingCommand(ctx, uint16(ptp.OpGetObjectInfo), []uint32{handle}, 0, nil,
		func(chunk []byte) (int, error) {
			payload = append(payload, chunk...)
			return len(chunk), nil
		})
	if err != nil {
		return model.ObjectInfo{}, err
	}
	if err := CheckOK(rsp); err != nil {
		return model.ObjectInfo{}, err
	}

	ds, err := ptp.Decode(payload)
	if err != nil {
		return model.ObjectInfo{}, err
	}

	return model.ObjectInfo{
		Handle:    handle,
		StorageID: ds.StorageID,
		Parent:    ds.ParentObject,
		HasParent: true,
		Name:      ds.Filename,
		Size:      uint64(ds.ObjectCompressedSize),
		HasSize:   ds.ObjectCompressedSize != 0 && ds.ObjectCompressedSize != 0xFFFFFFFF,
		Format:    ds.ObjectFormat,
	}, nil
}

// GetObjectPropValue fetches a single property value of an object; used
// to get the true 64-bit ObjectSize when the 32-bit field overflowed
// (spec §4.6).
func (l *Link) GetObjectPropValue(ctx context.Context, handle uint32, prop ptp.PropCode) (uint64, error) {
	var payload []byte
	rsp, err := l.ExecuteStreamingCommand(ctx, uint16(ptp.OpGetObjectPropValue),
		[]uint32{handle, uint32(prop)}, 0, nil,
		func(chunk []byte) (int, error) {
			payload = append(payload, chunk...)
			return len(chunk), nil
		})
	if err != nil {
		return 0, err
	}
	if err := CheckOK(rsp); err != nil {
		return 0, err
	}

	switch len(payload) {
	case 1:
		return uint64(payload[0]), nil
	case 2:
		v, _, err := ptp.GetUint16(payload)
		return uint64(v), err
	case 4:
		v, _, err := ptp.GetUint32(payload)
		return uint64(v), err
	case 8:
		v, _, err := ptp.GetUint64(payload)
		return v, err
	default:
		return 0, errs.NewMalformed("unexpected GetObjectPropValue payload size")
	}
}

// GetObjectPropList runs the fast-path enumeration opcode (0x9805).
func (l *Link) GetObjectPropList(ctx context.Context, parent uint32) ([]ptp.PropElement, error) {
	var payload []byte
	rsp, err := l.ExecuteStreamingCommand(ctx, uint16(ptp.OpGetObjectPropList),
		[]uint32{parent, 0, 0, 0, 0}, 0, nil,
		func(chunk []byte) (int, error) {
			payload = append(payload, chunk...)
			return len(chunk), nil
		})
	if err != nil {
		return nil, err
	}
	if err := CheckOK(rsp); err != nil {
		return nil, err
	}

	return ptp.DecodePropList(payload)
}

func decodeUint32Array(buf []byte, count uint32) ([]uint32, error) {
	if err := ptp.CheckCount(count); err != nil {
		return nil, err
	}
	out := make([]uint32, 0, count)
	for i := uint32(0); i < count; i++ {
		v, rest, err := ptp.GetUint32(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		buf = rest
	}
	return out, nil
}

func decodeUint16Array(buf []byte) ([]uint16, []byte, error) {
	count, buf, err := ptp.GetUint32(buf)
	if err != nil {
		return nil, buf, err
	}
	if err := ptp.CheckCount(count); err != nil {
		return nil, buf, err
	}

	out := make([]uint16, 0, count)
	for i := uint32(0); i < count; i++ {
		v, rest, err := ptp.GetUint16(buf)
		if err != nil {
			return nil, buf, err
		}
		out = append(out, v)
		buf = rest
	}
	return out, buf, nil
}

// decodeDeviceInfo parses the GetDeviceInfo response dataset.
func decodeDeviceInfo(buf []byte) (model.DeviceInfo, error) {
	var di model.DeviceInfo
	var err error

	if _, buf, err = ptp.GetUint16(buf); err != nil { // StandardVersion
		return di, err
	}
	if _, buf, err = ptp.GetUint32(buf); err != nil { // VendorExtensionID
		return di, err
	}
	if _, buf, err = ptp.GetUint16(buf); err != nil { // VendorExtensionVersion
		return di, err
	}
	if _, buf, err = ptp.GetString(buf); err != nil { // VendorExtensionDesc
		return di, err
	}
	if _, buf, err = ptp.GetUint16(buf); err != nil { // FunctionalMode
		return di, err
	}

	if di.OperationsSupported, buf, err = decodeUint16Array(buf); err != nil {
		return di, err
	}
	if di.EventsSupported, buf, err = decodeUint16Array(buf); err != nil {
		return di, err
	}
	var devProps []uint16
	if devProps, buf, err = decodeUint16Array(buf); err != nil { // DevicePropertiesSupported
		return di, err
	}
	_ = devProps

	var captureFormats []uint16
	if captureFormats, buf, err = decodeUint16Array(buf); err != nil { // CaptureFormats
		return di, err
	}
	_ = captureFormats

	if di.ObjectFormats, buf, err = decodeUint16Array(buf); err != nil { // ImageFormats
		return di, err
	}

	if di.Manufacturer, buf, err = ptp.GetString(buf); err != nil {
		return di, err
	}
	if di.Model, buf, err = ptp.GetString(buf); err != nil {
		return di, err
	}
	if di.FirmwareVersion, buf, err = ptp.GetString(buf); err != nil {
		return di, err
	}
	if di.SerialNumber, _, err = ptp.GetString(buf); err != nil {
		return di, err
	}

	return di, nil
}

func decodeStorageInfo(id uint32, buf []byte) (model.StorageInfo, error) {
	var si model.StorageInfo
	si.StorageID = id

	var err error
	var storageType, fsType, accessCap uint16
	if storageType, buf, err = ptp.GetUint16(buf); err != nil {
		return si, err
	}
	if fsType, buf, err = ptp.GetUint16(buf); err != nil {
		return si, err
	}
	if accessCap, buf, err = ptp.GetUint16(buf); err != nil {
		return si, err
	}
	_ = storageType
	_ = fsType
	si.ReadOnly = accessCap == 0x0001 || accessCap == 0x0002

	if si.MaxCapacity, buf, err = ptp.GetUint64(buf); err != nil {
		return si, err
	}
	if si.FreeBytes, buf, err = ptp.GetUint64(buf); err != nil {
		return si, err
	}
	if _, buf, err = ptp.GetUint32(buf); err != nil { // FreeSpaceInImages
		return si, err
	}
	if si.Description, buf, err = ptp.GetString(buf); err != nil {
		return si, err
	}
	_, _, _ = ptp.GetString(buf) // VolumeLabel, not surfaced

	return si, nil
}
