package ptp

import "github.com/swiftmtp/swiftmtp/internal/errs"

// DataType enumerates the PTP property data types used by
// GetObjectPropList / SendObjectPropList (spec §6).
type DataType uint16

const (
	DataTypeUint8  DataType = 0x0002
	DataTypeUint16 DataType = 0x0004
	DataTypeUint32 DataType = 0x0006
	DataTypeUint64 DataType = 0x0008
	DataTypeString DataType = 0xFFFF
)

// PropElement is one (handle, propCode, dataType, value) tuple from a
// GetObjectPropList response, or to be encoded into a
// SendObjectPropList dataset (objectHandle is 0 on encode, since the
// handle doesn't exist yet).
type PropElement struct {
	Handle   uint32
	PropCode PropCode
	DataType DataType
	Value    uint64 // valid when DataType != DataTypeString
	Str      string // valid when DataType == DataTypeString
}

// DecodePropList parses a GetObjectPropList response: u32 count
// followed by count tuples whose value width depends on DataType.
func DecodePropList(buf []byte) ([]PropElement, error) {
	count, buf, err := GetUint32(buf)
	if err != nil {
		return nil, err
	}
	if err := CheckCount(count); err != nil {
		return nil, err
	}

	elems := make([]PropElement, 0, count)
	for i := uint32(0); i < count; i++ {
		var e PropElement

		var h uint32
		if h, buf, err = GetUint32(buf); err != nil {
			return nil, err
		}
		e.Handle = h

		var v16 uint16
		if v16, buf, err = GetUint16(buf); err != nil {
			return nil, err
		}
		e.PropCode = PropCode(v16)

		if v16, buf, err = GetUint16(buf); err != nil {
			return nil, err
		}
		e.DataType = DataType(v16)

		switch e.DataType {
		case DataTypeUint8:
			if len(buf) < 1 {
				return nil, errs.NewMalformed("truncated uint8 prop value")
			}
			e.Value = uint64(buf[0])
			buf = buf[1:]
		case DataTypeUint16:
			var v uint16
			if v, buf, err = GetUint16(buf); err != nil {
				return nil, err
			}
			e.Value = uint64(v)
		case DataTypeUint32:
			var v uint32
			if v, buf, err = GetUint32(buf); err != nil {
				return nil, err
			}
			e.Value = uint64(v)
		case DataTypeUint64:
			var v uint64
			if v, buf, err = GetUint64(buf); err != nil {
				return nil, err
			}
			e.Value = v
		case DataTypeString:
			var s string
			if s, buf, err = GetString(buf); err != nil {
				return nil, err
			}
			e.Str = s
		default:
			return nil, errs.NewMalformed("unsupported prop data type")
		}

		elems = append(elems, e)
	}

	return elems, nil
}

// EncodePropList serializes a SendObjectPropList dataset: u32 count
// followed by count tuples, objectHandle fixed at 0 (the object does
// not exist yet).
func EncodePropList(elems []PropElement) []byte {
	buf := make([]byte, 0, 4+len(elems)*12)
	buf = PutUint32(buf, uint32(len(elems)))

	for _, e := range elems {
		buf = PutUint32(buf, 0) // objectHandle
		buf = PutUint16(buf, uint16(e.PropCode))
		buf = PutUint16(buf, uint16(e.DataType))

		switch e.DataType {
		case DataTypeUint8:
			buf = append(buf, byte(e.Value))
		case DataTypeUint16:
			buf = PutUint16(buf, uint16(e.Value))
		case DataTypeUint32:
			buf = PutUint32(buf, uint32(e.Value))
		case DataTypeUint64:
			buf = PutUint64(buf, e.Value)
		case DataTypeString:
			buf = PutString(buf, e.Str)
		}
	}

	return buf
}
