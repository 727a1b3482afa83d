package ptp

// ObjectInfoDataset is the SendObjectInfo/GetObjectInfo dataset, laid
// out bit-exact per spec §6. Fields fixed at zero by the protocol
// (ProtectionStatus, thumbnail/image geometry, SequenceNumber) are
// still encoded so the wire format matches real devices, but are not
// exposed as meaningful data to callers.
type ObjectInfoDataset struct {
	StorageID           uint32
	ObjectFormat        uint16
	ObjectCompressedSize uint32 // 0xFFFFFFFF signals "unknown size" (quirk rung)
	ParentObject        uint32 // 0xFFFFFFFF = root in command phase; 0 = root on some devices
	AssociationType     uint16
	AssociationDesc     uint32
	Filename            string
	CaptureDate         string
	ModificationDate    string
	Keywords            string
}

// FixedSize is the byte length of the dataset's fixed-width fields,
// before the four PTP strings (spec §8 P3: 52 bytes).
const FixedSize = 52

// Encode serializes the dataset. The four string fields may be empty;
// an empty PTP string costs one byte.
func Encode(info ObjectInfoDataset) []byte {
	buf := make([]byte, 0, FixedSize+16)

	buf = PutUint32(buf, info.StorageID)
	buf = PutUint16(buf, info.ObjectFormat)
	buf = PutUint16(buf, 0) // ProtectionStatus
	buf = PutUint32(buf, info.ObjectCompressedSize)
	buf = PutUint16(buf, 0) // ThumbFormat
	buf = PutUint32(buf, 0) // ThumbCompressedSize
	buf = PutUint32(buf, 0) // ThumbPixWidth
	buf = PutUint32(buf, 0) // ThumbPixHeight
	buf = PutUint32(buf, 0) // ImagePixWidth
	buf = PutUint32(buf, 0) // ImagePixHeight
	buf = PutUint32(buf, 0) // ImageBitDepth
	buf = PutUint32(buf, info.ParentObject)
	buf = PutUint16(buf, info.AssociationType)
	buf = PutUint32(buf, info.AssociationDesc)
	buf = PutUint32(buf, 0) // SequenceNumber

	buf = PutString(buf, info.Filename)
	buf = PutString(buf, info.CaptureDate)
	buf = PutString(buf, info.ModificationDate)
	buf = PutString(buf, info.Keywords)

	return buf
}

// Decode parses an ObjectInfoDataset from buf.
func Decode(buf []byte) (ObjectInfoDataset, error) {
	var info ObjectInfoDataset
	var err error

	if info.StorageID, buf, err = GetUint32(buf); err != nil {
		return info, err
	}
	var v16 uint16
	if v16, buf, err = GetUint16(buf); err != nil {
		return info, err
	}
	info.ObjectFormat = v16

	if _, buf, err = GetUint16(buf); err != nil { // ProtectionStatus
		return info, err
	}
	if info.ObjectCompressedSize, buf, err = GetUint32(buf); err != nil {
		return info, err
	}
	if _, buf, err = GetUint16(buf); err != nil { // ThumbFormat
		return info, err
	}
	if _, buf, err = GetUint32(buf); err != nil { // ThumbCompressedSize
		return info, err
	}
	if _, buf, err = GetUint32(buf); err != nil { // ThumbPixWidth
		return info, err
	}
	if _, buf, err = GetUint32(buf); err != nil { // ThumbPixHeight
		return info, err
	}
	if _, buf, err = GetUint32(buf); err != nil { // ImagePixWidth
		return info, err
	}
	if _, buf, err = GetUint32(buf); err != nil { // ImagePixHeight
		return info, err
	}
	if _, buf, err = GetUint32(buf); err != nil { // ImageBitDepth
		return info, err
	}
	if info.ParentObject, buf, err = GetUint32(buf); err != nil {
		return info, err
	}
	if info.AssociationType, buf, err = GetUint16(buf); err != nil {
		return info, err
	}
	if info.AssociationDesc, buf, err = GetUint32(buf); err != nil {
		return info, err
	}
	if _, buf, err = GetUint32(buf); err != nil { // SequenceNumber
		return info, err
	}

	if info.Filename, buf, err = GetString(buf); err != nil {
		return info, err
	}
	if info.CaptureDate, buf, err = GetString(buf); err != nil {
		return info, err
	}
	if info.ModificationDate, buf, err = GetString(buf); err != nil {
		return info, err
	}
	if info.Keywords, _, err = GetString(buf); err != nil {
		return info, err
	}

	return info, nil
}
