// Package ptp implements the wire-level PTP/MTP codec: little-endian
// primitives, container framing, PTP strings and the ObjectInfo /
// ObjectPropList datasets (spec §4.1, §6). Grounded on the teacher's
// hand-rolled IPP attribute codec (goipp usage in usbtransport.go) in
// pattern only — goipp itself is dropped (see SPEC_FULL.md DOMAIN
// STACK); this is a from-scratch PTP codec, since PTP's wire format
// bears no resemblance to IPP's.
package ptp

import (
	"encoding/binary"

	"github.com/swiftmtp/swiftmtp/internal/errs"
)

// maxArrayCount bounds any wire-declared count field before the codec
// allocates a slice for it (spec §4.1: "reject before allocation").
const maxArrayCount = 1_000_000

// PutUint16 / PutUint32 / PutUint64 append little-endian integers.
func PutUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func PutUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func PutUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// GetUint16 / GetUint32 / GetUint64 read a little-endian integer from
// the front of buf and return the remaining slice.
func GetUint16(buf []byte) (uint16, []byte, error) {
	if len(buf) < 2 {
		return 0, buf, errs.NewMalformed("truncated uint16")
	}
	return binary.LittleEndian.Uint16(buf), buf[2:], nil
}

func GetUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, buf, errs.NewMalformed("truncated uint32")
	}
	return binary.LittleEndian.Uint32(buf), buf[4:], nil
}

func GetUint64(buf []byte) (uint64, []byte, error) {
	if len(buf) < 8 {
		return 0, buf, errs.NewMalformed("truncated uint64")
	}
	return binary.LittleEndian.Uint64(buf), buf[8:], nil
}

// PutString appends a PTP string: a 1-byte UCS-2 code-unit count
// (including the null terminator) followed by that many little-endian
// 16-bit units. An empty string is a single 0x00 byte.
func PutString(buf []byte, s string) []byte {
	units := utf16Encode(s)
	if len(units) == 0 {
		return append(buf, 0x00)
	}

	n := len(units) + 1 // + null terminator
	if n > 255 {
		n = 255
		units = units[:254]
	}

	buf = append(buf, byte(n))
	for _, u := range units {
		buf = PutUint16(buf, u)
	}
	buf = PutUint16(buf, 0) // null terminator
	return buf
}

// GetString decodes a PTP string from the front of buf, returning the
// decoded string and the remaining bytes.
func GetString(buf []byte) (string, []byte, error) {
	if len(buf) < 1 {
		return "", buf, errs.NewMalformed("truncated string length")
	}

	count := int(buf[0])
	buf = buf[1:]

	if count == 0 {
		return "", buf, nil
	}

	need := count * 2
	if need > len(buf) {
		return "", buf, errs.NewMalformed("truncated string payload")
	}

	units := make([]uint16, count)
	for i := 0; i < count; i++ {
		units[i] = binary.LittleEndian.Uint16(buf[i*2:])
	}
	buf = buf[need:]

	// Drop the trailing null terminator, if present.
	if len(units) > 0 && units[len(units)-1] == 0 {
		units = units[:len(units)-1]
	}

	return utf16Decode(units), buf, nil
}

// CheckCount validates a wire-declared array count before the caller
// allocates a slice sized by it (spec §4.1).
func CheckCount(n uint32) error {
	if n > maxArrayCount {
		return errs.NewMalformed("array count too large")
	}
	return nil
}
