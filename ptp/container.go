package ptp

import "github.com/swiftmtp/swiftmtp/internal/errs"

// ContainerType enumerates the PTP container type field (spec §3, §6).
type ContainerType uint16

const (
	TypeCommand  ContainerType = 1
	TypeData     ContainerType = 2
	TypeResponse ContainerType = 3
	TypeEvent    ContainerType = 4
)

// HeaderSize is the fixed 12-byte container header: length, type, code, txid.
const HeaderSize = 12

// MaxCommandParams is the maximum number of u32 parameters a command or
// response container carries (spec §3).
const MaxCommandParams = 5

// MaxEventParams is the maximum number of u32 parameters an event
// container carries (spec §4.3).
const MaxEventParams = 3

// Header is a decoded 12-byte PTP container header.
type Header struct {
	Length uint32
	Type   ContainerType
	Code   uint16
	TxID   uint32
}

// EncodeHeader serializes a container header for a payload/params
// section of payloadLen bytes.
func EncodeHeader(typ ContainerType, code uint16, txid uint32, payloadLen int) []byte {
	buf := make([]byte, 0, HeaderSize)
	buf = PutUint32(buf, uint32(HeaderSize+payloadLen))
	buf = PutUint16(buf, uint16(typ))
	buf = PutUint16(buf, code)
	buf = PutUint32(buf, txid)
	return buf
}

// DecodeHeader parses the first 12 bytes of buf into a Header.
//
// Malformed containers (length < 12) are rejected per spec §4.1.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errs.NewMalformed("short header")
	}

	length, rest, err := GetUint32(buf)
	if err != nil {
		return Header{}, err
	}
	if length < HeaderSize {
		return Header{}, errs.NewMalformed("length < 12")
	}

	typ, rest, err := GetUint16(rest)
	if err != nil {
		return Header{}, err
	}

	code, rest, err := GetUint16(rest)
	if err != nil {
		return Header{}, err
	}

	txid, _, err := GetUint32(rest)
	if err != nil {
		return Header{}, err
	}

	return Header{Length: length, Type: ContainerType(typ), Code: code, TxID: txid}, nil
}

// EncodeCommand serializes a command (or response) container carrying
// up to MaxCommandParams u32 parameters.
func EncodeCommand(typ ContainerType, code uint16, txid uint32, params []uint32) ([]byte, error) {
	if len(params) > MaxCommandParams {
		return nil, errs.NewMalformed("too many params")
	}

	buf := EncodeHeader(typ, code, txid, len(params)*4)
	for _, p := range params {
		buf = PutUint32(buf, p)
	}
	return buf, nil
}

// DecodeParams parses n little-endian u32 parameters from buf.
func DecodeParams(buf []byte, n int) ([]uint32, error) {
	if n < 0 || n*4 > len(buf) {
		return nil, errs.NewMalformed("truncated params")
	}

	params := make([]uint32, n)
	for i := 0; i < n; i++ {
		v, rest, err := GetUint32(buf)
		if err != nil {
			return nil, err
		}
		params[i] = v
		buf = rest
	}
	return params, nil
}

// EncodeDataHeader serializes the header of an outbound data-phase
// container whose payload is payloadLen bytes long. The caller streams
// the payload separately via the link's producer callback (spec §4.3).
func EncodeDataHeader(code uint16, txid uint32, payloadLen int) []byte {
	return EncodeHeader(TypeData, code, txid, payloadLen)
}
