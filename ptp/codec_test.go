package ptp

import "testing"

// TestStringRoundTrip covers P2: decode(encode(s)) == s for short
// strings, and the empty string encodes as exactly one zero byte.
func TestStringRoundTrip(t *testing.T) {
	cases := []string{
		"",
		"hello.bin",
		"Pixel 7",
		"日本語",
		"a very ordinary ascii name.jpg",
	}

	for _, s := range cases {
		buf := PutString(nil, s)
		if s == "" && len(buf) != 1 {
			t.Fatalf("empty string must encode to 1 byte, got %d", len(buf))
		}

		got, rest, err := GetString(buf)
		if err != nil {
			t.Fatalf("decode(%q): %v", s, err)
		}
		if got != s {
			t.Fatalf("round trip mismatch: got %q want %q", got, s)
		}
		if len(rest) != 0 {
			t.Fatalf("leftover bytes after decode: %d", len(rest))
		}
	}
}

// TestContainerRoundTrip covers P1: for every command with 0..5
// params, encode then decode yields the same header and the declared
// length equals 12 + 4*len(params).
func TestContainerRoundTrip(t *testing.T) {
	for n := 0; n <= MaxCommandParams; n++ {
		params := make([]uint32, n)
		for i := range params {
			params[i] = uint32(i*17 + 1)
		}

		buf, err := EncodeCommand(TypeCommand, 0x1009, 42, params)
		if err != nil {
			t.Fatalf("n=%d: encode: %v", n, err)
		}

		hdr, err := DecodeHeader(buf)
		if err != nil {
			t.Fatalf("n=%d: decode header: %v", n, err)
		}

		wantLen := uint32(HeaderSize + 4*n)
		if hdr.Length != wantLen {
			t.Fatalf("n=%d: length = %d, want %d", n, hdr.Length, wantLen)
		}
		if hdr.Type != TypeCommand || hdr.Code != 0x1009 || hdr.TxID != 42 {
			t.Fatalf("n=%d: header mismatch: %+v", n, hdr)
		}

		gotParams, err := DecodeParams(buf[HeaderSize:], n)
		if err != nil {
			t.Fatalf("n=%d: decode params: %v", n, err)
		}
		for i := range params {
			if gotParams[i] != params[i] {
				t.Fatalf("n=%d: param[%d] = %d, want %d", n, i, gotParams[i], params[i])
			}
		}
	}
}

func TestDecodeHeaderRejectsShortLength(t *testing.T) {
	buf := EncodeHeader(TypeCommand, 0x1001, 1, 0)
	buf[0], buf[1], buf[2], buf[3] = 4, 0, 0, 0 // corrupt length to below 12

	if _, err := DecodeHeader(buf); err == nil {
		t.Fatal("expected malformed-container error for length < 12")
	}
}

// TestObjectInfoRoundTrip covers P3: a fully populated ObjectInfo's
// encoded length is 52 + the four string lengths, and decode recovers
// the same semantic fields.
func TestObjectInfoRoundTrip(t *testing.T) {
	info := ObjectInfoDataset{
		StorageID:            0x00010001,
		ObjectFormat:         0x3000,
		ObjectCompressedSize: 12,
		ParentObject:         0xFFFFFFFF,
		AssociationType:      0,
		AssociationDesc:      0,
		Filename:             "hello.bin",
		CaptureDate:          "20240101T000000",
		ModificationDate:     "",
		Keywords:             "",
	}

	buf := Encode(info)

	// A non-empty PTP string costs 1 count byte plus 2 bytes per UCS-2
	// unit including the null terminator; an empty one costs 1 byte.
	wantLen := FixedSize +
		(1 + 2*(len(info.Filename)+1)) +
		(1 + 2*(len(info.CaptureDate)+1)) +
		1 + // empty ModificationDate
		1 // empty Keywords
	if len(buf) != wantLen {
		t.Fatalf("encoded length = %d, want %d", len(buf), wantLen)
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.StorageID != info.StorageID || got.ObjectFormat != info.ObjectFormat ||
		got.ObjectCompressedSize != info.ObjectCompressedSize ||
		got.ParentObject != info.ParentObject ||
		got.Filename != info.Filename || got.CaptureDate != info.CaptureDate ||
		got.ModificationDate != info.ModificationDate || got.Keywords != info.Keywords {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, info)
	}
}

func TestPropListRoundTrip(t *testing.T) {
	elems := []PropElement{
		{PropCode: PropStorageID, DataType: DataTypeUint32, Value: 0x00010001},
		{PropCode: PropObjectFileName, DataType: DataTypeString, Str: "hello.bin"},
		{PropCode: PropObjectSize, DataType: DataTypeUint64, Value: 12},
	}

	encoded := EncodePropList(elems)

	// Reading back requires a leading handle field per wire element
	// (GetObjectPropList shape); SendObjectPropList writes handle=0,
	// which DecodePropList also understands.
	decoded, err := DecodePropList(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(decoded) != len(elems) {
		t.Fatalf("got %d elements, want %d", len(decoded), len(elems))
	}

	for i, e := range elems {
		if decoded[i].PropCode != e.PropCode || decoded[i].DataType != e.DataType {
			t.Fatalf("element %d: got %+v want %+v", i, decoded[i], e)
		}
		if e.DataType == DataTypeString {
			if decoded[i].Str != e.Str {
				t.Fatalf("element %d: str %q != %q", i, decoded[i].Str, e.Str)
			}
		} else if decoded[i].Value != e.Value {
			t.Fatalf("element %d: value %d != %d", i, decoded[i].Value, e.Value)
		}
	}
}
