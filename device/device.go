// Package device holds the shared Device Summary / Device Fingerprint
// data model (spec §3), consumed by the USB transport (C2), the quirk
// database (C4), the learned profile store (C5) and the session actor
// (C6). Grounded on ipp-usb's usbcommon.go (UsbAddr/UsbDeviceDesc/
// UsbDeviceInfo, Ident()/MakeAndModel()/Comment()), centralizing the
// fields the way that file centralizes them for its own callers.
package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Fingerprint is the stable key used for learned-profile and quirk
// lookup: (VID, PID, interface class/sub/proto, endpoints). It must
// stay stable across reconnects of the same physical device (spec §3).
type Fingerprint struct {
	VID           uint16
	PID           uint16
	BcdDevice     uint16 // device release number, bcd-encoded per USB descriptor
	IfaceClass    uint8
	IfaceSubClass uint8
	IfaceProtocol uint8
	BulkIn        uint8
	BulkOut       uint8
	Interrupt     uint8 // 0 if no interrupt endpoint
}

// Key returns a stable string form of the fingerprint, used as a map
// key and as the persistence key for the learned profile store (C5).
func (f Fingerprint) Key() string {
	return fmt.Sprintf("%4.4x-%4.4x-%4.4x-%2.2x-%2.2x-%2.2x-%2.2x-%2.2x-%2.2x",
		f.VID, f.PID, f.BcdDevice, f.IfaceClass, f.IfaceSubClass, f.IfaceProtocol,
		f.BulkIn, f.BulkOut, f.Interrupt)
}

// Summary is the Device Summary (spec §3): produced by enumeration,
// immutable for the life of a session.
type Summary struct {
	Fingerprint

	Bus          int
	Address      int
	Manufacturer string
	Model        string
	Serial       string

	HasInterrupt bool
}

// String is a human-readable device locator, in the teacher's
// "Bus NNN Device NNN" style (usbcommon.go's UsbAddr.String()).
func (s Summary) String() string {
	return fmt.Sprintf("Bus %.3d Device %.3d (%4.4x:%4.4x)",
		s.Bus, s.Address, s.VID, s.PID)
}

// MakeAndModel returns a single "Manufacturer Model" string, the way
// UsbDeviceInfo.MakeAndModel() does, avoiding a duplicated prefix.
func (s Summary) MakeAndModel() string {
	mfg := strings.TrimSpace(s.Manufacturer)
	model := strings.TrimSpace(s.Model)

	if mfg != "" && !strings.HasPrefix(model, mfg) {
		return mfg + " " + model
	}
	return model
}

// Ident returns a persistent, filesystem-safe identification string
// for the device, used to key learned profiles, transfer journal rows
// and per-device log files (usbcommon.go's Ident()).
func (s Summary) Ident() string {
	id := fmt.Sprintf("%4.4x-%4.4x", s.VID, s.PID)
	if s.Serial != "" {
		id += "-" + s.Serial
	}
	if mm := s.MakeAndModel(); mm != "" {
		id += "-" + mm
	}

	return strings.Map(func(c rune) rune {
		switch {
		case '0' <= c && c <= '9', 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', c == '-' || c == '_':
			return c
		default:
			return '-'
		}
	}, id)
}

// namespaceUUID is an arbitrary namespace used to derive a stable v5
// UUID per device when no device-reported UUID exists. Generated once;
// any fixed namespace works as long as it is stable across runs.
var namespaceUUID = uuid.MustParse("fe678de6-f422-467e-9f83-2354e26c3b41")

// UUID derives a stable UUID for the device from its Ident(), using
// google/uuid's name-based (v5) generator rather than the teacher's
// hand-rolled SHA1 bit-twiddling (usbcommon.go's UUID()) — the
// identical algorithm, delegated to a maintained implementation.
func (s Summary) UUID() string {
	return uuid.NewSHA1(namespaceUUID, []byte(s.Ident())).String()
}
