// Package usbtransport implements C2: opening and claiming the USB
// interface, submitting bulk-in/bulk-out/interrupt transfers with
// per-call timeouts, endpoint/device reset and kernel-driver detach
// (spec §4.2).
//
// Grounded on ipp-usb's usbtransport.go/libusb.go/usbio_libusb.go, but
// built on google/gousb's libusb binding instead of the teacher's
// hand-rolled cgo bindings — gousb is already the teacher's own
// dependency (go.mod) and is used there only for the gousb.ID type;
// here it becomes the actual transport. gousb itself links libusb
// through cgo, so this package needs cgo to build, but the module
// carries no cgo glue of its own.
package usbtransport

import (
	"context"
	"time"

	"github.com/swiftmtp/swiftmtp/device"
)

// Transport is the polymorphic capability set spec §9 calls for:
// {bulkIn, bulkOut, interruptIn, claim, reset, close}. The native-USB
// implementation is GousbTransport; MockTransport is the in-memory
// variant used by every test that exercises C3 and above.
type Transport interface {
	// Descriptor returns the cached Device Summary this transport was
	// opened against.
	Descriptor() device.Summary

	// BulkIn reads from the bulk-in endpoint into buf, blocking up to
	// timeout. It returns the number of bytes read.
	BulkIn(ctx context.Context, buf []byte, timeout time.Duration) (int, error)

	// BulkOut writes buf to the bulk-out endpoint, blocking up to timeout.
	BulkOut(ctx context.Context, buf []byte, timeout time.Duration) (int, error)

	// InterruptIn reads from the interrupt endpoint, if present.
	InterruptIn(ctx context.Context, buf []byte, timeout time.Duration) (int, error)

	// ResetDevice issues a USB port/device reset.
	ResetDevice() error

	// ResetEndpoints clears a halt condition on the bulk endpoints.
	ResetEndpoints() error

	// Close releases the claimed interface and closes the device
	// handle. Safe to call more than once.
	Close() error
}
