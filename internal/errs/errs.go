// Package errs implements the engine's error taxonomy.
//
// Spec ref: §7 Error Handling Design, §9 "Sum types for errors". Instead
// of the teacher's flat sentinel-error style (err.go), each layer gets
// its own tagged-variant type so callers can branch on Kind without
// string matching, while plain sentinels (ErrShutdown, ...) still cover
// engine-lifecycle conditions the way the teacher's err.go does.
package errs

import (
	"errors"
	"fmt"
)

// Engine-lifecycle sentinels, in the style of ipp-usb's err.go.
var (
	ErrShutdown        = errors.New("engine: shutdown requested")
	ErrNoDevice        = errors.New("engine: device not found")
	ErrSessionNotOwned = errors.New("engine: operation issued outside the owning session actor")
)

// TransportKind enumerates the C2 transport error variants (spec §7).
type TransportKind int

const (
	TransportTimeout TransportKind = iota
	TransportBusy
	TransportAccessDenied
	TransportNoDevice
	TransportPipeStall
	TransportIO
)

func (k TransportKind) String() string {
	switch k {
	case TransportTimeout:
		return "timeout"
	case TransportBusy:
		return "busy"
	case TransportAccessDenied:
		return "access-denied"
	case TransportNoDevice:
		return "no-device"
	case TransportPipeStall:
		return "pipe-stall"
	case TransportIO:
		return "io"
	default:
		return "unknown"
	}
}

// TransportError is raised by the USB transport (C2) and mapped from
// libusb/gousb-style return codes.
type TransportError struct {
	Kind    TransportKind
	Message string
}

func (e *TransportError) Error() string {
	if e.Message == "" {
		return "transport: " + e.Kind.String()
	}
	return fmt.Sprintf("transport: %s: %s", e.Kind, e.Message)
}

// Retryable reports whether the transfer engine may retry after this
// transport error without caller involvement.
func (e *TransportError) Retryable() bool {
	switch e.Kind {
	case TransportTimeout, TransportBusy, TransportPipeStall, TransportIO:
		return true
	default:
		return false
	}
}

func NewTransportError(kind TransportKind, format string, args ...interface{}) error {
	return &TransportError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IsTransport reports whether err is a *TransportError, and returns it.
func IsTransport(err error) (*TransportError, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// ProtocolCode is a raw PTP/MTP response code, per spec §6.
type ProtocolCode uint16

const (
	CodeOK                    ProtocolCode = 0x2001
	CodeSessionNotOpen        ProtocolCode = 0x2003
	CodeOperationNotSupported ProtocolCode = 0x2005
	CodeInvalidStorageID      ProtocolCode = 0x2008
	CodeInvalidObjectHandle   ProtocolCode = 0x2009
	CodeStoreNotAvailable     ProtocolCode = 0x200B
	CodeStorageFull           ProtocolCode = 0x200C
	CodeWriteProtected        ProtocolCode = 0x200D
	CodeReadOnly              ProtocolCode = 0x200E
	CodePermissionDenied      ProtocolCode = 0x200F
	CodeAccessDenied          ProtocolCode = 0x2011
	CodeDeviceBusy            ProtocolCode = 0x2019
	CodeInvalidParameterValue ProtocolCode = 0x201D
	CodeSessionAlreadyOpen    ProtocolCode = 0x201E
)

// ProtocolKind names the typed protocol error variants the core
// branches on, per spec §7.
type ProtocolKind int

const (
	ProtocolGeneric ProtocolKind = iota
	ProtocolNotSupported
	ProtocolObjectNotFound
	ProtocolStorageFull
	ProtocolObjectWriteProtected
	ProtocolReadOnly
	ProtocolPermissionDenied
	ProtocolBusy
	ProtocolSessionAlreadyOpen
	ProtocolInvalidParameter
	ProtocolInvalidStorageID
	ProtocolSessionNotOpen
)

// classify maps a raw response code to its typed Kind. Codes with no
// specific Kind become ProtocolGeneric.
func classify(code ProtocolCode) ProtocolKind {
	switch code {
	case CodeOperationNotSupported:
		return ProtocolNotSupported
	case CodeInvalidObjectHandle:
		return ProtocolObjectNotFound
	case CodeStorageFull:
		return ProtocolStorageFull
	case CodeWriteProtected:
		return ProtocolObjectWriteProtected
	case CodeReadOnly:
		return ProtocolReadOnly
	case CodePermissionDenied, CodeAccessDenied:
		return ProtocolPermissionDenied
	case CodeDeviceBusy:
		return ProtocolBusy
	case CodeSessionAlreadyOpen:
		return ProtocolSessionAlreadyOpen
	case CodeInvalidParameterValue:
		return ProtocolInvalidParameter
	case CodeInvalidStorageID:
		return ProtocolInvalidStorageID
	case CodeSessionNotOpen:
		return ProtocolSessionNotOpen
	default:
		return ProtocolGeneric
	}
}

// ProtocolError wraps a non-OK PTP response code.
type ProtocolError struct {
	Code    ProtocolCode
	Kind    ProtocolKind
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ptp: response 0x%04x", uint16(e.Code))
	}
	return fmt.Sprintf("ptp: response 0x%04x: %s", uint16(e.Code), e.Message)
}

// NewProtocolError builds a ProtocolError from a response code,
// classifying it into a typed Kind per spec §7.
func NewProtocolError(code ProtocolCode, message string) error {
	if code == CodeOK {
		return nil
	}
	return &ProtocolError{Code: code, Kind: classify(code), Message: message}
}

// AsProtocol reports whether err is a *ProtocolError.
func AsProtocol(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ProtocolKindIs is a convenience predicate used throughout the write
// recovery ladder (C6) and transfer engine (C7).
func ProtocolKindIs(err error, kind ProtocolKind) bool {
	pe, ok := AsProtocol(err)
	return ok && pe.Kind == kind
}

// CoreError covers logic-level invariant violations: preconditionFailed,
// cancelled, deadlineExceeded (spec §7 "Core").
type CoreKind int

const (
	CorePreconditionFailed CoreKind = iota
	CoreCancelled
	CoreDeadlineExceeded
)

type CoreError struct {
	Kind    CoreKind
	Message string
}

func (e *CoreError) Error() string {
	switch e.Kind {
	case CoreCancelled:
		return "cancelled"
	case CoreDeadlineExceeded:
		return "deadline exceeded"
	default:
		return "precondition failed: " + e.Message
	}
}

func PreconditionFailed(format string, args ...interface{}) error {
	return &CoreError{Kind: CorePreconditionFailed, Message: fmt.Sprintf(format, args...)}
}

func Cancelled() error { return &CoreError{Kind: CoreCancelled} }

func DeadlineExceeded() error { return &CoreError{Kind: CoreDeadlineExceeded} }

// Malformed indicates a container framing violation detected by C1.
type Malformed struct {
	Reason string
}

func (e *Malformed) Error() string { return "malformed-container: " + e.Reason }

func NewMalformed(reason string) error { return &Malformed{Reason: reason} }
