// Package model holds the session-level data model from spec §3:
// Device Info, Storage Info, Object Info, Effective Tuning, Device
// Policy and Transfer Record. These are distinct from the wire-level
// types in package ptp and the USB-descriptor types in package device;
// they are what C6 (session actor) and C7 (transfer engine) actually
// operate on.
package model

import "time"

// DeviceInfo is parsed from GetDeviceInfo once per open (spec §3).
type DeviceInfo struct {
	Manufacturer       string
	Model              string
	FirmwareVersion    string
	SerialNumber       string
	OperationsSupported []uint16
	EventsSupported     []uint16
	ObjectFormats       []uint16
}

// Supports reports whether the device advertised support for opcode in
// GetDeviceInfo's OperationsSupported.
func (di DeviceInfo) Supports(opcode uint16) bool {
	for _, op := range di.OperationsSupported {
		if op == opcode {
			return true
		}
	}
	return false
}

// StorageInfo is enumerated via GetStorageIDs + GetStorageInfo.
type StorageInfo struct {
	StorageID   uint32
	FreeBytes   uint64
	MaxCapacity uint64
	Description string
	ReadOnly    bool
}

// ObjectInfo is a single object on the device (spec §3). Parent of 0 or
// 0xFFFFFFFF (or absent) means root; callers must keep the two
// positions (command-phase parent vs. dataset parent) independently
// overridable, per invariant 6.
type ObjectInfo struct {
	Handle       uint32
	StorageID    uint32
	Parent       uint32
	HasParent    bool
	Name         string
	Size         uint64
	HasSize      bool
	Modified     time.Time
	HasModified  bool
	Format       uint16
}

// IsRootParent reports whether a parent value designates the storage
// root, per invariant 6 (0 or 0xFFFFFFFF both mean root at the
// ObjectInfo-dataset position; the two positions are never conflated
// by callers of this helper).
func IsRootParent(parent uint32) bool {
	return parent == 0 || parent == 0xFFFFFFFF
}

// Phase names a point in the session lifecycle where hooks may run
// (spec §3 Effective Tuning).
type Phase string

const (
	PhasePostOpenUSB         Phase = "postOpenUSB"
	PhasePostClaimInterface  Phase = "postClaimInterface"
	PhasePostOpenSession     Phase = "postOpenSession"
	PhaseBeforeGetDeviceInfo Phase = "beforeGetDeviceInfo"
	PhaseBeforeGetStorageIDs Phase = "beforeGetStorageIDs"
	PhaseBeforeGetObjectHandles Phase = "beforeGetObjectHandles"
	PhaseBeforeTransfer      Phase = "beforeTransfer"
	PhaseAfterTransfer       Phase = "afterTransfer"
	PhaseOnDeviceBusy        Phase = "onDeviceBusy"
	PhaseOnDetach            Phase = "onDetach"
)

// BusyBackoff describes a bounded retry-with-jitter schedule.
type BusyBackoff struct {
	Retries  int
	BaseMs   int
	JitterPct int
}

// HookAction is either a fixed delay or a busy-backoff descriptor,
// executed at a named Phase (spec §9 "Phase hooks").
type HookAction struct {
	Delay time.Duration
	Busy  *BusyBackoff
}

// EffectiveTuning is the fully merged numeric/feature-flag/hook state
// for a session (spec §3, §4.4).
type EffectiveTuning struct {
	MaxChunkBytes        int
	IOTimeoutMs          int
	HandshakeTimeoutMs   int
	InactivityTimeoutMs  int
	OverallDeadlineMs    int
	StabilizeMs          int
	PostClaimStabilizeMs int

	SupportsGetObjectPropList     bool
	SupportsGetPartialObject      bool
	SupportsGetPartialObject64    bool
	SupportsSendPartialObject     bool
	SupportsSendObjectPropList    bool
	WriteToSubfolderOnly          bool
	PreferredWriteFolder          string
	ForceFFFFFFFForSendObject     bool
	EmptyDatesInSendObject        bool
	UnknownSizeInSendObjectInfo   bool
	SkipGetObjectPropValue        bool
	ResetReopenOnOpenSessionIOError bool
	ExpectedStaleWriteTarget      bool

	Hooks map[Phase][]HookAction
}

// EnumerationStrategy selects how list() walks a storage.
type EnumerationStrategy string

const (
	EnumerationPropList        EnumerationStrategy = "propList"
	EnumerationHandlesThenInfo EnumerationStrategy = "handlesThenInfo"
)

// ReadStrategy selects how read() fetches object bytes.
type ReadStrategy string

const (
	ReadPartial64 ReadStrategy = "partial64"
	ReadPartial32 ReadStrategy = "partial32"
	ReadWhole     ReadStrategy = "whole"
)

// WriteStrategy selects how write() sends object bytes.
type WriteStrategy string

const (
	WritePartial WriteStrategy = "partial"
	WriteWhole   WriteStrategy = "whole"
)

// DevicePolicy is the effective tuning plus fallback-strategy
// selections (spec §3).
type DevicePolicy struct {
	Tuning      EffectiveTuning
	Enumeration EnumerationStrategy
	Read        ReadStrategy
	Write       WriteStrategy
}

// TransferKind distinguishes read vs write journal records.
type TransferKind string

const (
	TransferRead  TransferKind = "read"
	TransferWrite TransferKind = "write"
)

// TransferState is the lifecycle state of a Transfer Record (spec §3).
type TransferState string

const (
	TransferPending   TransferState = "pending"
	TransferRunning   TransferState = "running"
	TransferSucceeded TransferState = "succeeded"
	TransferFailed    TransferState = "failed"
	TransferCancelled TransferState = "cancelled"
)

// ETag is the (size, mtime) pair used to detect whether a resumable
// transfer's source object changed since the last attempt.
type ETag struct {
	Size  uint64
	Mtime time.Time
}

// Equal compares two ETags by value, using time.Time.Equal rather than
// == so that monotonic-clock readings and differing Locations don't
// produce spurious mismatches (spec §4.7: "if the etag differs,
// discard the temp file and start over").
func (e ETag) Equal(o ETag) bool {
	return e.Size == o.Size && e.Mtime.Equal(o.Mtime)
}

// TransferRecord is the durable journal row for one in-flight transfer
// (spec §3).
type TransferRecord struct {
	ID              string
	DeviceID        string
	Kind            TransferKind
	Handle          uint32
	HasHandle       bool
	RemoteHandle    uint32
	HasRemoteHandle bool
	Name            string
	TotalBytes      uint64
	HasTotalBytes   bool
	CommittedBytes  uint64
	TempURL         string
	FinalURL        string
	SourceURL       string
	SupportsPartial bool
	ETag            ETag
	State           TransferState
	LastError       string

	ThroughputBps    uint64 // bytes/sec, recorded on completion (spec §4.7 telemetry)
	HasThroughput    bool
}
