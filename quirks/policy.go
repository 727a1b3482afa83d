package quirks

import (
	"time"

	"github.com/swiftmtp/swiftmtp/model"
)

func msToDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// Defaults returns the baseline tuning (spec §4.4 merge order step 1).
func Defaults() model.EffectiveTuning {
	return model.EffectiveTuning{
		MaxChunkBytes:        2 * 1024 * 1024,
		IOTimeoutMs:          10_000,
		HandshakeTimeoutMs:   6_000,
		InactivityTimeoutMs:  8_000,
		OverallDeadlineMs:    60_000,
		StabilizeMs:          0,
		PostClaimStabilizeMs: 0,
		Hooks:                map[model.Phase][]model.HookAction{},
	}
}

// Capabilities is the result of probing a device's GetDeviceInfo
// (spec §4.6 step 8): which optional opcodes/events the device
// actually supports, applied as merge-order step 2.
type Capabilities struct {
	SupportsGetObjectPropList  bool
	SupportsGetPartialObject   bool
	SupportsGetPartialObject64 bool
	SupportsSendPartialObject  bool
	SupportsSendObjectPropList bool
	SupportsEvents             bool
}

// Learned is the subset of a learned profile (C5) relevant to tuning
// merge-order step 3.
type Learned struct {
	Present             bool
	MaxChunkBytes       int
	IOTimeoutMs         int
	HandshakeTimeoutMs  int
	InactivityTimeoutMs int
	OverallDeadlineMs   int
}

// Overrides is the user-supplied final layer (spec §4.4 merge-order
// step 5, from configuration/environment — see internal/config).
type Overrides struct {
	MaxChunkBytes        *int
	IOTimeoutMs          *int
	HandshakeTimeoutMs   *int
	InactivityTimeoutMs  *int
	OverallDeadlineMs    *int
	StabilizeMs          *int
	PreferredWriteFolder *string
}

// Merge builds the effective tuning policy from defaults, capability
// probe, learned profile, matched quirk and user overrides, in that
// order (spec §4.4, P7: deterministic, later layers win per field).
func Merge(defaults model.EffectiveTuning, caps Capabilities, learned Learned, quirk *Entry, overrides Overrides) model.EffectiveTuning {
	eff := defaults

	eff.SupportsGetObjectPropList = caps.SupportsGetObjectPropList
	eff.SupportsGetPartialObject = caps.SupportsGetPartialObject
	eff.SupportsGetPartialObject64 = caps.SupportsGetPartialObject64
	eff.SupportsSendPartialObject = caps.SupportsSendPartialObject
	eff.SupportsSendObjectPropList = caps.SupportsSendObjectPropList

	if learned.Present {
		eff.MaxChunkBytes = learned.MaxChunkBytes
		eff.IOTimeoutMs = learned.IOTimeoutMs
		eff.HandshakeTimeoutMs = learned.HandshakeTimeoutMs
		eff.InactivityTimeoutMs = learned.InactivityTimeoutMs
		eff.OverallDeadlineMs = learned.OverallDeadlineMs
	}

	if quirk != nil {
		applyQuirk(&eff, quirk)
	}

	if overrides.MaxChunkBytes != nil {
		eff.MaxChunkBytes = *overrides.MaxChunkBytes
	}
	if overrides.IOTimeoutMs != nil {
		eff.IOTimeoutMs = *overrides.IOTimeoutMs
	}
	if overrides.HandshakeTimeoutMs != nil {
		eff.HandshakeTimeoutMs = *overrides.HandshakeTimeoutMs
	}
	if overrides.InactivityTimeoutMs != nil {
		eff.InactivityTimeoutMs = *overrides.InactivityTimeoutMs
	}
	if overrides.OverallDeadlineMs != nil {
		eff.OverallDeadlineMs = *overrides.OverallDeadlineMs
	}
	if overrides.StabilizeMs != nil {
		eff.StabilizeMs = *overrides.StabilizeMs
	}
	if overrides.PreferredWriteFolder != nil {
		eff.PreferredWriteFolder = *overrides.PreferredWriteFolder
	}

	return eff
}

func applyQuirk(eff *model.EffectiveTuning, q *Entry) {
	if q.TuningSet["maxChunkBytes"] {
		eff.MaxChunkBytes = q.Tuning.MaxChunkBytes
	}
	if q.TuningSet["ioTimeoutMs"] {
		eff.IOTimeoutMs = q.Tuning.IOTimeoutMs
	}
	if q.TuningSet["handshakeTimeoutMs"] {
		eff.HandshakeTimeoutMs = q.Tuning.HandshakeTimeoutMs
	}
	if q.TuningSet["inactivityTimeoutMs"] {
		eff.InactivityTimeoutMs = q.Tuning.InactivityTimeoutMs
	}
	if q.TuningSet["overallDeadlineMs"] {
		eff.OverallDeadlineMs = q.Tuning.OverallDeadlineMs
	}
	if q.TuningSet["stabilizeMs"] {
		eff.StabilizeMs = q.Tuning.StabilizeMs
	}

	for name, v := range q.Ops {
		switch name {
		case "supportsGetObjectPropList":
			eff.SupportsGetObjectPropList = v
		case "supportsGetPartialObject":
			eff.SupportsGetPartialObject = v
		case "supportsGetPartialObject64":
			eff.SupportsGetPartialObject64 = v
		case "supportsSendPartialObject":
			eff.SupportsSendPartialObject = v
		case "supportsSendObjectPropList":
			eff.SupportsSendObjectPropList = v
		case "writeToSubfolderOnly":
			eff.WriteToSubfolderOnly = v
		case "forceFFFFFFFForSendObject":
			eff.ForceFFFFFFFForSendObject = v
		case "emptyDatesInSendObject":
			eff.EmptyDatesInSendObject = v
		case "unknownSizeInSendObjectInfo":
			eff.UnknownSizeInSendObjectInfo = v
		case "skipGetObjectPropValue":
			eff.SkipGetObjectPropValue = v
		case "resetReopenOnOpenSessionIOError":
			eff.ResetReopenOnOpenSessionIOError = v
		case "expectedStaleWriteTarget":
			eff.ExpectedStaleWriteTarget = v
		}
	}

	if q.PreferredWriteFolder != "" {
		eff.PreferredWriteFolder = q.PreferredWriteFolder
	}

	for phase, actions := range q.Hooks {
		eff.Hooks[phase] = append(eff.Hooks[phase], actions...)
	}
}

// BuildPolicy selects fallback strategies from the merged effective
// tuning (spec §4.4's enumeration/read/write selection, consumed by
// C6).
func BuildPolicy(eff model.EffectiveTuning) model.DevicePolicy {
	p := model.DevicePolicy{Tuning: eff}

	if eff.SupportsGetObjectPropList {
		p.Enumeration = model.EnumerationPropList
	} else {
		p.Enumeration = model.EnumerationHandlesThenInfo
	}

	switch {
	case eff.SupportsGetPartialObject64:
		p.Read = model.ReadPartial64
	case eff.SupportsGetPartialObject:
		p.Read = model.ReadPartial32
	default:
		p.Read = model.ReadWhole
	}

	if eff.SupportsSendPartialObject {
		p.Write = model.WritePartial
	} else {
		p.Write = model.WriteWhole
	}

	return p
}
