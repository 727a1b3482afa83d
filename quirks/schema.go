package quirks

import (
	"fmt"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// hexUint decodes a quirk-file integer field that may be given as a
// hex string ("0x1d6b"), a decimal string ("7531") or a JSON number,
// per spec §6 ("hex fields accept 0x… or decimal strings").
type hexUint uint64

func (h *hexUint) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*h = 0
		return nil
	}

	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 32)
		if err != nil {
			return fmt.Errorf("quirks: invalid hex field %q: %w", s, err)
		}
		*h = hexUint(v)
		return nil
	}

	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return fmt.Errorf("quirks: invalid integer field %q: %w", s, err)
	}
	*h = hexUint(v)
	return nil
}

// docMatch is the wire shape of one entry's match descriptor.
type docMatch struct {
	VID       hexUint   `json:"vid"`
	PID       hexUint   `json:"pid"`
	BcdDevice *hexUint  `json:"bcdDevice,omitempty"`
	Iface     *docIface `json:"iface,omitempty"`
}

type docIface struct {
	Class    *hexUint `json:"class,omitempty"`
	SubClass *hexUint `json:"subclass,omitempty"`
	Protocol *hexUint `json:"protocol,omitempty"`
}

type docTuning struct {
	MaxChunkBytes       *int `json:"maxChunkBytes,omitempty"`
	IOTimeoutMs         *int `json:"ioTimeoutMs,omitempty"`
	HandshakeTimeoutMs  *int `json:"handshakeTimeoutMs,omitempty"`
	InactivityTimeoutMs *int `json:"inactivityTimeoutMs,omitempty"`
	OverallDeadlineMs   *int `json:"overallDeadlineMs,omitempty"`
	StabilizeMs         *int `json:"stabilizeMs,omitempty"`
}

type docBusyBackoff struct {
	Retries   int `json:"retries"`
	BaseMs    int `json:"baseMs"`
	JitterPct int `json:"jitterPct"`
}

type docHook struct {
	Phase       string          `json:"phase"`
	DelayMs     *int            `json:"delayMs,omitempty"`
	BusyBackoff *docBusyBackoff `json:"busyBackoff,omitempty"`
}

type docEntry struct {
	ID                   string            `json:"id"`
	Match                docMatch          `json:"match"`
	Tuning               *docTuning        `json:"tuning,omitempty"`
	Ops                  map[string]bool   `json:"ops,omitempty"`
	PreferredWriteFolder string            `json:"preferredWriteFolder,omitempty"`
	Hooks                []docHook         `json:"hooks,omitempty"`
	Status               string            `json:"status,omitempty"`
	Confidence           float64           `json:"confidence,omitempty"`
}

type docFile struct {
	SchemaVersion int        `json:"schemaVersion"`
	Entries       []docEntry `json:"entries"`
}

// json is the jsoniter codec used throughout this package, configured
// to behave like encoding/json (grounded on aistore's ais/prxs3.go use
// of json-iterator as a drop-in encoding/json replacement).
var json = jsoniter.ConfigCompatibleWithStandardLibrary
