// Package profile implements C5: the learned profile store. Per
// fingerprint, it persists EMA-smoothed chunk size/timeout observations
// with a 90-day TTL (spec §4.5).
//
// Grounded on ipp-usb's devstate.go load/mutate/save-atomically
// discipline, keyed here by device.Fingerprint.Key() instead of
// UsbAddr.Ident(). Uses afero.Fs (see SPEC_FULL.md DOMAIN STACK) so
// tests run against afero.NewMemMapFs() without touching disk, and
// jsoniter (grounded the same way as package quirks) for the document
// codec.
package profile

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"

	"github.com/swiftmtp/swiftmtp/device"
	"github.com/swiftmtp/swiftmtp/quirks"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TTL is how long a profile remains usable after its last observation
// before it is treated as absent (spec §4.5).
const TTL = 90 * 24 * time.Hour

// alpha is the EMA smoothing factor applied to each numeric field on
// every observation (spec §4.5).
const alpha = 0.2

// Safe bounds every smoothed field is clamped to (spec §4.5).
const (
	minChunkBytes = 64 * 1024
	maxChunkBytes = 16 * 1024 * 1024
	minTimeoutMs  = 1_000
	maxTimeoutMs  = 10 * 60 * 1000
)

// Record is the persisted per-fingerprint document (spec §3, §6).
type Record struct {
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
	Samples   int       `json:"samples"`

	MaxChunkBytes       int `json:"maxChunkBytes"`
	IOTimeoutMs         int `json:"ioTimeoutMs"`
	HandshakeTimeoutMs  int `json:"handshakeTimeoutMs"`
	InactivityTimeoutMs int `json:"inactivityTimeoutMs"`
	OverallDeadlineMs   int `json:"overallDeadlineMs"`
}

// ToLearned converts a Record into the quirks policy builder's Learned
// merge-order layer (spec §4.4 step 3).
func (r Record) ToLearned() quirks.Learned {
	return quirks.Learned{
		Present:             true,
		MaxChunkBytes:       r.MaxChunkBytes,
		IOTimeoutMs:         r.IOTimeoutMs,
		HandshakeTimeoutMs:  r.HandshakeTimeoutMs,
		InactivityTimeoutMs: r.InactivityTimeoutMs,
		OverallDeadlineMs:   r.OverallDeadlineMs,
	}
}

// Observation is one successful session's resolved tuning, folded into
// the stored Record via EMA.
type Observation struct {
	MaxChunkBytes       int
	IOTimeoutMs         int
	HandshakeTimeoutMs  int
	InactivityTimeoutMs int
	OverallDeadlineMs   int
}

// Store persists Records under dir, one JSON document per fingerprint.
type Store struct {
	fs  afero.Fs
	dir string
	mu  sync.Mutex

	now func() time.Time // overridable for tests
}

// NewStore constructs a Store writing documents under dir on fsys.
func NewStore(fsys afero.Fs, dir string) *Store {
	return &Store{fs: fsys, dir: dir, now: time.Now}
}

func (s *Store) path(fp device.Fingerprint) string {
	return filepath.Join(s.dir, fp.Key()+".json")
}

// Load returns the persisted Record for fp. Entries whose LastSeen is
// older than TTL are treated as absent (spec §4.5).
func (s *Store) Load(fp device.Fingerprint) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(fp)
}

func (s *Store) loadLocked(fp device.Fingerprint) (Record, bool) {
	raw, err := afero.ReadFile(s.fs, s.path(fp))
	if err != nil {
		return Record{}, false
	}

	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return Record{}, false
	}
	if s.now().Sub(r.LastSeen) > TTL {
		return Record{}, false
	}
	return r, true
}

// Observe folds obs into the persisted Record for fp via EMA (alpha
// 0.2), clamps every field to its safe bounds, increments the sample
// count and writes the document atomically (spec §4.5). Re-smoothed
// after every successful session open (spec §3 "Lifecycles").
func (s *Store) Observe(fp device.Fingerprint, obs Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	prev, ok := s.loadLocked(fp)

	r := Record{FirstSeen: now, LastSeen: now, Samples: 1}
	if ok {
		r.FirstSeen = prev.FirstSeen
		r.Samples = prev.Samples + 1
		r.MaxChunkBytes = ema(prev.MaxChunkBytes, obs.MaxChunkBytes)
		r.IOTimeoutMs = ema(prev.IOTimeoutMs, obs.IOTimeoutMs)
		r.HandshakeTimeoutMs = ema(prev.HandshakeTimeoutMs, obs.HandshakeTimeoutMs)
		r.InactivityTimeoutMs = ema(prev.InactivityTimeoutMs, obs.InactivityTimeoutMs)
		r.OverallDeadlineMs = ema(prev.OverallDeadlineMs, obs.OverallDeadlineMs)
	} else {
		r.MaxChunkBytes = obs.MaxChunkBytes
		r.IOTimeoutMs = obs.IOTimeoutMs
		r.HandshakeTimeoutMs = obs.HandshakeTimeoutMs
		r.InactivityTimeoutMs = obs.InactivityTimeoutMs
		r.OverallDeadlineMs = obs.OverallDeadlineMs
	}

	r.MaxChunkBytes = clamp(r.MaxChunkBytes, minChunkBytes, maxChunkBytes)
	r.IOTimeoutMs = clamp(r.IOTimeoutMs, minTimeoutMs, maxTimeoutMs)
	r.HandshakeTimeoutMs = clamp(r.HandshakeTimeoutMs, minTimeoutMs, maxTimeoutMs)
	r.InactivityTimeoutMs = clamp(r.InactivityTimeoutMs, minTimeoutMs, maxTimeoutMs)
	r.OverallDeadlineMs = clamp(r.OverallDeadlineMs, minTimeoutMs, maxTimeoutMs)

	return s.saveLocked(fp, r)
}

func (s *Store) saveLocked(fp device.Fingerprint, r Record) error {
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}

	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("profile: %w", err)
	}

	final := s.path(fp)
	tmp := final + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, raw, 0o644); err != nil {
		return fmt.Errorf("profile: %w", err)
	}
	if err := s.fs.Rename(tmp, final); err != nil {
		return fmt.Errorf("profile: %w", err)
	}
	return nil
}

func ema(prev, sample int) int {
	return int(alpha*float64(sample) + (1-alpha)*float64(prev))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
