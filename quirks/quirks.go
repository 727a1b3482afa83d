// Package quirks implements C4: the quirk database and policy builder.
// Quirk entries are externally supplied JSON documents (spec §6);
// matching scores VID/PID as mandatory and bcdDevice/interface triplet
// as optional, the highest-scoring entry winning with ties broken by
// document order (spec §4.4, P8).
//
// Grounded on ipp-usb's quirks.go (Quirk/Quirks/QuirksDb,
// prioritizeAndSave-by-specificity) and hwid.go (HWIDPattern.Match
// weighted scoring), generalized from the teacher's VID/PID-only HWID
// match to the full (VID,PID,bcdDevice,iface-triplet) tuple spec §4.4
// requires, and from the teacher's INI quirk files to the JSON schema
// spec §6 specifies.
package quirks

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/swiftmtp/swiftmtp/device"
	"github.com/swiftmtp/swiftmtp/model"
)

// Match is one entry's device-matching descriptor. A nil optional
// field means "don't care"; VID and PID are always mandatory.
type Match struct {
	VID           uint16
	PID           uint16
	BcdDevice     *uint16
	IfaceClass    *uint8
	IfaceSubClass *uint8
	IfaceProtocol *uint8
}

// Entry is a single quirk document (spec §6 schema, one entry).
type Entry struct {
	ID                   string
	Match                Match
	Tuning               model.EffectiveTuning // only the fields present in the source document are meaningful; see TuningSet
	TuningSet            map[string]bool       // which Tuning fields were actually specified
	Ops                  map[string]bool
	PreferredWriteFolder string
	Hooks                map[model.Phase][]model.HookAction
	Status               string
	Confidence           float64

	order int // document load order, for tie-breaking (spec §4.4 "ties broken by document order")
}

// DB is the immutable, loaded quirk database (spec §5: "immutable
// after load, a shared read").
type DB struct {
	entries []Entry
}

// Load reads every *.json quirk file under each of paths, in document
// order, using fs for testability (afero.NewMemMapFs() in tests;
// afero.NewOsFs() in production — see SPEC_FULL.md DOMAIN STACK).
func Load(fsys afero.Fs, paths ...string) (*DB, error) {
	db := &DB{}

	for _, path := range paths {
		if err := db.readDir(fsys, path); err != nil {
			return nil, err
		}
	}

	return db, nil
}

func (db *DB) readDir(fsys afero.Fs, path string) error {
	entries, err := afero.ReadDir(fsys, path)
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if err := db.readFile(fsys, filepath.Join(path, e.Name())); err != nil {
			return fmt.Errorf("quirks: %s: %w", e.Name(), err)
		}
	}

	return nil
}

func isNotExist(err error) bool {
	return os.IsNotExist(err)
}

func (db *DB) readFile(fsys afero.Fs, path string) error {
	raw, err := afero.ReadFile(fsys, path)
	if err != nil {
		return err
	}

	var doc docFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("invalid quirk document: %w", err)
	}

	for _, de := range doc.Entries {
		entry, err := convertEntry(de, len(db.entries))
		if err != nil {
			return fmt.Errorf("entry %q: %w", de.ID, err)
		}
		db.entries = append(db.entries, entry)
	}

	return nil
}

func convertEntry(de docEntry, order int) (Entry, error) {
	e := Entry{
		ID: de.ID,
		Match: Match{
			VID: uint16(de.Match.VID),
			PID: uint16(de.Match.PID),
		},
		Ops:                  de.Ops,
		PreferredWriteFolder: de.PreferredWriteFolder,
		Status:               de.Status,
		Confidence:           de.Confidence,
		TuningSet:            map[string]bool{},
		Hooks:                map[model.Phase][]model.HookAction{},
		order:                order,
	}

	if de.Match.BcdDevice != nil {
		v := uint16(*de.Match.BcdDevice)
		e.Match.BcdDevice = &v
	}
	if de.Match.Iface != nil {
		if de.Match.Iface.Class != nil {
			v := uint8(*de.Match.Iface.Class)
			e.Match.IfaceClass = &v
		}
		if de.Match.Iface.SubClass != nil {
			v := uint8(*de.Match.Iface.SubClass)
			e.Match.IfaceSubClass = &v
		}
		if de.Match.Iface.Protocol != nil {
			v := uint8(*de.Match.Iface.Protocol)
			e.Match.IfaceProtocol = &v
		}
	}

	if de.Tuning != nil {
		setIfPresent(de.Tuning.MaxChunkBytes, &e.Tuning.MaxChunkBytes, e.TuningSet, "maxChunkBytes")
		setIfPresent(de.Tuning.IOTimeoutMs, &e.Tuning.IOTimeoutMs, e.TuningSet, "ioTimeoutMs")
		setIfPresent(de.Tuning.HandshakeTimeoutMs, &e.Tuning.HandshakeTimeoutMs, e.TuningSet, "handshakeTimeoutMs")
		setIfPresent(de.Tuning.InactivityTimeoutMs, &e.Tuning.InactivityTimeoutMs, e.TuningSet, "inactivityTimeoutMs")
		setIfPresent(de.Tuning.OverallDeadlineMs, &e.Tuning.OverallDeadlineMs, e.TuningSet, "overallDeadlineMs")
		setIfPresent(de.Tuning.StabilizeMs, &e.Tuning.StabilizeMs, e.TuningSet, "stabilizeMs")
	}

	for _, h := range de.Hooks {
		phase := model.Phase(h.Phase)
		action := model.HookAction{}
		if h.DelayMs != nil {
			action.Delay = msToDuration(*h.DelayMs)
		}
		if h.BusyBackoff != nil {
			action.Busy = &model.BusyBackoff{
				Retries:   h.BusyBackoff.Retries,
				BaseMs:    h.BusyBackoff.BaseMs,
				JitterPct: h.BusyBackoff.JitterPct,
			}
		}
		e.Hooks[phase] = append(e.Hooks[phase], action)
	}

	return e, nil
}

func setIfPresent(src *int, dst *int, set map[string]bool, name string) {
	if src == nil {
		return
	}
	*dst = *src
	set[name] = true
}

// Best returns the single highest-scoring entry matching fp, or false
// if no entry matches at all (spec §4.4 scoring, P8). Ties are broken
// by earliest document order.
func (db *DB) Best(fp device.Fingerprint) (Entry, bool) {
	best := -1
	var bestEntry Entry
	found := false

	for _, e := range db.entries {
		score := e.Match.score(fp)
		if score < 0 {
			continue
		}
		if !found || score > best || (score == best && e.order < bestEntry.order) {
			best = score
			bestEntry = e
			found = true
		}
	}

	return bestEntry, found
}

// score computes the spec §4.4 matching weight: VID mandatory (4 pts),
// PID mandatory (4 pts), bcdDevice optional (3 pts), interface triplet
// optional (2 pts each). A mismatched specified field disqualifies the
// entry (returns -1).
func (m Match) score(fp device.Fingerprint) int {
	if m.VID != fp.VID || m.PID != fp.PID {
		return -1
	}
	score := 4 + 4

	if m.BcdDevice != nil {
		if *m.BcdDevice != fp.BcdDevice {
			return -1
		}
		score += 3
	}
	if m.IfaceClass != nil {
		if *m.IfaceClass != fp.IfaceClass {
			return -1
		}
		score += 2
	}
	if m.IfaceSubClass != nil {
		if *m.IfaceSubClass != fp.IfaceSubClass {
			return -1
		}
		score += 2
	}
	if m.IfaceProtocol != nil {
		if *m.IfaceProtocol != fp.IfaceProtocol {
			return -1
		}
		score += 2
	}

	return score
}
