// Package journal implements C8: the transfer journal. It is a durable
// record of in-flight reads/writes keyed by device + handle, used to
// resume reads and to delete orphaned partial writes on the next
// session open (spec §3, §4.8).
//
// Grounded on ipp-usb's devstate.go load/mutate/save-atomically
// discipline (the same shape package profile grounds C5 on), here
// keyed by device id rather than UsbAddr.Ident(), and on
// github.com/google/uuid (see SPEC_FULL.md DOMAIN STACK) for record
// ids instead of the teacher's ad hoc string concatenation.
package journal

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"

	"github.com/swiftmtp/swiftmtp/internal/errs"
	"github.com/swiftmtp/swiftmtp/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// document is the on-disk shape of one device's journal: every
// TransferRecord ever begun for that device, keyed by record id.
type document struct {
	Records map[string]model.TransferRecord `json:"records"`
}

// Store is the C8 implementation. It is safe for concurrent use by
// multiple session actors, one per device (spec §5: "the transfer
// journal is shared and must be serialized at write granularity").
type Store struct {
	fs  afero.Fs
	dir string
	mu  sync.Mutex

	now func() time.Time
}

// NewStore constructs a Store persisting one document per device id
// under dir on fsys.
func NewStore(fsys afero.Fs, dir string) *Store {
	return &Store{fs: fsys, dir: dir, now: time.Now}
}

func (s *Store) path(deviceID string) string {
	return filepath.Join(s.dir, deviceID+".json")
}

func (s *Store) loadDocLocked(deviceID string) document {
	doc := document{Records: map[string]model.TransferRecord{}}

	raw, err := afero.ReadFile(s.fs, s.path(deviceID))
	if err != nil {
		return doc
	}
	if err := json.Unmarshal(raw, &doc); err != nil || doc.Records == nil {
		return document{Records: map[string]model.TransferRecord{}}
	}
	return doc
}

func (s *Store) saveDocLocked(deviceID string, doc document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("journal: %w", err)
	}

	final := s.path(deviceID)
	tmp := final + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, raw, 0o644); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	if err := s.fs.Rename(tmp, final); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	return nil
}

func (s *Store) mutate(deviceID string, f func(doc *document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.loadDocLocked(deviceID)
	f(&doc)
	return s.saveDocLocked(deviceID, doc)
}

// BeginRead creates and persists a new read record in the running
// state (spec §4.8 beginRead).
func (s *Store) BeginRead(deviceID string, handle uint32, name string, total uint64, hasTotal bool,
	tempURL, finalURL string, supportsPartial bool, etag model.ETag) (model.TransferRecord, error) {

	rec := model.TransferRecord{
		ID:              uuid.NewString(),
		DeviceID:        deviceID,
		Kind:            model.TransferRead,
		Handle:          handle,
		HasHandle:       true,
		Name:            name,
		TotalBytes:      total,
		HasTotalBytes:   hasTotal,
		TempURL:         tempURL,
		FinalURL:        finalURL,
		SupportsPartial: supportsPartial,
		ETag:            etag,
		State:           model.TransferRunning,
	}

	err := s.mutate(deviceID, func(doc *document) { doc.Records[rec.ID] = rec })
	return rec, err
}

// BeginWrite creates and persists a new write record in the running
// state (spec §4.8 beginWrite). The remote handle is not yet known; it is recorded
// separately once SendObjectInfo succeeds (spec §4.7).
func (s *Store) BeginWrite(deviceID, name string, total uint64, tempURL, finalURL, sourceURL string, supportsPartial bool) (model.TransferRecord, error) {
	rec := model.TransferRecord{
		ID:              uuid.NewString(),
		DeviceID:        deviceID,
		Kind:            model.TransferWrite,
		Name:            name,
		TotalBytes:      total,
		HasTotalBytes:   true,
		TempURL:         tempURL,
		FinalURL:        finalURL,
		SourceURL:       sourceURL,
		SupportsPartial: supportsPartial,
		State:           model.TransferRunning,
	}

	err := s.mutate(deviceID, func(doc *document) { doc.Records[rec.ID] = rec })
	return rec, err
}

// FindResumableRead looks up an existing running read record for
// (deviceID, handle) matching etag, used to decide whether a read can
// resume from CommittedBytes instead of starting over (spec §4.7).
func (s *Store) FindResumableRead(deviceID string, handle uint32, etag model.ETag) (model.TransferRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.loadDocLocked(deviceID)
	for _, r := range doc.Records {
		if r.Kind == model.TransferRead && r.HasHandle && r.Handle == handle &&
			r.State == model.TransferRunning && r.ETag.Equal(etag) {
			return r, true
		}
	}
	return model.TransferRecord{}, false
}

func (s *Store) withRecord(deviceID, id string, f func(rec *model.TransferRecord) error) error {
	var ferr error
	err := s.mutate(deviceID, func(doc *document) {
		rec, ok := doc.Records[id]
		if !ok {
			ferr = errs.PreconditionFailed("journal: no record %q for device %q", id, deviceID)
			return
		}
		if ferr = f(&rec); ferr != nil {
			return
		}
		doc.Records[id] = rec
	})
	if ferr != nil {
		return ferr
	}
	return err
}

// UpdateProgress advances CommittedBytes for an in-flight record (spec
// §4.8 updateProgress, invariant 3: committedBytes <= totalBytes when
// totalBytes is known).
func (s *Store) UpdateProgress(deviceID, id string, committed uint64) error {
	return s.withRecord(deviceID, id, func(rec *model.TransferRecord) error {
		if rec.HasTotalBytes && committed > rec.TotalBytes {
			committed = rec.TotalBytes
		}
		rec.CommittedBytes = committed
		return nil
	})
}

// RecordRemoteHandle captures the device-assigned object handle once
// SendObjectInfo succeeds, before SendObject starts (spec §4.6, §4.7:
// "so reconciliation can clean partials").
func (s *Store) RecordRemoteHandle(deviceID, id string, handle uint32) error {
	return s.withRecord(deviceID, id, func(rec *model.TransferRecord) error {
		rec.RemoteHandle = handle
		rec.HasRemoteHandle = true
		return nil
	})
}

// RecordThroughput stores a completed transfer's throughput sample for
// future learned-profile updates (spec §4.7 telemetry).
func (s *Store) RecordThroughput(deviceID, id string, bytesPerSec uint64) error {
	return s.withRecord(deviceID, id, func(rec *model.TransferRecord) error {
		rec.ThroughputBps = bytesPerSec
		rec.HasThroughput = true
		return nil
	})
}

// Complete marks a record succeeded.
func (s *Store) Complete(deviceID, id string) error {
	return s.withRecord(deviceID, id, func(rec *model.TransferRecord) error {
		rec.State = model.TransferSucceeded
		return nil
	})
}

// Fail records reason as the record's last error and marks it failed,
// or cancelled when cancelled is true (spec §5 cancellation semantics).
func (s *Store) Fail(deviceID, id, reason string, cancelled bool) error {
	return s.withRecord(deviceID, id, func(rec *model.TransferRecord) error {
		if cancelled {
			rec.State = model.TransferCancelled
		} else {
			rec.State = model.TransferFailed
		}
		rec.LastError = reason
		return nil
	})
}

// Get returns a single record by id.
func (s *Store) Get(deviceID, id string) (model.TransferRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.loadDocLocked(deviceID)
	rec, ok := doc.Records[id]
	return rec, ok
}

// LoadResumables returns every non-terminal record for deviceID (spec
// §4.8 loadResumables), consulted at session open for read resume and
// write-partial reconciliation (spec §4.6 step 11).
func (s *Store) LoadResumables(deviceID string) []model.TransferRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.loadDocLocked(deviceID)
	out := make([]model.TransferRecord, 0, len(doc.Records))
	for _, r := range doc.Records {
		if r.State == model.TransferPending || r.State == model.TransferRunning {
			out = append(out, r)
		}
	}
	return out
}
