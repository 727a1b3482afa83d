package profile

import (
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/swiftmtp/swiftmtp/device"
)

func testFingerprint() device.Fingerprint {
	return device.Fingerprint{VID: 0x18D1, PID: 0x4EE1, IfaceClass: 0xFF, IfaceSubClass: 0xFF, IfaceProtocol: 0x00}
}

func TestObserveSmoothsTowardNewSample(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := NewStore(fsys, "/profiles")
	fp := testFingerprint()

	if err := s.Observe(fp, Observation{MaxChunkBytes: 2 * 1024 * 1024, IOTimeoutMs: 10_000, HandshakeTimeoutMs: 6_000, InactivityTimeoutMs: 8_000, OverallDeadlineMs: 60_000}); err != nil {
		t.Fatal(err)
	}

	r, ok := s.Load(fp)
	if !ok {
		t.Fatal("expected a stored profile")
	}
	if r.Samples != 1 || r.MaxChunkBytes != 2*1024*1024 {
		t.Fatalf("first observation should be taken verbatim, got %+v", r)
	}

	// Second observation of a much smaller chunk size should move the
	// smoothed value toward it, but not snap to it outright.
	if err := s.Observe(fp, Observation{MaxChunkBytes: 512 * 1024, IOTimeoutMs: 10_000, HandshakeTimeoutMs: 6_000, InactivityTimeoutMs: 8_000, OverallDeadlineMs: 60_000}); err != nil {
		t.Fatal(err)
	}

	r2, ok := s.Load(fp)
	if !ok {
		t.Fatal("expected a stored profile")
	}
	if r2.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", r2.Samples)
	}
	if r2.MaxChunkBytes >= r.MaxChunkBytes || r2.MaxChunkBytes <= 512*1024 {
		t.Fatalf("expected EMA-smoothed value strictly between old and new sample, got %d", r2.MaxChunkBytes)
	}
}

func TestObserveClampsToSafeBounds(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := NewStore(fsys, "/profiles")
	fp := testFingerprint()

	if err := s.Observe(fp, Observation{MaxChunkBytes: 64, IOTimeoutMs: 1, HandshakeTimeoutMs: 1, InactivityTimeoutMs: 1, OverallDeadlineMs: 1}); err != nil {
		t.Fatal(err)
	}

	r, _ := s.Load(fp)
	if r.MaxChunkBytes != minChunkBytes {
		t.Fatalf("MaxChunkBytes = %d, want clamped to %d", r.MaxChunkBytes, minChunkBytes)
	}
	if r.IOTimeoutMs != minTimeoutMs {
		t.Fatalf("IOTimeoutMs = %d, want clamped to %d", r.IOTimeoutMs, minTimeoutMs)
	}
}

func TestLoadIgnoresEntriesOlderThanTTL(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := NewStore(fsys, "/profiles")
	fp := testFingerprint()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	if err := s.Observe(fp, Observation{MaxChunkBytes: 2 * 1024 * 1024, IOTimeoutMs: 10_000, HandshakeTimeoutMs: 6_000, InactivityTimeoutMs: 8_000, OverallDeadlineMs: 60_000}); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return base.Add(91 * 24 * time.Hour) }
	if _, ok := s.Load(fp); ok {
		t.Fatal("expected a 91-day-old entry to be treated as absent")
	}

	s.now = func() time.Time { return base.Add(89 * 24 * time.Hour) }
	if _, ok := s.Load(fp); !ok {
		t.Fatal("expected an 89-day-old entry to still be usable")
	}
}
