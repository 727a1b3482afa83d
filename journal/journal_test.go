package journal

import (
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/swiftmtp/swiftmtp/model"
)

func TestBeginWriteThenRecordRemoteHandleThenComplete(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := NewStore(fsys, "/journal")

	rec, err := s.BeginWrite("dev-1", "hello.bin", 12, "/tmp/hello.bin.part", "/tmp/hello.bin", "/src/hello.bin", false)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != model.TransferRunning {
		t.Fatalf("state = %v, want running", rec.State)
	}

	if err := s.RecordRemoteHandle("dev-1", rec.ID, 0x2A); err != nil {
		t.Fatal(err)
	}

	got, ok := s.Get("dev-1", rec.ID)
	if !ok {
		t.Fatal("expected record to exist")
	}
	if !got.HasRemoteHandle || got.RemoteHandle != 0x2A {
		t.Fatalf("remote handle not recorded: %+v", got)
	}

	if err := s.Complete("dev-1", rec.ID); err != nil {
		t.Fatal(err)
	}

	resumables := s.LoadResumables("dev-1")
	if len(resumables) != 0 {
		t.Fatalf("completed record should not be resumable, got %v", resumables)
	}
}

func TestUpdateProgressClampsToTotal(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := NewStore(fsys, "/journal")

	rec, err := s.BeginRead("dev-1", 0x10, "movie.mp4", 100, true, "/tmp/movie.mp4.part", "/tmp/movie.mp4", true, model.ETag{Size: 100, Mtime: time.Unix(0, 0)})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateProgress("dev-1", rec.ID, 500); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get("dev-1", rec.ID)
	if got.CommittedBytes != 100 {
		t.Fatalf("CommittedBytes = %d, want clamped to 100", got.CommittedBytes)
	}
}

func TestFindResumableReadMatchesEtag(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := NewStore(fsys, "/journal")

	etag := model.ETag{Size: 10_485_760, Mtime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rec, err := s.BeginRead("dev-1", 0x2A, "big.bin", 10_485_760, true, "/tmp/big.bin.part", "/tmp/big.bin", true, etag)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateProgress("dev-1", rec.ID, 4_194_304); err != nil {
		t.Fatal(err)
	}

	found, ok := s.FindResumableRead("dev-1", 0x2A, etag)
	if !ok {
		t.Fatal("expected a resumable record")
	}
	if found.CommittedBytes != 4_194_304 {
		t.Fatalf("CommittedBytes = %d, want 4194304", found.CommittedBytes)
	}

	if _, ok := s.FindResumableRead("dev-1", 0x2A, model.ETag{Size: 99, Mtime: etag.Mtime}); ok {
		t.Fatal("a different etag must not resume")
	}
}

func TestFailMarksCancelledWhenRequested(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := NewStore(fsys, "/journal")

	rec, err := s.BeginWrite("dev-1", "x.bin", 1, "/tmp/x.part", "/tmp/x", "/src/x", false)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Fail("dev-1", rec.ID, "user cancelled", true); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get("dev-1", rec.ID)
	if got.State != model.TransferCancelled {
		t.Fatalf("state = %v, want cancelled", got.State)
	}
}
