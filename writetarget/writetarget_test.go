package writetarget

import (
	"context"
	"testing"

	"github.com/swiftmtp/swiftmtp/model"
	"github.com/swiftmtp/swiftmtp/ptp"
)

// fakeLister is a minimal in-memory DirLister for testing the ladder
// without a real link.
type fakeLister struct {
	children map[uint32][]model.ObjectInfo
	nextID   uint32
	created  []string
}

func (f *fakeLister) ListChildren(_ context.Context, _, parent uint32) ([]model.ObjectInfo, error) {
	return f.children[parent], nil
}

func (f *fakeLister) CreateFolder(_ context.Context, _, parent uint32, name string) (uint32, error) {
	f.nextID++
	id := f.nextID
	f.children[parent] = append(f.children[parent], model.ObjectInfo{
		Handle: id, Name: name, Format: ptp.FormatAssociation, Parent: parent, HasParent: true,
	})
	f.created = append(f.created, name)
	return id, nil
}

func TestResolvePrefersExistingDownloadFolder(t *testing.T) {
	fl := &fakeLister{children: map[uint32][]model.ObjectInfo{
		RootParent: {
			{Handle: 7, Name: "Download", Format: ptp.FormatAssociation},
			{Handle: 8, Name: "DCIM", Format: ptp.FormatAssociation},
		},
	}}

	handle, err := Resolve(context.Background(), fl, 1, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if handle != 7 {
		t.Fatalf("handle = %d, want 7 (Download)", handle)
	}
	if len(fl.created) != 0 {
		t.Fatalf("should not have created a folder, got %v", fl.created)
	}
}

func TestResolveFallsBackCaseInsensitive(t *testing.T) {
	fl := &fakeLister{children: map[uint32][]model.ObjectInfo{
		RootParent: {
			{Handle: 9, Name: "download", Format: ptp.FormatAssociation},
		},
	}}

	handle, err := Resolve(context.Background(), fl, 1, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if handle != 9 {
		t.Fatalf("handle = %d, want 9 (case-insensitive download)", handle)
	}
}

func TestResolveDescendsNestedCandidate(t *testing.T) {
	fl := &fakeLister{children: map[uint32][]model.ObjectInfo{
		RootParent: {
			{Handle: 5, Name: "DCIM", Format: ptp.FormatAssociation},
		},
		5: {
			{Handle: 50, Name: "Camera", Format: ptp.FormatAssociation},
		},
	}}

	// DCIM precedes DCIM/Camera in Preference, so DCIM itself is
	// excluded here for the ladder to reach the nested candidate.
	handle, err := Resolve(context.Background(), fl, 1, "", map[uint32]bool{5: true})
	if err != nil {
		t.Fatal(err)
	}
	if handle != 50 {
		t.Fatalf("handle = %d, want 50 (DCIM/Camera)", handle)
	}
}

func TestResolveCreatesWorkingFolderWhenNothingMatches(t *testing.T) {
	fl := &fakeLister{children: map[uint32][]model.ObjectInfo{}}

	handle, err := Resolve(context.Background(), fl, 1, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if handle == 0 {
		t.Fatal("expected a newly created folder handle")
	}
	if len(fl.created) != 1 || fl.created[0] != WorkingFolder {
		t.Fatalf("created = %v, want [%s]", fl.created, WorkingFolder)
	}
}

func TestResolveHonorsPreferredWriteFolderFirst(t *testing.T) {
	fl := &fakeLister{children: map[uint32][]model.ObjectInfo{
		RootParent: {
			{Handle: 1, Name: "Download", Format: ptp.FormatAssociation},
			{Handle: 2, Name: "MyStuff", Format: ptp.FormatAssociation},
		},
	}}

	handle, err := Resolve(context.Background(), fl, 1, "MyStuff", nil)
	if err != nil {
		t.Fatal(err)
	}
	if handle != 2 {
		t.Fatalf("handle = %d, want 2 (preferred folder wins over default ladder)", handle)
	}
}

func TestResolveSkipsExcludedHandle(t *testing.T) {
	fl := &fakeLister{children: map[uint32][]model.ObjectInfo{
		RootParent: {
			{Handle: 7, Name: "Download", Format: ptp.FormatAssociation},
			{Handle: 8, Name: "DCIM", Format: ptp.FormatAssociation},
		},
	}}

	handle, err := Resolve(context.Background(), fl, 1, "", map[uint32]bool{7: true})
	if err != nil {
		t.Fatal(err)
	}
	if handle != 8 {
		t.Fatalf("handle = %d, want 8 (Download excluded)", handle)
	}
}

func TestSanitizeNameRejectsSeparators(t *testing.T) {
	for _, bad := range []string{"", ".", "..", "a/b", "a\\b", "a\x00b"} {
		if _, err := SanitizeName(bad); err == nil {
			t.Fatalf("SanitizeName(%q) should have failed", bad)
		}
	}
	if got, err := SanitizeName("Camera Uploads"); err != nil || got != "Camera Uploads" {
		t.Fatalf("SanitizeName(valid) = %q, %v", got, err)
	}
}
