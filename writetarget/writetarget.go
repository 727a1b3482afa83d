// Package writetarget implements C9: the write target ladder. Given a
// storage and a preference list of writable folders (Download, DCIM,
// …), it walks the storage's root looking for an existing association
// matching each candidate, descending into nested candidates like
// "DCIM/Camera"; if none match, it creates a working subfolder (spec
// §4.9).
//
// Grounded on the session actor's object-enumeration/creation
// primitives (link.GetObjectHandles/GetObjectInfo/SendObjectInfo,
// wrapped here behind the DirLister interface per spec §9 "Dynamic
// dispatch" so this package is testable without a real link).
package writetarget

import (
	"context"
	"strings"

	"github.com/swiftmtp/swiftmtp/internal/errs"
	"github.com/swiftmtp/swiftmtp/model"
	"github.com/swiftmtp/swiftmtp/ptp"
)

// RootParent is the command-phase marker meaning "root of the storage"
// (spec §3 invariant 6).
const RootParent uint32 = 0xFFFFFFFF

// WorkingFolder is created when none of the preferred candidates exist
// (spec §4.9).
const WorkingFolder = "SwiftMTP"

// Preference is the default candidate list, in order, before any
// preferredWriteFolder override (spec §4.6, §4.9).
var Preference = []string{"Download", "DCIM", "DCIM/Camera", "Pictures", "Movies", "Music"}

// DirLister is the capability this package needs from a session: list
// an association's children and create a new association. Both are
// scoped to one storage.
type DirLister interface {
	ListChildren(ctx context.Context, storage, parent uint32) ([]model.ObjectInfo, error)
	CreateFolder(ctx context.Context, storage, parent uint32, name string) (uint32, error)
}

// SanitizeName rejects path separators, NUL bytes and the empty/"."/
// ".." names (spec §4.9).
func SanitizeName(name string) (string, error) {
	if name == "" || name == "." || name == ".." {
		return "", errs.PreconditionFailed("writetarget: invalid folder name %q", name)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return "", errs.PreconditionFailed("writetarget: folder name %q contains a path separator or NUL", name)
	}
	return name, nil
}

// Resolve walks the write target ladder for one storage and returns
// the (storage, parentHandle) of the first matching candidate, or of a
// freshly created WorkingFolder if none match (spec §4.9). excluding
// marks handles from a previous failed attempt that must not be picked
// again (spec §4.6 target-ladder retry rung).
func Resolve(ctx context.Context, dl DirLister, storage uint32, preferredWriteFolder string, excluding map[uint32]bool) (uint32, error) {
	candidates := candidateList(preferredWriteFolder)

	for _, path := range candidates {
		handle, ok, err := resolvePath(ctx, dl, storage, path)
		if err != nil {
			return 0, err
		}
		if ok && !excluding[handle] {
			return handle, nil
		}
	}

	name, err := SanitizeName(WorkingFolder)
	if err != nil {
		return 0, err
	}
	return dl.CreateFolder(ctx, storage, RootParent, name)
}

func candidateList(preferredWriteFolder string) []string {
	out := make([]string, 0, len(Preference)+1)
	if preferredWriteFolder != "" {
		out = append(out, preferredWriteFolder)
	}
	out = append(out, Preference...)
	return out
}

// resolvePath descends from the storage root through each "/"-
// separated segment of path, returning the final segment's handle if
// every segment exists.
func resolvePath(ctx context.Context, dl DirLister, storage uint32, path string) (uint32, bool, error) {
	parent := RootParent
	for _, segment := range strings.Split(path, "/") {
		children, err := dl.ListChildren(ctx, storage, parent)
		if err != nil {
			return 0, false, err
		}

		handle, ok := findFolder(children, segment)
		if !ok {
			return 0, false, nil
		}
		parent = handle
	}
	return parent, true, nil
}

// findFolder matches name against an association (folder) among
// children: case-sensitive first, falling back to case-insensitive
// (spec §4.9).
func findFolder(children []model.ObjectInfo, name string) (uint32, bool) {
	var fallback uint32
	haveFallback := false

	for _, c := range children {
		if c.Format != ptp.FormatAssociation {
			continue
		}
		if c.Name == name {
			return c.Handle, true
		}
		if !haveFallback && strings.EqualFold(c.Name, name) {
			fallback = c.Handle
			haveFallback = true
		}
	}

	if haveFallback {
		return fallback, true
	}
	return 0, false
}
