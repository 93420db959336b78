//go:build linux

package nsbox

import (
	"path/filepath"
	"sort"
)

// MountKind is the tag of a [MountType].
type MountKind int

const (
	// MountReadOnly bind-mounts HostPath into the sandbox, read-only.
	MountReadOnly MountKind = iota + 1

	// MountReadWrite bind-mounts HostPath into the sandbox, writable; writes
	// are visible on the host.
	MountReadWrite

	// MountOverlayed exposes HostPath as the lower layer of an overlay; sandbox
	// writes go to an upper layer backed by persistence (Persist=true) or
	// tmpfs (Persist=false) and are never visible on the host.
	MountOverlayed

	// MountOverlayedReadOnly is like MountOverlayed but the upper layer is
	// itself read-only, used to interpose an overlay at a location while
	// forbidding mutation.
	MountOverlayedReadOnly
)

func (k MountKind) String() string {
	switch k {
	case MountReadOnly:
		return "ReadOnly"
	case MountReadWrite:
		return "ReadWrite"
	case MountOverlayed:
		return "Overlayed"
	case MountOverlayedReadOnly:
		return "OverlayedReadOnly"
	default:
		return "Unknown"
	}
}

// MountType is a tagged variant describing how a host path is exposed inside
// the sandbox. Construct one with [ReadOnly], [ReadWrite], [Overlayed], or
// [OverlayedReadOnly].
type MountType struct {
	// HostPath is absolute; symlinks are resolved to their nearest existing
	// stem during validation (see realpathStem).
	HostPath string
	Kind     MountKind
}

// ReadOnly bind-mounts hostPath into the sandbox, read-only.
func ReadOnly(hostPath string) MountType {
	return MountType{HostPath: hostPath, Kind: MountReadOnly}
}

// ReadWrite bind-mounts hostPath into the sandbox, writable; writes are
// visible on the host.
func ReadWrite(hostPath string) MountType {
	return MountType{HostPath: hostPath, Kind: MountReadWrite}
}

// Overlayed exposes hostPath as the lower layer of an overlay mount; sandbox
// writes are captured by an upper layer and never touch hostPath. hostPath
// must be a directory.
func Overlayed(hostPath string) MountType {
	return MountType{HostPath: hostPath, Kind: MountOverlayed}
}

// OverlayedReadOnly is like Overlayed, but the upper layer is itself
// read-only (the overlay is interposed for layering purposes, not to allow
// writes). hostPath must be a directory.
func OverlayedReadOnly(hostPath string) MountType {
	return MountType{HostPath: hostPath, Kind: MountOverlayedReadOnly}
}

// needsDirectory reports whether this mount kind requires HostPath to be a
// directory (true for both overlay kinds, per spec).
func (m MountType) needsDirectory() bool {
	return m.Kind == MountOverlayed || m.Kind == MountOverlayedReadOnly
}

func (m MountType) isOverlay() bool {
	return m.Kind == MountOverlayed || m.Kind == MountOverlayedReadOnly
}

// MountGraph maps a sandbox path (absolute, normalized) to the MountType
// describing how it is populated. The zero value is an empty, invalid graph
// (it lacks the required "/" entry); build one with NewMountGraph.
type MountGraph map[string]MountType

// NewMountGraph validates a caller-supplied mapping and returns a normalized
// MountGraph. Keys are cleaned with filepath.Clean; the original map is not
// mutated.
//
// Validation performed here (spec.md §4.3):
//   - the key "/" must be present
//   - every sandbox path must be absolute, and so must every host path
//     except the root's (which may be a container image reference)
//
// Host-path canonicalization (realpathStem) and the "overlay kinds need a
// directory" check are performed later, during SandboxConfig construction.
func NewMountGraph(mounts map[string]MountType) (MountGraph, error) {
	if _, ok := mounts["/"]; !ok {
		return nil, configErrorf("mount graph", `missing required "/" mount`)
	}

	out := make(MountGraph, len(mounts))

	var errs []error

	for sandboxPath, info := range mounts {
		if !filepath.IsAbs(sandboxPath) {
			errs = append(errs, configErrorf("mount graph", "sandbox path %q is not absolute", sandboxPath))

			continue
		}

		// The root mount's HostPath is exempt from the absolute-path
		// requirement: the container executor reinterprets it as an image
		// reference (e.g. "alpine:latest") rather than a filesystem path.
		// Non-root mounts are always filesystem paths, even under the
		// container executor, so they stay strictly absolute.
		if sandboxPath != "/" && !filepath.IsAbs(info.HostPath) {
			errs = append(errs, configErrorf("mount graph", "host path %q (for sandbox path %q) is not absolute", info.HostPath, sandboxPath))

			continue
		}

		if info.HostPath == "" {
			errs = append(errs, configErrorf("mount graph", "host path for sandbox path %q is empty", sandboxPath))

			continue
		}

		if info.Kind < MountReadOnly || info.Kind > MountOverlayedReadOnly {
			errs = append(errs, configErrorf("mount graph", "sandbox path %q has unknown mount kind %d", sandboxPath, info.Kind))

			continue
		}

		clean := filepath.Clean(sandboxPath)
		if _, dup := out[clean]; dup && clean != sandboxPath {
			errs = append(errs, configErrorf("mount graph", "sandbox path %q normalizes to already-present key %q", sandboxPath, clean))

			continue
		}

		out[clean] = MountType{HostPath: filepath.Clean(info.HostPath), Kind: info.Kind}
	}

	if err := joinErrs(errs); err != nil {
		return nil, err
	}

	if _, ok := out["/"]; !ok {
		return nil, configErrorf("mount graph", `missing required "/" mount`)
	}

	return out, nil
}

// ApplicationOrder returns the sandbox paths of g, excluding "/", ordered the
// way the executors must emit them as --mount arguments: sandbox-path length
// descending. The nsbox-helper applies mounts in reverse of this order, so a
// longest-first emission yields correct top-down (parents before children)
// mounting. Ties are broken lexicographically for determinism.
func (g MountGraph) ApplicationOrder() []string {
	keys := make([]string, 0, len(g))

	for k := range g {
		if k == "/" {
			continue
		}

		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}

		return keys[i] < keys[j]
	})

	return keys
}

// Root returns the MountType configured at "/". NewMountGraph guarantees this
// key is always present, so callers may assume ok is true for any MountGraph
// obtained through this package's constructors.
func (g MountGraph) Root() (MountType, bool) {
	m, ok := g["/"]
	return m, ok
}
