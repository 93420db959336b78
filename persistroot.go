//go:build linux

package nsbox

// This file implements the Persistence Root Selector (spec.md §4.2): finding
// a host directory whose filesystem can back overlayfs upper/work
// directories for a given rootfs.
//
// The deny-listed pseudo-filesystems and the "ecryptfs/zfs/overlay can't back
// an overlay upper" reasoning are grounded on sylabs-singularity's
// incompatibleFilesys table (internal/pkg/util/fs/overlay/overlay_linux.go)
// and on moby-moby's NeedsUserXAttr/IsPathOnTmpfs probe idiom
// (overlayutils/check.go: statfs-based, falls back through candidates).
// Candidate ordering (hints first, then owned mounts, in a fixed order) is
// grounded stylistically on the teacher's wrappers.go PATH search (ordered
// candidates, first usable one wins, deterministic tie-break).
import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	securejoin "github.com/cyphar/filepath-securejoin"
)

// PersistenceRoot is a host directory that has been probed to successfully
// back an overlayfs upper/work pair for some rootfs on this host.
type PersistenceRoot struct {
	Path string
	// UserXattr records whether overlay mounts against this root need the
	// "userxattr" mount option (required on some filesystems for unprivileged
	// overlays; see moby-moby's overlayutils.NeedsUserXAttr).
	UserXattr bool
}

// fstypeDenyList excludes pseudo- and incompatible filesystems from
// persistence-root candidacy (spec.md §4.2 step 2).
var fstypeDenyList = map[string]bool{
	"ecryptfs":     true,
	"zfs":          true,
	"overlay":      true,
	"proc":         true,
	"sysfs":        true,
	"tmpfs":        true,
	"cgroup2":      true,
	"devpts":       true,
	"devtmpfs":     true,
	"bpf":          true,
	"autofs":       true,
	"auristorfs":   true,
	"binfmt_misc":  true,
	"configfs":     true,
	"debugfs":      true,
	"efivarfs":     true,
	"fusectl":      true,
	"hugetlbfs":    true,
	"mqueue":       true,
	"nsfs":         true,
	"pstore":       true,
	"ramfs":        true,
	"rpc_pipefs":   true,
	"securityfs":   true,
	"tracefs":      true,
}

// newOverlayProbeBackoff bounds how long a single (hint, userxattr) candidate
// is retried before being abandoned; overlay-probe can transiently fail to
// tear a test mount down under contention (e.g. a concurrent probe on the
// same directory), so a short bounded retry is worth the cost. Grounded on
// apptainer-apptainer's use of cenkalti/backoff for subprocess retries.
func newOverlayProbeBackoff() backoff.BackOff {
	b := backoff.NewConstantBackOff(20 * time.Millisecond)

	return backoff.WithMaxRetries(b, 2)
}

// FindPersistRoot implements spec.md §4.2: given the resolved rootfs
// directory and an ordered list of hint directories, find a persistence root
// by invoking the overlay-probe helper against candidates until one
// succeeds.
//
// hints are tried first, in order, each with userxattr=true then
// userxattr=false. If none succeed, the host's mount table is enumerated
// (excluding fstypeDenyList), stable-sorted so uid-owned mount points come
// first, and the same two-pass probe is repeated over that list.
func FindPersistRoot(ctx context.Context, probe HostProbe, rootfsPath string, hints []string) (*PersistenceRoot, error) {
	for _, hint := range hints {
		if hint == "" {
			continue
		}

		if root, ok := tryPersistCandidate(ctx, rootfsPath, hint); ok {
			return root, nil
		}
	}

	candidates := persistRootCandidates(probe)

	for _, c := range candidates {
		if root, ok := tryPersistCandidate(ctx, rootfsPath, c); ok {
			return root, nil
		}
	}

	return nil, hostErrorf("find persist root", "no usable persistence root found among %d hint(s) and %d mount candidate(s)", len(hints), len(candidates))
}

// persistRootCandidates enumerates mount points usable as persistence-root
// candidates: not in fstypeDenyList, stable-sorted so mounts owned by the
// current uid sort first.
func persistRootCandidates(probe HostProbe) []string {
	uid := probe.Uid()

	type candidate struct {
		path  string
		owned bool
	}

	var candidates []candidate

	for _, m := range probe.Mounts() {
		if fstypeDenyList[m.FSType] {
			continue
		}

		owned := mountPointOwnedByUID(m.MountPoint, uid)
		candidates = append(candidates, candidate{path: m.MountPoint, owned: owned})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].owned && !candidates[j].owned
	})

	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.path)
	}

	return out
}

// mountPointOwnedByUID reports whether path is owned by uid. A permission
// error while stat'ing counts as "not owned" (spec.md §4.2 step 3); any other
// stat error is treated the same way, since an unreachable mount point simply
// cannot be a usable persistence root.
func mountPointOwnedByUID(path string, uid int) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	return statOwnerUID(info) == uid
}

// tryPersistCandidate probes path with userxattr=true then userxattr=false,
// in that order (spec.md §4.2 tie-break), returning the first that succeeds.
func tryPersistCandidate(ctx context.Context, rootfsPath, path string) (*PersistenceRoot, bool) {
	for _, userxattr := range [...]bool{true, false} {
		if probeOverlay(ctx, rootfsPath, path, userxattr) {
			return &PersistenceRoot{Path: path, UserXattr: userxattr}, true
		}
	}

	return nil, false
}

// probeOverlay invokes the external overlay-probe helper (spec.md §6):
//
//	overlay-probe [--userxattr] <rootfs_dir> <mount_dir>
//
// Exit 0 means an overlay mount with rootfsDir as lower and mountDir as
// upper/work backing can be established and torn down. A short bounded
// backoff absorbs transient subprocess failures (see newOverlayProbeBackoff).
func probeOverlay(ctx context.Context, rootfsDir, mountDir string, userxattr bool) bool {
	helper, err := exec.LookPath("overlay-probe")
	if err != nil {
		return false
	}

	args := make([]string, 0, 4)
	if userxattr {
		args = append(args, "--userxattr")
	}

	args = append(args, rootfsDir, mountDir)

	attempt := func() error {
		cmd := exec.CommandContext(ctx, helper, args...)
		return cmd.Run()
	}

	err = backoff.Retry(attempt, newOverlayProbeBackoff())

	return err == nil
}

// joinUnderPersistRoot joins a caller/key-derived subpath onto a
// PersistenceRoot, refusing to let the result escape root via ".." or a
// symlink (spec.md §4.6 requires upper/work to be siblings under the
// selected root; this is the boundary that enforces it).
func joinUnderPersistRoot(root *PersistenceRoot, elems ...string) (string, error) {
	rel := filepath.Join(elems...)

	joined, err := securejoin.SecureJoin(root.Path, rel)
	if err != nil {
		return "", fmt.Errorf("nsbox: join %q under persistence root %q: %w", rel, root.Path, err)
	}

	return joined, nil
}
