//go:build linux

package nsbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func Test_JoinUnderPersistRoot_Joins_Relative_Elements(t *testing.T) {
	t.Parallel()

	root := &PersistenceRoot{Path: t.TempDir()}

	got, err := joinUnderPersistRoot(root, "a", "b")
	if err != nil {
		t.Fatalf("joinUnderPersistRoot: %v", err)
	}

	want := filepath.Join(root.Path, "a", "b")
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func Test_JoinUnderPersistRoot_Rejects_Escape(t *testing.T) {
	t.Parallel()

	root := &PersistenceRoot{Path: t.TempDir()}

	got, err := joinUnderPersistRoot(root, "../../etc/passwd")
	if err != nil {
		t.Fatalf("joinUnderPersistRoot: %v", err)
	}

	// SecureJoin treats ".." as clamped to root rather than erroring, so the
	// result must still be contained within root.
	if !isWithinDir(root.Path, got) {
		t.Errorf("result %q escaped root %q", got, root.Path)
	}
}

func isWithinDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}

	return rel != ".." && !filepath.IsAbs(rel) && !strings.HasPrefix(rel, "../")
}

func Test_MountPointOwnedByUID_False_For_Missing_Path(t *testing.T) {
	t.Parallel()

	if mountPointOwnedByUID("/nonexistent/path/for/test", os.Getuid()) {
		t.Error("missing path should not be considered owned")
	}
}

func Test_MountPointOwnedByUID_True_For_Own_TempDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	if !mountPointOwnedByUID(dir, os.Getuid()) {
		t.Errorf("own temp dir %q should be owned by current uid", dir)
	}
}

func Test_PersistRootCandidates_Excludes_DenyListed_FSTypes(t *testing.T) {
	t.Parallel()

	probe := HostProbe{}

	candidates := persistRootCandidates(probe)
	denied := map[string]bool{}

	for _, m := range probe.Mounts() {
		if fstypeDenyList[m.FSType] {
			denied[m.MountPoint] = true
		}
	}

	for _, c := range candidates {
		if denied[c] {
			t.Errorf("candidates %v should not include deny-listed mount %q", candidates, c)
		}
	}
}

func Test_PersistRootCandidates_Owned_Mounts_Sort_Before_Unowned(t *testing.T) {
	t.Parallel()

	probe := HostProbe{}

	candidates := persistRootCandidates(probe)

	sawUnowned := false

	for _, c := range candidates {
		owned := mountPointOwnedByUID(c, probe.Uid())
		if !owned {
			sawUnowned = true

			continue
		}

		if sawUnowned {
			t.Errorf("candidates %v: owned mount %q sorted after an unowned one", candidates, c)
		}
	}
}
