//go:build linux

package nsbox_test

import (
	"testing"

	"github.com/nsboxrun/nsbox"
)

func Test_PersistenceDirManager_Durable_Dirs_Are_Stable(t *testing.T) {
	t.Parallel()

	root := &nsbox.PersistenceRoot{Path: t.TempDir()}
	mgr := nsbox.NewPersistenceDirManager(root)
	defer func() { _ = mgr.Release() }()

	key := nsbox.NewPersistenceKey("/rootfs/a", "/")

	first, err := mgr.Dirs(key, true, 0)
	if err != nil {
		t.Fatalf("Dirs: %v", err)
	}

	second, err := mgr.Dirs(key, true, 0)
	if err != nil {
		t.Fatalf("Dirs (second lookup): %v", err)
	}

	if first != second {
		t.Errorf("durable Dirs not stable across lookups: %+v != %+v", first, second)
	}
}

func Test_PersistenceDirManager_Distinct_Keys_Get_Distinct_Dirs(t *testing.T) {
	t.Parallel()

	root := &nsbox.PersistenceRoot{Path: t.TempDir()}
	mgr := nsbox.NewPersistenceDirManager(root)
	defer func() { _ = mgr.Release() }()

	keyA := nsbox.NewPersistenceKey("/rootfs/a", "/")
	keyB := nsbox.NewPersistenceKey("/rootfs/b", "/")

	dirsA, err := mgr.Dirs(keyA, true, 0)
	if err != nil {
		t.Fatalf("Dirs(A): %v", err)
	}

	dirsB, err := mgr.Dirs(keyB, true, 0)
	if err != nil {
		t.Fatalf("Dirs(B): %v", err)
	}

	if dirsA == dirsB {
		t.Errorf("distinct persistence keys produced identical directories: %+v", dirsA)
	}
}

func Test_PersistenceDirManager_Ephemeral_Dirs_Are_Released(t *testing.T) {
	t.Parallel()

	root := &nsbox.PersistenceRoot{Path: t.TempDir()}
	mgr := nsbox.NewPersistenceDirManager(root)

	key := nsbox.NewPersistenceKey("/rootfs/a", "/tmp-path")

	dirs, err := mgr.Dirs(key, false, 0)
	if err != nil {
		t.Fatalf("Dirs: %v", err)
	}

	if dirs.Upper == "" || dirs.Work == "" {
		t.Fatalf("ephemeral Dirs returned empty paths: %+v", dirs)
	}

	if err := mgr.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func Test_NewPersistenceKey_Is_Deterministic(t *testing.T) {
	t.Parallel()

	a := nsbox.NewPersistenceKey("/rootfs", "/sandbox")
	b := nsbox.NewPersistenceKey("/rootfs", "/sandbox")
	c := nsbox.NewPersistenceKey("/rootfs", "/other")

	if a != b {
		t.Errorf("same inputs produced different keys: %q != %q", a, b)
	}

	if a == c {
		t.Errorf("different inputs produced the same key: %q", a)
	}
}
