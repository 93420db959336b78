//go:build linux

package nsbox_test

import (
	"os"
	"strings"
	"testing"

	"github.com/nsboxrun/nsbox"
)

func mustMounts(t *testing.T, root string) nsbox.MountGraph {
	t.Helper()

	g, err := nsbox.NewMountGraph(map[string]nsbox.MountType{
		"/": nsbox.Overlayed(root),
	})
	if err != nil {
		t.Fatalf("NewMountGraph: %v", err)
	}

	return g
}

func Test_New_Applies_Defaults(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	cfg, err := nsbox.New(mustMounts(t, root))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if cfg.Pwd != "/" {
		t.Errorf("Pwd = %q, want /", cfg.Pwd)
	}

	if !cfg.Persist {
		t.Error("Persist = false, want true by default")
	}

	if cfg.Stdio.Stdin.Kind != nsbox.StdioNull {
		t.Errorf("Stdin.Kind = %v, want StdioNull", cfg.Stdio.Stdin.Kind)
	}

	if cfg.Stdio.Stdout.Kind != nsbox.StdioInherit || cfg.Stdio.Stderr.Kind != nsbox.StdioInherit {
		t.Error("Stdout/Stderr should default to Inherit")
	}
}

func Test_New_Rejects_Nil_Mounts(t *testing.T) {
	t.Parallel()

	if _, err := nsbox.New(nil); err == nil {
		t.Fatal("expected error for nil mount graph")
	}
}

func Test_New_Rejects_Relative_Pwd(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	_, err := nsbox.New(mustMounts(t, root), nsbox.WithPwd("relative"))
	if err == nil {
		t.Fatal("expected error for relative pwd")
	}
}

func Test_NewFromMaps_Rejects_Duplicate_Sandbox_Path(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	_, err := nsbox.NewFromMaps(
		map[string]string{"/": root, "/data": "/host/data"},
		map[string]string{"/data": "/host/data-rw"},
		nil,
	)
	if err == nil {
		t.Fatal("expected error for sandbox path present in both maps")
	}

	if !strings.Contains(err.Error(), "/data") {
		t.Errorf("error %q should mention the conflicting path", err.Error())
	}
}

func Test_NewFromMaps_Promotes_Root_To_Overlayed(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	cfg, err := nsbox.NewFromMaps(
		map[string]string{"/": root},
		nil,
		nil,
	)
	if err != nil {
		t.Fatalf("NewFromMaps: %v", err)
	}

	rootMount, ok := cfg.Mounts.Root()
	if !ok {
		t.Fatal("expected root mount")
	}

	if rootMount.Kind != nsbox.MountOverlayed {
		t.Errorf("root Kind = %v, want MountOverlayed", rootMount.Kind)
	}
}

func Test_Copy_Preserves_Untouched_Fields(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	cfg, err := nsbox.New(mustMounts(t, root),
		nsbox.WithHostname("box"),
		nsbox.WithUIDGID(1000, 1000),
		nsbox.WithPersist(false),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	clone, err := cfg.Copy(nsbox.WithStdio(nsbox.StdioTriple{
		Stdin:  nsbox.Null(),
		Stdout: nsbox.Null(),
		Stderr: nsbox.Null(),
	}))
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}

	if clone.Hostname != cfg.Hostname {
		t.Errorf("Hostname changed: got %q, want %q", clone.Hostname, cfg.Hostname)
	}

	if clone.UID != cfg.UID || clone.GID != cfg.GID {
		t.Errorf("UID/GID changed: got %d/%d, want %d/%d", clone.UID, clone.GID, cfg.UID, cfg.GID)
	}

	if clone.Persist != cfg.Persist {
		t.Errorf("Persist changed: got %v, want %v", clone.Persist, cfg.Persist)
	}

	if clone.Stdio.Stdin.Kind != nsbox.StdioNull {
		t.Errorf("Stdin.Kind = %v, want StdioNull", clone.Stdio.Stdin.Kind)
	}
}

func Test_Copy_Does_Not_Mutate_Original(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	cfg, err := nsbox.New(mustMounts(t, root), nsbox.WithEnv(map[string]string{"A": "1"}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = cfg.Copy(nsbox.WithEnv(map[string]string{"A": "2"}))
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}

	if cfg.Env["A"] != "1" {
		t.Errorf("original Env mutated: got %q, want %q", cfg.Env["A"], "1")
	}
}

func Test_WithTmpfsSizeString_Parses_Human_Sizes(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	cfg, err := nsbox.New(mustMounts(t, root), nsbox.WithTmpfsSizeString("512M"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const want = 512 * 1024 * 1024
	if cfg.TmpfsSize != want {
		t.Errorf("TmpfsSize = %d, want %d", cfg.TmpfsSize, want)
	}
}

func Test_WithTmpfsSizeString_Rejects_Malformed_Size(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	_, err := nsbox.New(mustMounts(t, root), nsbox.WithTmpfsSizeString("not-a-size"))
	if err == nil {
		t.Fatal("expected error for malformed tmpfs size")
	}
}

func Test_New_Rejects_Overlay_Root_Not_A_Directory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := dir + "/not-a-dir"

	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}

	g, err := nsbox.NewMountGraph(map[string]nsbox.MountType{
		"/": nsbox.Overlayed(file),
	})
	if err != nil {
		t.Fatalf("NewMountGraph: %v", err)
	}

	if _, err := nsbox.New(g); err == nil {
		t.Fatal("expected error: overlay root must be a directory")
	}
}
