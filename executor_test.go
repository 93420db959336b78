//go:build linux

package nsbox_test

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/nsboxrun/nsbox"
)

// fakeExecutor runs a real (unsandboxed) command so Run/Success's plumbing
// can be exercised without nsbox-helper/docker present.
type fakeExecutor struct {
	kind nsbox.ExecutorKind
}

func (f *fakeExecutor) Kind() nsbox.ExecutorKind           { return f.kind }
func (f *fakeExecutor) Available(ctx context.Context) bool { return true }
func (f *fakeExecutor) Release() error                     { return nil }

func (f *fakeExecutor) BuildCommand(ctx context.Context, cfg *nsbox.SandboxConfig, argv []string) (*exec.Cmd, func() error, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	return cmd, func() error { return nil }, nil
}

func mustTestConfig(t *testing.T) *nsbox.SandboxConfig {
	t.Helper()

	root := t.TempDir()

	g, err := nsbox.NewMountGraph(map[string]nsbox.MountType{"/": nsbox.Overlayed(root)})
	if err != nil {
		t.Fatalf("NewMountGraph: %v", err)
	}

	cfg, err := nsbox.New(g)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return cfg
}

func Test_Run_Returns_ChildFailure_On_Nonzero_Exit(t *testing.T) {
	t.Parallel()

	cfg := mustTestConfig(t)

	var stdout, stderr bytes.Buffer

	cfg, err := cfg.Copy(nsbox.WithStdio(nsbox.StdioTriple{
		Stdin:  nsbox.Null(),
		Stdout: nsbox.PipeOut(&stdout),
		Stderr: nsbox.PipeOut(&stderr),
	}))
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}

	ex := &fakeExecutor{kind: nsbox.KindUnprivilegedUserNS}

	result, err := nsbox.Run(context.Background(), ex, cfg, []string{"/bin/sh", "-c", "exit 7"})

	var childFailure *nsbox.ChildFailure
	if !errors.As(err, &childFailure) {
		t.Fatalf("expected *ChildFailure, got %v (%T)", err, err)
	}

	if result.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", result.ExitCode)
	}

	if result.Exited() {
		t.Error("Exited() = true for a nonzero exit code")
	}
}

func Test_Run_Returns_No_Error_On_Zero_Exit(t *testing.T) {
	t.Parallel()

	cfg := mustTestConfig(t)
	ex := &fakeExecutor{kind: nsbox.KindUnprivilegedUserNS}

	result, err := nsbox.Run(context.Background(), ex, cfg, []string{"/bin/true"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !result.Exited() {
		t.Errorf("Exited() = false, want true: %+v", result)
	}
}

func Test_Success_Swallows_ChildFailure(t *testing.T) {
	t.Parallel()

	cfg := mustTestConfig(t)
	ex := &fakeExecutor{kind: nsbox.KindUnprivilegedUserNS}

	ok, err := nsbox.Success(context.Background(), ex, cfg, []string{"/bin/sh", "-c", "exit 1"})
	if err != nil {
		t.Fatalf("Success: %v", err)
	}

	if ok {
		t.Error("Success = true for a failing command")
	}
}

func Test_Success_True_On_Zero_Exit(t *testing.T) {
	t.Parallel()

	cfg := mustTestConfig(t)
	ex := &fakeExecutor{kind: nsbox.KindUnprivilegedUserNS}

	ok, err := nsbox.Success(context.Background(), ex, cfg, []string{"/bin/true"})
	if err != nil {
		t.Fatalf("Success: %v", err)
	}

	if !ok {
		t.Error("Success = false for a succeeding command")
	}
}

func Test_Run_Rejects_Empty_Argv(t *testing.T) {
	t.Parallel()

	cfg := mustTestConfig(t)
	ex := &fakeExecutor{kind: nsbox.KindUnprivilegedUserNS}

	if _, err := nsbox.Run(context.Background(), ex, cfg, nil); err == nil {
		t.Fatal("expected error for empty argv")
	}
}
