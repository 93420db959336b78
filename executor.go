//go:build linux

package nsbox

// This file implements the Executor abstraction (spec.md §4.5): a sum type
// over the three isolation backends, and the process-wide facade
// (WithExecutor/Run/Success/ExecutorAvailable) built on top of it.
//
// The concrete variants (executor_userns.go, which covers both user-namespace
// kinds, and executor_container.go) each build an unstarted *exec.Cmd the way the
// teacher's Sandbox.Command does (sandbox/command.go): plan deterministically,
// allocate per-invocation resources, return a cleanup func that is safe to
// call more than once.
import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// ExecutorKind selects an isolation backend.
type ExecutorKind int

const (
	// KindUnprivilegedUserNS drives nsbox-helper directly, relying on
	// unprivileged user namespace creation (no setuid helper, no root).
	KindUnprivilegedUserNS ExecutorKind = iota + 1

	// KindPrivilegedUserNS drives nsbox-helper through a privilege-escalation
	// wrapper (sudo/su), for hosts where unprivileged user namespaces are
	// disabled (e.g. via /proc/sys/kernel/unprivileged_userns_clone).
	KindPrivilegedUserNS

	// KindContainerRuntime translates the same SandboxConfig into a
	// docker/podman invocation instead of nsbox-helper.
	KindContainerRuntime
)

func (k ExecutorKind) String() string {
	switch k {
	case KindUnprivilegedUserNS:
		return "unprivileged-userns"
	case KindPrivilegedUserNS:
		return "privileged-userns"
	case KindContainerRuntime:
		return "container-runtime"
	default:
		return "unknown"
	}
}

// RunResult reports how the child process terminated.
type RunResult struct {
	// ExitCode is the child's exit status, or -1 if it was killed by a signal.
	ExitCode int
	// Signal names the terminating signal, if any.
	Signal string
}

// Exited reports whether the child exited normally with status 0.
func (r RunResult) Exited() bool { return r.Signal == "" && r.ExitCode == 0 }

// Executor is one isolation backend, acquired once and reused across calls
// to Run/Success for different SandboxConfigs; calls that run concurrently
// must each target a distinct persistence key (spec.md §4.5 concurrency note).
type Executor interface {
	// Kind reports which backend this is.
	Kind() ExecutorKind

	// Available reports whether this backend can run on the current host
	// (required binaries in PATH, required kernel features present). It does
	// not mutate host state.
	Available(ctx context.Context) bool

	// BuildCommand constructs an unstarted *exec.Cmd that would run argv
	// inside a sandbox described by cfg. The returned cleanup func releases
	// the per-invocation resources the command holds, if any, and is safe to
	// call more than once. Ephemeral (Persist=false) overlay workspaces are
	// not released by it: they are held by the Executor until the next
	// command for the same persistence key replaces them, or until Release.
	BuildCommand(ctx context.Context, cfg *SandboxConfig, argv []string) (*exec.Cmd, func() error, error)

	// Release tears down resources held across the Executor's lifetime
	// (durable index handles, ephemeral overlay workspaces). Safe to call
	// more than once.
	Release() error
}

// WithExecutor acquires an Executor of the given kind, checking that the
// backend can run on this host (required binaries in PATH, kernel feature
// probing). Persistence root selection is deferred to the first BuildCommand
// for each rootfs. The caller must call Release when done.
func WithExecutor(ctx context.Context, kind ExecutorKind, opts ...ExecutorOption) (Executor, error) {
	settings := executorSettings{
		probe: HostProbe{},
	}

	for _, opt := range opts {
		opt(&settings)
	}

	switch kind {
	case KindUnprivilegedUserNS:
		return newUserNSExecutor(ctx, settings, false)
	case KindPrivilegedUserNS:
		return newUserNSExecutor(ctx, settings, true)
	case KindContainerRuntime:
		return newContainerExecutor(ctx, settings)
	default:
		return nil, configErrorf("WithExecutor", "unknown executor kind %d", kind)
	}
}

// ExecutorAvailable is a cheap check for whether kind can run on this host,
// without acquiring persistence roots or opening any durable index. Useful
// for a "nsboxctl check" style diagnostic.
func ExecutorAvailable(ctx context.Context, kind ExecutorKind) bool {
	switch kind {
	case KindUnprivilegedUserNS:
		return lookPathCached("nsbox-helper") != "" && unprivilegedUserNSAllowed(HostProbe{})
	case KindPrivilegedUserNS:
		return lookPathCached("nsbox-helper") != "" && escalationWrapper() != ""
	case KindContainerRuntime:
		return containerRuntimeBinary() != ""
	default:
		return false
	}
}

// Run builds argv's command against cfg using ex, starts it, waits for
// completion, and returns how it terminated. A non-zero exit or termination
// by signal is both reported via RunResult (for inspection) and returned as a
// *ChildFailure error (spec.md §7); Success is the wrapper for callers who
// want to ignore that distinction. err is an error other than *ChildFailure
// only when the child could not be constructed or started.
func Run(ctx context.Context, ex Executor, cfg *SandboxConfig, argv []string) (RunResult, error) {
	if len(argv) == 0 {
		return RunResult{}, configErrorf("Run", "argv is empty")
	}

	cmd, cleanup, err := ex.BuildCommand(ctx, cfg, argv)
	if err != nil {
		return RunResult{}, err
	}
	defer func() { _ = cleanup() }()

	if err := attachStdio(cmd, cfg.Stdio); err != nil {
		return RunResult{}, err
	}

	runErr := cmd.Run()

	return resultFromRunErr(runErr)
}

// Success is Run, collapsed to a bool: true iff the child exited with status
// 0. A *ChildFailure is swallowed into (false, nil); any other error (the
// child could not be constructed or started at all) still propagates.
func Success(ctx context.Context, ex Executor, cfg *SandboxConfig, argv []string) (bool, error) {
	result, err := Run(ctx, ex, cfg, argv)

	var childFailure *ChildFailure
	if errors.As(err, &childFailure) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return result.Exited(), nil
}

func resultFromRunErr(err error) (RunResult, error) {
	if err == nil {
		return RunResult{ExitCode: 0}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			result := RunResult{ExitCode: -1, Signal: status.Signal().String()}
			return result, &ChildFailure{ExitCode: result.ExitCode, Signal: result.Signal}
		}

		result := RunResult{ExitCode: exitErr.ExitCode()}

		return result, &ChildFailure{ExitCode: result.ExitCode}
	}

	return RunResult{}, hostErrorf("Run", "start child: %v", err)
}

// attachStdio resolves a StdioTriple to concrete streams on cmd.
func attachStdio(cmd *exec.Cmd, triple StdioTriple) error {
	stdin, err := resolveReader(triple.Stdin)
	if err != nil {
		return err
	}

	cmd.Stdin = stdin

	stdout, err := resolveWriter(triple.Stdout, os.Stdout)
	if err != nil {
		return err
	}

	cmd.Stdout = stdout

	stderr, err := resolveWriter(triple.Stderr, os.Stderr)
	if err != nil {
		return err
	}

	cmd.Stderr = stderr

	return nil
}

func resolveReader(s Stdio) (io.Reader, error) {
	switch s.Kind {
	case StdioInherit:
		return os.Stdin, nil
	case StdioNull:
		return nil, nil
	case StdioPipe:
		if s.Reader == nil {
			return nil, configErrorf("stdio", "StdioPipe stdin has a nil Reader")
		}

		return s.Reader, nil
	default:
		return nil, internalErrorf("stdio", "unknown StdioKind %d", s.Kind)
	}
}

func resolveWriter(s Stdio, inheritFrom io.Writer) (io.Writer, error) {
	switch s.Kind {
	case StdioInherit:
		return inheritFrom, nil
	case StdioNull:
		return io.Discard, nil
	case StdioPipe:
		if s.Writer == nil {
			return nil, configErrorf("stdio", "StdioPipe output has a nil Writer")
		}

		return s.Writer, nil
	default:
		return nil, internalErrorf("stdio", "unknown StdioKind %d", s.Kind)
	}
}

// ExecutorOption configures WithExecutor.
type ExecutorOption func(*executorSettings)

type executorSettings struct {
	probe           HostProbe
	persistHints    []string
	containerBinary string
	debugf          Debugf
}

// WithPersistHints supplies candidate persistence-root directories to try
// before falling back to mount-table enumeration (spec.md §4.2). For the
// user-namespace executors, SANDBOX_PERSISTENCE_DIR, when set, is tried
// before these hints.
func WithPersistHints(hints ...string) ExecutorOption {
	return func(s *executorSettings) { s.persistHints = append([]string(nil), hints...) }
}

// WithContainerBinary overrides automatic docker/podman discovery for
// KindContainerRuntime.
func WithContainerBinary(path string) ExecutorOption {
	return func(s *executorSettings) { s.containerBinary = path }
}

// WithExecutorDebugf sets a debug hook that reports persistence root
// selection (done on the first BuildCommand for each rootfs).
func WithExecutorDebugf(fn Debugf) ExecutorOption {
	return func(s *executorSettings) { s.debugf = fn }
}

func (s executorSettings) debugf2(format string, args ...any) {
	if s.debugf == nil {
		return
	}

	s.debugf(format, args...)
}

// executorError wraps a per-argument-build failure so callers get a typed
// error without each variant re-implementing the wrap.
func executorError(op string, err error) error {
	return fmt.Errorf("nsbox: %s: %w", op, err)
}
