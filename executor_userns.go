//go:build linux

package nsbox

// This file implements the UnprivilegedUserNamespaces and
// PrivilegedUserNamespaces Executor variants (spec.md §4.5.1/§4.5.2): both
// drive the external nsbox-helper binary, the only difference being whether
// invocation goes through a privilege-escalation wrapper.
//
// Command construction follows the teacher's Sandbox.Command two-phase shape
// (sandbox/command.go): resolve binaries and per-invocation resources first,
// build argv deterministically, return an unstarted *exec.Cmd plus an
// idempotent cleanup func. DNS handling for a resolv.conf symlink into /run
// is adapted from the teacher's dns.go.
import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type userNSExecutor struct {
	privileged bool
	settings   executorSettings

	mu      sync.Mutex
	roots   map[string]*PersistenceRoot
	dirMgrs map[string]*PersistenceDirManager
}

func newUserNSExecutor(ctx context.Context, settings executorSettings, privileged bool) (*userNSExecutor, error) {
	if lookPathCached("nsbox-helper") == "" {
		return nil, hostErrorf("acquire executor", "nsbox-helper not found in PATH")
	}

	if privileged {
		if escalationWrapper() == "" {
			return nil, hostErrorf("acquire executor", "no privilege escalation wrapper (sudo or su) found in PATH")
		}
	} else if !unprivilegedUserNSAllowed(settings.probe) {
		return nil, hostErrorf("acquire executor", "unprivileged user namespace creation is disabled on this host")
	}

	_ = ctx

	return &userNSExecutor{
		privileged: privileged,
		settings:   settings,
		roots:      make(map[string]*PersistenceRoot),
		dirMgrs:    make(map[string]*PersistenceDirManager),
	}, nil
}

func (e *userNSExecutor) Kind() ExecutorKind {
	if e.privileged {
		return KindPrivilegedUserNS
	}

	return KindUnprivilegedUserNS
}

func (e *userNSExecutor) Available(ctx context.Context) bool {
	_ = ctx

	if lookPathCached("nsbox-helper") == "" {
		return false
	}

	if e.privileged {
		return escalationWrapper() != ""
	}

	return unprivilegedUserNSAllowed(e.settings.probe)
}

func (e *userNSExecutor) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error

	for _, mgr := range e.dirMgrs {
		if err := mgr.Release(); err != nil {
			errs = append(errs, err)
		}
	}

	e.dirMgrs = make(map[string]*PersistenceDirManager)
	e.roots = make(map[string]*PersistenceRoot)

	return joinErrs(errs)
}

func (e *userNSExecutor) persistRootFor(ctx context.Context, rootfsPath string) (*PersistenceRoot, *PersistenceDirManager, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if root, ok := e.roots[rootfsPath]; ok {
		return root, e.dirMgrs[rootfsPath], nil
	}

	hints := e.settings.persistHints
	if dir := os.Getenv("SANDBOX_PERSISTENCE_DIR"); dir != "" {
		hints = append([]string{dir}, hints...)
	}

	root, err := FindPersistRoot(ctx, e.settings.probe, rootfsPath, hints)
	if err != nil {
		return nil, nil, err
	}

	e.settings.debugf2("nsbox: persistence root for %q: %q (userxattr=%t)", rootfsPath, root.Path, root.UserXattr)

	mgr := NewPersistenceDirManager(root)
	e.roots[rootfsPath] = root
	e.dirMgrs[rootfsPath] = mgr

	return root, mgr, nil
}

func (e *userNSExecutor) BuildCommand(ctx context.Context, cfg *SandboxConfig, argv []string) (*exec.Cmd, func() error, error) {
	helper := lookPathCached("nsbox-helper")
	if helper == "" {
		return nil, noopCleanup, hostErrorf("build command", "nsbox-helper not found in PATH")
	}

	rootMount, ok := cfg.Mounts.Root()
	if !ok {
		return nil, noopCleanup, internalErrorf("build command", "config has no root mount (should have been rejected at validation)")
	}

	root, dirMgr, err := e.persistRootFor(ctx, rootMount.HostPath)
	if err != nil {
		return nil, noopCleanup, err
	}

	var cleanupFns []func() error

	cleanupAll := func() error {
		var errs []error

		for i := len(cleanupFns) - 1; i >= 0; i-- {
			if err := cleanupFns[i](); err != nil {
				errs = append(errs, err)
			}
		}

		return joinErrs(errs)
	}

	args := make([]string, 0, 64)
	args = append(args, "--rootfs", rootMount.HostPath)

	if root.UserXattr {
		args = append(args, "--userxattr")
	}

	if rootMount.isOverlay() {
		dirs, err := e.workspaceFor(dirMgr, rootMount.HostPath, "/", cfg)
		if err != nil {
			cleanupErr := cleanupAll()

			return nil, noopCleanup, joinErrs([]error{err, cleanupErr})
		}

		args = append(args, "--workspace", "/="+dirs.Upper+":"+dirs.Work)

		if rootMount.Kind == MountOverlayedReadOnly {
			args = append(args, "--workspace-readonly", "/")
		}
	}

	for _, sandboxPath := range cfg.Mounts.ApplicationOrder() {
		mount := cfg.Mounts[sandboxPath]

		switch mount.Kind {
		case MountReadOnly:
			args = append(args, "--mount", sandboxPath+"=ro:"+mount.HostPath)
		case MountReadWrite:
			args = append(args, "--mount", sandboxPath+"=rw:"+mount.HostPath)
		case MountOverlayed, MountOverlayedReadOnly:
			dirs, err := e.workspaceFor(dirMgr, rootMount.HostPath, sandboxPath, cfg)
			if err != nil {
				cleanupErr := cleanupAll()

				return nil, noopCleanup, joinErrs([]error{err, cleanupErr})
			}

			args = append(args, "--mount", sandboxPath+"=overlay:"+mount.HostPath)
			args = append(args, "--workspace", sandboxPath+"="+dirs.Upper+":"+dirs.Work)

			if mount.Kind == MountOverlayedReadOnly {
				args = append(args, "--workspace-readonly", sandboxPath)
			}
		default:
			cleanupErr := cleanupAll()

			return nil, noopCleanup, joinErrs([]error{internalErrorf("build command", "unknown mount kind %d at %q", mount.Kind, sandboxPath), cleanupErr})
		}
	}

	for _, key := range sortedEnvKeys(cfg.Env) {
		args = append(args, "--env", key+"="+cfg.Env[key])
	}

	if dnsArgs := userNSDNSArgs(cfg.Debugf); len(dnsArgs) > 0 {
		args = append(args, dnsArgs...)
	}

	args = append(args, "--cd", cfg.Pwd)
	args = append(args, "--uid", strconv.Itoa(cfg.UID))
	args = append(args, "--gid", strconv.Itoa(cfg.GID))

	if cfg.Hostname != "" {
		args = append(args, "--hostname", cfg.Hostname)
	}

	if cfg.Entrypoint != "" {
		args = append(args, "--entrypoint", cfg.Entrypoint)
	}

	if cfg.TmpfsSize > 0 {
		args = append(args, "--tmpfs-size", strconv.FormatInt(cfg.TmpfsSize, 10))
	}

	for _, fmtTag := range cfg.MultiarchFormats {
		args = append(args, "--multiarch", fmtTag)
	}

	if cfg.Verbose {
		args = append(args, "--verbose")
	}

	args = append(args, "--")
	args = append(args, argv...)

	cmd, err := buildHelperCmd(ctx, e.privileged, helper, args)
	if err != nil {
		cleanupErr := cleanupAll()

		return nil, noopCleanup, joinErrs([]error{err, cleanupErr})
	}

	if cfg.Debugf != nil {
		cfg.Debugf("nsbox(userns): helper=%q privileged=%t argv0=%q args=%d", helper, e.privileged, argv[0], len(args))
	}

	return cmd, cleanupAll, nil
}

// workspaceFor returns the (upper, work) pair for one overlay mount,
// deriving its PersistenceKey from the rootfs host path plus the sandbox
// mount point (spec.md §4.6).
func (e *userNSExecutor) workspaceFor(dirMgr *PersistenceDirManager, rootfsPath, sandboxPath string, cfg *SandboxConfig) (WorkspaceDirs, error) {
	key := NewPersistenceKey(rootfsPath, sandboxPath)

	return dirMgr.Dirs(key, cfg.Persist, cfg.TmpfsSize)
}

// buildHelperCmd wraps the nsbox-helper invocation in an escalation command
// when privileged is true. sudo is invoked with -n (non-interactive; a
// password prompt would hang unattended callers) plus the helper path and
// its args as separate argv entries. su has no such direct-argv form, so the
// helper invocation is shell-quoted into a single -c string.
func buildHelperCmd(ctx context.Context, privileged bool, helper string, args []string) (*exec.Cmd, error) {
	if !privileged {
		return exec.CommandContext(ctx, helper, args...), nil
	}

	wrapper := escalationWrapper()
	if wrapper == "" {
		return nil, hostErrorf("build command", "no privilege escalation wrapper available")
	}

	switch filepath.Base(wrapper) {
	case "sudo":
		sudoArgs := append([]string{"-n", helper}, args...)

		return exec.CommandContext(ctx, wrapper, sudoArgs...), nil
	case "su":
		quoted := make([]string, 0, len(args)+1)
		quoted = append(quoted, shellQuote(helper))

		for _, a := range args {
			quoted = append(quoted, shellQuote(a))
		}

		return exec.CommandContext(ctx, wrapper, "root", "-c", strings.Join(quoted, " ")), nil
	default:
		return nil, hostErrorf("build command", "unrecognized escalation wrapper %q", wrapper)
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func sortedEnvKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// userNSDNSArgs mirrors the teacher's dnsResolverArgs (sandbox/dns.go): if
// /etc/resolv.conf is a symlink into /run, the helper needs the symlink
// target's parent directory bind-mounted so DNS keeps working once /run is
// replaced by a fresh tmpfs inside the sandbox.
func userNSDNSArgs(debugf Debugf) []string {
	const resolvConf = "/etc/resolv.conf"

	linkTarget, err := os.Readlink(resolvConf)
	if err != nil {
		return nil
	}

	resolvedPath := linkTarget
	if !filepath.IsAbs(resolvedPath) {
		resolvedPath = filepath.Join(filepath.Dir(resolvConf), resolvedPath)
	}

	resolvedPath = filepath.Clean(resolvedPath)
	if resolvedPath == "/run" || !strings.HasPrefix(resolvedPath, "/run/") {
		return nil
	}

	parentDir := filepath.Dir(resolvedPath)
	if parentDir == "" || parentDir == "/" || parentDir == "/run" {
		return nil
	}

	info, err := os.Stat(parentDir)
	if err != nil || !info.IsDir() {
		return nil
	}

	if debugf != nil {
		debugf("nsbox(dns): resolv.conf is symlink to %q (resolved=%q); bind-mounting %q", linkTarget, resolvedPath, parentDir)
	}

	return []string{"--mount", parentDir + "=ro:" + parentDir}
}

func noopCleanup() error { return nil }
