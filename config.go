//go:build linux

package nsbox

// This file implements the SandboxConfig data model and its constructors
// (spec.md §4.4), following the teacher's New/NewWithEnvironment/cloneConfig
// idiom (sandbox/sandbox.go): deep-copy then validate, so the returned value
// is immune to later mutation of caller-owned maps/slices.
import (
	"io"
	"maps"
	"os"
	"path/filepath"

	"github.com/docker/go-units"
)

// StdioKind tags a Stdio stream.
type StdioKind int

const (
	// StdioInherit connects the stream to the host's corresponding stream.
	StdioInherit StdioKind = iota
	// StdioNull connects the stream to a null sink (discarding writes, or
	// yielding EOF immediately for reads).
	StdioNull
	// StdioPipe connects the stream to the caller-provided Reader/Writer.
	StdioPipe
)

// Stdio is one of stdin/stdout/stderr's tagged-variant description (spec.md
// §9): Inherit, Null, or Pipe(handle). Run resolves this to a concrete
// stream when it starts the command (see attachStdio in executor.go).
type Stdio struct {
	Kind   StdioKind
	Reader io.Reader // only meaningful for stdin when Kind == StdioPipe
	Writer io.Writer // only meaningful for stdout/stderr when Kind == StdioPipe
}

// Inherit connects a stream to the host's corresponding stream.
func Inherit() Stdio { return Stdio{Kind: StdioInherit} }

// Null connects a stream to a null sink.
func Null() Stdio { return Stdio{Kind: StdioNull} }

// PipeIn connects stdin to r.
func PipeIn(r io.Reader) Stdio { return Stdio{Kind: StdioPipe, Reader: r} }

// PipeOut connects stdout/stderr to w.
func PipeOut(w io.Writer) Stdio { return Stdio{Kind: StdioPipe, Writer: w} }

// StdioTriple groups stdin/stdout/stderr.
type StdioTriple struct {
	Stdin  Stdio
	Stdout Stdio
	Stderr Stdio
}

// SandboxConfig is the immutable request object described in spec.md §3/§4.4.
// Build one with New or NewFromMaps; derive variants with Copy. The zero
// value is not usable directly (it lacks the required "/" mount).
type SandboxConfig struct {
	Mounts MountGraph

	// Env is the environment passed to the child, key/value, all strings.
	Env map[string]string

	// Entrypoint, if set, is an absolute sandbox path prefixed before the
	// user argv (exec'd as "entrypoint user_argv...").
	Entrypoint string

	// Pwd is the working directory inside the sandbox. Defaults to "/".
	Pwd string

	Stdio StdioTriple

	// Persist selects whether Overlayed/OverlayedReadOnly upper/work state
	// survives across invocations of the same Executor instance (true) or is
	// discarded per run (false). Defaults to true.
	Persist bool

	// UID/GID are the identity seen inside the sandbox. Defaults to the host
	// uid/gid.
	UID, GID int

	// Hostname sets the UTS hostname inside the sandbox. Empty means inherit
	// the host's.
	Hostname string

	// TmpfsSize bounds the non-persistent overlay backing tmpfs, in bytes. 0
	// means unset (kernel default).
	TmpfsSize int64

	// MultiarchFormats lists platform tags whose binfmt handlers must be
	// registered before exec (e.g. "linux/arm64").
	MultiarchFormats []string

	// Verbose is forwarded to helpers and probes for diagnostic output.
	Verbose bool

	// Debugf receives debug messages from command construction, in the
	// style of the teacher's Debugf hook
	// (sandbox/sandbox.go).
	Debugf Debugf

	// pendingErr carries a deferred Option failure (e.g. a malformed
	// human-readable size) through to validateConfig, so Option keeps its
	// simple func(*SandboxConfig) signature.
	pendingErr error
}

// Debugf receives debug messages. Must be safe to call from any goroutine.
type Debugf func(format string, args ...any)

// New validates mounts and opts and returns an immutable SandboxConfig.
// Defaults: Pwd="/", Persist=true, Stdin=Null, Stdout/Stderr=Inherit, Env
// empty, UID/GID=host uid/gid, no Hostname, no Entrypoint, no
// MultiarchFormats.
func New(mounts MountGraph, opts ...Option) (*SandboxConfig, error) {
	if mounts == nil {
		return nil, configErrorf("New", "mount graph is nil")
	}

	probe := HostProbe{}

	cfg := &SandboxConfig{
		Mounts:  cloneMountGraph(mounts),
		Env:     map[string]string{},
		Pwd:     "/",
		Persist: true,
		UID:     probe.Uid(),
		GID:     probe.Gid(),
		Stdio: StdioTriple{
			Stdin:  Null(),
			Stdout: Inherit(),
			Stderr: Inherit(),
		},
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	if err := canonicalizeMountGraph(cfg.Mounts); err != nil {
		return nil, err
	}

	return cfg, nil
}

// NewFromMaps is the legacy constructor (spec.md §4.4): the readOnly and
// readWrite host-path maps are promoted into a MountGraph, and env becomes
// the environment. The root entry is always Overlayed; other readOnly
// entries become ReadOnly; readWrite entries become ReadWrite.
//
// A sandbox path present in both the readOnly and the readWrite map is rejected
// (spec.md §9 Open Question: "reject duplicate keys in validation rather
// than silently preferring one").
func NewFromMaps(readOnly, readWrite map[string]string, env map[string]string, opts ...Option) (*SandboxConfig, error) {
	seen := make(map[string]string, len(readOnly)+len(readWrite))
	graph := make(map[string]MountType, len(readOnly)+len(readWrite)+1)

	for sandboxPath, hostPath := range readOnly {
		seen[sandboxPath] = "read-only"
		graph[sandboxPath] = ReadOnly(hostPath)
	}

	for sandboxPath, hostPath := range readWrite {
		if _, dup := seen[sandboxPath]; dup {
			return nil, configErrorf("NewFromMaps", "sandbox path %q appears in both the read-only and read-write maps", sandboxPath)
		}

		seen[sandboxPath] = "read-write"
		graph[sandboxPath] = ReadWrite(hostPath)
	}

	if root, ok := graph["/"]; ok {
		graph["/"] = Overlayed(root.HostPath)
	}

	mounts, err := NewMountGraph(graph)
	if err != nil {
		return nil, err
	}

	allOpts := make([]Option, 0, len(opts)+1)
	allOpts = append(allOpts, WithEnv(env))
	allOpts = append(allOpts, opts...)

	return New(mounts, allOpts...)
}

// Copy derives a new SandboxConfig from cfg, applying opts on top of a deep
// copy. Fields not touched by opts are preserved exactly (spec.md §8: "Copying
// a config changing only stdio preserves every other field exactly").
func (cfg *SandboxConfig) Copy(opts ...Option) (*SandboxConfig, error) {
	clone := cloneSandboxConfig(cfg)

	for _, opt := range opts {
		opt(clone)
	}

	if err := validateConfig(clone); err != nil {
		return nil, err
	}

	return clone, nil
}

// Option mutates a SandboxConfig under construction. Options are applied in
// order, after defaults and before validation.
type Option func(*SandboxConfig)

// WithEnv replaces the environment map.
func WithEnv(env map[string]string) Option {
	return func(c *SandboxConfig) {
		c.Env = cloneStringMap(env)
	}
}

// WithEntrypoint sets the entrypoint (an absolute sandbox path).
func WithEntrypoint(path string) Option {
	return func(c *SandboxConfig) { c.Entrypoint = path }
}

// WithPwd sets the sandbox-side working directory (must be absolute).
func WithPwd(path string) Option {
	return func(c *SandboxConfig) { c.Pwd = path }
}

// WithStdio replaces the stdio triple.
func WithStdio(stdio StdioTriple) Option {
	return func(c *SandboxConfig) { c.Stdio = stdio }
}

// WithPersist sets whether overlay state persists across invocations.
func WithPersist(persist bool) Option {
	return func(c *SandboxConfig) { c.Persist = persist }
}

// WithUIDGID sets the identity seen inside the sandbox.
func WithUIDGID(uid, gid int) Option {
	return func(c *SandboxConfig) { c.UID, c.GID = uid, gid }
}

// WithHostname sets the UTS hostname.
func WithHostname(name string) Option {
	return func(c *SandboxConfig) { c.Hostname = name }
}

// WithTmpfsSize sets the non-persistent overlay backing tmpfs size, in bytes.
func WithTmpfsSize(bytes int64) Option {
	return func(c *SandboxConfig) { c.TmpfsSize = bytes }
}

// WithTmpfsSizeString parses a human-readable size (e.g. "512M", "2G") with
// docker/go-units and sets the non-persistent overlay backing tmpfs size.
// Construction fails (ConfigError) if size does not parse.
func WithTmpfsSizeString(size string) Option {
	return func(c *SandboxConfig) {
		n, err := units.RAMInBytes(size)
		if err != nil {
			c.pendingErr = configErrorf("WithTmpfsSizeString", "parse tmpfs size %q: %v", size, err)
			return
		}

		c.TmpfsSize = n
	}
}

// WithMultiarchFormats sets the binfmt platform tags to register.
func WithMultiarchFormats(formats ...string) Option {
	return func(c *SandboxConfig) { c.MultiarchFormats = append([]string(nil), formats...) }
}

// WithVerbose toggles verbose diagnostic output.
func WithVerbose(verbose bool) Option {
	return func(c *SandboxConfig) { c.Verbose = verbose }
}

// WithDebugf sets the debug hook.
func WithDebugf(fn Debugf) Option {
	return func(c *SandboxConfig) { c.Debugf = fn }
}

func cloneMountGraph(g MountGraph) MountGraph {
	out := make(MountGraph, len(g))
	maps.Copy(out, g)

	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	maps.Copy(out, m)

	return out
}

func cloneSandboxConfig(cfg *SandboxConfig) *SandboxConfig {
	out := *cfg
	out.Mounts = cloneMountGraph(cfg.Mounts)
	out.Env = cloneStringMap(cfg.Env)
	out.MultiarchFormats = append([]string(nil), cfg.MultiarchFormats...)

	return &out
}

func canonicalizeMountGraph(g MountGraph) error {
	var errs []error

	for sandboxPath, info := range g {
		// The root mount's HostPath may be a container image reference
		// (opaque to the filesystem) rather than a host path; only
		// filesystem-path roots go through symlink canonicalization.
		if sandboxPath == "/" && !filepath.IsAbs(info.HostPath) {
			continue
		}

		canonical, err := realpathStem(info.HostPath)
		if err != nil {
			errs = append(errs, configErrorf("mount graph", "resolve host path %q (sandbox path %q): %v", info.HostPath, sandboxPath, err))

			continue
		}

		if info.needsDirectory() {
			if fi, statErr := os.Stat(canonical); statErr != nil || !fi.IsDir() {
				errs = append(errs, configErrorf("mount graph", "overlay mount %q requires %q to be a directory", sandboxPath, canonical))

				continue
			}
		}

		g[sandboxPath] = MountType{HostPath: canonical, Kind: info.Kind}
	}

	return joinErrs(errs)
}

func validateConfig(cfg *SandboxConfig) error {
	var errs []error

	if cfg.pendingErr != nil {
		errs = append(errs, cfg.pendingErr)
		cfg.pendingErr = nil
	}

	if cfg.Mounts == nil {
		errs = append(errs, configErrorf("validate", "mount graph is nil"))
	} else if _, ok := cfg.Mounts.Root(); !ok {
		errs = append(errs, configErrorf("validate", `missing required "/" mount`))
	}

	if cfg.Pwd == "" {
		cfg.Pwd = "/"
	} else if !filepath.IsAbs(cfg.Pwd) {
		errs = append(errs, configErrorf("validate", "pwd %q is not absolute", cfg.Pwd))
	}

	if cfg.Entrypoint != "" && !filepath.IsAbs(cfg.Entrypoint) {
		errs = append(errs, configErrorf("validate", "entrypoint %q is not absolute", cfg.Entrypoint))
	}

	if cfg.Mounts != nil {
		for sandboxPath, info := range cfg.Mounts {
			if !filepath.IsAbs(sandboxPath) {
				errs = append(errs, configErrorf("validate", "sandbox path %q is not absolute", sandboxPath))
			}

			if sandboxPath != "/" && !filepath.IsAbs(info.HostPath) {
				errs = append(errs, configErrorf("validate", "host path %q is not absolute", info.HostPath))
			}
		}
	}

	return joinErrs(errs)
}
