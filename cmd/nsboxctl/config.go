package main

// Config loading follows the teacher's LoadConfig layering
// (cmd/agent-sandbox/config.go): a HuJSON file (JSON with comments and
// trailing commas, via github.com/tailscale/hujson; unquoted keys and other
// JSON5 extensions are not accepted) supplies the base, CLI flags (via
// github.com/spf13/pflag) override. The file path is --config when given,
// else the NSBOX_CONFIG environment variable, mirroring the ambient
// config-file discovery the teacher performs against XDG_CONFIG_HOME.
import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/nsboxrun/nsbox"
)

// FileConfig is the on-disk (and CLI-overridable) description of a sandbox
// run, decoded from HuJSON.
type FileConfig struct {
	// Root is the host path (for userns executors) or image reference (for
	// the container executor) backing the sandbox root filesystem.
	Root string `json:"root"`
	// RootKind selects how Root is exposed: "overlay" (default), "overlay-ro",
	// "ro", or "rw".
	RootKind string `json:"root_kind,omitempty"`

	Ro        map[string]string `json:"ro,omitempty"`
	Rw        map[string]string `json:"rw,omitempty"`
	Overlay   map[string]string `json:"overlay,omitempty"`
	OverlayRo map[string]string `json:"overlay_ro,omitempty"`

	Env        map[string]string `json:"env,omitempty"`
	Entrypoint string            `json:"entrypoint,omitempty"`
	Pwd        string            `json:"pwd,omitempty"`
	Persist    *bool             `json:"persist,omitempty"`
	UID        *int              `json:"uid,omitempty"`
	GID        *int              `json:"gid,omitempty"`
	Hostname   string            `json:"hostname,omitempty"`
	TmpfsSize  string            `json:"tmpfs_size,omitempty"`
	Multiarch  []string          `json:"multiarch,omitempty"`
	Verbose    bool              `json:"verbose,omitempty"`

	// Executor names the backend run uses: "userns" (default),
	// "privileged-userns", or "container". There is no fallback: run fails
	// if that backend is not available, and check does not read it (it
	// reports every backend).
	Executor string `json:"executor,omitempty"`
}

const configPathEnvVar = "NSBOX_CONFIG"

// LoadFileConfig reads and decodes a HuJSON sandbox description. path takes
// precedence; if empty, NSBOX_CONFIG is consulted; if that's unset too,
// LoadFileConfig returns an empty FileConfig (callers are expected to fill
// Root via --root).
func LoadFileConfig(path string, env map[string]string) (FileConfig, string, error) {
	if path == "" {
		path = env[configPathEnvVar]
	}

	if path == "" {
		return FileConfig{}, "", nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, path, fmt.Errorf("nsboxctl: read config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return FileConfig{}, path, fmt.Errorf("nsboxctl: parse config %s: %w", path, err)
	}

	var fc FileConfig

	decoder := json.NewDecoder(bytes.NewReader(standardized))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&fc); err != nil {
		return FileConfig{}, path, fmt.Errorf("nsboxctl: decode config %s: %w", path, err)
	}

	return fc, path, nil
}

// ApplyFlags overlays CLI flag values onto fc, the final (highest-precedence)
// layer, matching the teacher's applyCLIFlags.
func (fc *FileConfig) ApplyFlags(flags *pflag.FlagSet) error {
	if flags.Changed("root") {
		fc.Root, _ = flags.GetString("root")
	}

	if flags.Changed("root-kind") {
		fc.RootKind, _ = flags.GetString("root-kind")
	}

	if flags.Changed("entrypoint") {
		fc.Entrypoint, _ = flags.GetString("entrypoint")
	}

	if flags.Changed("pwd") {
		fc.Pwd, _ = flags.GetString("pwd")
	}

	if flags.Changed("persist") {
		v, _ := flags.GetBool("persist")
		fc.Persist = &v
	}

	if flags.Changed("hostname") {
		fc.Hostname, _ = flags.GetString("hostname")
	}

	if flags.Changed("tmpfs-size") {
		fc.TmpfsSize, _ = flags.GetString("tmpfs-size")
	}

	if flags.Changed("verbose") {
		fc.Verbose, _ = flags.GetBool("verbose")
	}

	if flags.Changed("executor") {
		fc.Executor, _ = flags.GetString("executor")
	}

	if flags.Changed("env") {
		envVals, _ := flags.GetStringArray("env")

		if fc.Env == nil {
			fc.Env = make(map[string]string, len(envVals))
		}

		for _, kv := range envVals {
			key, val, ok := splitKV(kv)
			if !ok {
				return fmt.Errorf("nsboxctl: invalid --env %q, expected KEY=VALUE", kv)
			}

			fc.Env[key] = val
		}
	}

	if flags.Changed("ro") {
		vals, _ := flags.GetStringArray("ro")
		if err := mergeKVFlag(&fc.Ro, vals, "--ro"); err != nil {
			return err
		}
	}

	if flags.Changed("rw") {
		vals, _ := flags.GetStringArray("rw")
		if err := mergeKVFlag(&fc.Rw, vals, "--rw"); err != nil {
			return err
		}
	}

	return nil
}

func mergeKVFlag(dst *map[string]string, vals []string, flagName string) error {
	if *dst == nil {
		*dst = make(map[string]string, len(vals))
	}

	for _, kv := range vals {
		key, val, ok := splitKV(kv)
		if !ok {
			return fmt.Errorf("nsboxctl: invalid %s %q, expected SANDBOX_PATH=HOST_PATH", flagName, kv)
		}

		(*dst)[key] = val
	}

	return nil
}

func splitKV(s string) (key, val string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}

	return "", "", false
}

// BuildSandboxConfig translates a fully layered FileConfig into a
// nsbox.SandboxConfig plus the caller's preferred ExecutorKind.
func BuildSandboxConfig(fc FileConfig, debugf nsbox.Debugf) (*nsbox.SandboxConfig, nsbox.ExecutorKind, error) {
	if fc.Root == "" {
		return nil, 0, fmt.Errorf("nsboxctl: root is required (set via config file or --root)")
	}

	graph := map[string]nsbox.MountType{}

	switch fc.RootKind {
	case "", "overlay":
		graph["/"] = nsbox.Overlayed(fc.Root)
	case "overlay-ro":
		graph["/"] = nsbox.OverlayedReadOnly(fc.Root)
	case "ro":
		graph["/"] = nsbox.ReadOnly(fc.Root)
	case "rw":
		graph["/"] = nsbox.ReadWrite(fc.Root)
	default:
		return nil, 0, fmt.Errorf("nsboxctl: unknown root_kind %q", fc.RootKind)
	}

	for sandboxPath, hostPath := range fc.Ro {
		graph[sandboxPath] = nsbox.ReadOnly(hostPath)
	}

	for sandboxPath, hostPath := range fc.Rw {
		graph[sandboxPath] = nsbox.ReadWrite(hostPath)
	}

	for sandboxPath, hostPath := range fc.Overlay {
		graph[sandboxPath] = nsbox.Overlayed(hostPath)
	}

	for sandboxPath, hostPath := range fc.OverlayRo {
		graph[sandboxPath] = nsbox.OverlayedReadOnly(hostPath)
	}

	mounts, err := nsbox.NewMountGraph(graph)
	if err != nil {
		return nil, 0, err
	}

	opts := []nsbox.Option{
		nsbox.WithEnv(fc.Env),
		nsbox.WithVerbose(fc.Verbose),
	}

	if debugf != nil {
		opts = append(opts, nsbox.WithDebugf(debugf))
	}

	if fc.Entrypoint != "" {
		opts = append(opts, nsbox.WithEntrypoint(fc.Entrypoint))
	}

	if fc.Pwd != "" {
		opts = append(opts, nsbox.WithPwd(fc.Pwd))
	}

	if fc.Persist != nil {
		opts = append(opts, nsbox.WithPersist(*fc.Persist))
	}

	if fc.UID != nil && fc.GID != nil {
		opts = append(opts, nsbox.WithUIDGID(*fc.UID, *fc.GID))
	}

	if fc.Hostname != "" {
		opts = append(opts, nsbox.WithHostname(fc.Hostname))
	}

	if fc.TmpfsSize != "" {
		opts = append(opts, nsbox.WithTmpfsSizeString(fc.TmpfsSize))
	}

	if len(fc.Multiarch) > 0 {
		opts = append(opts, nsbox.WithMultiarchFormats(fc.Multiarch...))
	}

	cfg, err := nsbox.New(mounts, opts...)
	if err != nil {
		return nil, 0, err
	}

	kind, err := parseExecutorKind(fc.Executor)
	if err != nil {
		return nil, 0, err
	}

	return cfg, kind, nil
}

func parseExecutorKind(s string) (nsbox.ExecutorKind, error) {
	switch s {
	case "", "userns":
		return nsbox.KindUnprivilegedUserNS, nil
	case "privileged-userns":
		return nsbox.KindPrivilegedUserNS, nil
	case "container":
		return nsbox.KindContainerRuntime, nil
	default:
		return 0, fmt.Errorf("nsboxctl: unknown executor %q (want userns, privileged-userns, or container)", s)
	}
}

func hostEnvMap() map[string]string {
	out := make(map[string]string, len(os.Environ()))

	for _, kv := range os.Environ() {
		if key, val, ok := splitKV(kv); ok {
			out[key] = val
		}
	}

	return out
}
