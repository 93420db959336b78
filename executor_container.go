//go:build linux

package nsbox

// This file implements the ContainerRuntime Executor variant (spec.md
// §4.5.3): rather than nsbox-helper, it drives a docker/podman CLI directly.
// Mount-graph-to-CLI-flag translation is grounded on the teacher's
// dockerSocketMountPlan (sandbox/docker.go): resolve, validate, then emit a
// single deterministic flag set. The container root ("/" mount) is
// interpreted as an image reference rather than a host directory, validated
// with github.com/distribution/reference the way a registry client would
// before issuing a pull.
import (
	"context"
	"os/exec"
	"strconv"

	"github.com/distribution/reference"
)

type containerExecutor struct {
	settings executorSettings
	binary   string
}

func newContainerExecutor(ctx context.Context, settings executorSettings) (*containerExecutor, error) {
	_ = ctx

	binary := settings.containerBinary
	if binary == "" {
		binary = containerRuntimeBinary()
	}

	if binary == "" {
		return nil, hostErrorf("acquire executor", "no container runtime (docker or podman) found in PATH")
	}

	return &containerExecutor{settings: settings, binary: binary}, nil
}

func (e *containerExecutor) Kind() ExecutorKind { return KindContainerRuntime }

func (e *containerExecutor) Available(ctx context.Context) bool {
	_ = ctx

	if e.settings.containerBinary != "" {
		return true
	}

	return containerRuntimeBinary() != ""
}

func (e *containerExecutor) Release() error { return nil }

func (e *containerExecutor) BuildCommand(ctx context.Context, cfg *SandboxConfig, argv []string) (*exec.Cmd, func() error, error) {
	rootMount, ok := cfg.Mounts.Root()
	if !ok {
		return nil, noopCleanup, internalErrorf("build command", "config has no root mount (should have been rejected at validation)")
	}

	if rootMount.Kind == MountOverlayedReadOnly {
		return nil, noopCleanup, hostErrorf("build command", "container runtime cannot express a read-only overlay root; this mount kind is not downgraded silently")
	}

	image, err := reference.ParseNormalizedNamed(rootMount.HostPath)
	if err != nil {
		return nil, noopCleanup, configErrorf("build command", "root mount host path %q is not a valid image reference: %v", rootMount.HostPath, err)
	}

	args := make([]string, 0, 64)
	args = append(args, "run", "--rm", "-i")

	for _, sandboxPath := range cfg.Mounts.ApplicationOrder() {
		mount := cfg.Mounts[sandboxPath]

		switch mount.Kind {
		case MountReadOnly:
			args = append(args, "-v", mount.HostPath+":"+sandboxPath+":ro")
		case MountReadWrite:
			args = append(args, "-v", mount.HostPath+":"+sandboxPath+":rw")
		case MountOverlayed, MountOverlayedReadOnly:
			return nil, noopCleanup, hostErrorf("build command", "container runtime cannot express overlay mount at %q outside the image root", sandboxPath)
		default:
			return nil, noopCleanup, internalErrorf("build command", "unknown mount kind %d at %q", mount.Kind, sandboxPath)
		}
	}

	for _, key := range sortedEnvKeys(cfg.Env) {
		args = append(args, "-e", key+"="+cfg.Env[key])
	}

	args = append(args, "-w", cfg.Pwd)
	args = append(args, "-u", strconv.Itoa(cfg.UID)+":"+strconv.Itoa(cfg.GID))

	if cfg.Hostname != "" {
		args = append(args, "--hostname", cfg.Hostname)
	}

	if cfg.Entrypoint != "" {
		args = append(args, "--entrypoint", cfg.Entrypoint)
	}

	if cfg.TmpfsSize > 0 {
		args = append(args, "--tmpfs", "/tmp:size="+strconv.FormatInt(cfg.TmpfsSize, 10))
	}

	args = append(args, reference.TagNameOnly(image).String())
	args = append(args, argv...)

	if cfg.Debugf != nil {
		cfg.Debugf("nsbox(container): binary=%q image=%q args=%d", e.binary, image.String(), len(args))
	}

	return exec.CommandContext(ctx, e.binary, args...), noopCleanup, nil
}
