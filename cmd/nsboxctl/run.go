package main

// Run is the isolated entry point (stdin/stdout/stderr/env/args passed in
// rather than read from globals), mirroring the teacher's Run signature
// (cmd/agent-sandbox/run.go) so tests can drive it without touching the real
// process environment.
import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/nsboxrun/nsbox"
)

const exitCodeSIGINT = 130

// Run parses args, loads configuration, acquires an executor, and runs the
// sandboxed command. It returns the process exit code.
func Run(stdin io.Reader, stdout, stderr io.Writer, args []string, env map[string]string) int {
	if len(args) < 2 {
		fmt.Fprintln(stderr, usage())

		return 2
	}

	switch args[1] {
	case "run":
		return runRun(stdin, stdout, stderr, args[2:], env)
	case "check":
		return runCheck(stdout, stderr, args[2:], env)
	case "-h", "--help", "help":
		fmt.Fprintln(stdout, usage())

		return 0
	default:
		fmt.Fprintln(stderr, usage())

		return 2
	}
}

func usage() string {
	return `usage: nsboxctl run [flags] -- <command> [args...]
       nsboxctl check [flags]

flags:
  --config PATH       path to a HuJSON sandbox description (default: $NSBOX_CONFIG)
  --root PATH         root filesystem host path or image reference
  --root-kind KIND    overlay (default) | overlay-ro | ro | rw
  --ro SANDBOX=HOST    repeatable read-only mount
  --rw SANDBOX=HOST    repeatable read-write mount
  --env KEY=VALUE      repeatable environment variable
  --entrypoint PATH    absolute sandbox path to exec before argv
  --pwd PATH           sandbox-side working directory
  --persist BOOL       keep overlay state across runs (default true)
  --hostname NAME      UTS hostname inside the sandbox
  --tmpfs-size SIZE    human-readable size, e.g. 512M
  --executor KIND      userns (default) | privileged-userns | container
  --verbose            verbose diagnostic output`
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.String("config", "", "path to a HuJSON sandbox description")
	fs.String("root", "", "root filesystem host path or image reference")
	fs.String("root-kind", "", "overlay | overlay-ro | ro | rw")
	fs.StringArray("ro", nil, "SANDBOX=HOST read-only mount")
	fs.StringArray("rw", nil, "SANDBOX=HOST read-write mount")
	fs.StringArray("env", nil, "KEY=VALUE environment variable")
	fs.String("entrypoint", "", "absolute sandbox path to exec before argv")
	fs.String("pwd", "", "sandbox-side working directory")
	fs.Bool("persist", true, "keep overlay state across runs")
	fs.String("hostname", "", "UTS hostname inside the sandbox")
	fs.String("tmpfs-size", "", "human-readable tmpfs size, e.g. 512M")
	fs.String("executor", "", "userns | privileged-userns | container")
	fs.Bool("verbose", false, "verbose diagnostic output")

	return fs
}

func runRun(stdin io.Reader, stdout, stderr io.Writer, args []string, env map[string]string) int {
	fs := newFlagSet("nsboxctl run")

	if err := fs.Parse(args); err != nil {
		fprintError(stderr, err)

		return 2
	}

	childArgv := fs.Args()
	if len(childArgv) == 0 {
		fprintError(stderr, fmt.Errorf("nsboxctl: no command provided after --"))

		return 2
	}

	configPath, _ := fs.GetString("config")

	fc, _, err := LoadFileConfig(configPath, env)
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	if err := fc.ApplyFlags(fs); err != nil {
		fprintError(stderr, err)

		return 1
	}

	verbose := fc.Verbose

	var debug *DebugLogger
	if verbose {
		debug = NewDebugLogger(stderr)
	} else {
		debug = NewDebugLogger(nil)
	}

	cfg, kind, err := BuildSandboxConfig(fc, debug.AsNsboxDebugf())
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	cfg, err = cfg.Copy(nsbox.WithStdio(nsbox.StdioTriple{
		Stdin:  nsbox.PipeIn(stdin),
		Stdout: nsbox.PipeOut(stdout),
		Stderr: nsbox.PipeOut(stderr),
	}))
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	ex, err := nsbox.WithExecutor(ctx, kind, nsbox.WithExecutorDebugf(debug.AsNsboxDebugf()))
	if err != nil {
		fprintError(stderr, err)

		return 1
	}
	defer func() { _ = ex.Release() }()

	result, err := nsbox.Run(ctx, ex, cfg, childArgv)

	var childFailure *nsbox.ChildFailure

	switch {
	case errors.As(err, &childFailure):
		if result.Signal != "" {
			fprintError(stderr, fmt.Errorf("nsboxctl: child terminated by signal %s", result.Signal))

			return 1
		}

		return result.ExitCode
	case err != nil:
		fprintError(stderr, err)

		if ctx.Err() != nil {
			return exitCodeSIGINT
		}

		return 1
	default:
		return result.ExitCode
	}
}

func runCheck(stdout, stderr io.Writer, args []string, env map[string]string) int {
	fs := newFlagSet("nsboxctl check")

	if err := fs.Parse(args); err != nil {
		fprintError(stderr, err)

		return 2
	}

	ctx := context.Background()

	kinds := []nsbox.ExecutorKind{nsbox.KindUnprivilegedUserNS, nsbox.KindPrivilegedUserNS, nsbox.KindContainerRuntime}

	anyAvailable := false

	for _, kind := range kinds {
		available := nsbox.ExecutorAvailable(ctx, kind)
		if available {
			anyAvailable = true
		}

		fmt.Fprintf(stdout, "%-20s %s\n", kind, availability(available))
	}

	if !anyAvailable {
		return 1
	}

	return 0
}

func availability(ok bool) string {
	if ok {
		return "available"
	}

	return "unavailable"
}

// signalContext returns a context canceled on SIGINT/SIGTERM, so a child
// sandboxed process is torn down (nsbox-helper propagates cancellation via
// exec.CommandContext) rather than orphaned.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return ctx, stop
}

func fprintError(w io.Writer, err error) {
	fmt.Fprintf(w, "nsboxctl: error: %v\n", err)
}
