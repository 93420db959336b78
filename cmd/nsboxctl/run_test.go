package main

import (
	"bytes"
	"strings"
	"testing"
)

func Test_Run_Prints_Usage_With_No_Args(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	code := Run(nil, &stdout, &stderr, []string{"nsboxctl"}, nil)

	if code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}

	if !strings.Contains(stderr.String(), "usage:") {
		t.Errorf("stderr = %q, should contain usage", stderr.String())
	}
}

func Test_Run_Help_Flag(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	code := Run(nil, &stdout, &stderr, []string{"nsboxctl", "--help"}, nil)

	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}

	if !strings.Contains(stdout.String(), "usage:") {
		t.Errorf("stdout = %q, should contain usage", stdout.String())
	}
}

func Test_Run_Unknown_Subcommand(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	code := Run(nil, &stdout, &stderr, []string{"nsboxctl", "frobnicate"}, nil)

	if code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
}

func Test_RunRun_Requires_Command_After_Dashdash(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	code := runRun(nil, &stdout, &stderr, []string{"--root", "/tmp"}, nil)

	if code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}

	if !strings.Contains(stderr.String(), "no command provided") {
		t.Errorf("stderr = %q, should mention missing command", stderr.String())
	}
}

func Test_RunRun_Requires_Root(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	code := runRun(nil, &stdout, &stderr, []string{"--", "/bin/true"}, nil)

	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}

	if !strings.Contains(stderr.String(), "root is required") {
		t.Errorf("stderr = %q, should mention required root", stderr.String())
	}
}

func Test_RunCheck_Reports_Each_Backend(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	code := runCheck(&stdout, &stderr, nil, nil)

	out := stdout.String()
	for _, want := range []string{"unprivileged-userns", "privileged-userns", "container-runtime"} {
		if !strings.Contains(out, want) {
			t.Errorf("stdout = %q, should mention %q", out, want)
		}
	}

	// No sandbox backends are expected to be installed in this test
	// environment, so check should report failure.
	if code != 1 {
		t.Errorf("exit code = %d, want 1 (no backend available)", code)
	}
}

func Test_Availability_Strings(t *testing.T) {
	t.Parallel()

	if availability(true) != "available" {
		t.Errorf("availability(true) = %q", availability(true))
	}

	if availability(false) != "unavailable" {
		t.Errorf("availability(false) = %q", availability(false))
	}
}
