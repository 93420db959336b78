//go:build linux

package nsbox

import (
	"context"
	"strings"
	"testing"
)

func Test_ShellQuote_Escapes_Single_Quotes(t *testing.T) {
	t.Parallel()

	got := shellQuote("it's a test")
	want := `'it'\''s a test'`

	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func Test_SortedEnvKeys_Is_Sorted(t *testing.T) {
	t.Parallel()

	keys := sortedEnvKeys(map[string]string{"Z": "1", "A": "2", "M": "3"})

	want := []string{"A", "M", "Z"}
	if len(keys) != len(want) {
		t.Fatalf("got %v, want %v", keys, want)
	}

	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("got %v, want %v", keys, want)
		}
	}
}

func Test_BuildHelperCmd_Unprivileged_Passes_Args_Directly(t *testing.T) {
	t.Parallel()

	cmd, err := buildHelperCmd(context.Background(), false, "/usr/bin/nsbox-helper", []string{"--rootfs", "/x"})
	if err != nil {
		t.Fatalf("buildHelperCmd: %v", err)
	}

	if cmd.Path != "/usr/bin/nsbox-helper" {
		t.Errorf("Path = %q, want /usr/bin/nsbox-helper", cmd.Path)
	}

	if got := strings.Join(cmd.Args[1:], " "); got != "--rootfs /x" {
		t.Errorf("Args = %q, want %q", got, "--rootfs /x")
	}
}

func Test_UserNSDNSArgs_Returns_Mount_Pair_Or_Nothing(t *testing.T) {
	t.Parallel()

	args := userNSDNSArgs(nil)

	if args == nil {
		return
	}

	if len(args) != 2 || args[0] != "--mount" {
		t.Errorf("unexpected DNS args shape: %v", args)
	}
}
