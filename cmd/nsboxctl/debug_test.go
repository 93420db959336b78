package main

import (
	"bytes"
	"strings"
	"testing"
)

func Test_DebugLogger_Disabled_When_Output_Nil(t *testing.T) {
	t.Parallel()

	d := NewDebugLogger(nil)

	if d.Enabled() {
		t.Fatal("logger backed by nil output should be disabled")
	}

	d.Section("startup")
	d.Logf("mount %s", "/data")
	d.Bulletf("ro %s", "/data")
}

func Test_DebugLogger_Enabled_Writes_To_Output(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	d := NewDebugLogger(&buf)

	if !d.Enabled() {
		t.Fatal("logger backed by a writer should be enabled")
	}

	d.Section("startup")
	d.Logf("mount %s", "/data")
	d.Bulletf("ro %s", "/data")

	out := buf.String()

	for _, want := range []string{"=== startup ===", "mount /data", "  - ro /data"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q should contain %q", out, want)
		}
	}
}

func Test_DebugLogger_AsNsboxDebugf_Prefixes_Messages(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	d := NewDebugLogger(&buf)

	fn := d.AsNsboxDebugf()
	fn("probing %s", "overlayfs")

	if !strings.Contains(buf.String(), "nsboxctl: probing overlayfs") {
		t.Errorf("output %q should contain prefixed message", buf.String())
	}
}

func Test_DebugLogger_AsNsboxDebugf_NoOp_When_Disabled(t *testing.T) {
	t.Parallel()

	d := NewDebugLogger(nil)
	fn := d.AsNsboxDebugf()
	fn("probing %s", "overlayfs")
}
