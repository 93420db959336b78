package main

import (
	"fmt"
	"io"
)

// DebugLogger provides structured debug output for sandbox startup. It is
// disabled when its output is nil and writes to that output otherwise (see
// NewDebugLogger).
type DebugLogger struct {
	output io.Writer
}

// NewDebugLogger creates a debug logger. If output is nil, the logger is
// disabled and all methods are no-ops.
func NewDebugLogger(output io.Writer) *DebugLogger {
	return &DebugLogger{output: output}
}

// Enabled reports whether debug logging is enabled.
func (d *DebugLogger) Enabled() bool { return d.output != nil }

// Section outputs a section header.
func (d *DebugLogger) Section(name string) {
	if d.output == nil {
		return
	}

	_, _ = fmt.Fprintf(d.output, "\n=== %s ===\n", name)
}

// Logf outputs a formatted debug message.
func (d *DebugLogger) Logf(format string, args ...any) {
	if d.output == nil {
		return
	}

	_, _ = fmt.Fprintf(d.output, format+"\n", args...)
}

// Bulletf outputs an indented bullet point item.
func (d *DebugLogger) Bulletf(format string, args ...any) {
	if d.output == nil {
		return
	}

	_, _ = fmt.Fprintf(d.output, "  - "+format+"\n", args...)
}

// AsNsboxDebugf adapts this logger to the nsbox.Debugf hook shape.
func (d *DebugLogger) AsNsboxDebugf() func(format string, args ...any) {
	return func(format string, args ...any) {
		d.Logf("nsboxctl: "+format, args...)
	}
}
