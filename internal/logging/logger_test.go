package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerWritesComponent(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo("queue", &buf)
	l.Infof("admitted %s", "a.bin")

	out := buf.String()
	if !strings.Contains(out, "admitted a.bin") {
		t.Errorf("expected message in output, got %q", out)
	}
	if !strings.Contains(out, "queue") {
		t.Errorf("expected component in output, got %q", out)
	}
}

func TestComponentSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	child := NewLoggerTo("cli", &buf).Component("controller")
	child.Warn().Str("key", "https://example.com/x").Msg("already in progress")

	if !strings.Contains(buf.String(), "controller") {
		t.Errorf("expected child component in output, got %q", buf.String())
	}
}

func TestNopAndNilComponent(t *testing.T) {
	Nop().Errorf("dropped %d", 1)

	var l *Logger
	if l.Component("x") == nil {
		t.Fatal("Component on nil logger should return a usable logger")
	}
}
