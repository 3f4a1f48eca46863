package logx

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

type captureForwarder struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureForwarder) Forward(text string) {
	c.mu.Lock()
	c.lines = append(c.lines, text)
	c.mu.Unlock()
}

func (c *captureForwarder) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestForwardSinkRespectsMinLevel(t *testing.T) {
	svc, log := New(Config{Level: "debug", Forward: ForwardConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100}})
	defer svc.Close()

	fwd := &captureForwarder{}
	svc.SetForwarder(fwd)

	log.Info("quiet")
	log.Warn("job failed", String("job", "j-1"))

	got := fwd.all()
	if len(got) != 1 {
		t.Fatalf("forwarded %d lines, want 1: %q", len(got), got)
	}
	if !strings.HasPrefix(got[0], "[WARN] job failed") {
		t.Fatalf("unexpected forward text: %q", got[0])
	}
	if !strings.Contains(got[0], "- job=j-1") {
		t.Fatalf("field missing from forward text: %q", got[0])
	}
}

func TestLoggerWithKeepsParentFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	base := NewWriter(&buf, "debug").With(String("comp", "scheduler"))
	base.With(Job("j-2", "reverse")).Info("dispatched")

	out := buf.String()
	for _, want := range []string{`"comp":"scheduler"`, `"job":"j-2"`, `"kind":"reverse"`, `"message":"dispatched"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %s", out, want)
		}
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("dropped")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{" WARNING ", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in, LevelInfo); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
