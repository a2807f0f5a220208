package logger

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func capture(t *testing.T, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)
	fn()
	return buf.String()
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"DEBUG", DEBUG},
		{"debug", DEBUG},
		{"INFO", INFO},
		{"WARN", WARN},
		{"warning", WARN},
		{"ERROR", ERROR},
		{"nonsense", INFO},
		{"", INFO},
	}

	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevelGating(t *testing.T) {
	SetLogLevel("WARN")
	defer SetLogLevel("INFO")

	out := capture(t, func() {
		Debug("{logger - test} hidden debug")
		Info("{logger - test} hidden info")
		Warn("{logger - test} visible warn")
		Error("{logger - test} visible error")
	})

	if strings.Contains(out, "hidden") {
		t.Errorf("below-level messages emitted:\n%s", out)
	}
	if !strings.Contains(out, "[WARN] {logger - test} visible warn") {
		t.Errorf("warn message missing:\n%s", out)
	}
	if !strings.Contains(out, "[ERROR] {logger - test} visible error") {
		t.Errorf("error message missing:\n%s", out)
	}
}

func TestFormatArguments(t *testing.T) {
	SetLogLevel("INFO")

	out := capture(t, func() {
		Info("{logger - test} got %d of %s", 3, "them")
	})

	if !strings.Contains(out, "got 3 of them") {
		t.Errorf("format arguments not applied:\n%s", out)
	}
}
