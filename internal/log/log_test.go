package log

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		" error ": LevelError,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelWarn)
	t.Cleanup(func() { SetLevel(LevelInfo) })

	Info("hidden")
	Warn("shown", "profile", "school")
	Error("failed", errors.New("boom"), "step", "flush")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line should be filtered at WARN: %q", out)
	}
	if !strings.Contains(out, "[WARN] shown profile=school") {
		t.Errorf("missing warn line: %q", out)
	}
	if !strings.Contains(out, "[ERROR] failed err=boom step=flush") {
		t.Errorf("missing error line: %q", out)
	}
}

func TestFormatKVsQuotesAndIgnoresOddTail(t *testing.T) {
	got := formatKVs("name", "Zone A", "n", 3, "dangling")
	want := ` name="Zone A" n=3`
	if got != want {
		t.Errorf("formatKVs = %q, want %q", got, want)
	}
}
