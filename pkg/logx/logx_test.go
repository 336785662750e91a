package logx

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestFormatChatLine(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"warn","time":"2026-01-02T03:04:05Z","message":"broadcast send failed","chat_id":42,"comp":"delivery"}` + "\n")
	got := formatChatLine(line)
	want := "[WARN] broadcast send failed\n- chat_id=42\n- comp=delivery"
	if got != want {
		t.Fatalf("formatChatLine =\n%q\nwant\n%q", got, want)
	}
}

func TestFormatChatLineNotJSON(t *testing.T) {
	t.Parallel()
	got := formatChatLine([]byte("  plain text  \n"))
	if got != "plain text" {
		t.Fatalf("got %q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", 50)
	if got := truncate(s, 20); len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 20); got != "short" {
		t.Fatalf("truncate short = %q", got)
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, lvl := range []string{"", "debug", "INFO", "warning", "error", "trace"} {
		if !ValidLevel(lvl) {
			t.Fatalf("ValidLevel(%q) = false", lvl)
		}
	}
	if ValidLevel("loud") {
		t.Fatalf("ValidLevel(loud) = true")
	}
}

func TestNopLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	zero.Info("dropped", String("k", "v"))
	Nop().With(Int("n", 1)).Error("dropped")
}

func TestWithFieldsAndCaller(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	l := Logger{own: &zl}.With(String("comp", "router"))

	l.Warn("send failed", Err(nil), Int("n", 2), Err(errors.New("boom")))

	out := buf.String()
	for _, want := range []string{`"comp":"router"`, `"n":2`, `"boom"`, `"caller":"logx_test.go:`, `"message":"send failed"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}
