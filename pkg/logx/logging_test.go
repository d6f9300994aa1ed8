package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestZeroLoggerDiscards(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("nothing", String("k", "v"))
	if l.Enabled(LevelError) {
		// zerolog.Nop is disabled at every level
		t.Fatalf("zero logger should not be enabled")
	}
}

func TestWithFieldsAreCarried(t *testing.T) {
	var buf bytes.Buffer
	l := FromZerolog(zerolog.New(&buf)).With(String("comp", "dispatch"))
	l.Info("tick", Int("n", 3))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if m["comp"] != "dispatch" || m["n"] != float64(3) || m["message"] != "tick" {
		t.Fatalf("unexpected line: %v", m)
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller=%q", m["caller"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" INFO ":  zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q)=%v want %v", in, got, want)
		}
	}
	if ValidLevel("loud") {
		t.Fatalf("loud should not be a valid level")
	}
}

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingSink) SendLog(_ int64, text string) {
	r.mu.Lock()
	r.lines = append(r.lines, text)
	r.mu.Unlock()
}

func TestChatSinkFiltersByLevel(t *testing.T) {
	svc, log := New(Config{
		Level:    "debug",
		Telegram: TelegramConfig{Enabled: true, ChatID: 42, MinLevel: "warn", RatePerSec: 100},
	})
	defer svc.Close()

	sink := &recordingSink{}
	svc.AttachSink(sink)

	log.Info("quiet")
	log.Error("loud", String("reason", "boom"))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.lines) != 1 {
		t.Fatalf("want 1 forwarded line, got %d: %v", len(sink.lines), sink.lines)
	}
	if !strings.HasPrefix(sink.lines[0], "[ERROR] loud") || !strings.Contains(sink.lines[0], "reason=boom") {
		t.Fatalf("unexpected line %q", sink.lines[0])
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("got %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("got %q", got)
	}
}
