package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, c := range cases {
		got, err := ParseLevel(c.in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) returned error: %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func newTestTextHandler(buf *bytes.Buffer, level slog.Level, useColor, verbose bool) *textHandler {
	return &textHandler{
		handler:  slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: level}),
		writer:   buf,
		useColor: useColor,
		verbose:  verbose,
	}
}

func TestTextHandlerSimpleFormat(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newTestTextHandler(&buf, slog.LevelInfo, false, false))

	log.Info("node online", "node_id", "n1", "tasks", 3)

	got := buf.String()
	want := "INFO node online node_id=n1 tasks=3\n"
	if got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestTextHandlerLevelGate(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newTestTextHandler(&buf, slog.LevelInfo, false, false))

	log.Debug("noise")
	if buf.Len() != 0 {
		t.Errorf("debug record leaked through an info-level handler: %q", buf.String())
	}
}

func TestTextHandlerColor(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newTestTextHandler(&buf, slog.LevelInfo, true, false))

	log.Warn("disk low")

	got := buf.String()
	if !strings.Contains(got, "\033[33mWARN\033[0m disk low") {
		t.Errorf("expected a colored WARN prefix, got %q", got)
	}
}

func TestTextHandlerVerboseTimestamp(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newTestTextHandler(&buf, slog.LevelInfo, false, true))

	log.Info("started")

	got := buf.String()
	matched, err := regexp.MatchString(`^\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2} INFO started\n$`, got)
	if err != nil {
		t.Fatal(err)
	}
	if !matched {
		t.Errorf("verbose output missing timestamp prefix: %q", got)
	}
}

// countingHandler records how many records reach it.
type countingHandler struct {
	records int
}

func (h *countingHandler) Enabled(context.Context, slog.Level) bool  { return true }
func (h *countingHandler) Handle(context.Context, slog.Record) error { h.records++; return nil }
func (h *countingHandler) WithAttrs([]slog.Attr) slog.Handler        { return h }
func (h *countingHandler) WithGroup(string) slog.Handler             { return h }

func TestFilteringHandlerPassesModuleCallers(t *testing.T) {
	inner := &countingHandler{}
	log := slog.New(&filteringHandler{handler: inner, minLevel: slog.LevelInfo})

	// Logged from this file, so the caller is inside the module.
	log.Info("from the module")

	if inner.records != 1 {
		t.Errorf("module-caller record was filtered; records = %d", inner.records)
	}
}

func TestFilteringHandlerSuppressesUnknownCallers(t *testing.T) {
	inner := &countingHandler{}
	h := &filteringHandler{handler: inner, minLevel: slog.LevelInfo}

	// A record without a caller PC is what third-party code that bypasses
	// the slog frontend produces; above debug it must be dropped.
	rec := slog.NewRecord(time.Now(), slog.LevelInfo, "library noise", 0)
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if inner.records != 0 {
		t.Errorf("unknown-caller record leaked through; records = %d", inner.records)
	}

	// At debug verbosity everything passes.
	debug := &filteringHandler{handler: inner, minLevel: slog.LevelDebug}
	if err := debug.Handle(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if inner.records != 1 {
		t.Errorf("debug level should pass all records; records = %d", inner.records)
	}
}

func TestFilteringHandlerEnabledHonorsMinLevel(t *testing.T) {
	h := &filteringHandler{handler: &countingHandler{}, minLevel: slog.LevelWarn}

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info must be disabled below a warn floor")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("error must stay enabled above the floor")
	}
}

func TestInitJSONFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flotilla.log")
	file, cleanup, err := OpenLogFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()

	Init(slog.LevelInfo, file, "json")
	GetLogger().Info("server started", "port", 8080)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if !strings.Contains(out, `"msg":"server started"`) || !strings.Contains(out, `"port":8080`) {
		t.Errorf("json output missing fields: %q", out)
	}
}

func TestGetLoggerInitializesOnFirstUse(t *testing.T) {
	defaultLogger = nil
	if GetLogger() == nil {
		t.Fatal("GetLogger returned nil")
	}
}

func TestOpenLogFileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")

	file, cleanup, err := OpenLogFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := file.WriteString("first\n"); err != nil {
		t.Fatal(err)
	}
	cleanup()

	file, cleanup, err = OpenLogFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := file.WriteString("second\n"); err != nil {
		t.Fatal(err)
	}
	cleanup()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "first\nsecond\n" {
		t.Errorf("log file = %q, want both lines", string(data))
	}
}
