package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	Init(slog.LevelDebug, "text", &buf)

	New("engine").Info("stage accepted", "stage", "world")

	out := buf.String()
	if !strings.Contains(out, "component=engine") || !strings.Contains(out, "stage=world") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestInitJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(slog.LevelInfo, "json", &buf)

	New("server").Info("listening")

	out := buf.String()
	if !strings.Contains(out, `"level":"INFO"`) || !strings.Contains(out, `"component":"server"`) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestInitLevelGating(t *testing.T) {
	var buf bytes.Buffer
	Init(slog.LevelWarn, "text", &buf)

	logger := New("gate")
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatal("info should be suppressed at warn level")
	}
	if !strings.Contains(out, "shown") {
		t.Fatal("warn should pass at warn level")
	}
}
