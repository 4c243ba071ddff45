package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetupFormats(t *testing.T) {
	for _, format := range []string{"console", "json", "JSON"} {
		t.Run(format, func(t *testing.T) {
			Setup("DEBUG", format)
			defer Setup("info", "console")
			if Log == nil {
				t.Fatal("expected Log to be initialized")
			}
			if zerolog.GlobalLevel() != zerolog.DebugLevel {
				t.Errorf("level = %v", zerolog.GlobalLevel())
			}
			Log.Debug("compile cache miss", "label", "apply3")
		})
	}
}

func TestOrphanKeyDropped(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "info", "json")
	defer Setup("info", "console")

	Log.Warn("release", "bytes", 64, "orphan_key")

	var got map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &got); err != nil {
		t.Fatalf("output is not json: %v (%q)", err, buf.String())
	}
	if _, ok := got["orphan_key"]; ok {
		t.Errorf("orphan key should be dropped: %v", got)
	}
	if got["bytes"] != float64(64) || got["level"] != "warn" {
		t.Errorf("fields = %v", got)
	}
}

func TestLoggerLevelConstants(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel}, // default case
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			Setup(tt.level, "console")
			got := zerolog.GlobalLevel()
			if got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func TestSetupWriterJSONFields(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "json")
	defer Setup("info", "console")

	Log.Info("kernel built", "entry", "test", "params", 4, 123, "numeric key", "err", errors.New("boom"))

	var got map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &got); err != nil {
		t.Fatalf("output is not json: %v (%q)", err, buf.String())
	}
	if got["message"] != "kernel built" {
		t.Errorf("message = %v", got["message"])
	}
	if got["entry"] != "test" {
		t.Errorf("entry = %v", got["entry"])
	}
	if got["123"] != "numeric key" {
		t.Errorf("non-string key not stringified: %v", got)
	}
	if got["err"] != "boom" {
		t.Errorf("err = %v", got["err"])
	}
}

func TestWithCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "info", "json")
	defer Setup("info", "console")

	child := Log.With("device", "host:0")
	child.Info("finish")
	child.Debug("filtered out")

	out := buf.String()
	if !strings.Contains(out, `"device":"host:0"`) {
		t.Errorf("child field missing: %s", out)
	}
	if strings.Contains(out, "filtered out") {
		t.Errorf("debug event should be filtered at info level: %s", out)
	}
}
