package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	path := filepath.Join(t.TempDir(), "logs", "monitor.log")
	log := Logger()
	if err := log.Configure("debug", "json", path, 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	log.WithComponent("file_test").Info("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte(`"component":"file_test"`)) {
		t.Fatalf("log line missing component: %s", data)
	}
}

func TestConfigureEnvLevelWins(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")

	log := Logger()
	if err := log.Configure("debug", "json", "stdout", 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if log.GetLevel() != logrus.WarnLevel {
		t.Fatalf("expected warn level, got %s", log.GetLevel())
	}
}

func TestReportLevelLogsAtInfo(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("report", "text", "stdout", 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level, got %s", log.GetLevel())
	}
}

func TestLogPerformanceEntryKeepsCallerFields(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)

	fields := Fields{"exchange": "bybit"}
	LogPerformanceEntry(log.WithComponent("perf"), "perf", "list_contracts", 1500*time.Microsecond, fields)

	if len(fields) != 1 {
		t.Fatalf("caller fields mutated: %v", fields)
	}
	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if line["operation"] != "list_contracts" || line["duration_ms"] != 1.5 {
		t.Fatalf("unexpected performance line: %v", line)
	}
}

func TestWarnAndErrorAreCountedPerComponent(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)

	before := ComponentCounts()["counted"]
	log.WithComponent("counted").Warn("w")
	log.WithComponent("counted").Error("e")
	after := ComponentCounts()["counted"]

	if after["warns"]-before["warns"] != 1 {
		t.Fatalf("expected one warn, got %v", after)
	}
	if after["errors"]-before["errors"] != 1 {
		t.Fatalf("expected one error, got %v", after)
	}
}

func TestCallerPointsOutsideLogger(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)
	log.WithComponent("caller").Info("where")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	file, _ := line["file"].(string)
	if file == "logger.go" {
		t.Fatalf("caller resolved to wrapper: %v", line)
	}
}
