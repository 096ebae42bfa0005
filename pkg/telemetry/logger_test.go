package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestNewLoggerWritesConfiguredOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.log")
	logger, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Component("harness").
		WithEnvironment("web", "kiln-web-1-abcd1234").
		WithSession("s1").
		Info("environment started")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(data)
	for _, want := range []string{
		`"component":"harness"`,
		`"environment":"web"`,
		`"instance":"kiln-web-1-abcd1234"`,
		`"session":"s1"`,
		"environment started",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %q", line, want)
		}
	}
}

func TestNewLoggerLevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.log")
	logger, err := NewLogger(LoggingConfig{Level: "warn", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Debug("quiet")
	logger.Info("quiet")
	logger.Warn("loud")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(data), "quiet") {
		t.Error("sub-level messages must be filtered")
	}
	if !strings.Contains(string(data), "loud") {
		t.Error("warn message missing")
	}
}

func TestInstallGlobal(t *testing.T) {
	prevLogger := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	path := filepath.Join(t.TempDir(), "kiln.log")
	logger, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.InstallGlobal()

	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Errorf("global level not applied, got %s", zerolog.GlobalLevel())
	}

	log.Debug().Msg("through the global logger")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "through the global logger") {
		t.Error("global log package must write to the configured output")
	}
}

func TestNewLoggerRejectsUnwritableOutput(t *testing.T) {
	if _, err := NewLogger(LoggingConfig{Output: filepath.Join(t.TempDir(), "missing", "kiln.log")}); err == nil {
		t.Error("unwritable output path must error")
	}
}
