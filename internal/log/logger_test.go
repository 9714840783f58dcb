// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got %q", cfg.Level)
	}
	if cfg.Format != FormatJSON {
		t.Errorf("expected default format 'json', got %q", cfg.Format)
	}
	if cfg.Output != os.Stderr {
		t.Errorf("expected default output to be os.Stderr")
	}
	if cfg.AddSource {
		t.Errorf("expected default AddSource to be false")
	}
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		expected *Config
	}{
		{
			name:    "defaults when no env vars",
			envVars: map[string]string{},
			expected: &Config{
				Level: "info", Format: FormatJSON, Output: os.Stderr, AddSource: false,
			},
		},
		{
			name:    "LOG_LEVEL=debug",
			envVars: map[string]string{"LOG_LEVEL": "debug"},
			expected: &Config{
				Level: "debug", Format: FormatJSON, Output: os.Stderr, AddSource: false,
			},
		},
		{
			name:    "RUNENGINE_LOG_LEVEL takes precedence over LOG_LEVEL",
			envVars: map[string]string{"RUNENGINE_LOG_LEVEL": "error", "LOG_LEVEL": "warn"},
			expected: &Config{
				Level: "error", Format: FormatJSON, Output: os.Stderr, AddSource: false,
			},
		},
		{
			name:    "RUNENGINE_DEBUG forces debug and source",
			envVars: map[string]string{"RUNENGINE_DEBUG": "1"},
			expected: &Config{
				Level: "debug", Format: FormatJSON, Output: os.Stderr, AddSource: true,
			},
		},
		{
			name:    "LOG_FORMAT=text",
			envVars: map[string]string{"LOG_FORMAT": "text"},
			expected: &Config{
				Level: "info", Format: FormatText, Output: os.Stderr, AddSource: false,
			},
		},
		{
			name:    "LOG_SOURCE=1",
			envVars: map[string]string{"LOG_SOURCE": "1"},
			expected: &Config{
				Level: "info", Format: FormatJSON, Output: os.Stderr, AddSource: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"RUNENGINE_DEBUG", "RUNENGINE_LOG_LEVEL", "LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE"} {
				os.Unsetenv(k)
			}
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}
			defer func() {
				for k := range tt.envVars {
					os.Unsetenv(k)
				}
			}()

			cfg := FromEnv()
			if cfg.Level != tt.expected.Level {
				t.Errorf("expected level %q, got %q", tt.expected.Level, cfg.Level)
			}
			if cfg.Format != tt.expected.Format {
				t.Errorf("expected format %q, got %q", tt.expected.Format, cfg.Format)
			}
			if cfg.AddSource != tt.expected.AddSource {
				t.Errorf("expected AddSource %v, got %v", tt.expected.AddSource, cfg.AddSource)
			}
		})
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})
	logger.Info("test message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Errorf("expected output to contain 'test message', got: %s", output)
	}

	var logEntry map[string]interface{}
	if err := json.Unmarshal([]byte(output), &logEntry); err != nil {
		t.Fatalf("expected valid JSON output, got error: %v", err)
	}
	if logEntry["msg"] != "test message" {
		t.Errorf("expected msg field to be 'test message', got: %v", logEntry["msg"])
	}
	if logEntry["key"] != "value" {
		t.Errorf("expected key field to be 'value', got: %v", logEntry["key"])
	}
	if logEntry["level"] != "INFO" {
		t.Errorf("expected level field to be 'INFO', got: %v", logEntry["level"])
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatText, Output: &buf})
	logger.Info("test message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Errorf("expected output to contain 'test message', got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("expected output to contain 'key=value', got: %s", output)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if level := parseLevel(tt.input); level != tt.expected {
				t.Errorf("expected level %v, got %v", tt.expected, level)
			}
		})
	}
}

func TestLogLevel_Filtering(t *testing.T) {
	tests := []struct {
		name          string
		configLevel   string
		logFunc       func(*slog.Logger)
		shouldContain bool
	}{
		{"debug at debug", "debug", func(l *slog.Logger) { l.Debug("debug message") }, true},
		{"debug at info", "info", func(l *slog.Logger) { l.Debug("debug message") }, false},
		{"info at info", "info", func(l *slog.Logger) { l.Info("info message") }, true},
		{"info at warn", "warn", func(l *slog.Logger) { l.Info("info message") }, false},
		{"error at error", "error", func(l *slog.Logger) { l.Error("error message") }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(&Config{Level: tt.configLevel, Format: FormatJSON, Output: &buf})
			tt.logFunc(logger)

			contains := buf.Len() > 0
			if contains != tt.shouldContain {
				t.Errorf("expected log output=%v, got output=%v (output: %s)", tt.shouldContain, contains, buf.String())
			}
		})
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	WithComponent(logger, "engine").Info("test message")

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}
	if logEntry[ComponentKey] != "engine" {
		t.Errorf("expected %s to be 'engine', got: %v", ComponentKey, logEntry[ComponentKey])
	}
}

func TestWithRun(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	WithRun(logger, "run_abc123").Info("test message")

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}
	if logEntry[RunIDKey] != "run_abc123" {
		t.Errorf("expected %s to be 'run_abc123', got: %v", RunIDKey, logEntry[RunIDKey])
	}
}

func TestWithSnapshot(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	WithSnapshot(logger, "run_abc123", "snap_1").Info("test message")

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}
	if logEntry[RunIDKey] != "run_abc123" || logEntry[SnapshotIDKey] != "snap_1" {
		t.Errorf("expected run/snapshot ids set, got: %v", logEntry)
	}
}

func TestAddSource(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf, AddSource: true})
	logger.Info("test message")

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}
	source, ok := logEntry["source"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected source to be a map, got: %v", logEntry["source"])
	}
	if _, ok := source["file"]; !ok {
		t.Errorf("expected source.file to be present")
	}
	if _, ok := source["line"]; !ok {
		t.Errorf("expected source.line to be present")
	}
}

func TestAttrHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	logger.Info("test message",
		String("string_key", "string_value"),
		Int("int_key", 42),
		Int64("int64_key", int64(123)),
		Bool("bool_key", true),
		Duration("duration_key", 1500),
	)

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}
	if logEntry["string_key"] != "string_value" {
		t.Errorf("expected string_key to be 'string_value', got: %v", logEntry["string_key"])
	}
	if logEntry["int_key"] != float64(42) {
		t.Errorf("expected int_key to be 42, got: %v", logEntry["int_key"])
	}
	if logEntry["duration_key_ms"] != float64(1500) {
		t.Errorf("expected duration_key_ms to be 1500, got: %v", logEntry["duration_key_ms"])
	}
}

func TestErrorAttr(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "error", Format: FormatJSON, Output: &buf})
	testErr := errors.New("test error")
	logger.Error("test error message", Error(testErr))

	if !strings.Contains(buf.String(), testErr.Error()) {
		t.Errorf("expected error message in output, got: %s", buf.String())
	}
}

func TestNilConfig(t *testing.T) {
	if logger := New(nil); logger == nil {
		t.Errorf("expected non-nil logger when nil config passed")
	}
}

func BenchmarkLogger_JSON(b *testing.B) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info("benchmark message", "iteration", i, "key1", "value1", "key2", "value2")
	}
}
