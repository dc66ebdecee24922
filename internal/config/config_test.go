package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupFromMap(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(lookupFromMap(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("Mode=%q, want dev", cfg.Mode)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("LogFormat=%q, want text", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel=%v, want debug", cfg.LogLevel)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("ShutdownTimeout=%v", cfg.ShutdownTimeout)
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("AllowedOrigins=%v, want empty", cfg.AllowedOrigins)
	}
	if cfg.StorePath != DefaultStorePath {
		t.Fatalf("StorePath=%q", cfg.StorePath)
	}
	if cfg.WSIdleTimeout != DefaultWSIdleTimeout || cfg.WSPingInterval != DefaultWSPingInterval {
		t.Fatalf("ws timeouts=%v/%v", cfg.WSIdleTimeout, cfg.WSPingInterval)
	}
	if cfg.MaxMessageBytes != DefaultMaxMessageBytes {
		t.Fatalf("MaxMessageBytes=%d", cfg.MaxMessageBytes)
	}
	if cfg.MaxMessagesPerSecond != DefaultMaxMessagesPerSecond {
		t.Fatalf("MaxMessagesPerSecond=%d", cfg.MaxMessagesPerSecond)
	}
	if cfg.RingTimeout != DefaultRingTimeout {
		t.Fatalf("RingTimeout=%v", cfg.RingTimeout)
	}
	if len(cfg.ICEServers) != 0 {
		t.Fatalf("ICEServers=%v, want empty", cfg.ICEServers)
	}
}

func TestLoadProdModeSwitchesLogDefaults(t *testing.T) {
	cfg, err := load(lookupFromMap(map[string]string{envVarMode: "prod"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("Mode=%q", cfg.Mode)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("LogFormat=%q, want json", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel=%v, want info", cfg.LogLevel)
	}
}

func TestLoadModeFlagAdjustsLogDefaults(t *testing.T) {
	cfg, err := load(lookupFromMap(nil), []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON || cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("log defaults did not follow --mode: %q/%v", cfg.LogFormat, cfg.LogLevel)
	}
}

func TestLoadExplicitLogSettingsWinOverMode(t *testing.T) {
	env := map[string]string{
		envVarMode:      "prod",
		envVarLogFormat: "text",
	}
	cfg, err := load(lookupFromMap(env), []string{"--log-level", "warn"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("LogFormat=%q, want explicit text", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Fatalf("LogLevel=%v, want warn", cfg.LogLevel)
	}
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	env := map[string]string{
		envVarListenAddr:  "127.0.0.1:9999",
		envVarRingTimeout: "5s",
	}
	args := []string{"--listen-addr", "0.0.0.0:8443", "--ring-timeout", "10s"}

	cfg, err := load(lookupFromMap(env), args)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:8443" {
		t.Fatalf("ListenAddr=%q", cfg.ListenAddr)
	}
	if cfg.RingTimeout != 10*time.Second {
		t.Fatalf("RingTimeout=%v", cfg.RingTimeout)
	}
}

func TestLoadAllowedOrigins(t *testing.T) {
	env := map[string]string{
		envVarAllowedOrigins: "https://app.example.com, http://localhost:3000,,",
	}
	cfg, err := load(lookupFromMap(env), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"https://app.example.com", "http://localhost:3000"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins=%v, want %v", cfg.AllowedOrigins, want)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Fatalf("AllowedOrigins=%v, want %v", cfg.AllowedOrigins, want)
		}
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		args    []string
		wantErr string
	}{
		{"bad mode", map[string]string{envVarMode: "staging"}, nil, "unsupported mode"},
		{"bad log level", nil, []string{"--log-level", "verbose"}, "unsupported log level"},
		{"bad log format", nil, []string{"--log-format", "xml"}, "unsupported log format"},
		{"bad duration env", map[string]string{envVarRingTimeout: "soon"}, nil, envVarRingTimeout},
		{"zero ring timeout", nil, []string{"--ring-timeout", "0s"}, "--ring-timeout must be > 0"},
		{"ping >= idle", nil, []string{"--ws-ping-interval", "2m", "--ws-idle-timeout", "1m"}, "--ws-ping-interval must be <"},
		{"zero message size", nil, []string{"--max-message-bytes", "0"}, "--max-message-bytes must be > 0"},
		{"bad message rate", map[string]string{envVarMaxMessagesPerSecond: "lots"}, nil, envVarMaxMessagesPerSecond},
		{"empty store path", map[string]string{envVarStorePath: " "}, nil, "--store-path must not be empty"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(lookupFromMap(tc.env), tc.args)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestNewLoggerFormats(t *testing.T) {
	for _, format := range []LogFormat{LogFormatText, LogFormatJSON} {
		logger, err := NewLogger(Config{LogFormat: format, LogLevel: slog.LevelInfo})
		if err != nil {
			t.Fatalf("NewLogger(%q): %v", format, err)
		}
		if logger == nil {
			t.Fatalf("NewLogger(%q) returned nil logger", format)
		}
	}
	if _, err := NewLogger(Config{LogFormat: "xml"}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}
