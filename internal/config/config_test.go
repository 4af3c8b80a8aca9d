package config

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	// Create a temp config file
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// When no config exists anywhere, should error
	// (Save and restore CWD to avoid finding the repo's config.yaml)
	dir := t.TempDir()
	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("providers:\n  director:\n    key: ${PLAYERTXT_TEST_KEY}\n"), 0600)
	t.Setenv("PLAYERTXT_TEST_KEY", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Providers.Director.Key != "secret123" {
		t.Errorf("director key = %q, want %q", cfg.Providers.Director.Key, "secret123")
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("data_dir: /var/lib/playertxt\n"), 0600)
	t.Setenv("PORT", "")
	t.Setenv("PLAYERTXT_STORAGE_DSN", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Providers.Director.Provider != "gemini" {
		t.Errorf("director provider = %q, want gemini", cfg.Providers.Director.Provider)
	}
	if cfg.Providers.Workhorse.Provider != "ollama" {
		t.Errorf("workhorse provider = %q, want ollama", cfg.Providers.Workhorse.Provider)
	}
	if want := filepath.Join("/var/lib/playertxt", "playertxt.db"); cfg.Storage.DSN != want {
		t.Errorf("storage dsn = %q, want %q", cfg.Storage.DSN, want)
	}
	if cfg.Preflight.IntervalSec != 30 {
		t.Errorf("preflight interval = %d, want 30", cfg.Preflight.IntervalSec)
	}
	if cfg.Mission.TickIntervalSec != 1 {
		t.Errorf("tick interval = %d, want 1", cfg.Mission.TickIntervalSec)
	}
	if cfg.Mission.DefaultDurationMinutes != 30 {
		t.Errorf("default duration = %d, want 30", cfg.Mission.DefaultDurationMinutes)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("providers:\n  gemini_api_key: from-file\n"), 0600)
	t.Setenv("GEMINI_API_KEY", "from-env")
	t.Setenv("OLLAMA_URL", "http://gpu-box:11434")
	t.Setenv("PORT", "9090")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Providers.GeminiAPIKey != "from-env" {
		t.Errorf("gemini key = %q, want from-env", cfg.Providers.GeminiAPIKey)
	}
	if cfg.Providers.OllamaURL != "http://gpu-box:11434" {
		t.Errorf("ollama url = %q", cfg.Providers.OllamaURL)
	}
	if cfg.Listen.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Listen.Port)
	}
}

func TestLoad_UnknownProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("providers:\n  workhorse:\n    provider: skynet\n"), 0600)

	if _, err := Load(path); err == nil {
		t.Fatal("Load should reject an unknown provider")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "mysql without dsn", mutate: func(c *Config) {
			c.Storage.Driver = "mysql"
			c.Storage.DSN = ""
		}, wantErr: true},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "oracle" }, wantErr: true},
		{name: "autopilot missing cron", mutate: func(c *Config) {
			c.Mission.Autopilot = []AutopilotConfig{{WorldID: 1}}
		}, wantErr: true},
		{name: "autopilot bad world", mutate: func(c *Config) {
			c.Mission.Autopilot = []AutopilotConfig{{Cron: "0 20 * * 5"}}
		}, wantErr: true},
		{name: "mqtt without broker", mutate: func(c *Config) { c.MQTT.Enabled = true }, wantErr: true},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "verbose" }, wantErr: true},
		{name: "json logs", mutate: func(c *Config) { c.LogFormat = "json" }},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "logfmt" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProvidersConfig_WithOverrides(t *testing.T) {
	base := Default().Providers
	got := base.WithOverrides(map[string]string{
		KeyWorkhorseProvider: "OpenRouter",
		KeyWorkhorseModel:    "meta-llama/llama-3-8b-instruct",
		KeyDirectorKey:       "  ",
		"UNRELATED":          "ignored",
	})

	if got.Workhorse.Provider != "openrouter" {
		t.Errorf("workhorse provider = %q, want openrouter", got.Workhorse.Provider)
	}
	if got.Workhorse.Model != "meta-llama/llama-3-8b-instruct" {
		t.Errorf("workhorse model = %q", got.Workhorse.Model)
	}
	if got.Director.Key != base.Director.Key {
		t.Errorf("blank override should be ignored, director key = %q", got.Director.Key)
	}
	if base.Workhorse.Provider != "ollama" {
		t.Error("WithOverrides modified its receiver")
	}
}

func TestProvidersConfig_FlattenMasksSecrets(t *testing.T) {
	p := ProvidersConfig{GeminiAPIKey: "AIzaSyExample1234", Director: RoleConfig{Key: "abc"}}
	flat := p.Flatten()
	if flat[KeyGeminiAPIKey] != "****1234" {
		t.Errorf("gemini key = %q, want ****1234", flat[KeyGeminiAPIKey])
	}
	if flat[KeyDirectorKey] != "****" {
		t.Errorf("director key = %q, want ****", flat[KeyDirectorKey])
	}
	if flat[KeyOpenRouterAPIKey] != "" {
		t.Errorf("empty key should stay empty, got %q", flat[KeyOpenRouterAPIKey])
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "", want: slog.LevelInfo},
		{in: "TRACE", want: LevelTrace},
		{in: " debug ", want: slog.LevelDebug},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "loud", want: slog.LevelInfo, wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "json")
	logger.Log(context.Background(), LevelTrace, "wire payload", "bytes", 12)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("json output did not decode: %v\n%s", err, buf.String())
	}
	if rec["level"] != "TRACE" || rec["msg"] != "wire payload" {
		t.Errorf("record = %v", rec)
	}

	buf.Reset()
	NewLogger(&buf, slog.LevelInfo, "text").Debug("hidden")
	NewLogger(&buf, slog.LevelInfo, "").Info("shown")
	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, "msg=shown") {
		t.Errorf("text output = %q", out)
	}
}
