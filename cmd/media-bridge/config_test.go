package main

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestParseConfig_OverlaysDefaults(t *testing.T) {
	cfg, err := parseConfig([]byte(`
mqtt:
  host: broker.lan
  topic_prefix: /media/den/
  reconnect:
    max_delay: 30s
cec:
  tv_as_source: true
audio:
  stale_after: 1m
  backends:
    mopidy: spotify
`))
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.MQTT.Host != "broker.lan" || cfg.MQTT.Port != defaultMQTTPort {
		t.Fatalf("mqtt = %+v", cfg.MQTT)
	}
	if cfg.MQTT.TopicPrefix != "media/den" {
		t.Fatalf("topic prefix not trimmed: %q", cfg.MQTT.TopicPrefix)
	}
	if cfg.MQTT.Reconnect.MinDelay != defaultReconnectMin || cfg.MQTT.Reconnect.MaxDelay != 30*time.Second {
		t.Fatalf("reconnect = %+v", cfg.MQTT.Reconnect)
	}
	if !cfg.CEC.TVAsSource || !cfg.CEC.Enabled {
		t.Fatalf("cec = %+v", cfg.CEC)
	}
	if cfg.Audio.StaleAfter != time.Minute || cfg.Audio.Backends["mopidy"] != "spotify" {
		t.Fatalf("audio = %+v", cfg.Audio)
	}
}

func TestParseConfig_Empty(t *testing.T) {
	cfg, err := parseConfig(nil)
	if err != nil {
		t.Fatalf("empty config: %v", err)
	}
	if cfg.MQTT.ClientID != defaultClientID {
		t.Fatalf("empty config should be all defaults: %+v", cfg.MQTT)
	}
}

func TestParseConfig_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":     "mqtt:\n  hots: x\n",
		"trailing document": "mqtt:\n  host: a\n---\nmqtt:\n  host: b\n",
		"bad duration":      "audio:\n  stale_after: soon\n",
	}
	for name, body := range cases {
		_, err := parseConfig([]byte(body))
		var ce *ConfigError
		if !errors.As(err, &ce) {
			t.Errorf("%s: expected ConfigError, got %v", name, err)
		}
	}
}

func TestValidate_NamesOffendingKey(t *testing.T) {
	cases := []struct {
		key    string
		mutate func(*Config)
	}{
		{"mqtt.host", func(c *Config) { c.MQTT.Host = " " }},
		{"mqtt.port", func(c *Config) { c.MQTT.Port = 70000 }},
		{"mqtt.topic_prefix", func(c *Config) { c.MQTT.TopicPrefix = "media/#" }},
		{"mqtt.topic_prefix", func(c *Config) { c.MQTT.TopicPrefix = "/" }},
		{"mqtt.username", func(c *Config) { c.MQTT.Password = "secret" }},
		{"mqtt.reconnect.max_delay", func(c *Config) { c.MQTT.Reconnect.MaxDelay = time.Millisecond }},
		{"cec.volume_step", func(c *Config) { c.CEC.VolumeStep = 0 }},
		{"audio.bus", func(c *Config) { c.Audio.Bus = "user" }},
		{"audio.stale_after", func(c *Config) { c.Audio.StaleAfter = time.Second }},
		{"audio.backends.vlc", func(c *Config) { c.Audio.Backends = map[string]string{"vlc": "radio"} }},
		{"audio.backends.kodi", func(c *Config) { c.Audio.Backends = map[string]string{"kodi": "tv"} }},
		{"dispatch.max_retries", func(c *Config) { c.Dispatch.MaxRetries = -1 }},
		{"dispatch.queue_size", func(c *Config) { c.Dispatch.QueueSize = 0 }},
		{"status.path", func(c *Config) { c.Status.Enabled = true; c.Status.Path = "ws" }},
		{"logging.level", func(c *Config) { c.Logging.Level = "trace" }},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(&cfg)
		err := cfg.Validate()
		var ce *ConfigError
		if !errors.As(err, &ce) || ce.Key != tc.key {
			t.Errorf("expected ConfigError for %s, got %v", tc.key, err)
		}
	}
}

func TestValidate_DisabledSectionsSkipChecks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CEC.Enabled = false
	cfg.CEC.Device = ""
	cfg.Audio.Enabled = false
	cfg.Audio.Bus = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled sections should not be validated: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := ApplyEnv(&cfg, envMap(map[string]string{
		"MQTT_HOST":         "10.0.0.2",
		"MQTT_PORT":         "8883",
		"MQTT_USERNAME":     "bridge",
		"MQTT_PASSWORD":     "pw",
		"MQTT_TOPIC_PREFIX": "home/tv",
		"CEC_ENABLED":       "false",
		"AUDIO_ENABLED":     "yes",
		"LOG_LEVEL":         "debug",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.MQTT.Host != "10.0.0.2" || cfg.MQTT.Port != 8883 || cfg.MQTT.Username != "bridge" || cfg.MQTT.TopicPrefix != "home/tv" {
		t.Fatalf("mqtt = %+v", cfg.MQTT)
	}
	if cfg.CEC.Enabled || !cfg.Audio.Enabled || cfg.Logging.Level != "debug" {
		t.Fatalf("flags not applied: cec=%v audio=%v level=%s", cfg.CEC.Enabled, cfg.Audio.Enabled, cfg.Logging.Level)
	}

	err = ApplyEnv(&cfg, envMap(map[string]string{"MQTT_PORT": "eighty"}))
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Key != "mqtt.port" {
		t.Fatalf("expected mqtt.port ConfigError, got %v", err)
	}
	err = ApplyEnv(&cfg, envMap(map[string]string{"CEC_ENABLED": "maybe"}))
	if !errors.As(err, &ce) || ce.Key != "cec.enabled" {
		t.Fatalf("expected cec.enabled ConfigError, got %v", err)
	}
}

func TestLoadConfig_Precedence(t *testing.T) {
	path := writeConfig(t, "mqtt:\n  host: from-file\n  port: 1000\n  client_id: file-client\n")
	env := envMap(map[string]string{"MQTT_HOST": "from-env", "MQTT_PORT": "2000"})
	port := 3000

	cfg, source, err := loadConfig(path, env, FlagOverrides{MQTTPort: &port})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if source != path {
		t.Fatalf("source = %q, want %q", source, path)
	}
	if cfg.MQTT.Host != "from-env" {
		t.Fatalf("env should override file: host = %q", cfg.MQTT.Host)
	}
	if cfg.MQTT.Port != 3000 {
		t.Fatalf("flag should override env: port = %d", cfg.MQTT.Port)
	}
	if cfg.MQTT.ClientID != "file-client" {
		t.Fatalf("file value lost: client_id = %q", cfg.MQTT.ClientID)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	none := envMap(nil)

	_, _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), none, FlagOverrides{})
	var ce *ConfigError
	if !errors.As(err, &ce) || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("missing file: got %v", err)
	}

	bad := ""
	path := writeConfig(t, "logging:\n  level: info\n")
	_, _, err = loadConfig(path, none, FlagOverrides{MQTTHost: &bad})
	if !errors.As(err, &ce) || ce.Key != "mqtt.host" {
		t.Fatalf("empty host flag: got %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandPath("~/x/config.yaml"); got != filepath.Join(home, "x/config.yaml") {
		t.Fatalf("ExpandPath = %q", got)
	}
	if got := ExpandPath("/etc/x"); got != "/etc/x" {
		t.Fatalf("absolute path changed: %q", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"error": slog.LevelError, "WARN": slog.LevelWarn, "warning": slog.LevelWarn,
		" info ": slog.LevelInfo, "debug": slog.LevelDebug,
	} {
		got, err := parseLogLevel(in)
		if err != nil || got != want {
			t.Errorf("parseLogLevel(%q) = %v,%v; want %v", in, got, err, want)
		}
	}
	if _, err := parseLogLevel("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestSetupLogger_LevelAndBridgeAttr(t *testing.T) {
	var buf strings.Builder
	logger := setupLogger(&buf, slog.LevelInfo, "kitchen")
	logger.Debug("hidden")
	logger.Info("shown", "component", "mqtt")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record written at info level: %q", out)
	}
	if !strings.Contains(out, "bridge=kitchen") || !strings.Contains(out, "component=mqtt") {
		t.Fatalf("missing attributes: %q", out)
	}
}
