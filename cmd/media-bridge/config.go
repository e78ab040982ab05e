package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the bridge.
//
// Precedence, lowest first: DefaultConfig, the config file, environment
// variables, command-line flags. Validate runs last.
type Config struct {
	MQTT     MQTTConfig     `yaml:"mqtt"`
	CEC      CECConfig      `yaml:"cec"`
	Audio    AudioConfig    `yaml:"audio"`
	State    StateConfig    `yaml:"state"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	IPC      IPCConfig      `yaml:"ipc"`
	Status   StatusConfig   `yaml:"status"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type MQTTConfig struct {
	Host        string          `yaml:"host"`
	Port        int             `yaml:"port"`
	Username    string          `yaml:"username,omitempty"`
	Password    string          `yaml:"password,omitempty"`
	ClientID    string          `yaml:"client_id"`
	TopicPrefix string          `yaml:"topic_prefix"`
	Keepalive   time.Duration   `yaml:"keepalive"`
	Reconnect   ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

type CECConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Device       string        `yaml:"device"`
	PollInterval time.Duration `yaml:"poll_interval"`
	VolumeStep   int           `yaml:"volume_step"`
	PulseSink    string        `yaml:"pulse_sink,omitempty"` // empty: default sink
	TVAsSource   bool          `yaml:"tv_as_source"`
}

type AudioConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Bus          string        `yaml:"bus"` // "session" or "system"
	PollInterval time.Duration `yaml:"poll_interval"`
	StaleAfter   time.Duration `yaml:"stale_after"`
	// Backends maps extra backend ids to a source ("spotify", "airplay").
	Backends map[string]string `yaml:"backends,omitempty"`
}

type StateConfig struct {
	MinPublishInterval time.Duration `yaml:"min_publish_interval"`
}

type DispatchConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	Backoff       time.Duration `yaml:"backoff"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	QueueSize     int           `yaml:"queue_size"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type StatusConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Advertise bool   `yaml:"advertise"` // mDNS _media-bridge._tcp
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	return Config{
		MQTT: MQTTConfig{
			Host:        "localhost",
			Port:        defaultMQTTPort,
			ClientID:    defaultClientID,
			TopicPrefix: defaultTopicPrefix,
			Keepalive:   defaultKeepalive,
			Reconnect: ReconnectConfig{
				MinDelay: defaultReconnectMin,
				MaxDelay: defaultReconnectMax,
			},
		},
		CEC: CECConfig{
			Enabled:      true,
			Device:       defaultCECDevice,
			PollInterval: defaultCECPollInterval,
			VolumeStep:   defaultVolumeStep,
		},
		Audio: AudioConfig{
			Enabled:      true,
			Bus:          "session",
			PollInterval: defaultMPRISPollInterval,
			StaleAfter:   defaultStaleAfter,
		},
		State: StateConfig{
			MinPublishInterval: defaultMinPublishInterval,
		},
		Dispatch: DispatchConfig{
			MaxRetries:    defaultMaxRetries,
			Backoff:       defaultRetryBackoff,
			ShutdownGrace: defaultShutdownGrace,
			QueueSize:     defaultCommandQueueSize,
		},
		IPC: IPCConfig{
			SocketPath: defaultIPCSocket,
		},
		Status: StatusConfig{
			Enabled: false,
			Listen:  defaultStatusListen,
			Path:    defaultStatusPath,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultConfigPaths lists the locations searched when no --config is given.
func DefaultConfigPaths() []string {
	return []string{
		"/etc/media-bridge/config.yaml",
		"~/.config/media-bridge/config.yaml",
		"config.yaml",
	}
}

// FindConfigFile returns the first existing path, or "" if none exists.
func FindConfigFile(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(ExpandPath(p)); err == nil {
			return p
		}
	}
	return ""
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
// Unknown fields and trailing documents are rejected.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, &ConfigError{Err: errors.New("config path is empty")}
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Config{}, &ConfigError{Err: fmt.Errorf("config file %s not found", path)}
		}
		return Config{}, &ConfigError{Err: fmt.Errorf("read config file: %w", err)}
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		// An empty file is a valid "all defaults" config.
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return Config{}, &ConfigError{Err: fmt.Errorf("decode config yaml: %w", err)}
	}
	// KnownFields would reject a trailing document decoded into a struct, so
	// decode into a node and require EOF.
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, &ConfigError{Err: errors.New("decode config yaml: unexpected trailing document")}
	}
	return cfg, nil
}

// ApplyEnv applies the supported environment variables. lookup is
// os.LookupEnv in production.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	num := func(name, key string, dst *int) error {
		v, ok := lookup(name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return configErrorf(key, "%s=%q is not an integer", name, v)
		}
		*dst = n
		return nil
	}
	flag := func(name, key string, dst *bool) error {
		v, ok := lookup(name)
		if !ok {
			return nil
		}
		b, err := parseEnvBool(v)
		if err != nil {
			return configErrorf(key, "%s=%q is not a boolean", name, v)
		}
		*dst = b
		return nil
	}

	str("MQTT_HOST", &cfg.MQTT.Host)
	if err := num("MQTT_PORT", "mqtt.port", &cfg.MQTT.Port); err != nil {
		return err
	}
	str("MQTT_USERNAME", &cfg.MQTT.Username)
	str("MQTT_PASSWORD", &cfg.MQTT.Password)
	str("MQTT_TOPIC_PREFIX", &cfg.MQTT.TopicPrefix)
	str("MQTT_CLIENT_ID", &cfg.MQTT.ClientID)
	if err := flag("CEC_ENABLED", "cec.enabled", &cfg.CEC.Enabled); err != nil {
		return err
	}
	str("CEC_DEVICE", &cfg.CEC.Device)
	if err := flag("AUDIO_ENABLED", "audio.enabled", &cfg.Audio.Enabled); err != nil {
		return err
	}
	str("LOG_LEVEL", &cfg.Logging.Level)
	return nil
}

func parseEnvBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", v)
}

// FlagOverrides carries command-line overrides. A nil pointer means the
// flag was not given; a non-nil pointer is applied even if it holds a zero
// value.
type FlagOverrides struct {
	MQTTHost    *string
	MQTTPort    *int
	TopicPrefix *string
	LogLevel    *string
	IPCSocket   *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.MQTTHost != nil {
		cfg.MQTT.Host = *o.MQTTHost
	}
	if o.MQTTPort != nil {
		cfg.MQTT.Port = *o.MQTTPort
	}
	if o.TopicPrefix != nil {
		cfg.MQTT.TopicPrefix = *o.TopicPrefix
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.IPCSocket != nil {
		cfg.IPC.SocketPath = *o.IPCSocket
	}
}

// Validate checks config invariants. Errors are *ConfigError naming the key.
func (c *Config) Validate() error {
	// MQTT
	if strings.TrimSpace(c.MQTT.Host) == "" {
		return configErrorf("mqtt.host", "must not be empty")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return configErrorf("mqtt.port", "must be between 1 and 65535, got %d", c.MQTT.Port)
	}
	if c.MQTT.ClientID == "" {
		return configErrorf("mqtt.client_id", "must not be empty")
	}
	if c.MQTT.Password != "" && c.MQTT.Username == "" {
		return configErrorf("mqtt.username", "must be set when mqtt.password is set")
	}
	prefix := strings.Trim(c.MQTT.TopicPrefix, "/")
	if prefix == "" {
		return configErrorf("mqtt.topic_prefix", "must not be empty")
	}
	if strings.ContainsAny(prefix, "+#") {
		return configErrorf("mqtt.topic_prefix", "must not contain wildcards")
	}
	c.MQTT.TopicPrefix = prefix
	if c.MQTT.Keepalive < time.Second {
		return configErrorf("mqtt.keepalive", "must be at least 1s")
	}
	if c.MQTT.Reconnect.MinDelay <= 0 {
		return configErrorf("mqtt.reconnect.min_delay", "must be > 0")
	}
	if c.MQTT.Reconnect.MaxDelay < c.MQTT.Reconnect.MinDelay {
		return configErrorf("mqtt.reconnect.max_delay", "must be >= mqtt.reconnect.min_delay")
	}

	// CEC
	if c.CEC.Enabled {
		if c.CEC.Device == "" {
			return configErrorf("cec.device", "must not be empty when cec.enabled")
		}
		if c.CEC.PollInterval <= 0 {
			return configErrorf("cec.poll_interval", "must be > 0")
		}
	}
	if c.CEC.VolumeStep < 1 || c.CEC.VolumeStep > maxVolume {
		return configErrorf("cec.volume_step", "must be between 1 and %d", maxVolume)
	}

	// Audio
	if c.Audio.Enabled {
		if c.Audio.Bus != "session" && c.Audio.Bus != "system" {
			return configErrorf("audio.bus", "must be %q or %q", "session", "system")
		}
		if c.Audio.PollInterval <= 0 {
			return configErrorf("audio.poll_interval", "must be > 0")
		}
	}
	if c.Audio.StaleAfter < 0 {
		return configErrorf("audio.stale_after", "must be >= 0")
	}
	if c.Audio.StaleAfter > 0 && c.Audio.Enabled && c.Audio.StaleAfter <= c.Audio.PollInterval {
		return configErrorf("audio.stale_after", "must be longer than audio.poll_interval")
	}
	for id, src := range c.Audio.Backends {
		if id == "" {
			return configErrorf("audio.backends", "backend id must not be empty")
		}
		if !backendSource(Source(strings.ToLower(src))) {
			return configErrorf("audio.backends."+id, "source must be %q or %q", SourceSpotify, SourceAirPlay)
		}
	}

	// State / dispatch
	if c.State.MinPublishInterval < 0 {
		return configErrorf("state.min_publish_interval", "must be >= 0")
	}
	if c.Dispatch.MaxRetries < 0 || c.Dispatch.MaxRetries > 10 {
		return configErrorf("dispatch.max_retries", "must be between 0 and 10")
	}
	if c.Dispatch.Backoff < 0 {
		return configErrorf("dispatch.backoff", "must be >= 0")
	}
	if c.Dispatch.ShutdownGrace <= 0 {
		return configErrorf("dispatch.shutdown_grace", "must be > 0")
	}
	if c.Dispatch.QueueSize < 1 {
		return configErrorf("dispatch.queue_size", "must be >= 1")
	}

	// Status
	if c.Status.Enabled {
		if c.Status.Listen == "" {
			return configErrorf("status.listen", "must not be empty when status.enabled")
		}
		if !strings.HasPrefix(c.Status.Path, "/") {
			return configErrorf("status.path", "must start with /")
		}
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return &ConfigError{Key: "logging.level", Err: err}
	}
	return nil
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
