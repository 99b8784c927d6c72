package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the mpdmqtt daemon.
//
// Keep defaults and validation centralized so the rest of the code can assume
// a well-formed config.
type Config struct {
	// MPD connection
	MPD MPDConfig `yaml:"mpd"`

	// MQTT broker connection and topic layout
	MQTT MQTTConfig `yaml:"mqtt"`

	// Reconnect policy for both connections
	Backoff BackoffConfig `yaml:"backoff"`

	// HTTP status + websocket state feed
	Status StatusConfig `yaml:"status"`

	// Local control socket (mpdmqtt-ctl)
	IPC IPCConfig `yaml:"ipc"`

	// Linux input devices (IR remotes, media keys, rotary encoders)
	Input InputConfig `yaml:"input"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

type MPDConfig struct {
	Host        string `yaml:"host"` // hostname, or absolute path to a unix socket
	Port        int    `yaml:"port"`
	TimeoutMS   int    `yaml:"timeout_ms"`
	KeepaliveMS int    `yaml:"keepalive_ms"`
}

type MQTTConfig struct {
	BrokerURL    string `yaml:"broker_url"`
	ClientID     string `yaml:"client_id,omitempty"` // empty = random
	TopicBase    string `yaml:"topic_base"`
	QoS          int    `yaml:"qos"`
	Retain       bool   `yaml:"retain"`
	TimeoutMS    int    `yaml:"timeout_ms"`
	KeepAliveSec int    `yaml:"keepalive_sec"`
}

type BackoffConfig struct {
	InitialMS int `yaml:"initial_ms"`
	MaxMS     int `yaml:"max_ms"`
}

type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type IPCConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

type InputConfig struct {
	Devices    []string `yaml:"devices,omitempty"` // empty disables input handling
	VolumeStep int      `yaml:"volume_step"`

	// Rotary encoder fast-spin detection
	RotaryWindowMS   int `yaml:"rotary_window_ms"`
	RotaryThreshold  int `yaml:"rotary_threshold"`
	RotaryMultiplier int `yaml:"rotary_multiplier"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	return Config{
		MPD: MPDConfig{
			Host:        "localhost",
			Port:        6600,
			TimeoutMS:   defaultMPDTimeoutMS,
			KeepaliveMS: defaultMPDKeepaliveMS,
		},
		MQTT: MQTTConfig{
			BrokerURL:    "tcp://localhost:1883",
			TopicBase:    "mpd",
			QoS:          0,
			Retain:       false,
			TimeoutMS:    defaultMQTTTimeoutMS,
			KeepAliveSec: 30,
		},
		Backoff: BackoffConfig{
			InitialMS: defaultBackoffInitialMS,
			MaxMS:     defaultBackoffMaxMS,
		},
		Status: StatusConfig{
			Enabled: true,
			Listen:  "127.0.0.1:6680",
		},
		IPC: IPCConfig{
			Enabled:    true,
			SocketPath: "/tmp/mpdmqtt.sock",
		},
		Input: InputConfig{
			VolumeStep:       defaultVolumeStep,
			RotaryWindowMS:   defaultRotaryWindowMS,
			RotaryThreshold:  defaultRotaryThreshold,
			RotaryMultiplier: defaultRotaryMultiplier,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
// Unknown fields are rejected to catch typos.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	if err := dec.Decode(new(yaml.Node)); !errors.Is(err, io.EOF) {
		return Config{}, errors.New("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides holds values from command-line flags. A nil pointer means the
// flag was not given; a non-nil pointer is applied even if it is a zero value.
type FlagOverrides struct {
	MPDHost      *string
	MPDPort      *int
	MPDTimeoutMS *int

	MQTTBrokerURL *string
	MQTTClientID  *string
	MQTTTopicBase *string
	MQTTRetain    *bool

	StatusListen  *string
	IPCSocketPath *string
	InputDevices  *string // comma-separated

	LogLevel *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.MPDHost != nil {
		cfg.MPD.Host = *o.MPDHost
	}
	if o.MPDPort != nil {
		cfg.MPD.Port = *o.MPDPort
	}
	if o.MPDTimeoutMS != nil {
		cfg.MPD.TimeoutMS = *o.MPDTimeoutMS
	}

	if o.MQTTBrokerURL != nil {
		cfg.MQTT.BrokerURL = *o.MQTTBrokerURL
	}
	if o.MQTTClientID != nil {
		cfg.MQTT.ClientID = *o.MQTTClientID
	}
	if o.MQTTTopicBase != nil {
		cfg.MQTT.TopicBase = *o.MQTTTopicBase
	}
	if o.MQTTRetain != nil {
		cfg.MQTT.Retain = *o.MQTTRetain
	}

	if o.StatusListen != nil {
		cfg.Status.Listen = *o.StatusListen
		cfg.Status.Enabled = *o.StatusListen != ""
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
		cfg.IPC.Enabled = *o.IPCSocketPath != ""
	}
	if o.InputDevices != nil {
		cfg.Input.Devices = splitList(*o.InputDevices)
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks config invariants and returns a user-friendly error.
// Call it after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	// MPD
	if c.MPD.Host == "" {
		return errors.New("mpd.host must not be empty")
	}
	if !strings.HasPrefix(c.MPD.Host, "/") && (c.MPD.Port <= 0 || c.MPD.Port > 65535) {
		return errors.New("mpd.port must be between 1 and 65535")
	}
	if c.MPD.TimeoutMS <= 0 {
		return errors.New("mpd.timeout_ms must be > 0")
	}
	if c.MPD.KeepaliveMS < 0 {
		return errors.New("mpd.keepalive_ms must be >= 0")
	}

	// MQTT
	if c.MQTT.BrokerURL == "" {
		return errors.New("mqtt.broker_url must not be empty")
	}
	u, err := url.Parse(c.MQTT.BrokerURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("mqtt.broker_url is not a valid URL: %q", c.MQTT.BrokerURL)
	}
	switch u.Scheme {
	case "tcp", "mqtt", "ws":
	default:
		return fmt.Errorf("mqtt.broker_url scheme must be tcp, mqtt or ws (got %q)", u.Scheme)
	}
	if strings.ContainsAny(c.MQTT.TopicBase, "+#") {
		return errors.New("mqtt.topic_base must not contain wildcards")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return errors.New("mqtt.qos must be 0, 1 or 2")
	}
	if c.MQTT.TimeoutMS <= 0 {
		return errors.New("mqtt.timeout_ms must be > 0")
	}
	if c.MQTT.KeepAliveSec < 0 {
		return errors.New("mqtt.keepalive_sec must be >= 0")
	}

	// Backoff
	if c.Backoff.InitialMS <= 0 {
		return errors.New("backoff.initial_ms must be > 0")
	}
	if c.Backoff.MaxMS < c.Backoff.InitialMS {
		return errors.New("backoff.max_ms must be >= backoff.initial_ms")
	}

	// Status / IPC
	if c.Status.Enabled && c.Status.Listen == "" {
		return errors.New("status.enabled is true but status.listen is empty")
	}
	if c.IPC.Enabled && c.IPC.SocketPath == "" {
		return errors.New("ipc.enabled is true but ipc.socket_path is empty")
	}

	// Input
	for i, dev := range c.Input.Devices {
		if dev == "" {
			return fmt.Errorf("input.devices[%d] is empty", i)
		}
	}
	if c.Input.VolumeStep <= 0 || c.Input.VolumeStep > 100 {
		return errors.New("input.volume_step must be between 1 and 100")
	}
	if c.Input.RotaryWindowMS < 0 {
		return errors.New("input.rotary_window_ms must be >= 0")
	}
	if c.Input.RotaryMultiplier < 1 {
		return errors.New("input.rotary_multiplier must be >= 1")
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
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
