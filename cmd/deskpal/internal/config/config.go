// Package config loads the deskpal configuration.
//
// Configuration lives in a single YAML file under os.UserConfigDir():
//
//	~/Library/Application Support/deskpal/config.yaml   (macOS)
//	~/.config/deskpal/config.yaml                       (Linux)
//	%AppData%/deskpal/config.yaml                       (Windows)
//
// A missing file yields defaults; secrets can also come from the
// DESKPAL_GATEWAY_TOKEN, MINIMAX_API_KEY and MINIMAX_GROUP_ID
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

const (
	appDir   = "deskpal"
	fileName = "config.yaml"
)

// Config is the root configuration.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	TTS     TTSConfig     `yaml:"tts"`
	Replies Replies       `yaml:"replies"`

	// DataDir holds the task record database. Defaults to a "data"
	// directory next to the config file.
	DataDir string `yaml:"data_dir"`

	path string
}

// GatewayConfig configures the agent gateway connection.
type GatewayConfig struct {
	// Transport selects "websocket" or "mqtt".
	Transport string `yaml:"transport"`

	// URL is the gateway endpoint, e.g. "ws://127.0.0.1:18789" or
	// "tcp://127.0.0.1:1883".
	URL string `yaml:"url"`

	// Token authenticates the session.
	Token string `yaml:"token"`

	// Agent selects the conversation session key.
	Agent string `yaml:"agent"`

	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig applies when Transport is "mqtt".
type MQTTConfig struct {
	ClientID       string `yaml:"client_id"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	PublishTopic   string `yaml:"publish_topic"`
	SubscribeTopic string `yaml:"subscribe_topic"`
}

// TTSConfig configures MiniMax speech synthesis. An empty APIKey
// disables audio output.
type TTSConfig struct {
	APIKey  string  `yaml:"api_key"`
	GroupID string  `yaml:"group_id"`
	BaseURL string  `yaml:"base_url"`
	Model   string  `yaml:"model"`
	VoiceID string  `yaml:"voice_id"`
	Speed   float64 `yaml:"speed"`
}

// Replies overrides the canned reply strings.
type Replies struct {
	NoContent string `yaml:"no_content"`
	Aborted   string `yaml:"aborted"`
	Fallback  string `yaml:"fallback"`
}

// DefaultDir returns the deskpal configuration directory.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine config directory: %w", err)
	}
	return filepath.Join(base, appDir), nil
}

// Load reads the configuration from the default location.
func Load() (*Config, error) {
	dir, err := DefaultDir()
	if err != nil {
		return nil, err
	}
	return LoadFrom(filepath.Join(dir, fileName))
}

// LoadFrom reads the configuration from a specific file. A missing file
// is not an error; defaults apply.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{path: path}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.setDefaults()
	return cfg, nil
}

// Save writes the configuration back to the file it was loaded from.
func (c *Config) Save() error {
	if c.path == "" {
		return fmt.Errorf("config has no file path")
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", c.path, err)
	}
	return nil
}

// Get returns the value at a dotted key path, e.g. "gateway.url".
func (c *Config) Get(key string) (string, error) {
	m, err := c.asMap()
	if err != nil {
		return "", err
	}
	parent, last, err := locate(m, key)
	if err != nil {
		return "", err
	}
	if _, ok := parent[last].(map[string]any); ok {
		return "", fmt.Errorf("%s is a section, not a value", key)
	}
	return fmt.Sprint(parent[last]), nil
}

// Set updates the value at a dotted key path. Numeric and boolean
// fields keep their type; the caller persists with Save.
func (c *Config) Set(key, value string) error {
	m, err := c.asMap()
	if err != nil {
		return err
	}
	parent, last, err := locate(m, key)
	if err != nil {
		return err
	}

	switch parent[last].(type) {
	case map[string]any:
		return fmt.Errorf("%s is a section, not a value", key)
	case bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s wants a boolean: %w", key, err)
		}
		parent[last] = b
	case int, int64, uint64, float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s wants a number: %w", key, err)
		}
		parent[last] = f
	default:
		parent[last] = value
	}

	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("apply %s: %w", key, err)
	}
	return nil
}

// asMap round-trips the configuration through YAML so dotted key paths
// can be resolved against the file's field names.
func (c *Config) asMap() (map[string]any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return m, nil
}

func locate(m map[string]any, key string) (map[string]any, string, error) {
	parts := strings.Split(key, ".")
	for i, p := range parts[:len(parts)-1] {
		sub, ok := m[p].(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("unknown config key %q", strings.Join(parts[:i+1], "."))
		}
		m = sub
	}
	last := parts[len(parts)-1]
	if _, ok := m[last]; !ok {
		return nil, "", fmt.Errorf("unknown config key %q", key)
	}
	return m, last, nil
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DESKPAL_GATEWAY_TOKEN"); v != "" {
		c.Gateway.Token = v
	}
	if v := os.Getenv("MINIMAX_API_KEY"); v != "" {
		c.TTS.APIKey = v
	}
	if v := os.Getenv("MINIMAX_GROUP_ID"); v != "" {
		c.TTS.GroupID = v
	}
}

func (c *Config) setDefaults() {
	if c.Gateway.Transport == "" {
		c.Gateway.Transport = "websocket"
	}
	if c.Gateway.URL == "" {
		if c.Gateway.Transport == "mqtt" {
			c.Gateway.URL = "tcp://127.0.0.1:1883"
		} else {
			c.Gateway.URL = "ws://127.0.0.1:18789"
		}
	}
	if c.Gateway.Agent == "" {
		c.Gateway.Agent = "main"
	}
	if c.Gateway.MQTT.ClientID == "" {
		c.Gateway.MQTT.ClientID = "deskpal"
	}
	if c.Gateway.MQTT.PublishTopic == "" {
		c.Gateway.MQTT.PublishTopic = "deskpal/up"
	}
	if c.Gateway.MQTT.SubscribeTopic == "" {
		c.Gateway.MQTT.SubscribeTopic = "deskpal/down"
	}
	if c.DataDir == "" && c.path != "" {
		c.DataDir = filepath.Join(filepath.Dir(c.path), "data")
	}
}
