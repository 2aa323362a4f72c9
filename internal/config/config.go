package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tutorlink/tui/internal/recording"
	"github.com/tutorlink/tui/internal/session"
	"gopkg.in/yaml.v3"
)

type Config struct {
	API       APIConfig       `yaml:"api"`
	Auth      AuthConfig      `yaml:"auth"`
	User      UserConfig      `yaml:"user"`
	Recording RecordingConfig `yaml:"recording"`
	Cache     CacheConfig     `yaml:"cache"`
	Log       LogConfig       `yaml:"log"`
}

type APIConfig struct {
	BaseURL string `yaml:"base_url"`
	// EventsURL defaults to the base URL's /api/sessions/events over ws(s).
	EventsURL string        `yaml:"events_url"`
	Timeout   time.Duration `yaml:"timeout"`
}

type AuthConfig struct {
	TokenFile string `yaml:"token_file"`
}

type UserConfig struct {
	Role string `yaml:"role"`
}

type RecordingConfig struct {
	Dir        string        `yaml:"dir"`
	Command    string        `yaml:"command"`
	Args       []string      `yaml:"args"`
	Microphone string        `yaml:"microphone"`
	StopGrace  time.Duration `yaml:"stop_grace"`
}

type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// File receives the log. "-" discards it.
	File string `yaml:"file"`
}

func defaultConfig() *Config {
	state := stateDir()
	return &Config{
		API: APIConfig{
			BaseURL: "http://127.0.0.1:8080",
			Timeout: 15 * time.Second,
		},
		Auth: AuthConfig{
			TokenFile: filepath.Join(configDir(), "token"),
		},
		User: UserConfig{
			Role: string(session.RoleStudent),
		},
		Recording: RecordingConfig{
			Dir:        filepath.Join(state, "recordings"),
			Command:    "arecord",
			Args:       []string{"-q", "-f", "cd", "-t", "wav", recording.PathPlaceholder},
			Microphone: "ask",
			StopGrace:  3 * time.Second,
		},
		Cache: CacheConfig{
			Enabled: true,
			Path:    filepath.Join(state, "cache.db"),
		},
		Log: LogConfig{
			Level: "info",
			File:  filepath.Join(state, "tutorlink.log"),
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// Validate checks the values Load cannot fix up on its own.
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.base_url %q must be an http(s) URL", c.API.BaseURL)
	}
	if c.API.EventsURL != "" {
		u, err := url.Parse(c.API.EventsURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("api.events_url %q must be a ws(s) URL", c.API.EventsURL)
		}
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive, got %v", c.API.Timeout)
	}
	if _, err := session.ParseRole(c.User.Role); err != nil {
		return fmt.Errorf("user.role: %w", err)
	}
	if _, err := recording.ParseDecision(c.Recording.Microphone); err != nil {
		return fmt.Errorf("recording.microphone: %w", err)
	}
	if c.Recording.StopGrace < 0 {
		return fmt.Errorf("recording.stop_grace must not be negative")
	}
	if c.Cache.Enabled && c.Cache.Path == "" {
		return fmt.Errorf("cache.path is required when the cache is enabled")
	}
	if c.Log.Level != "" {
		if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
	}
	return nil
}

// Role is the parsed user.role. Call after Validate.
func (c *Config) Role() session.Role {
	r, err := session.ParseRole(c.User.Role)
	if err != nil {
		return session.RoleStudent
	}
	return r
}

// Microphone is the parsed recording.microphone. Call after Validate.
func (c *Config) Microphone() recording.Decision {
	d, _ := recording.ParseDecision(c.Recording.Microphone)
	return d
}

func (c *Config) expandPaths() {
	for _, p := range []*string{&c.Auth.TokenFile, &c.Recording.Dir, &c.Cache.Path, &c.Log.File} {
		*p = expandHome(*p)
	}
}

// expandHome resolves a leading "~/" against the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func stateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "tutorlink")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "tutorlink")
	}
	return filepath.Join(os.TempDir(), "tutorlink")
}

func configDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tutorlink")
	}
	return filepath.Join(os.TempDir(), "tutorlink")
}

// DefaultPath is where the config file is looked up when no -config flag
// is given.
func DefaultPath() string {
	return filepath.Join(configDir(), "config.yaml")
}
