package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/giftpulse/instance/internal/group"
)

// EnvPrefix prefixes every environment override. Levels are separated by
// a double underscore: GIFTPULSE_SERVER__PORT sets server.port.
const EnvPrefix = "GIFTPULSE_"

// ConfigPathEnvVar names a config file when no path is passed explicitly.
const ConfigPathEnvVar = "GIFTPULSE_CONFIG"

// DefaultConfigPaths are tried in order when no path is given.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/giftpulse/config.yaml",
}

type Config struct {
	Instance InstanceConfig `koanf:"instance"`
	Server   ServerConfig   `koanf:"server"`
	Auth     AuthConfig     `koanf:"auth"`
	Feed     FeedConfig     `koanf:"feed"`
	Hub      HubConfig      `koanf:"hub"`
	Recorder RecorderConfig `koanf:"recorder"`
	State    StateConfig    `koanf:"state"`
	Engine   EngineConfig   `koanf:"engine"`
	Logging  LoggingConfig  `koanf:"logging"`
}

type InstanceConfig struct {
	ID          string `koanf:"id"`
	Channel     string `koanf:"channel"`
	AutoConnect bool   `koanf:"auto_connect"`
}

type ServerConfig struct {
	Host               string        `koanf:"host"`
	Port               int           `koanf:"port"`
	AllowedOrigins     []string      `koanf:"allowed_origins"`
	RateLimitPerMinute int           `koanf:"rate_limit_per_minute"`
	MaxObservers       int           `koanf:"max_observers"`
	ShutdownTimeout    time.Duration `koanf:"shutdown_timeout"`
}

type AuthConfig struct {
	Username         string `koanf:"username"`
	Password         string `koanf:"password"`
	Token            string `koanf:"token"`
	ProtectObservers bool   `koanf:"protect_observers"`
}

const (
	FeedModeRelay = "relay"
	FeedModeMock  = "mock"
)

type FeedConfig struct {
	Mode           string        `koanf:"mode"`
	RelayURL       string        `koanf:"relay_url"`
	CatalogURL     string        `koanf:"catalog_url"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	CatalogTimeout time.Duration `koanf:"catalog_timeout"`
	MockInterval   time.Duration `koanf:"mock_interval"`
	MockSeed       int64         `koanf:"mock_seed"`
}

type HubConfig struct {
	QueueSize    int           `koanf:"queue_size"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	PingInterval time.Duration `koanf:"ping_interval"`
}

const (
	RecorderDriverSQLite = "sqlite"
	RecorderDriverNone   = "none"
)

type RecorderConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Driver    string        `koanf:"driver"`
	DSN       string        `koanf:"dsn"`
	QueueSize int           `koanf:"queue_size"`
	OpTimeout time.Duration `koanf:"op_timeout"`
	Breaker   BreakerConfig `koanf:"breaker"`
}

type BreakerConfig struct {
	ConsecutiveFailures uint32        `koanf:"consecutive_failures"`
	Timeout             time.Duration `koanf:"timeout"`
	Interval            time.Duration `koanf:"interval"`
}

type StateConfig struct {
	Path string `koanf:"path"`
}

type EngineConfig struct {
	DefaultTarget    int64         `koanf:"default_target"`
	MaxUniqueViewers int           `koanf:"max_unique_viewers"`
	Groups           []GroupConfig `koanf:"groups"`
}

// GroupConfig seeds a gift group when no saved settings exist.
type GroupConfig struct {
	ID      string `koanf:"id"`
	Name    string `koanf:"name"`
	Color   string `koanf:"color"`
	Goal    int64  `koanf:"goal"`
	GiftIDs []int  `koanf:"gift_ids"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

func defaultConfig() *Config {
	return &Config{
		Instance: InstanceConfig{
			ID:      "default",
			Channel: "demo",
		},
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			RateLimitPerMinute: 120,
			MaxObservers:       0, // unlimited
			ShutdownTimeout:    10 * time.Second,
		},
		Feed: FeedConfig{
			Mode:           FeedModeMock,
			ConnectTimeout: 15 * time.Second,
			CatalogTimeout: 10 * time.Second,
			MockInterval:   500 * time.Millisecond,
		},
		Hub: HubConfig{
			QueueSize:    16,
			WriteTimeout: 10 * time.Second,
			PingInterval: 30 * time.Second,
		},
		Recorder: RecorderConfig{
			Enabled:   true,
			Driver:    RecorderDriverSQLite,
			DSN:       "giftpulse.db",
			QueueSize: 256,
			OpTimeout: 5 * time.Second,
			Breaker: BreakerConfig{
				ConsecutiveFailures: 5,
				Timeout:             30 * time.Second,
			},
		},
		State: StateConfig{
			Path: "giftpulse-settings.yaml",
		},
		Engine: EngineConfig{
			DefaultTarget:    10000,
			MaxUniqueViewers: 100000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load layers struct defaults, the YAML config file and GIFTPULSE_*
// environment variables, in that order, then validates the result.
//
// An explicit path must exist. With no path, GIFTPULSE_CONFIG and then
// DefaultConfigPaths are tried, and finding nothing is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransformFunc maps GIFTPULSE_FEED__RELAY_URL to feed.relay_url.
// GIFTPULSE_CONFIG names the file and is not a config key.
func envTransformFunc(key string) string {
	if key == ConfigPathEnvVar {
		return ""
	}
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

// sliceConfigPaths accept a comma separated string from the environment.
var sliceConfigPaths = []string{
	"server.allowed_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok || s == "" {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// Validate checks the loaded configuration and reports every problem
// at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Instance.ID == "" {
		errs = append(errs, errors.New("instance.id is required"))
	}
	if c.Instance.Channel == "" {
		errs = append(errs, errors.New("instance.channel is required"))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.RateLimitPerMinute < 0 || c.Server.MaxObservers < 0 {
		errs = append(errs, errors.New("server limits must not be negative"))
	}
	if (c.Auth.Username == "") != (c.Auth.Password == "") {
		errs = append(errs, errors.New("auth.username and auth.password must be set together"))
	}

	switch c.Feed.Mode {
	case FeedModeMock:
		if c.Feed.MockInterval <= 0 {
			errs = append(errs, errors.New("feed.mock_interval must be positive"))
		}
	case FeedModeRelay:
		if c.Feed.RelayURL == "" {
			errs = append(errs, errors.New("feed.relay_url is required in relay mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("feed.mode %q unknown (want relay or mock)", c.Feed.Mode))
	}

	if c.Hub.QueueSize <= 0 {
		errs = append(errs, errors.New("hub.queue_size must be positive"))
	}
	if c.Recorder.Enabled {
		switch c.Recorder.Driver {
		case RecorderDriverSQLite:
			if c.Recorder.DSN == "" {
				errs = append(errs, errors.New("recorder.dsn is required for sqlite"))
			}
		case RecorderDriverNone:
		default:
			errs = append(errs, fmt.Errorf("recorder.driver %q unknown (want sqlite or none)", c.Recorder.Driver))
		}
		if c.Recorder.QueueSize <= 0 {
			errs = append(errs, errors.New("recorder.queue_size must be positive"))
		}
	}
	if c.Engine.DefaultTarget <= 0 {
		errs = append(errs, errors.New("engine.default_target must be positive"))
	}
	if c.Engine.MaxUniqueViewers < 0 {
		errs = append(errs, errors.New("engine.max_unique_viewers must not be negative"))
	}
	return errors.Join(errs...)
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SeedGroups converts the configured groups for the engine.
func (c *Config) SeedGroups() []group.Group {
	out := make([]group.Group, 0, len(c.Engine.Groups))
	for _, g := range c.Engine.Groups {
		out = append(out, group.Group{
			ID:      g.ID,
			Name:    g.Name,
			Color:   g.Color,
			Goal:    g.Goal,
			GiftIDs: append([]int(nil), g.GiftIDs...),
		})
	}
	return out
}
