package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/bhandras/delight/workerd/internal/logger"
)

// Config holds server configuration.
type Config struct {
	// Addr is the listen address for the HTTP server.
	Addr           string
	DatabasePath   string
	Debug          bool
	LogLevel       logger.Level
	AllowedOrigins []string

	// MaxWorkers bounds concurrently live workers.
	MaxWorkers int
	// MaxMessageSize caps message content in bytes.
	MaxMessageSize int
	// ShutdownTimeout bounds the wait for running submissions on shutdown.
	ShutdownTimeout time.Duration
	// Engine selects the delegate engine implementation.
	Engine string

	Display DisplayConfig
}

// DisplayConfig configures the per-worker virtual display.
type DisplayConfig struct {
	Enabled     bool `yaml:"enabled"`
	Width       int  `yaml:"width"`
	Height      int  `yaml:"height"`
	BasePort    int  `yaml:"vnc_base_port"`
	DisplayBase int  `yaml:"display_base"`
}

// file is the YAML shape of a config file. Every field is optional.
type file struct {
	Server struct {
		Port           int      `yaml:"port"`
		Host           string   `yaml:"host"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Log struct {
		Debug bool   `yaml:"debug"`
		Level string `yaml:"level"`
	} `yaml:"log"`
	Workers struct {
		Max             int           `yaml:"max"`
		MaxMessageSize  int           `yaml:"max_message_size"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		Engine          string        `yaml:"engine"`
	} `yaml:"workers"`
	Display *DisplayConfig `yaml:"display"`
}

// Overrides optionally overrides values from the file and environment.
//
// A nil pointer means "use the environment/default value".
type Overrides struct {
	Addr         *string
	DatabasePath *string
	Debug        *bool
	LogLevel     *string
	MaxWorkers   *int
	Engine       *string
	Display      *bool
}

const (
	defaultPort           = 8000
	defaultHost           = "0.0.0.0"
	defaultMaxWorkers     = 100
	defaultMaxMessageSize = 1 << 20
	defaultShutdown       = 10 * time.Second
	defaultEngine         = "fake"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:            net.JoinHostPort(defaultHost, strconv.Itoa(defaultPort)),
		DatabasePath:    "./workerd.db",
		LogLevel:        logger.LevelInfo,
		AllowedOrigins:  []string{"*"},
		MaxWorkers:      defaultMaxWorkers,
		MaxMessageSize:  defaultMaxMessageSize,
		ShutdownTimeout: defaultShutdown,
		Engine:          defaultEngine,
		Display: DisplayConfig{
			Width:       1024,
			Height:      768,
			BasePort:    5900,
			DisplayBase: 1,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, environment variables and finally the explicit overrides.
func Load(path string, overrides Overrides) (*Config, error) {
	cfg := Default()
	port, host := defaultPort, defaultHost

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		var f file
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if f.Server.Port != 0 {
			port = f.Server.Port
		}
		if f.Server.Host != "" {
			host = f.Server.Host
		}
		if len(f.Server.AllowedOrigins) > 0 {
			cfg.AllowedOrigins = f.Server.AllowedOrigins
		}
		if f.Database.Path != "" {
			cfg.DatabasePath = f.Database.Path
		}
		cfg.Debug = f.Log.Debug
		if f.Log.Level != "" {
			lvl, err := logger.ParseLevel(f.Log.Level)
			if err != nil {
				return nil, err
			}
			cfg.LogLevel = lvl
		}
		if f.Workers.Max != 0 {
			cfg.MaxWorkers = f.Workers.Max
		}
		if f.Workers.MaxMessageSize != 0 {
			cfg.MaxMessageSize = f.Workers.MaxMessageSize
		}
		if f.Workers.ShutdownTimeout != 0 {
			cfg.ShutdownTimeout = f.Workers.ShutdownTimeout
		}
		if f.Workers.Engine != "" {
			cfg.Engine = f.Workers.Engine
		}
		if f.Display != nil {
			mergeDisplay(&cfg.Display, *f.Display)
		}
	}

	if err := applyEnv(cfg, &port, &host); err != nil {
		return nil, err
	}
	cfg.Addr = net.JoinHostPort(host, strconv.Itoa(port))

	if overrides.Addr != nil {
		cfg.Addr = *overrides.Addr
	}
	if overrides.DatabasePath != nil {
		cfg.DatabasePath = *overrides.DatabasePath
	}
	if overrides.Debug != nil {
		cfg.Debug = *overrides.Debug
	}
	if overrides.LogLevel != nil {
		lvl, err := logger.ParseLevel(*overrides.LogLevel)
		if err != nil {
			return nil, err
		}
		cfg.LogLevel = lvl
	}
	if overrides.MaxWorkers != nil {
		cfg.MaxWorkers = *overrides.MaxWorkers
	}
	if overrides.Engine != nil {
		cfg.Engine = *overrides.Engine
	}
	if overrides.Display != nil {
		cfg.Display.Enabled = *overrides.Display
	}

	if cfg.Debug && cfg.LogLevel > logger.LevelDebug {
		cfg.LogLevel = logger.LevelDebug
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeDisplay(dst *DisplayConfig, src DisplayConfig) {
	dst.Enabled = src.Enabled
	if src.Width != 0 {
		dst.Width = src.Width
	}
	if src.Height != 0 {
		dst.Height = src.Height
	}
	if src.BasePort != 0 {
		dst.BasePort = src.BasePort
	}
	if src.DisplayBase != 0 {
		dst.DisplayBase = src.DisplayBase
	}
}

func envInt(name string, dst *int) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", name, raw)
	}
	*dst = v
	return nil
}

func envBool(name string, dst *bool) {
	switch strings.ToLower(os.Getenv(name)) {
	case "true", "1", "yes":
		*dst = true
	case "false", "0", "no":
		*dst = false
	}
}

func applyEnv(cfg *Config, port *int, host *string) error {
	if err := envInt("PORT", port); err != nil {
		return err
	}
	if h := os.Getenv("HOST"); h != "" {
		*host = h
	}
	if p := os.Getenv("DATABASE_PATH"); p != "" {
		cfg.DatabasePath = p
	}
	envBool("DEBUG", &cfg.Debug)
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		lvl, err := logger.ParseLevel(raw)
		if err != nil {
			return fmt.Errorf("LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = lvl
	}
	if err := envInt("MAX_WORKERS", &cfg.MaxWorkers); err != nil {
		return err
	}
	if raw := os.Getenv("ALLOWED_ORIGINS"); raw != "" {
		var origins []string
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.AllowedOrigins = origins
	}
	if e := os.Getenv("ENGINE"); e != "" {
		cfg.Engine = e
	}
	envBool("DISPLAY_ENABLED", &cfg.Display.Enabled)
	for name, dst := range map[string]*int{
		"VNC_BASE_PORT":  &cfg.Display.BasePort,
		"DISPLAY_BASE":   &cfg.Display.DisplayBase,
		"DISPLAY_WIDTH":  &cfg.Display.Width,
		"DISPLAY_HEIGHT": &cfg.Display.Height,
	} {
		if err := envInt(name, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate reports configuration values the server cannot run with.
func (c *Config) Validate() error {
	var err error
	if c.MaxWorkers < 1 {
		err = multierr.Append(err, fmt.Errorf("max workers must be positive, got %d", c.MaxWorkers))
	}
	if c.MaxMessageSize < 1 {
		err = multierr.Append(err, fmt.Errorf("max message size must be positive, got %d", c.MaxMessageSize))
	}
	if c.ShutdownTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("shutdown timeout must be positive, got %s", c.ShutdownTimeout))
	}
	if c.DatabasePath == "" {
		err = multierr.Append(err, errors.New("database path is required"))
	}
	if c.Display.Enabled && (c.Display.Width < 1 || c.Display.Height < 1) {
		err = multierr.Append(err, fmt.Errorf("invalid display size %dx%d", c.Display.Width, c.Display.Height))
	}
	return err
}
