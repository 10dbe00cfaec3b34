package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/easysave/easysave/internal/store/constants"
)

// EnvPrefix marks the environment variables that override file settings,
// e.g. EASYSAVE_MAX_CONCURRENT_JOBS or EASYSAVE_LOG_LEVEL.
const EnvPrefix = "EASYSAVE_"

// ConfigPathEnvVar names a config file to use when none is given explicitly.
const ConfigPathEnvVar = EnvPrefix + "CONFIG"

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=console json"`
}

type Config struct {
	Listen            string        `koanf:"listen" validate:"required,hostname_port"`
	DatabasePath      string        `koanf:"database_path" validate:"required"`
	LogDir            string        `koanf:"log_dir" validate:"required"`
	LockPath          string        `koanf:"lock_path" validate:"required"`
	MaxConcurrentJobs int           `koanf:"max_concurrent_jobs" validate:"min=0"`
	BandwidthLimit    int64         `koanf:"bandwidth_limit" validate:"min=0"`
	ConnectionTimeout time.Duration `koanf:"connection_timeout" validate:"gt=0"`
	MetricsListen     string        `koanf:"metrics_listen" validate:"omitempty,hostname_port"`
	Log               LogConfig     `koanf:"log"`

	// Path is the file the configuration was read from, if any.
	Path string `koanf:"-"`
}

func Default() *Config {
	return &Config{
		Listen:            constants.DefaultListenAddress,
		DatabasePath:      constants.DbPath,
		LogDir:            constants.LogsPath,
		LockPath:          constants.LockPath,
		MaxConcurrentJobs: 0,
		BandwidthLimit:    0,
		ConnectionTimeout: 5 * time.Second,
		MetricsListen:     "",
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load layers defaults, an optional YAML file and EASYSAVE_* variables, in
// that order of precedence. An explicit path must exist; otherwise the file
// named by EASYSAVE_CONFIG or the first existing constants.ConfigPaths entry
// is used when present.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
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

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	cfg.Path = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range constants.ConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envKey maps EASYSAVE_LOG_LEVEL to log.level and EASYSAVE_LOG_DIR to log_dir.
func envKey(name string) string {
	key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	switch key {
	case "config":
		return ""
	case "log_level", "log_format":
		return strings.Replace(key, "_", ".", 1)
	}
	return key
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
