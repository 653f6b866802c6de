package main

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Environment variables read by resolveConfig.
const (
	envURL          = "USERSTORE_URL"
	envClientID     = "USERSTORE_CLIENT_ID"
	envClientSecret = "USERSTORE_CLIENT_SECRET"
)

const defaultTimeout = 30 * time.Second

type config struct {
	URL          string        `yaml:"url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	Timeout      time.Duration `yaml:"timeout"`
}

// resolveConfig layers flags over the environment over the YAML file at path.
func resolveConfig(path string, getenv func(string) string, flags config) (config, error) {
	cfg := config{Timeout: defaultTimeout}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	override(&cfg.URL, getenv(envURL), flags.URL)
	override(&cfg.ClientID, getenv(envClientID), flags.ClientID)
	override(&cfg.ClientSecret, getenv(envClientSecret), flags.ClientSecret)
	if flags.Timeout > 0 {
		cfg.Timeout = flags.Timeout
	}
	return cfg, nil
}

// override sets *dst to the last non-empty value.
func override(dst *string, values ...string) {
	for _, v := range values {
		if v != "" {
			*dst = v
		}
	}
}

func (c config) validate() error {
	switch {
	case c.URL == "":
		return fmt.Errorf("missing url (-url or %s)", envURL)
	case c.ClientID == "" || c.ClientSecret == "":
		return fmt.Errorf("missing client credentials (%s, %s)", envClientID, envClientSecret)
	}
	return nil
}

func levelFromString(l string) zapcore.Level {
	switch l {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// newLogger builds the logger from LOG_LEVEL and LOG_DEV. Output goes to stderr so
// stdout stays machine-readable.
func newLogger(getenv func(string) string) (*zap.Logger, error) {
	dev := getenv("LOG_DEV") == "1"
	lvl := getenv("LOG_LEVEL")
	if lvl == "" {
		lvl = "warn"
		if dev {
			lvl = "debug"
		}
	}
	if dev {
		c := zap.NewDevelopmentConfig()
		c.Level = zap.NewAtomicLevelAt(levelFromString(lvl))
		return c.Build()
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(os.Stderr), levelFromString(lvl))
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
