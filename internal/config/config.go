package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Shugur-Network/relaypool/internal/logger"
	validator "github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Version is set by the main package from build information.
var Version = "dev"

var validate = validator.New()

// Config holds every sub-config.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"  validate:"required"`
	Metrics  MetricsConfig  `mapstructure:"metrics"  validate:"required"`
	Pool     PoolConfig     `mapstructure:"pool"     validate:"required"`
	Store    StoreConfig    `mapstructure:"store"    validate:"required"`
	Identity IdentityConfig `mapstructure:"identity" validate:"required"`
}

func init() {
	registerCustomValidators()
	validate.RegisterStructValidation(crossFieldValidation, Config{})
}

func registerCustomValidators() {
	rules := map[string]validator.Func{
		"relayurl": func(fl validator.FieldLevel) bool {
			u, err := url.Parse(fl.Field().String())
			if err != nil || u.Host == "" {
				return false
			}
			return u.Scheme == "ws" || u.Scheme == "wss"
		},
		"dburl": func(fl validator.FieldLevel) bool {
			u, err := url.Parse(fl.Field().String())
			if err != nil {
				return false
			}
			return u.Scheme == "postgres" || u.Scheme == "postgresql"
		},
		// between 1 second and 24 hours
		"reasonable_duration": func(fl validator.FieldLevel) bool {
			d := fl.Field().Interface().(time.Duration)
			return d >= time.Second && d <= 24*time.Hour
		},
		// between 100 milliseconds and 1 hour
		"timeout_duration": func(fl validator.FieldLevel) bool {
			d := fl.Field().Interface().(time.Duration)
			return d >= 100*time.Millisecond && d <= time.Hour
		},
		// between 10 milliseconds and 1 minute
		"short_duration": func(fl validator.FieldLevel) bool {
			d := fl.Field().Interface().(time.Duration)
			return d >= 10*time.Millisecond && d <= time.Minute
		},
		"log_level": func(fl validator.FieldLevel) bool {
			switch fl.Field().String() {
			case "debug", "info", "warn", "error", "fatal":
				return true
			}
			return false
		},
		"log_format": func(fl validator.FieldLevel) bool {
			f := fl.Field().String()
			return f == "console" || f == "json"
		},
	}
	for tag, fn := range rules {
		if err := validate.RegisterValidation(tag, fn); err != nil {
			logger.Error("Failed to register validator", zap.String("tag", tag), zap.Error(err))
		}
	}
}

func crossFieldValidation(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)

	if cfg.Pool.PublishTimeout > cfg.Pool.ListTimeout*10 {
		sl.ReportError(cfg.Pool.PublishTimeout, "PublishTimeout", "PublishTimeout", "publish_timeout_too_long", "")
	}
	if cfg.Pool.DialTimeout > cfg.Pool.ReconnectBackoff*20 {
		sl.ReportError(cfg.Pool.DialTimeout, "DialTimeout", "DialTimeout", "dial_timeout_too_long", "")
	}
	seen := make(map[string]struct{}, len(cfg.Pool.Relays))
	for _, r := range cfg.Pool.Relays {
		key := strings.TrimRight(strings.ToLower(r), "/")
		if _, dup := seen[key]; dup {
			sl.ReportError(cfg.Pool.Relays, "Relays", "Relays", "duplicate_relay", r)
			return
		}
		seen[key] = struct{}{}
	}
}

/* ------------------------------------------------------------------ *
|  Public API                                                         |
* -------------------------------------------------------------------*/

// SetVersion sets the version from build information
func SetVersion(v string) {
	Version = v
}

// Load merges defaults → file (optional) → env vars, validates, initializes
// the logger and returns cfg.
func Load(path string, log *zap.Logger) (*Config, error) {
	cfg, err := read(path, log)
	if err != nil {
		return nil, err
	}
	if err := initializeLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	if log != nil {
		log.Info("logger initialized",
			zap.String("level", cfg.Logging.Level),
			zap.String("format", cfg.Logging.Format),
			zap.String("file", cfg.Logging.FilePath),
		)
	}
	return cfg, nil
}

func read(path string, log *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RELAYPOOL") // RELAYPOOL_POOL_PUBLISH_TIMEOUT
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 1. defaults.yaml (embedded)
	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	// 2. optional user file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.MergeInConfig(); err != nil {
			if log != nil {
				log.Info("No config.yaml found, using defaults")
			}
		} else if log != nil {
			log.Info("Loaded config.yaml from current directory")
		}
	}

	// 3. env already merged by AutomaticEnv()

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log != nil {
		log.Info("configuration loaded",
			zap.String("version", Version),
			zap.Int("relays", len(cfg.Pool.Relays)),
		)
	}
	return &cfg, nil
}

// Validate re-checks cfg, for callers that change it after Load.
func (c *Config) Validate() error {
	if err := validate.Struct(*c); err != nil {
		return formatValidationError(err)
	}
	return nil
}

func initializeLogger(lc LoggingConfig) error {
	return logger.Init(
		logger.WithLevel(lc.Level),
		logger.WithFormat(lc.Format),
		logger.WithFile(lc.FilePath),
		logger.WithVersion(Version),
		logger.WithComponent("relaypool"),
		logger.WithRotation(lc.MaxSize, lc.MaxBackups, lc.MaxAge),
	)
}

// formatValidationError converts validator errors into user-friendly messages
func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		messages := make([]string, 0, len(validationErrors))
		for _, fieldError := range validationErrors {
			messages = append(messages, getFieldErrorMessage(fieldError))
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}
	return fmt.Errorf("configuration validation failed: %w", err)
}

func getFieldErrorMessage(fe validator.FieldError) string {
	field := fe.Field()
	value := fe.Value()
	param := fe.Param()

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required but not provided", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, param, value)
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, param, value)
	case "gt":
		return fmt.Sprintf("%s must be greater than %s (got: %v)", field, param, value)
	case "lt":
		return fmt.Sprintf("%s must be less than %s (got: %v)", field, param, value)
	case "relayurl":
		return fmt.Sprintf("%s must be a ws:// or wss:// URL (got: %v)", field, value)
	case "dburl":
		return fmt.Sprintf("%s must be a postgres:// connection string", field)
	case "reasonable_duration":
		return fmt.Sprintf("%s must be between 1 second and 24 hours (got: %v)", field, value)
	case "timeout_duration":
		return fmt.Sprintf("%s must be between 100ms and 1 hour (got: %v)", field, value)
	case "short_duration":
		return fmt.Sprintf("%s must be between 10ms and 1 minute (got: %v)", field, value)
	case "log_level":
		return fmt.Sprintf("%s must be one of: debug, info, warn, error, fatal (got: %v)", field, value)
	case "log_format":
		return fmt.Sprintf("%s must be either 'console' or 'json' (got: %v)", field, value)
	case "publish_timeout_too_long":
		return fmt.Sprintf("%s should not exceed 10x the list timeout", field)
	case "dial_timeout_too_long":
		return fmt.Sprintf("%s is too long compared to the reconnect backoff", field)
	case "duplicate_relay":
		return fmt.Sprintf("%s lists %s more than once", field, param)
	default:
		return fmt.Sprintf("%s validation failed: %s (got: %v)", field, fe.Tag(), value)
	}
}
