package kikitori

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ashidome/kikitori/pkg/session"
	"github.com/ashidome/kikitori/pkg/transcript"
)

type Config struct {
	Session       SessionConfig       `mapstructure:"session"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Transports    TransportsConfig    `mapstructure:"transports"`
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type SessionConfig struct {
	AudioQueueCapacity  int    `mapstructure:"audio_queue_capacity"`
	ResultQueueCapacity int    `mapstructure:"result_queue_capacity"`
	IdleTimeoutMS       int    `mapstructure:"idle_timeout_ms"`
	Separator           string `mapstructure:"separator"`
	RefineTimeoutMS     int    `mapstructure:"refine_timeout_ms"`
	DrainTimeoutMS      int    `mapstructure:"drain_timeout_ms"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	ASR    VendorConfig `mapstructure:"asr"`
	Refine VendorConfig `mapstructure:"refine"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("session.audio_queue_capacity", 256)
	v.SetDefault("session.result_queue_capacity", 256)
	v.SetDefault("session.idle_timeout_ms", 0)
	v.SetDefault("session.separator", transcript.DefaultSeparator)
	v.SetDefault("session.refine_timeout_ms", 30000)
	v.SetDefault("session.drain_timeout_ms", 10000)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("privacy.redact_pii", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Vendors.ASR.Provider) == "" {
		return fmt.Errorf("vendors.asr.provider is required")
	}
	if strings.TrimSpace(c.Vendors.Refine.Provider) == "" {
		return fmt.Errorf("vendors.refine.provider is required")
	}
	if c.Session.AudioQueueCapacity < 0 || c.Session.ResultQueueCapacity < 0 {
		return fmt.Errorf("session queue capacities must be non-negative")
	}
	return nil
}

// SessionConfig converts the wire-level millisecond settings into the
// session package's native form.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		AudioQueueCapacity:  c.Session.AudioQueueCapacity,
		ResultQueueCapacity: c.Session.ResultQueueCapacity,
		IdleTimeout:         time.Duration(c.Session.IdleTimeoutMS) * time.Millisecond,
		Separator:           c.Session.Separator,
		RefineTimeout:       time.Duration(c.Session.RefineTimeoutMS) * time.Millisecond,
	}
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.ASR.Settings = expandSettings(cfg.Vendors.ASR.Settings)
	cfg.Vendors.Refine.Settings = expandSettings(cfg.Vendors.Refine.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
