package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	danzohttp "github.com/tanq16/danzoq/internal/downloaders/http"
	"github.com/tanq16/danzoq/internal/state"
	"github.com/tanq16/danzoq/internal/utils"
)

const EnvPrefix = "DANZOQ"

// Config is the resolved run configuration. Keys match the CLI flag names.
type Config struct {
	Connections   int           `mapstructure:"connections" validate:"gte=1,lte=64"`
	Workers       int           `mapstructure:"workers" validate:"gte=1,lte=64"`
	Limit         string        `mapstructure:"limit" validate:"omitempty,bytesize"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0"`
	KATimeout     time.Duration `mapstructure:"keep-alive-timeout" validate:"gt=0"`
	Retries       int           `mapstructure:"retries" validate:"gte=1,lte=100"`
	RetryDelay    time.Duration `mapstructure:"retry-delay" validate:"gte=0"`
	Stagger       time.Duration `mapstructure:"stagger" validate:"gte=0"`
	Proxy         string        `mapstructure:"proxy"`
	ProxyUsername string        `mapstructure:"proxy-username"`
	ProxyPassword string        `mapstructure:"proxy-password"`
	UserAgent     string        `mapstructure:"user-agent"`
	Headers       []string      `mapstructure:"header" validate:"dive,contains=:"`
	Overwrite     bool          `mapstructure:"overwrite"`
	StateFile     string        `mapstructure:"state" validate:"required"`
	Debug         bool          `mapstructure:"debug"`
	LogFile       string        `mapstructure:"log-file"`
	MetricsAddr   string        `mapstructure:"metrics-addr" validate:"omitempty,hostname_port"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("bytesize", func(fl validator.FieldLevel) bool {
		_, err := ParseByteSize(fl.Field().String())
		return err == nil
	})
	return v
}

// SetDefaults registers the built-in values, the lowest configuration layer.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("connections", utils.DefaultConnections)
	v.SetDefault("workers", utils.DefaultWorkers)
	v.SetDefault("limit", "")
	v.SetDefault("timeout", utils.DefaultTimeout)
	v.SetDefault("keep-alive-timeout", utils.DefaultKATimeout)
	v.SetDefault("retries", utils.DefaultRetries)
	v.SetDefault("retry-delay", utils.DefaultRetryDelay)
	v.SetDefault("stagger", utils.DefaultStaggerDelay)
	v.SetDefault("user-agent", utils.ToolUserAgent)
	v.SetDefault("state", state.DefaultFile)
}

// Load layers defaults, an optional config file, DANZOQ_* environment
// variables and whatever flags were bound to v, then validates the result.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SpeedLimit is the global limit in bytes per second, 0 for unlimited.
func (c *Config) SpeedLimit() int64 {
	limit, _ := ParseByteSize(c.Limit)
	return limit
}

// HTTP builds the client configuration shared by every unit.
func (c *Config) HTTP() utils.HTTPClientConfig {
	userAgent := c.UserAgent
	if userAgent == "randomize" {
		userAgent = utils.GetRandomUserAgent()
	}
	return utils.HTTPClientConfig{
		Timeout:        c.Timeout,
		KATimeout:      c.KATimeout,
		ProxyURL:       c.Proxy,
		ProxyUsername:  c.ProxyUsername,
		ProxyPassword:  c.ProxyPassword,
		UserAgent:      userAgent,
		Headers:        utils.ParseHeaderArgs(c.Headers),
		HighThreadMode: c.Connections > 5,
	}
}

// Download builds the immutable per-unit configuration.
func (c *Config) Download() danzohttp.Config {
	return danzohttp.Config{
		MaxConnections: c.Connections,
		SpeedLimit:     c.SpeedLimit(),
		ReadTimeout:    c.Timeout,
		BufferSize:     utils.DefaultBufferSize,
		MaxRetries:     c.Retries,
		RetryDelay:     c.RetryDelay,
		StaggerDelay:   c.Stagger,
		HTTP:           c.HTTP(),
	}
}

// ParseByteSize reads sizes like "512", "200KB", "1.5MB" or "2G".
// Units are powers of 1024. An empty string is zero.
func ParseByteSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	s = strings.TrimSuffix(strings.TrimSuffix(s, "/S"), "B")
	multiplier := int64(1)
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'K':
			multiplier = 1 << 10
		case 'M':
			multiplier = 1 << 20
		case 'G':
			multiplier = 1 << 30
		}
		if multiplier > 1 {
			s = strings.TrimSpace(s[:n-1])
		}
	}
	value, err := strconv.ParseFloat(s, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(value * float64(multiplier)), nil
}
