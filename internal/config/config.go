// Package config provides configuration management using Viper.
// It loads configuration from environment variables, .env files, and config files.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultMinUpdatePeriodFloor = 3 * time.Second
	defaultPresentationDelay    = 10 * time.Second
	defaultAutoCorrectDrift     = true
	defaultHTTPTimeout          = 15 * time.Second
	defaultUserAgent            = "liveline/0.1"
	defaultRetryAttempts        = 2
	defaultRetryBaseDelay       = 500 * time.Millisecond
	defaultRetryMaxDelay        = 5 * time.Second
	defaultConditionalGET       = true
	defaultClockTimeout         = 5 * time.Second
	defaultMetricsEnabled       = false
	defaultMetricsAddr          = ":9090"
	defaultLogLevel             = "info"
	defaultLogPretty            = false
	defaultSimulatorPort        = 8469
	defaultSimulatorHost        = "0.0.0.0"
	defaultSimSegmentDuration   = 2 * time.Second
	defaultSimTimeShiftDepth    = 60 * time.Second
	defaultSimUpdatePeriod      = 2 * time.Second
	defaultSimPresentationDelay = 10 * time.Second
	defaultSimUTCTimingScheme   = "urn:mpeg:dash:utc:http-xsdate:2014"
	envPrefix                   = "LIVELINE"
)

// Config holds all application configuration
type Config struct {
	Engine    EngineConfig
	HTTP      HTTPConfig
	Clock     ClockConfig
	Metrics   MetricsConfig
	Logging   LoggingConfig
	Simulator SimulatorConfig
}

// EngineConfig holds manifest engine tuning parameters
type EngineConfig struct {
	// MinUpdatePeriodFloor caps how often a live manifest may be refetched
	// regardless of how small a period the source advertises.
	MinUpdatePeriodFloor time.Duration
	// DefaultPresentationDelay is used when the source does not carry
	// a suggested presentation delay.
	DefaultPresentationDelay time.Duration
	AutoCorrectDrift         bool
}

// HTTPConfig holds the manifest fetcher's HTTP behavior
type HTTPConfig struct {
	Timeout        time.Duration
	UserAgent      string
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	ConditionalGET bool
}

// ClockConfig holds clock synchronization settings
type ClockConfig struct {
	Timeout time.Duration
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool
	Addr    string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Pretty bool
}

// SimulatorConfig holds the local live-source simulator settings
type SimulatorConfig struct {
	Port                       int
	Host                       string
	SegmentDuration            time.Duration
	TimeShiftBufferDepth       time.Duration
	MinimumUpdatePeriod        time.Duration
	SuggestedPresentationDelay time.Duration
	UTCTimingScheme            string
}

// Load reads configuration from .env file, config files, environment variables, and defaults
func Load() (*Config, error) {
	// Load .env file if present (optional, won't error if missing)
	// .env files are optional in production and CI where env vars are set directly
	_ = godotenv.Load() // nolint:errcheck // .env file is optional

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file settings
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/liveline")

	// Environment variable settings
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	// Unmarshal into struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Engine defaults
	v.SetDefault("engine.minupdateperiodfloor", defaultMinUpdatePeriodFloor)
	v.SetDefault("engine.defaultpresentationdelay", defaultPresentationDelay)
	v.SetDefault("engine.autocorrectdrift", defaultAutoCorrectDrift)

	// HTTP defaults
	v.SetDefault("http.timeout", defaultHTTPTimeout)
	v.SetDefault("http.useragent", defaultUserAgent)
	v.SetDefault("http.retryattempts", defaultRetryAttempts)
	v.SetDefault("http.retrybasedelay", defaultRetryBaseDelay)
	v.SetDefault("http.retrymaxdelay", defaultRetryMaxDelay)
	v.SetDefault("http.conditionalget", defaultConditionalGET)

	// Clock defaults
	v.SetDefault("clock.timeout", defaultClockTimeout)

	// Metrics defaults
	v.SetDefault("metrics.enabled", defaultMetricsEnabled)
	v.SetDefault("metrics.addr", defaultMetricsAddr)

	// Logging defaults
	v.SetDefault("logging.level", defaultLogLevel)
	v.SetDefault("logging.pretty", defaultLogPretty)

	// Simulator defaults
	v.SetDefault("simulator.port", defaultSimulatorPort)
	v.SetDefault("simulator.host", defaultSimulatorHost)
	v.SetDefault("simulator.segmentduration", defaultSimSegmentDuration)
	v.SetDefault("simulator.timeshiftbufferdepth", defaultSimTimeShiftDepth)
	v.SetDefault("simulator.minimumupdateperiod", defaultSimUpdatePeriod)
	v.SetDefault("simulator.suggestedpresentationdelay", defaultSimPresentationDelay)
	v.SetDefault("simulator.utctimingscheme", defaultSimUTCTimingScheme)
}

// Validate checks that configuration values are valid
func (c *Config) Validate() error {
	if c.Engine.MinUpdatePeriodFloor <= 0 {
		return fmt.Errorf("invalid min update period floor: %v (must be > 0)", c.Engine.MinUpdatePeriodFloor)
	}
	if c.Engine.DefaultPresentationDelay < 0 {
		return fmt.Errorf("invalid default presentation delay: %v (must be >= 0)", c.Engine.DefaultPresentationDelay)
	}

	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("invalid http timeout: %v (must be > 0)", c.HTTP.Timeout)
	}
	if c.HTTP.RetryAttempts < 0 {
		return fmt.Errorf("invalid retry attempts: %d (must be >= 0)", c.HTTP.RetryAttempts)
	}
	if c.HTTP.RetryBaseDelay <= 0 {
		return fmt.Errorf("invalid retry base delay: %v (must be > 0)", c.HTTP.RetryBaseDelay)
	}
	if c.HTTP.RetryMaxDelay < c.HTTP.RetryBaseDelay {
		return fmt.Errorf("invalid retry max delay: %v (must be >= base delay %v)", c.HTTP.RetryMaxDelay, c.HTTP.RetryBaseDelay)
	}

	if c.Clock.Timeout <= 0 {
		return fmt.Errorf("invalid clock timeout: %v (must be > 0)", c.Clock.Timeout)
	}

	// Validate simulator port
	if c.Simulator.Port < 1 || c.Simulator.Port > 65535 {
		return fmt.Errorf("invalid simulator port: %d (must be between 1 and 65535)", c.Simulator.Port)
	}
	if c.Simulator.SegmentDuration <= 0 {
		return fmt.Errorf("invalid simulator segment duration: %v (must be > 0)", c.Simulator.SegmentDuration)
	}
	if c.Simulator.TimeShiftBufferDepth <= 0 {
		return fmt.Errorf("invalid simulator time shift buffer depth: %v (must be > 0)", c.Simulator.TimeShiftBufferDepth)
	}

	// Validate log level
	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, c.Logging.Level) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.Logging.Level, strings.Join(validLevels, ", "))
	}

	return nil
}

// contains checks if a string slice contains a specific value
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
