// Package config loads flowctl settings from a YAML file and FLOW_
// environment variables. Credentials are never part of this struct; see
// package secrets.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"dev/bravebird/browser-flow-go/pkg/models"
)

// EnvPrefix is prepended to every environment override, e.g. FLOW_BROWSER_HEADLESS.
const EnvPrefix = "FLOW"

// Browser driver names
const (
	DriverRod      = "rod"
	DriverChromedp = "chromedp"
)

// Config is the root configuration.
type Config struct {
	Logger   LoggerConfig            `mapstructure:"logger" yaml:"logger"`
	Browser  BrowserConfig           `mapstructure:"browser" yaml:"browser"`
	Timing   TimingConfig            `mapstructure:"timing" yaml:"timing"`
	Site     SiteConfig              `mapstructure:"site" yaml:"site"`
	Target   models.NavigationTarget `mapstructure:"target" yaml:"target"`
	Temporal TemporalConfig          `mapstructure:"temporal" yaml:"temporal"`
	Database DatabaseConfig          `mapstructure:"database" yaml:"database"`
	API      APIConfig               `mapstructure:"api" yaml:"api"`
}

// LoggerConfig configures zap output and file rotation.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig selects and launches the browser driver.
type BrowserConfig struct {
	Driver    string `mapstructure:"driver" yaml:"driver"`
	Headless  bool   `mapstructure:"headless" yaml:"headless"`
	Bin       string `mapstructure:"bin" yaml:"bin"`
	NoSandbox bool   `mapstructure:"no_sandbox" yaml:"no_sandbox"`
	// ControlURL attaches to an already running browser instead of launching one.
	ControlURL string `mapstructure:"control_url" yaml:"control_url"`
	UserAgent  string `mapstructure:"user_agent" yaml:"user_agent"`
}

// TimingConfig bounds every wait in the flow.
type TimingConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	LocateTimeout   time.Duration `mapstructure:"locate_timeout" yaml:"locate_timeout"`
	AuthTimeout     time.Duration `mapstructure:"auth_timeout" yaml:"auth_timeout"`
	SettleTimeout   time.Duration `mapstructure:"settle_timeout" yaml:"settle_timeout"`
	NavigateTimeout time.Duration `mapstructure:"navigate_timeout" yaml:"navigate_timeout"`
	RunTimeout      time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
}

// SiteConfig is the login contract of the target site.
type SiteConfig struct {
	LoginURL         string             `mapstructure:"login_url" yaml:"login_url"`
	IdentityField    models.Selector    `mapstructure:"identity_field" yaml:"identity_field"`
	SecretField      models.Selector    `mapstructure:"secret_field" yaml:"secret_field"`
	Submit           models.Selector    `mapstructure:"submit" yaml:"submit"`
	Success          models.Expectation `mapstructure:"success" yaml:"success"`
	// FailureIndicator marks a rejected login. Setting its query to ""
	// disables the check.
	FailureIndicator models.Selector    `mapstructure:"failure_indicator" yaml:"failure_indicator"`
}

// TemporalConfig locates the Temporal frontend.
type TemporalConfig struct {
	HostPort  string `mapstructure:"host_port" yaml:"host_port"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
	TaskQueue string `mapstructure:"task_queue" yaml:"task_queue"`
}

// DatabaseConfig configures the MySQL run store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate" yaml:"migrate"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	StreamInterval  time.Duration `mapstructure:"stream_interval" yaml:"stream_interval"`
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "flowctl")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.driver", DriverRod)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.bin", "")
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.control_url", "")
	v.SetDefault("browser.user_agent", "")

	// -- Timing --
	v.SetDefault("timing.poll_interval", "100ms")
	v.SetDefault("timing.locate_timeout", "10s")
	v.SetDefault("timing.auth_timeout", "15s")
	v.SetDefault("timing.settle_timeout", "10s")
	v.SetDefault("timing.navigate_timeout", "20s")
	v.SetDefault("timing.run_timeout", "2m")

	// -- Site --
	v.SetDefault("site.login_url", "https://www.linkedin.com/login")
	v.SetDefault("site.identity_field.strategy", string(models.StrategyXPath))
	v.SetDefault("site.identity_field.query", `//*[@id="username"]`)
	v.SetDefault("site.secret_field.strategy", string(models.StrategyXPath))
	v.SetDefault("site.secret_field.query", `//*[@id="password"]`)
	v.SetDefault("site.submit.strategy", string(models.StrategyXPath))
	v.SetDefault("site.submit.query", `//*[@type="submit"]`)
	v.SetDefault("site.success.kind", string(models.ExpectURLContains))
	v.SetDefault("site.success.value", "/feed")
	v.SetDefault("site.failure_indicator.strategy", string(models.StrategyCSS))
	v.SetDefault("site.failure_indicator.query", "#error-for-password, #error-for-username")

	// -- Target --
	v.SetDefault("target.url", "https://www.linkedin.com/jobs/")
	v.SetDefault("target.expect.kind", string(models.ExpectURLChanged))

	// -- Temporal --
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "browser-flow")

	// -- Database --
	v.SetDefault("database.dsn", "flow:flow@tcp(localhost:3306)/flow?parseTime=true")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.migrate", true)

	// -- API --
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.allowed_origins", []string{"*"})
	v.SetDefault("api.shutdown_timeout", "30s")
	v.SetDefault("api.stream_interval", "500ms")
}

// NewDefaultConfig returns the configuration with only defaults applied.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// Load reads path (optional) and FLOW_ environment overrides into v.
// A missing ./config.yaml is not an error; a missing explicit path is.
func Load(v *viper.Viper, path string) error {
	SetDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// NewConfigFromViper unmarshals and validates v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	// defaults merge key by key, so a kind set in a file can inherit
	// another kind's value
	cfg.Site.Success = cfg.Site.Success.Normalize()
	cfg.Target.Expect = cfg.Target.Expect.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Browser.Driver {
	case DriverRod, DriverChromedp:
	default:
		return fmt.Errorf("browser.driver must be %q or %q, got %q", DriverRod, DriverChromedp, c.Browser.Driver)
	}
	if err := c.Timing.Validate(); err != nil {
		return fmt.Errorf("timing configuration invalid: %w", err)
	}
	if err := c.Site.Validate(); err != nil {
		return fmt.Errorf("site configuration invalid: %w", err)
	}
	if err := c.Target.Validate(); err != nil {
		return fmt.Errorf("target configuration invalid: %w", err)
	}
	if c.Temporal.TaskQueue == "" {
		return fmt.Errorf("temporal.task_queue is a required configuration field")
	}
	return nil
}

// Validate checks every timeout is positive.
func (t TimingConfig) Validate() error {
	for name, d := range map[string]time.Duration{
		"poll_interval":    t.PollInterval,
		"locate_timeout":   t.LocateTimeout,
		"auth_timeout":     t.AuthTimeout,
		"settle_timeout":   t.SettleTimeout,
		"navigate_timeout": t.NavigateTimeout,
		"run_timeout":      t.RunTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if t.PollInterval > t.LocateTimeout {
		return fmt.Errorf("poll_interval must not exceed locate_timeout")
	}
	return nil
}

// Validate checks the login contract is complete.
func (s SiteConfig) Validate() error {
	if s.LoginURL == "" {
		return fmt.Errorf("login_url is required")
	}
	if err := s.IdentityField.Validate(); err != nil {
		return fmt.Errorf("identity_field: %w", err)
	}
	if err := s.SecretField.Validate(); err != nil {
		return fmt.Errorf("secret_field: %w", err)
	}
	if err := s.Submit.Validate(); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if err := s.Success.Validate(); err != nil {
		return fmt.Errorf("success: %w", err)
	}
	if !s.FailureIndicator.IsZero() {
		if err := s.FailureIndicator.Validate(); err != nil {
			return fmt.Errorf("failure_indicator: %w", err)
		}
	}
	return nil
}
