// Package config defines the configuration surface of the monitor:
// fleet, mailer, strategy thresholds, and supporting paths.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrInvalidConfiguration is returned when construction-time validation fails.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// FleetConfig describes the license-server fleet being monitored.
type FleetConfig struct {
	// CurrentHost is the host this process runs on; reload and restart
	// operations are issued against it.
	CurrentHost string   `mapstructure:"current_host"`
	Hosts       []string `mapstructure:"hosts"`
	Feature     string   `mapstructure:"feature"`
	ToolPath    string   `mapstructure:"tool_path"`
	Vendor      string   `mapstructure:"vendor"`
	Port        int      `mapstructure:"port"`
	OptionFile  string   `mapstructure:"option_file"`
	ServiceName string   `mapstructure:"service_name"`
	// Mock suppresses the operations with external effect (reload commands,
	// service restarts). Monitoring itself still runs.
	Mock bool `mapstructure:"mock"`
}

// MailerConfig describes the outbound mail channel.
type MailerConfig struct {
	FromAddr    string        `mapstructure:"from_addr"`
	FromName    string        `mapstructure:"from_name"`
	SMTPHost    string        `mapstructure:"smtp_host"`
	SMTPPort    int           `mapstructure:"smtp_port"`
	SMTPTimeout time.Duration `mapstructure:"smtp_timeout"`
	// AdminAddrs receive every message when Mock is set.
	AdminAddrs []string `mapstructure:"admin_addrs"`
	Mock       bool     `mapstructure:"mock"`
	SendMails  bool     `mapstructure:"send_mails"`
}

// KeepFreeConfig parameterizes the percentage-threshold ban strategy.
type KeepFreeConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	MinFree float64       `mapstructure:"min_free"`
	MaxFree float64       `mapstructure:"max_free"`
}

// WarnConfig parameterizes the warn-before-max-usage strategy.
type WarnConfig struct {
	Threshold float64       `mapstructure:"threshold"`
	Delay     time.Duration `mapstructure:"delay"`
}

// StrategyConfig groups the strategy thresholds.
type StrategyConfig struct {
	KeepFree KeepFreeConfig `mapstructure:"keep_free"`
	Warn     WarnConfig     `mapstructure:"warn"`
}

// HistoryConfig selects the ledger backend. S3URL wins over Path when both
// are set.
type HistoryConfig struct {
	Path  string `mapstructure:"path"`
	S3URL string `mapstructure:"s3_url"`
}

// Config is the full application configuration.
type Config struct {
	Fleet      FleetConfig    `mapstructure:"fleet"`
	Mailer     MailerConfig   `mapstructure:"mailer"`
	Strategies StrategyConfig `mapstructure:"strategies"`
	History    HistoryConfig  `mapstructure:"history"`

	// RulesFile points to the YAML file with CEL ban-exemption rules.
	RulesFile string `mapstructure:"rules_file"`

	// LogSaveDir and LicenseLog drive the license-log backup around restarts.
	LogSaveDir string `mapstructure:"log_save_dir"`
	LicenseLog string `mapstructure:"license_log"`

	MetricsAddr  string        `mapstructure:"metrics_addr"`
	OtelEndpoint string        `mapstructure:"otel_endpoint"`
	Interval     time.Duration `mapstructure:"interval"`
	Verbose      bool          `mapstructure:"verbose"`
}

// ApplyDefaults fills unset fields. Explicit values always win; defaults
// never overwrite what the caller provided.
func (c *Config) ApplyDefaults() {
	if c.Fleet.Port == 0 {
		c.Fleet.Port = DefaultFlexPort
	}
	if c.Fleet.ServiceName == "" {
		c.Fleet.ServiceName = DefaultFlexServiceName
	}
	if c.Fleet.OptionFile == "" && c.Fleet.Vendor != "" {
		c.Fleet.OptionFile = c.Fleet.Vendor + DefaultOptFileExt
	}
	if c.Mailer.SMTPPort == 0 {
		c.Mailer.SMTPPort = DefaultSMTPPort
	}
	if c.Mailer.FromName == "" {
		c.Mailer.FromName = DefaultFromName
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.Strategies.KeepFree.Timeout == 0 {
		c.Strategies.KeepFree.Timeout = DefaultKeepStateTimeout
	}
	if c.Strategies.KeepFree.MinFree == 0 {
		c.Strategies.KeepFree.MinFree = DefaultMinFreePercentage
	}
	if c.Strategies.KeepFree.MaxFree == 0 {
		c.Strategies.KeepFree.MaxFree = DefaultMaxFreePercentage
	}
	if c.Strategies.Warn.Threshold == 0 {
		c.Strategies.Warn.Threshold = DefaultWarnThreshold
	}
	if c.Strategies.Warn.Delay == 0 {
		c.Strategies.Warn.Delay = DefaultWarnDelay
	}
}

// Validate fails fast on configuration that cannot produce a working
// monitor. All errors wrap ErrInvalidConfiguration.
func (c *Config) Validate() error {
	if len(c.Fleet.Hosts) == 0 {
		return fmt.Errorf("%w: no hosts to monitor", ErrInvalidConfiguration)
	}
	if c.Fleet.Feature == "" {
		return fmt.Errorf("%w: feature name is required", ErrInvalidConfiguration)
	}
	if c.Fleet.CurrentHost == "" {
		return fmt.Errorf("%w: current_host is required", ErrInvalidConfiguration)
	}
	if _, err := os.Stat(c.Fleet.ToolPath); err != nil {
		return fmt.Errorf("%w: license tool not found at %q: %v", ErrInvalidConfiguration, c.Fleet.ToolPath, err)
	}
	if c.Mailer.FromAddr == "" {
		return fmt.Errorf("%w: mailer from_addr is required", ErrInvalidConfiguration)
	}
	kf := c.Strategies.KeepFree
	if kf.MinFree < 0 || kf.MaxFree > 1 || kf.MinFree > kf.MaxFree {
		return fmt.Errorf("%w: keep_free thresholds out of range (min=%v max=%v)", ErrInvalidConfiguration, kf.MinFree, kf.MaxFree)
	}
	return nil
}
