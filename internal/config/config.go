// File: internal/config/config.go
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Browser() BrowserConfig
	Scheduler() SchedulerConfig
	Timing() TimingConfig
	Retry() RetryConfig
	Flow() FlowConfig
	Credential() CredentialConfig
	Output() OutputConfig
}

// Config holds the entire application configuration.
// Fields are exported so viper can decode into them; callers should prefer the getters.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	BrowserCfg    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	SchedulerCfg  SchedulerConfig  `mapstructure:"scheduler" yaml:"scheduler"`
	TimingCfg     TimingConfig     `mapstructure:"timing" yaml:"timing"`
	RetryCfg      RetryConfig      `mapstructure:"retry" yaml:"retry"`
	FlowCfg       FlowConfig       `mapstructure:"flow" yaml:"flow"`
	CredentialCfg CredentialConfig `mapstructure:"credential" yaml:"credential"`
	OutputCfg     OutputConfig     `mapstructure:"output" yaml:"output"`
}

var _ Interface = (*Config)(nil)

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig     { return c.DatabaseCfg }
func (c *Config) Browser() BrowserConfig       { return c.BrowserCfg }
func (c *Config) Scheduler() SchedulerConfig   { return c.SchedulerCfg }
func (c *Config) Timing() TimingConfig         { return c.TimingCfg }
func (c *Config) Retry() RetryConfig           { return c.RetryCfg }
func (c *Config) Flow() FlowConfig             { return c.FlowCfg }
func (c *Config) Credential() CredentialConfig { return c.CredentialCfg }
func (c *Config) Output() OutputConfig         { return c.OutputCfg }

// LoggerConfig defines all the settings for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the result store connection details. An empty URL disables the store.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// BrowserConfig controls the Chromium process shared by all sessions.
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ExecPath        string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args            []string      `mapstructure:"args" yaml:"args"`
	LaunchTimeout   time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	WindowWidth     int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight    int           `mapstructure:"window_height" yaml:"window_height"`
}

// SchedulerConfig bounds how many account workflows run at once.
type SchedulerConfig struct {
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
	// LaunchRate caps new sessions per second. Zero means unlimited.
	LaunchRate      float64       `mapstructure:"launch_rate" yaml:"launch_rate"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// TimingConfig holds every wait, settle and budget used by the interaction layer and the stages.
type TimingConfig struct {
	Step          time.Duration `mapstructure:"step" yaml:"step"`
	Login         time.Duration `mapstructure:"login" yaml:"login"`
	NavSettle     time.Duration `mapstructure:"nav_settle" yaml:"nav_settle"`
	Short         time.Duration `mapstructure:"short" yaml:"short"`
	ClickCooldown time.Duration `mapstructure:"click_cooldown" yaml:"click_cooldown"`
	Poll          time.Duration `mapstructure:"poll" yaml:"poll"`
	TypeDelay     time.Duration `mapstructure:"type_delay" yaml:"type_delay"`
	ProbeWindow   time.Duration `mapstructure:"probe_window" yaml:"probe_window"`
	Interstitial  time.Duration `mapstructure:"interstitial" yaml:"interstitial"`
	FinalWait     time.Duration `mapstructure:"final_wait" yaml:"final_wait"`
	FeatureWait   time.Duration `mapstructure:"feature_wait" yaml:"feature_wait"`
	BounceSettle  time.Duration `mapstructure:"bounce_settle" yaml:"bounce_settle"`
	TrailingPause time.Duration `mapstructure:"trailing_pause" yaml:"trailing_pause"`
	SectionWait   time.Duration `mapstructure:"section_wait" yaml:"section_wait"`
	RefreshPause  time.Duration `mapstructure:"refresh_pause" yaml:"refresh_pause"`
	RoundPause    time.Duration `mapstructure:"round_pause" yaml:"round_pause"`
	// StageBudgets overrides the per-round budget of a named stage.
	StageBudgets map[string]time.Duration `mapstructure:"stage_budgets" yaml:"stage_budgets"`
}

// Budget returns the configured budget for a stage, or def when none is set.
func (t TimingConfig) Budget(stage string, def time.Duration) time.Duration {
	if d, ok := t.StageBudgets[strings.ToLower(stage)]; ok && d > 0 {
		return d
	}
	return def
}

// RetryConfig holds the attempt counts for the interaction retry policy.
type RetryConfig struct {
	ClickAttempts int           `mapstructure:"click_attempts" yaml:"click_attempts"`
	ClickBackoff  time.Duration `mapstructure:"click_backoff" yaml:"click_backoff"`
	TypeAttempts  int           `mapstructure:"type_attempts" yaml:"type_attempts"`
	TypeBackoff   time.Duration `mapstructure:"type_backoff" yaml:"type_backoff"`
	ProbeRechecks int           `mapstructure:"probe_rechecks" yaml:"probe_rechecks"`
}

// FlowConfig shapes the per-account workflow.
type FlowConfig struct {
	ProfilePath         string `mapstructure:"profile" yaml:"profile"`
	ResourcesPerAccount int    `mapstructure:"resources_per_account" yaml:"resources_per_account"`
	ResourcePrefix      string `mapstructure:"resource_prefix" yaml:"resource_prefix"`
	// Parent is the organization identity a new resource is filed under, if any.
	Parent           string `mapstructure:"parent" yaml:"parent"`
	WizardSteps      int    `mapstructure:"wizard_steps" yaml:"wizard_steps"`
	TrailingStepCap  int    `mapstructure:"trailing_step_cap" yaml:"trailing_step_cap"`
	FeaturePasses    int    `mapstructure:"feature_passes" yaml:"feature_passes"`
	CredentialRounds int    `mapstructure:"credential_rounds" yaml:"credential_rounds"`
}

// CredentialConfig describes the shape of an extracted credential.
type CredentialConfig struct {
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
	MinLength int    `mapstructure:"min_length" yaml:"min_length"`
	// Charset is the body of a regular expression character class.
	Charset string `mapstructure:"charset" yaml:"charset"`
}

// Expression builds the anchored regular expression a credential must match.
func (c CredentialConfig) Expression() string {
	return fmt.Sprintf("^%s[%s]{%d,}$", regexp.QuoteMeta(c.Prefix), c.Charset, c.MinLength)
}

// Compile returns the compiled credential expression.
func (c CredentialConfig) Compile() (*regexp.Regexp, error) {
	re, err := regexp.Compile(c.Expression())
	if err != nil {
		return nil, fmt.Errorf("credential pattern %q does not compile: %w", c.Expression(), err)
	}
	return re, nil
}

// OutputConfig locates the input list and the durable outputs.
type OutputConfig struct {
	AccountsPath   string `mapstructure:"accounts" yaml:"accounts"`
	LedgerPath     string `mapstructure:"ledger" yaml:"ledger"`
	DiagnosticsDir string `mapstructure:"diagnostics_dir" yaml:"diagnostics_dir"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "stagehand")
	v.SetDefault("logger.log_file", "logs/stagehand.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.window_width", 1366)
	v.SetDefault("browser.window_height", 900)

	// -- Scheduler --
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.launch_rate", 0.0)
	v.SetDefault("scheduler.shutdown_timeout", "15s")

	// -- Timing --
	v.SetDefault("timing.step", "40s")
	v.SetDefault("timing.login", "150s")
	v.SetDefault("timing.nav_settle", "2s")
	v.SetDefault("timing.short", "800ms")
	v.SetDefault("timing.click_cooldown", "600ms")
	v.SetDefault("timing.poll", "250ms")
	v.SetDefault("timing.type_delay", "15ms")
	v.SetDefault("timing.probe_window", "2s")
	v.SetDefault("timing.interstitial", "10s")
	v.SetDefault("timing.final_wait", "90s")
	v.SetDefault("timing.feature_wait", "60s")
	v.SetDefault("timing.bounce_settle", "600ms")
	v.SetDefault("timing.trailing_pause", "1200ms")
	v.SetDefault("timing.section_wait", "5s")
	v.SetDefault("timing.refresh_pause", "2500ms")
	v.SetDefault("timing.round_pause", "1200ms")
	v.SetDefault("timing.stage_budgets", map[string]string{
		"extract_credential": "25s",
	})

	// -- Retry --
	v.SetDefault("retry.click_attempts", 4)
	v.SetDefault("retry.click_backoff", "250ms")
	v.SetDefault("retry.type_attempts", 3)
	v.SetDefault("retry.type_backoff", "200ms")
	v.SetDefault("retry.probe_rechecks", 2)

	// -- Flow --
	v.SetDefault("flow.profile", "configs/profile.yaml")
	v.SetDefault("flow.resources_per_account", 1)
	v.SetDefault("flow.resource_prefix", "sh")
	v.SetDefault("flow.parent", "")
	v.SetDefault("flow.wizard_steps", 3)
	v.SetDefault("flow.trailing_step_cap", 3)
	v.SetDefault("flow.feature_passes", 2)
	v.SetDefault("flow.credential_rounds", 2)

	// -- Credential --
	v.SetDefault("credential.prefix", "key-")
	v.SetDefault("credential.min_length", 10)
	v.SetDefault("credential.charset", `0-9A-Za-z_\-`)

	// -- Output --
	v.SetDefault("output.accounts", "accounts.txt")
	v.SetDefault("output.ledger", "ledger.txt")
	v.SetDefault("output.diagnostics_dir", "logs")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// database.url has no default, so AutomaticEnv alone would not surface it to Unmarshal.
	_ = v.BindEnv("database.url", "STAGEHAND_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.SchedulerCfg.Concurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be a positive integer")
	}
	if c.SchedulerCfg.LaunchRate < 0 {
		return fmt.Errorf("scheduler.launch_rate must not be negative")
	}
	if err := c.TimingCfg.Validate(); err != nil {
		return fmt.Errorf("timing configuration invalid: %w", err)
	}
	if c.RetryCfg.ClickAttempts <= 0 || c.RetryCfg.TypeAttempts <= 0 {
		return fmt.Errorf("retry.click_attempts and retry.type_attempts must be positive")
	}
	if c.RetryCfg.ProbeRechecks < 0 {
		return fmt.Errorf("retry.probe_rechecks must not be negative")
	}
	if err := c.FlowCfg.Validate(); err != nil {
		return fmt.Errorf("flow configuration invalid: %w", err)
	}
	if c.CredentialCfg.MinLength <= 0 {
		return fmt.Errorf("credential.min_length must be a positive integer")
	}
	if c.CredentialCfg.Charset == "" {
		return fmt.Errorf("credential.charset is required")
	}
	if _, err := c.CredentialCfg.Compile(); err != nil {
		return err
	}
	return nil
}

// Validate rejects budgets that would make a wait unbounded or a poll spin.
func (t *TimingConfig) Validate() error {
	required := map[string]time.Duration{
		"step":         t.Step,
		"login":        t.Login,
		"poll":         t.Poll,
		"probe_window": t.ProbeWindow,
		"final_wait":   t.FinalWait,
		"feature_wait": t.FeatureWait,
		"section_wait": t.SectionWait,
	}
	for name, d := range required {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", name)
		}
	}
	for name, d := range t.StageBudgets {
		if d <= 0 {
			return fmt.Errorf("stage_budgets.%s must be a positive duration", name)
		}
	}
	return nil
}

// MaxResourcePrefix leaves room for the account slug and index inside a 30-character resource id.
const MaxResourcePrefix = 20

// Validate checks the FlowConfig settings.
func (f *FlowConfig) Validate() error {
	if f.ResourcesPerAccount <= 0 {
		return fmt.Errorf("resources_per_account must be a positive integer")
	}
	if f.ResourcePrefix == "" {
		return fmt.Errorf("resource_prefix is required")
	}
	if len(f.ResourcePrefix) > MaxResourcePrefix {
		return fmt.Errorf("resource_prefix must be at most %d characters, got %d", MaxResourcePrefix, len(f.ResourcePrefix))
	}
	if strings.ContainsFunc(f.ResourcePrefix, unicode.IsSpace) {
		return fmt.Errorf("resource_prefix %q must not contain whitespace", f.ResourcePrefix)
	}
	if f.WizardSteps < 0 || f.TrailingStepCap < 0 {
		return fmt.Errorf("wizard_steps and trailing_step_cap must not be negative")
	}
	if f.FeaturePasses <= 0 {
		return fmt.Errorf("feature_passes must be a positive integer")
	}
	if f.CredentialRounds <= 0 {
		return fmt.Errorf("credential_rounds must be a positive integer")
	}
	return nil
}
