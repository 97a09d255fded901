// Package config loads and validates the keeper's YAML configuration.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"funding_keeper/internal/core"
	"funding_keeper/pkg/ratelimit"
)

// Config is the complete configuration tree.
type Config struct {
	App             AppConfig              `yaml:"app"`
	Venues          map[string]VenueConfig `yaml:"venues"`
	Engine          EngineConfig           `yaml:"engine"`
	RateLimiter     RateLimiterConfig      `yaml:"rateLimiter"`
	Journal         JournalConfig          `yaml:"journal"`
	Alerts          AlertsConfig           `yaml:"alerts"`
	Telemetry       TelemetryConfig        `yaml:"telemetry"`
	SymbolCachePath string                 `yaml:"symbolCachePath"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"logLevel"`
}

// VenueConfig configures one venue adapter. Live mode needs credentials;
// paper mode ignores them.
type VenueConfig struct {
	Mode          string `yaml:"mode"`
	BaseURL       string `yaml:"baseURL"`
	WSURL         string `yaml:"wsURL"`
	WalletAddress string `yaml:"walletAddress"`
	PrivateKey    Secret `yaml:"privateKey"`
	VaultAddress  string `yaml:"vaultAddress"`
	Testnet       bool   `yaml:"testnet"`
}

const (
	ModeLive  = "live"
	ModePaper = "paper"
)

// EngineConfig carries the keeper's tunables. Intervals are milliseconds;
// use the accessor methods for time.Duration values.
type EngineConfig struct {
	RefreshIntervalMs        int `yaml:"refreshIntervalMs"`
	HardRefreshIntervalMs    int `yaml:"hardRefreshIntervalMs"`
	FundingRefreshIntervalMs int `yaml:"fundingRefreshIntervalMs"`

	OpenThreshold float64 `yaml:"openThreshold"`

	MaxSingleLegRetries int `yaml:"maxSingleLegRetries"`
	SingleLegBackoffMs  int `yaml:"singleLegBackoffMs"`
	SingleLegFillWaitMs int `yaml:"singleLegFillWaitMs"`
	SingleLegPollMs     int `yaml:"singleLegPollMs"`
	SchedulerIntervalMs int `yaml:"schedulerIntervalMs"`

	WarningThreshold        float64 `yaml:"warningThreshold"`
	EmergencyCloseThreshold float64 `yaml:"emergencyCloseThreshold"`
	LiqCheckIntervalMs      int     `yaml:"liqCheckIntervalMs"`
	EnableEmergencyClose    bool    `yaml:"enableEmergencyClose"`
	MaxCloseRetries         int     `yaml:"maxCloseRetries"`

	PreferredVenueForMissingLeg []string `yaml:"preferredVenueForMissingLeg"`
	RequireOpenInterest         bool     `yaml:"requireOpenInterest"`

	AutoOpen         bool    `yaml:"autoOpen"`
	OrderNotionalUSD float64 `yaml:"orderNotionalUSD"`
}

func (e EngineConfig) RefreshInterval() time.Duration {
	return time.Duration(e.RefreshIntervalMs) * time.Millisecond
}

func (e EngineConfig) HardRefreshInterval() time.Duration {
	return time.Duration(e.HardRefreshIntervalMs) * time.Millisecond
}

func (e EngineConfig) FundingRefreshInterval() time.Duration {
	return time.Duration(e.FundingRefreshIntervalMs) * time.Millisecond
}

func (e EngineConfig) SingleLegBackoff() time.Duration {
	return time.Duration(e.SingleLegBackoffMs) * time.Millisecond
}

func (e EngineConfig) SingleLegFillWait() time.Duration {
	return time.Duration(e.SingleLegFillWaitMs) * time.Millisecond
}

func (e EngineConfig) SingleLegPoll() time.Duration {
	return time.Duration(e.SingleLegPollMs) * time.Millisecond
}

func (e EngineConfig) SchedulerInterval() time.Duration {
	return time.Duration(e.SchedulerIntervalMs) * time.Millisecond
}

func (e EngineConfig) LiqCheckInterval() time.Duration {
	return time.Duration(e.LiqCheckIntervalMs) * time.Millisecond
}

// PreferredVenues returns the parsed missing-leg preference list.
// Validate guarantees every entry parses.
func (e EngineConfig) PreferredVenues() []core.Venue {
	out := make([]core.Venue, 0, len(e.PreferredVenueForMissingLeg))
	for _, name := range e.PreferredVenueForMissingLeg {
		v, err := core.ParseVenue(name)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// RateLimiterConfig sizes the per-venue token buckets. Venue entries sit
// inline next to the default.
type RateLimiterConfig struct {
	Default ratelimit.Config            `yaml:"default"`
	Venues  map[string]ratelimit.Config `yaml:",inline"`
}

// JournalConfig configures the funding-payment and fill journal. An empty
// path keeps the journal in memory.
type JournalConfig struct {
	Path              string `yaml:"path"`
	CollectIntervalMs int    `yaml:"collectIntervalMs"`
}

func (j JournalConfig) CollectInterval() time.Duration {
	return time.Duration(j.CollectIntervalMs) * time.Millisecond
}

// AlertsConfig configures operator alert channels. Empty values disable
// the respective channel.
type AlertsConfig struct {
	SlackWebhookURL  Secret `yaml:"slackWebhookURL"`
	TelegramBotToken Secret `yaml:"telegramBotToken"`
	TelegramChatID   string `yaml:"telegramChatID"`
	MinLevel         string `yaml:"minLevel"`
}

// TelemetryConfig contains metrics endpoint settings.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MetricsAddr string `yaml:"metricsAddr"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// defaults is the baseline every loaded file starts from. Venues are
// deliberately absent: a config file must name its own.
func defaults() *Config {
	return &Config{
		App: AppConfig{
			Name:        "funding-keeper",
			Environment: "development",
			LogLevel:    "INFO",
		},
		Engine: EngineConfig{
			RefreshIntervalMs:        60000,
			HardRefreshIntervalMs:    300000,
			FundingRefreshIntervalMs: 300000,

			OpenThreshold: 0.0001,

			MaxSingleLegRetries: 3,
			SingleLegBackoffMs:  60000,
			SingleLegFillWaitMs: 60000,
			SingleLegPollMs:     5000,
			SchedulerIntervalMs: 3600000,

			WarningThreshold:        0.4,
			EmergencyCloseThreshold: 0.9,
			LiqCheckIntervalMs:      10000,
			EnableEmergencyClose:    true,
			MaxCloseRetries:         3,

			PreferredVenueForMissingLeg: []string{string(core.VenueHyperliquid)},
		},
		RateLimiter: RateLimiterConfig{
			Default: ratelimit.DefaultConfig(),
		},
		Journal: JournalConfig{
			CollectIntervalMs: 3600000,
		},
		Alerts: AlertsConfig{
			MinLevel: "WARNING",
		},
		Telemetry: TelemetryConfig{
			Enabled:     true,
			MetricsAddr: ":9090",
		},
	}
}

// LoadConfig loads configuration from a YAML file. Environment variables
// in the content are expanded first; keys absent from the file keep their
// defaults; the result is validated before it is returned.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	config := defaults()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate checks the whole tree and canonicalizes venue keys to their
// parsed upper-case form.
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateApp(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateVenues(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateEngine(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRateLimiter(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateJournal(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateAlerts(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateApp() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		return ValidationError{
			Field:   "app.logLevel",
			Value:   c.App.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateVenues() error {
	if len(c.Venues) < 2 {
		return ValidationError{
			Field:   "venues",
			Message: "at least two venues are required to hedge a pair",
		}
	}

	canonical := make(map[string]VenueConfig, len(c.Venues))
	for name, vc := range c.Venues {
		venue, err := core.ParseVenue(name)
		if err != nil {
			return ValidationError{
				Field:   "venues",
				Value:   name,
				Message: fmt.Sprintf("must be one of: %s", venueNames()),
			}
		}
		if _, dup := canonical[string(venue)]; dup {
			return ValidationError{
				Field:   "venues",
				Value:   name,
				Message: "venue configured twice under different spellings",
			}
		}

		switch vc.Mode {
		case ModeLive:
			if vc.WalletAddress == "" {
				return ValidationError{
					Field:   fmt.Sprintf("venues.%s.walletAddress", name),
					Message: "wallet address is required for live mode",
				}
			}
			if vc.PrivateKey == "" {
				return ValidationError{
					Field:   fmt.Sprintf("venues.%s.privateKey", name),
					Message: "private key is required for live mode",
				}
			}
		case ModePaper:
		default:
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.mode", name),
				Value:   vc.Mode,
				Message: fmt.Sprintf("must be one of: %s, %s", ModeLive, ModePaper),
			}
		}

		canonical[string(venue)] = vc
	}
	c.Venues = canonical

	return nil
}

func (c *Config) validateEngine() error {
	intervals := []struct {
		field string
		ms    int
	}{
		{"engine.refreshIntervalMs", c.Engine.RefreshIntervalMs},
		{"engine.hardRefreshIntervalMs", c.Engine.HardRefreshIntervalMs},
		{"engine.fundingRefreshIntervalMs", c.Engine.FundingRefreshIntervalMs},
		{"engine.singleLegBackoffMs", c.Engine.SingleLegBackoffMs},
		{"engine.singleLegFillWaitMs", c.Engine.SingleLegFillWaitMs},
		{"engine.singleLegPollMs", c.Engine.SingleLegPollMs},
		{"engine.schedulerIntervalMs", c.Engine.SchedulerIntervalMs},
		{"engine.liqCheckIntervalMs", c.Engine.LiqCheckIntervalMs},
	}
	for _, iv := range intervals {
		if iv.ms <= 0 {
			return ValidationError{
				Field:   iv.field,
				Value:   iv.ms,
				Message: "interval must be positive",
			}
		}
	}

	if c.Engine.OpenThreshold <= 0 {
		return ValidationError{
			Field:   "engine.openThreshold",
			Value:   c.Engine.OpenThreshold,
			Message: "open threshold must be positive",
		}
	}
	if c.Engine.WarningThreshold <= 0 || c.Engine.WarningThreshold > 1 {
		return ValidationError{
			Field:   "engine.warningThreshold",
			Value:   c.Engine.WarningThreshold,
			Message: "threshold must be in (0, 1]",
		}
	}
	if c.Engine.EmergencyCloseThreshold <= 0 || c.Engine.EmergencyCloseThreshold > 1 {
		return ValidationError{
			Field:   "engine.emergencyCloseThreshold",
			Value:   c.Engine.EmergencyCloseThreshold,
			Message: "threshold must be in (0, 1]",
		}
	}
	if c.Engine.WarningThreshold >= c.Engine.EmergencyCloseThreshold {
		return ValidationError{
			Field:   "engine.warningThreshold",
			Value:   c.Engine.WarningThreshold,
			Message: "warning threshold must be below the emergency close threshold",
		}
	}

	if c.Engine.MaxSingleLegRetries < 0 {
		return ValidationError{
			Field:   "engine.maxSingleLegRetries",
			Value:   c.Engine.MaxSingleLegRetries,
			Message: "retry budget cannot be negative",
		}
	}
	if c.Engine.MaxCloseRetries < 1 {
		return ValidationError{
			Field:   "engine.maxCloseRetries",
			Value:   c.Engine.MaxCloseRetries,
			Message: "close retries must be at least 1",
		}
	}

	for _, name := range c.Engine.PreferredVenueForMissingLeg {
		if _, err := core.ParseVenue(name); err != nil {
			return ValidationError{
				Field:   "engine.preferredVenueForMissingLeg",
				Value:   name,
				Message: fmt.Sprintf("must be one of: %s", venueNames()),
			}
		}
	}

	if c.Engine.AutoOpen && c.Engine.OrderNotionalUSD <= 0 {
		return ValidationError{
			Field:   "engine.orderNotionalUSD",
			Value:   c.Engine.OrderNotionalUSD,
			Message: "auto-open requires a positive order notional",
		}
	}
	if c.Engine.OrderNotionalUSD < 0 {
		return ValidationError{
			Field:   "engine.orderNotionalUSD",
			Value:   c.Engine.OrderNotionalUSD,
			Message: "order notional cannot be negative",
		}
	}

	return nil
}

func (c *Config) validateRateLimiter() error {
	check := func(field string, rc ratelimit.Config) error {
		if rc.BucketSize < 0 {
			return ValidationError{
				Field:   field + ".bucketSize",
				Value:   rc.BucketSize,
				Message: "bucket size cannot be negative",
			}
		}
		if rc.RefillPerSec < 0 {
			return ValidationError{
				Field:   field + ".refillPerSec",
				Value:   rc.RefillPerSec,
				Message: "refill rate cannot be negative",
			}
		}
		return nil
	}

	if err := check("rateLimiter.default", c.RateLimiter.Default); err != nil {
		return err
	}
	canonical := make(map[string]ratelimit.Config, len(c.RateLimiter.Venues))
	for name, rc := range c.RateLimiter.Venues {
		venue, err := core.ParseVenue(name)
		if err != nil {
			return ValidationError{
				Field:   "rateLimiter",
				Value:   name,
				Message: fmt.Sprintf("must be one of: %s", venueNames()),
			}
		}
		if err := check("rateLimiter."+name, rc); err != nil {
			return err
		}
		canonical[string(venue)] = rc
	}
	c.RateLimiter.Venues = canonical

	return nil
}

func (c *Config) validateJournal() error {
	if c.Journal.CollectIntervalMs <= 0 {
		return ValidationError{
			Field:   "journal.collectIntervalMs",
			Value:   c.Journal.CollectIntervalMs,
			Message: "interval must be positive",
		}
	}
	return nil
}

func (c *Config) validateAlerts() error {
	validLevels := []string{"INFO", "WARNING", "ERROR", "CRITICAL"}
	if !contains(validLevels, strings.ToUpper(c.Alerts.MinLevel)) {
		return ValidationError{
			Field:   "alerts.minLevel",
			Value:   c.Alerts.MinLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}

	hasToken := c.Alerts.TelegramBotToken != ""
	hasChat := c.Alerts.TelegramChatID != ""
	if hasToken != hasChat {
		return ValidationError{
			Field:   "alerts.telegramChatID",
			Message: "telegram requires both a bot token and a chat id",
		}
	}

	return nil
}

// ActiveVenues returns the configured venues, sorted for deterministic
// iteration. Call after Validate.
func (c *Config) ActiveVenues() []core.Venue {
	out := make([]core.Venue, 0, len(c.Venues))
	for name := range c.Venues {
		v, err := core.ParseVenue(name)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// VenueConfigFor returns the configuration for one venue.
func (c *Config) VenueConfigFor(v core.Venue) (*VenueConfig, error) {
	vc, exists := c.Venues[string(v)]
	if !exists {
		return nil, fmt.Errorf("venue configuration not found for: %s", v)
	}
	return &vc, nil
}

// LimitFor returns the rate-limit bucket for one venue, falling back to
// the default section.
func (c *Config) LimitFor(v core.Venue) ratelimit.Config {
	if rc, ok := c.RateLimiter.Venues[string(v)]; ok {
		return rc
	}
	return c.RateLimiter.Default
}

// String renders the configuration as YAML. Secret fields redact
// themselves through their own marshaler.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		value := os.Getenv(key)
		if value == "" && isCriticalEnvVar(key) {
			return ""
		}
		return value
	})
}

// isCriticalEnvVar checks if an environment variable is critical for operation
func isCriticalEnvVar(key string) bool {
	criticalVars := []string{
		"HYPERLIQUID_WALLET_ADDRESS", "HYPERLIQUID_PRIVATE_KEY",
		"HYPERLIQUID_VAULT_ADDRESS",
		"SLACK_WEBHOOK_URL",
		"TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID",
	}
	return contains(criticalVars, key)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func venueNames() string {
	names := make([]string, len(core.AllVenues))
	for i, v := range core.AllVenues {
		names[i] = string(v)
	}
	return strings.Join(names, ", ")
}

// DefaultConfig returns a default configuration for testing: the standard
// defaults plus two paper venues.
func DefaultConfig() *Config {
	cfg := defaults()
	cfg.Venues = map[string]VenueConfig{
		string(core.VenueHyperliquid): {Mode: ModePaper},
		string(core.VenueLighter):     {Mode: ModePaper},
	}
	return cfg
}
