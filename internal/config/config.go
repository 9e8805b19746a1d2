package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Secrets    SecretsConfig    `yaml:"secrets" mapstructure:"secrets"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Enrichment EnrichmentConfig `yaml:"enrichment" mapstructure:"enrichment"`
	BrasilAPI  BrasilAPIConfig  `yaml:"brasilapi" mapstructure:"brasilapi"`
	CNPJa      CNPJaConfig      `yaml:"cnpja" mapstructure:"cnpja"`
	PersonAPI  PersonAPIConfig  `yaml:"personapi" mapstructure:"personapi"`
	CRM        CRMConfig        `yaml:"crm" mapstructure:"crm"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// SecretsConfig holds the key used to seal connection credentials.
type SecretsConfig struct {
	// CredentialsKey is a standard base64 encoded 32-byte key.
	CredentialsKey string `yaml:"credentials_key" mapstructure:"credentials_key"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	PublicURL   string   `yaml:"public_url" mapstructure:"public_url"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// EnrichmentConfig configures the enrichment orchestrators.
type EnrichmentConfig struct {
	MaxRetries       int    `yaml:"max_retries" mapstructure:"max_retries"`
	InitialBackoffMs int    `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	PersonDelayMs    int    `yaml:"person_delay_ms" mapstructure:"person_delay_ms"`
	CompanyProvider  string `yaml:"company_provider" mapstructure:"company_provider"`
	PersonProvider   string `yaml:"person_provider" mapstructure:"person_provider"`
	BreakerThreshold int    `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int    `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// BrasilAPIConfig configures the free-tier company lookup.
type BrasilAPIConfig struct {
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs   int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerMinute int    `yaml:"rate_per_minute" mapstructure:"rate_per_minute"`
}

// CNPJaConfig configures the premium company lookup.
type CNPJaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs   int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerMinute int    `yaml:"rate_per_minute" mapstructure:"rate_per_minute"`
}

// PersonAPIConfig configures the per-person contact lookup.
type PersonAPIConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs   int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerMinute int    `yaml:"rate_per_minute" mapstructure:"rate_per_minute"`
}

// OAuthAppConfig holds one CRM provider's OAuth application and API settings.
type OAuthAppConfig struct {
	ClientID      string   `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret  string   `yaml:"client_secret" mapstructure:"client_secret"`
	BaseURL       string   `yaml:"base_url" mapstructure:"base_url"`
	AuthURL       string   `yaml:"auth_url" mapstructure:"auth_url"`
	TokenURL      string   `yaml:"token_url" mapstructure:"token_url"`
	Scopes        []string `yaml:"scopes" mapstructure:"scopes"`
	PageCap       int      `yaml:"page_cap" mapstructure:"page_cap"`
	RatePerSecond float64  `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	TimeoutSecs   int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// CRMConfig holds per-provider CRM settings.
type CRMConfig struct {
	HubSpot    OAuthAppConfig `yaml:"hubspot" mapstructure:"hubspot"`
	Pipedrive  OAuthAppConfig `yaml:"pipedrive" mapstructure:"pipedrive"`
	RDStation  OAuthAppConfig `yaml:"rdstation" mapstructure:"rdstation"`
	Salesforce OAuthAppConfig `yaml:"salesforce" mapstructure:"salesforce"`
	Notion     OAuthAppConfig `yaml:"notion" mapstructure:"notion"`
}

// SyncConfig configures a sync pass.
type SyncConfig struct {
	PushBatchSize     int `yaml:"push_batch_size" mapstructure:"push_batch_size"`
	ActivityBatchSize int `yaml:"activity_batch_size" mapstructure:"activity_batch_size"`
	MaxDurationMins   int `yaml:"max_duration_mins" mapstructure:"max_duration_mins"`
}

// ScoringConfig points at an optional rules file loaded by `score --rules`.
type ScoringConfig struct {
	RulesFile string `yaml:"rules_file" mapstructure:"rules_file"`
}

// WorkerConfig selects how background tasks are dispatched.
type WorkerConfig struct {
	Mode        string `yaml:"mode" mapstructure:"mode"`
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// TemporalConfig configures the Temporal client.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// MonitoringConfig configures health alerts.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinSamples           int     `yaml:"min_samples" mapstructure:"min_samples"`
}

var crmDefaults = map[string]map[string]any{
	"hubspot": {
		"base_url":  "https://api.hubapi.com",
		"auth_url":  "https://app.hubspot.com/oauth/authorize",
		"token_url": "https://api.hubapi.com/oauth/v1/token",
		"scopes":    []string{"crm.objects.contacts.read", "crm.objects.contacts.write"},
	},
	"pipedrive": {
		"base_url":  "https://api.pipedrive.com",
		"auth_url":  "https://oauth.pipedrive.com/oauth/authorize",
		"token_url": "https://oauth.pipedrive.com/oauth/token",
	},
	"rdstation": {
		"base_url":  "https://api.rd.services",
		"auth_url":  "https://api.rd.services/auth/dialog",
		"token_url": "https://api.rd.services/auth/token",
	},
	"salesforce": {
		"base_url":  "https://login.salesforce.com",
		"auth_url":  "https://login.salesforce.com/services/oauth2/authorize",
		"token_url": "https://login.salesforce.com/services/oauth2/token",
		"scopes":    []string{"api", "refresh_token"},
	},
	"notion": {
		"base_url":  "https://api.notion.com",
		"auth_url":  "https://api.notion.com/v1/oauth/authorize",
		"token_url": "https://api.notion.com/v1/oauth/token",
	},
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEADSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("secrets.credentials_key", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.public_url", "http://localhost:8080")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("enrichment.max_retries", 3)
	v.SetDefault("enrichment.initial_backoff_ms", 1000)
	v.SetDefault("enrichment.person_delay_ms", 1000)
	v.SetDefault("enrichment.company_provider", "brasilapi")
	v.SetDefault("enrichment.person_provider", "personapi")
	v.SetDefault("enrichment.breaker_threshold", 5)
	v.SetDefault("enrichment.breaker_reset_secs", 60)
	v.SetDefault("brasilapi.base_url", "https://brasilapi.com.br/api")
	v.SetDefault("brasilapi.timeout_secs", 10)
	v.SetDefault("brasilapi.rate_per_minute", 3)
	v.SetDefault("cnpja.key", "")
	v.SetDefault("cnpja.base_url", "https://api.cnpja.com")
	v.SetDefault("cnpja.timeout_secs", 10)
	v.SetDefault("cnpja.rate_per_minute", 60)
	v.SetDefault("personapi.key", "")
	v.SetDefault("personapi.base_url", "https://api.personapi.com.br")
	v.SetDefault("personapi.timeout_secs", 15)
	v.SetDefault("personapi.rate_per_minute", 60)
	for provider, defaults := range crmDefaults {
		prefix := "crm." + provider + "."
		v.SetDefault(prefix+"client_id", "")
		v.SetDefault(prefix+"client_secret", "")
		v.SetDefault(prefix+"page_cap", 10)
		v.SetDefault(prefix+"rate_per_second", 5.0)
		v.SetDefault(prefix+"timeout_secs", 30)
		for k, val := range defaults {
			v.SetDefault(prefix+k, val)
		}
	}
	v.SetDefault("sync.push_batch_size", 200)
	v.SetDefault("sync.activity_batch_size", 100)
	v.SetDefault("sync.max_duration_mins", 15)
	v.SetDefault("scoring.rules_file", "")
	v.SetDefault("worker.mode", "local")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "leadsync")
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.min_samples", 5)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs. Modes: serve, worker,
// sync, enrich, score, migrate.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "worker", "sync":
		errs = append(errs, c.validateStore()...)
		if c.Secrets.CredentialsKey == "" {
			errs = append(errs, "secrets.credentials_key is required")
		}
		errs = append(errs, c.validateSync()...)
		errs = append(errs, c.validateEnrichment()...)
		errs = append(errs, c.validateWorker()...)
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "enrich":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateEnrichment()...)
	case "score", "migrate":
		errs = append(errs, c.validateStore()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required (sqlite file path)")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
	}
	return errs
}

func (c *Config) validateSync() []string {
	var errs []string
	if c.Sync.PushBatchSize < 1 || c.Sync.PushBatchSize > 1000 {
		errs = append(errs, "sync.push_batch_size must be between 1 and 1000")
	}
	if c.Sync.ActivityBatchSize < 1 || c.Sync.ActivityBatchSize > 1000 {
		errs = append(errs, "sync.activity_batch_size must be between 1 and 1000")
	}
	if c.Sync.MaxDurationMins < 0 {
		errs = append(errs, "sync.max_duration_mins must be >= 0")
	}
	return errs
}

func (c *Config) validateEnrichment() []string {
	var errs []string
	if c.Enrichment.MaxRetries < 0 || c.Enrichment.MaxRetries > 10 {
		errs = append(errs, "enrichment.max_retries must be between 0 and 10")
	}
	switch c.Enrichment.CompanyProvider {
	case "brasilapi":
	case "cnpja":
		if c.CNPJa.Key == "" {
			errs = append(errs, "cnpja.key is required when enrichment.company_provider is cnpja")
		}
	default:
		errs = append(errs, fmt.Sprintf("enrichment.company_provider must be brasilapi or cnpja, got %q", c.Enrichment.CompanyProvider))
	}
	return errs
}

func (c *Config) validateWorker() []string {
	switch c.Worker.Mode {
	case "local":
		if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 64 {
			return []string{"worker.concurrency must be between 1 and 64"}
		}
	case "temporal":
		if c.Temporal.HostPort == "" || c.Temporal.TaskQueue == "" {
			return []string{"temporal.host_port and temporal.task_queue are required in temporal mode"}
		}
	default:
		return []string{fmt.Sprintf("worker.mode must be local or temporal, got %q", c.Worker.Mode)}
	}
	return nil
}

// App returns the OAuth app settings for a CRM provider name.
func (c CRMConfig) App(provider string) (OAuthAppConfig, bool) {
	switch provider {
	case "hubspot":
		return c.HubSpot, true
	case "pipedrive":
		return c.Pipedrive, true
	case "rdstation":
		return c.RDStation, true
	case "salesforce":
		return c.Salesforce, true
	case "notion":
		return c.Notion, true
	}
	return OAuthAppConfig{}, false
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
