package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the researchops server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Providers ProvidersConfig
	Budget    BudgetConfig
	Poller    PollerConfig
	Submit    SubmitConfig
	Notify    NotifyConfig
	Auth      AuthConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

type ProvidersConfig struct {
	Default   string
	OpenAI    OpenAIConfig
	Anthropic AnthropicConfig
	Mock      MockConfig
	Timeout   time.Duration
}

type OpenAIConfig struct {
	APIKey            string
	BaseURL           string
	Model             string
	RequestsPerSecond float64
}

type AnthropicConfig struct {
	APIKey            string
	BaseURL           string
	Model             string
	MaxTokens         int
	RequestsPerSecond float64
	// SyncTimeout bounds one blocking Messages call made on behalf of a pseudo-job.
	SyncTimeout time.Duration
}

type MockConfig struct {
	Enabled bool
}

// BudgetConfig holds the spending ceilings in dollars. Zero disables a ceiling.
type BudgetConfig struct {
	JobHard          float64
	JobSoft          float64
	DayHard          float64
	DaySoft          float64
	MonthHard        float64
	MonthSoft        float64
	AutoApproveBelow float64
	PricingFile      string
}

type PollerConfig struct {
	Tick          time.Duration
	FastInterval  time.Duration
	FastWindow    time.Duration
	MidInterval   time.Duration
	MidWindow     time.Duration
	SlowInterval  time.Duration
	MaxWait       time.Duration
	Workers       int
	MaxPollErrors int
}

type SubmitConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type NotifyConfig struct {
	PubSubProject  string
	PubSubTopic    string
	WebhookTimeout time.Duration
}

type AuthConfig struct {
	// BootstrapAdminKey is inserted as an admin key on startup when no key with
	// its prefix exists yet.
	BootstrapAdminKey string
	RateLimitPerMin   int
}

var validProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"mock":      true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("RESEARCHOPS_PORT", 8080),
			Env:  envString("RESEARCHOPS_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Providers: ProvidersConfig{
			Default: envString("DEFAULT_PROVIDER", "openai"),
			Timeout: envDurationSecs("PROVIDER_TIMEOUT_SECS", 60*time.Second),
			OpenAI: OpenAIConfig{
				APIKey:            os.Getenv("OPENAI_API_KEY"),
				BaseURL:           envString("OPENAI_BASE_URL", "https://api.openai.com"),
				Model:             envString("OPENAI_MODEL", "o3-deep-research"),
				RequestsPerSecond: envFloat("OPENAI_RPS", 2),
			},
			Anthropic: AnthropicConfig{
				APIKey:            os.Getenv("ANTHROPIC_API_KEY"),
				BaseURL:           envString("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
				Model:             envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
				MaxTokens:         envInt("ANTHROPIC_MAX_TOKENS", 16000),
				RequestsPerSecond: envFloat("ANTHROPIC_RPS", 1),
				SyncTimeout:       envDuration("ANTHROPIC_SYNC_TIMEOUT", 30*time.Minute),
			},
			Mock: MockConfig{
				Enabled: envBool("MOCK_PROVIDER_ENABLED", false),
			},
		},
		Budget: BudgetConfig{
			JobHard:          envFloat("BUDGET_JOB_HARD", 10),
			JobSoft:          envFloat("BUDGET_JOB_SOFT", 2),
			DayHard:          envFloat("BUDGET_DAY_HARD", 50),
			DaySoft:          envFloat("BUDGET_DAY_SOFT", 25),
			MonthHard:        envFloat("BUDGET_MONTH_HARD", 500),
			MonthSoft:        envFloat("BUDGET_MONTH_SOFT", 250),
			AutoApproveBelow: envFloat("BUDGET_AUTO_APPROVE_BELOW", 0),
			PricingFile:      os.Getenv("PRICING_FILE"),
		},
		Poller: PollerConfig{
			Tick:          envDuration("POLLER_TICK", 5*time.Second),
			FastInterval:  envDuration("POLLER_FAST_INTERVAL", 10*time.Second),
			FastWindow:    envDuration("POLLER_FAST_WINDOW", 2*time.Minute),
			MidInterval:   envDuration("POLLER_MID_INTERVAL", 30*time.Second),
			MidWindow:     envDuration("POLLER_MID_WINDOW", 10*time.Minute),
			SlowInterval:  envDuration("POLLER_SLOW_INTERVAL", 60*time.Second),
			MaxWait:       envDuration("POLLER_MAX_WAIT", 45*time.Minute),
			Workers:       envInt("POLLER_WORKERS", 8),
			MaxPollErrors: envInt("POLLER_MAX_POLL_ERRORS", 10),
		},
		Submit: SubmitConfig{
			MaxAttempts:    envInt("SUBMIT_MAX_ATTEMPTS", 3),
			InitialBackoff: envDuration("SUBMIT_INITIAL_BACKOFF", 500*time.Millisecond),
			MaxBackoff:     envDuration("SUBMIT_MAX_BACKOFF", 10*time.Second),
		},
		Notify: NotifyConfig{
			PubSubProject:  os.Getenv("PUBSUB_PROJECT_ID"),
			PubSubTopic:    envString("PUBSUB_TOPIC", "research-job-events"),
			WebhookTimeout: envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		},
		Auth: AuthConfig{
			BootstrapAdminKey: os.Getenv("ADMIN_API_KEY"),
			RateLimitPerMin:   envInt("RATE_LIMIT_PER_MIN", 120),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// EnabledProviders lists the providers that have credentials configured.
func (c *Config) EnabledProviders() []string {
	var names []string
	if c.Providers.OpenAI.APIKey != "" {
		names = append(names, "openai")
	}
	if c.Providers.Anthropic.APIKey != "" {
		names = append(names, "anthropic")
	}
	if c.Providers.Mock.Enabled {
		names = append(names, "mock")
	}
	return names
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validProviders[c.Providers.Default] {
		return fmt.Errorf("DEFAULT_PROVIDER must be one of openai, anthropic, mock; got %q", c.Providers.Default)
	}
	enabled := c.EnabledProviders()
	if len(enabled) == 0 {
		return fmt.Errorf("at least one provider is required: set OPENAI_API_KEY, ANTHROPIC_API_KEY or MOCK_PROVIDER_ENABLED")
	}
	found := false
	for _, name := range enabled {
		if name == c.Providers.Default {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("DEFAULT_PROVIDER %q has no credentials configured", c.Providers.Default)
	}

	for _, u := range []struct{ key, val string }{
		{"OPENAI_BASE_URL", c.Providers.OpenAI.BaseURL},
		{"ANTHROPIC_BASE_URL", c.Providers.Anthropic.BaseURL},
	} {
		if !strings.HasPrefix(u.val, "http://") && !strings.HasPrefix(u.val, "https://") {
			return fmt.Errorf("%s must start with http:// or https://, got %q", u.key, u.val)
		}
	}

	for _, b := range []struct {
		scope      string
		soft, hard float64
	}{
		{"JOB", c.Budget.JobSoft, c.Budget.JobHard},
		{"DAY", c.Budget.DaySoft, c.Budget.DayHard},
		{"MONTH", c.Budget.MonthSoft, c.Budget.MonthHard},
	} {
		if b.soft < 0 || b.hard < 0 {
			return fmt.Errorf("BUDGET_%s ceilings must not be negative", b.scope)
		}
		if b.hard > 0 && b.soft > b.hard {
			return fmt.Errorf("BUDGET_%s_SOFT (%.2f) must not exceed BUDGET_%s_HARD (%.2f)", b.scope, b.soft, b.scope, b.hard)
		}
	}

	if c.Poller.Workers < 1 {
		return fmt.Errorf("POLLER_WORKERS must be at least 1, got %d", c.Poller.Workers)
	}
	if c.Poller.MaxWait <= 0 {
		return fmt.Errorf("POLLER_MAX_WAIT must be positive")
	}
	if c.Submit.MaxAttempts < 1 {
		return fmt.Errorf("SUBMIT_MAX_ATTEMPTS must be at least 1, got %d", c.Submit.MaxAttempts)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
