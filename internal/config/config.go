package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/medinsights/api/internal/platform/db"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	LogFile        string        `mapstructure:"LOG_FILE"`
	LogMaxSizeMB   int           `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups  int           `mapstructure:"LOG_MAX_BACKUPS"`
	TenantIDs      []string      `mapstructure:"-"`
	DefaultTenant  string        `mapstructure:"DEFAULT_TENANT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	ConnectTries   int           `mapstructure:"DB_CONNECT_ATTEMPTS"`
	ConnectDelay   time.Duration `mapstructure:"DB_CONNECT_DELAY"`
	AttemptTimeout time.Duration `mapstructure:"DB_ATTEMPT_TIMEOUT"`
	SSLMode        string        `mapstructure:"DB_SSLMODE"`
	CORSOrigins    []string      `mapstructure:"-"`
	SecretKey      string        `mapstructure:"SECRET_KEY"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`

	// Tenants maps each configured country code to its database parameters.
	Tenants map[string]db.Params `mapstructure:"-"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "LOG_FILE", "LOG_MAX_SIZE_MB", "LOG_MAX_BACKUPS",
	"TENANTS", "DEFAULT_TENANT", "REQUEST_TIMEOUT",
	"DB_CONNECT_ATTEMPTS", "DB_CONNECT_DELAY", "DB_ATTEMPT_TIMEOUT", "DB_SSLMODE",
	"CORS_ORIGINS", "SECRET_KEY", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "MIGRATIONS_DIR",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "5005")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "./logs/medinsights.log")
	v.SetDefault("LOG_MAX_SIZE_MB", 2)
	v.SetDefault("LOG_MAX_BACKUPS", 20)
	v.SetDefault("TENANTS", "IT,DE")
	v.SetDefault("DEFAULT_TENANT", "IT")
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("DB_CONNECT_ATTEMPTS", 5)
	v.SetDefault("DB_CONNECT_DELAY", "500ms")
	v.SetDefault("DB_ATTEMPT_TIMEOUT", "3s")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.DefaultTenant = db.NormalizeTenant(cfg.DefaultTenant)
	cfg.TenantIDs = splitList(v.GetString("TENANTS"), db.NormalizeTenant)
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"), strings.TrimSpace)

	cfg.Tenants = make(map[string]db.Params, len(cfg.TenantIDs))
	for _, id := range cfg.TenantIDs {
		cfg.Tenants[id] = tenantParams(v, id, cfg.SSLMode)
	}

	return cfg, nil
}

// tenantParams reads DB_<ID>_HOST, _PORT, _USER, _PASSWORD, _NAME and
// _SSLMODE for one tenant.
func tenantParams(v *viper.Viper, id, sslMode string) db.Params {
	key := func(suffix string) string {
		k := fmt.Sprintf("DB_%s_%s", id, suffix)
		_ = v.BindEnv(k)
		return k
	}
	v.SetDefault(key("PORT"), "5432")
	v.SetDefault(key("SSLMODE"), sslMode)

	return db.Params{
		Host:     v.GetString(key("HOST")),
		Port:     v.GetString(key("PORT")),
		User:     v.GetString(key("USER")),
		Password: v.GetString(key("PASSWORD")),
		Database: v.GetString(key("NAME")),
		SSLMode:  v.GetString(key("SSLMODE")),
	}
}

func splitList(s string, norm func(string) string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := norm(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AuthEnabled reports whether bearer tokens are required on API routes.
func (c *Config) AuthEnabled() bool {
	return c.SecretKey != ""
}

// Retry returns the connection retry policy.
func (c *Config) Retry() db.RetryPolicy {
	return db.RetryPolicy{
		Attempts:       c.ConnectTries,
		Delay:          c.ConnectDelay,
		AttemptTimeout: c.AttemptTimeout,
	}
}

// Validate checks that the configuration is safe to run. Tenant database
// parameters are validated separately when the registry is built.
func (c *Config) Validate() error {
	if len(c.TenantIDs) == 0 {
		return fmt.Errorf("TENANTS must list at least one country code")
	}
	found := false
	for _, id := range c.TenantIDs {
		if !db.ValidTenantID(id) {
			return fmt.Errorf("TENANTS contains invalid country code %q", id)
		}
		if id == c.DefaultTenant {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("DEFAULT_TENANT %q is not listed in TENANTS", c.DefaultTenant)
	}

	if c.ConnectTries < 1 {
		return fmt.Errorf("DB_CONNECT_ATTEMPTS must be at least 1, got %d", c.ConnectTries)
	}
	if c.ConnectDelay <= 0 {
		return fmt.Errorf("DB_CONNECT_DELAY must be positive, got %s", c.ConnectDelay)
	}
	if c.AttemptTimeout <= 0 {
		return fmt.Errorf("DB_ATTEMPT_TIMEOUT must be positive, got %s", c.AttemptTimeout)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}

	if c.IsProduction() && c.SecretKey == "" {
		return fmt.Errorf("SECRET_KEY is required in production")
	}
	if c.SecretKey != "" && len(c.SecretKey) < 16 {
		return fmt.Errorf("SECRET_KEY must be at least 16 characters, got %d", len(c.SecretKey))
	}
	return nil
}
