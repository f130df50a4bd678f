package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// insecure defaults that must never reach production
var insecureDefaults = map[string]bool{
	"your-secret-key-change-in-production": true,
	"changeme":                             true,
	"":                                     true,
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Shop     ShopConfig     `mapstructure:"shop"`
	Invoice  InvoiceConfig  `mapstructure:"invoice"`
	Tor      TorConfig      `mapstructure:"tor"`
	Rates    RatesConfig    `mapstructure:"rates"`
	Media    MediaConfig    `mapstructure:"media"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

type ServerConfig struct {
	Port    string `mapstructure:"port"`
	Mode    string `mapstructure:"mode"`
	BaseURL string `mapstructure:"base_url"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"name"`
	Schema   string `mapstructure:"schema"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type JWTConfig struct {
	SecretKey string `mapstructure:"secret_key"`
}

// ShopConfig holds the bridge lifecycle timings
type ShopConfig struct {
	BridgeGraceTime    time.Duration `mapstructure:"bridge_grace_time"`
	InitialMaxAge      time.Duration `mapstructure:"initial_max_age"`
	SuspendedMaxAge    time.Duration `mapstructure:"suspended_max_age"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	AliveCheckInterval time.Duration `mapstructure:"alive_check_interval"`
	MetricsInterval    time.Duration `mapstructure:"metrics_interval"`
	RecoveryInterval   time.Duration `mapstructure:"recovery_interval"`
	OrderStaleAge      time.Duration `mapstructure:"order_stale_age"`
}

// InvoiceConfig controls invoice creation and settlement polling
type InvoiceConfig struct {
	Expiry             time.Duration `mapstructure:"expiry"`
	SyncDelay          time.Duration `mapstructure:"sync_delay"`
	SyncMaxAttempts    int           `mapstructure:"sync_max_attempts"`
	UnpaidSyncInterval time.Duration `mapstructure:"unpaid_sync_interval"`
}

// TorConfig is used for the remote HTTPS check of bridge targets
type TorConfig struct {
	SocksAddr     string        `mapstructure:"socks_addr"`
	CheckTimeout  time.Duration `mapstructure:"check_timeout"`
	PortWhitelist []int         `mapstructure:"port_whitelist"`
}

type RatesConfig struct {
	TaxCurrency   string        `mapstructure:"tax_currency"`
	InfoCurrency  string        `mapstructure:"info_currency"`
	Window        time.Duration `mapstructure:"window"`
	ProviderURL   string        `mapstructure:"provider_url"`
	FetchInterval time.Duration `mapstructure:"fetch_interval"`
}

type MediaConfig struct {
	Dir string `mapstructure:"dir"`
	URL string `mapstructure:"url"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.base_url", "http://localhost:8000")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "ip2tor")
	v.SetDefault("database.password", "ip2tor")
	v.SetDefault("database.name", "ip2tor")
	v.SetDefault("database.schema", "shop")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("jwt.secret_key", "")

	v.SetDefault("shop.bridge_grace_time", 600*time.Second)
	v.SetDefault("shop.initial_max_age", 3*24*time.Hour)
	v.SetDefault("shop.suspended_max_age", 45*24*time.Hour)
	v.SetDefault("shop.sweep_interval", 5*time.Minute)
	v.SetDefault("shop.alive_check_interval", time.Minute)
	v.SetDefault("shop.metrics_interval", time.Minute)
	v.SetDefault("shop.recovery_interval", 5*time.Minute)
	v.SetDefault("shop.order_stale_age", 10*time.Minute)

	v.SetDefault("invoice.expiry", time.Hour)
	v.SetDefault("invoice.sync_delay", 5*time.Second)
	v.SetDefault("invoice.sync_max_attempts", 180)
	v.SetDefault("invoice.unpaid_sync_interval", 2*time.Minute)

	v.SetDefault("tor.socks_addr", "127.0.0.1:9050")
	v.SetDefault("tor.check_timeout", 60*time.Second)
	v.SetDefault("tor.port_whitelist", []int{9735, 10009})

	v.SetDefault("rates.tax_currency", "EUR")
	v.SetDefault("rates.info_currency", "USD")
	v.SetDefault("rates.window", time.Hour)
	v.SetDefault("rates.provider_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("rates.fetch_interval", 10*time.Minute)

	v.SetDefault("media.dir", "media")
	v.SetDefault("media.url", "/media")

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.user", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "ip2tor@localhost")

	v.SetDefault("worker.concurrency", 4)
}

// Load reads config.yaml (if present) and IP2TOR_* environment variables,
// e.g. IP2TOR_DATABASE_HOST or IP2TOR_INVOICE_SYNC_DELAY=5s.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ip2tor")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/ip2tor")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// secrets are not logged
	log.Info().
		Str("port", cfg.Server.Port).
		Str("db", cfg.Database.Host+"/"+cfg.Database.DBName+"."+cfg.Database.Schema).
		Str("redis", cfg.Redis.Addr).
		Msg("config loaded")

	return cfg, nil
}

// Validate checks settings the shop cannot safely run without.
func (c *Config) Validate() error {
	if insecureDefaults[c.JWT.SecretKey] {
		return fmt.Errorf("IP2TOR_JWT_SECRET_KEY must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("IP2TOR_JWT_SECRET_KEY must be at least 32 characters long")
	}
	if c.Invoice.SyncMaxAttempts <= 0 {
		return fmt.Errorf("invoice.sync_max_attempts must be positive")
	}
	if c.Invoice.SyncDelay <= 0 {
		return fmt.Errorf("invoice.sync_delay must be positive")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + c.Port + "/" + c.DBName + "?sslmode=" + c.SSLMode
}

// WhitelistedPort reports whether remote checks are skipped for port.
func (c *TorConfig) WhitelistedPort(port int) bool {
	for _, p := range c.PortWhitelist {
		if p == port {
			return true
		}
	}
	return false
}
