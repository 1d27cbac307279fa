// Package config loads application configuration.
//
// Values are layered: defaults from code, then an optional YAML file, then
// environment variables prefixed with APP_. A double underscore separates
// nesting levels, so APP_DATABASE__URL sets database.url.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bissquit/channel-access/internal/pkg/httputil"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

const (
	// EnvPrefix is the prefix of environment overrides.
	EnvPrefix = "APP_"
	// FileEnv names the variable holding the YAML config path.
	FileEnv = "CONFIG_FILE"

	defaultFile = "config.yaml"
)

// listKeys are split on commas when they come from the environment.
var listKeys = map[string]bool{
	"cors.allowed_origins":      true,
	"server.trusted_proxies":    true,
	"robokassa.allowed_ips":     true,
	"cryptopay.accepted_assets": true,
}

// Config is the application configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Log           LogConfig           `koanf:"log"`
	Database      DatabaseConfig      `koanf:"database"`
	CORS          CORSConfig          `koanf:"cors"`
	Telegram      TelegramConfig      `koanf:"telegram"`
	Subscriptions SubscriptionsConfig `koanf:"subscriptions"`
	Tariff        TariffConfig        `koanf:"tariff"`
	Payments      PaymentsConfig      `koanf:"payments"`
	Robokassa     RobokassaConfig     `koanf:"robokassa"`
	CryptoPay     CryptoPayConfig     `koanf:"cryptopay"`
	Internal      InternalConfig      `koanf:"internal"`
	Admin         AdminConfig         `koanf:"admin"`
	NATS          NATSConfig          `koanf:"nats"`
	Redis         RedisConfig         `koanf:"redis"`
	Jobs          JobsConfig          `koanf:"jobs"`
}

// ServerConfig configures the HTTP servers.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	// TrustedProxies lists the addresses or CIDR prefixes of reverse proxies
	// whose X-Forwarded-For entries are believed. Empty ignores the header.
	TrustedProxies    []string      `koanf:"trusted_proxies"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// DatabaseConfig configures the PostgreSQL pool.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	// StatementTimeout bounds every query server-side; zero keeps the server default.
	StatementTimeout time.Duration `koanf:"statement_timeout"`
	// MigrationsPath enables migrations on startup when set.
	MigrationsPath string `koanf:"migrations_path"`
}

// CORSConfig configures cross-origin requests from the admin console.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// TelegramConfig configures the Bot API client and the managed channel.
type TelegramConfig struct {
	BotToken  string        `koanf:"bot_token"`
	ChannelID int64         `koanf:"channel_id"`
	RateLimit float64       `koanf:"rate_limit"`
	Timeout   time.Duration `koanf:"timeout"`
	// BaseURL overrides the public Bot API endpoint.
	BaseURL string `koanf:"base_url"`
	// Timezone is used for dates in user messages.
	Timezone string `koanf:"timezone"`
}

// SubscriptionsConfig configures invite issuance and the expiry sweep.
type SubscriptionsConfig struct {
	InviteTTL         time.Duration `koanf:"invite_ttl"`
	InviteMinInterval time.Duration `koanf:"invite_min_interval"`
	InviteMemberLimit int           `koanf:"invite_member_limit"`
	SweepBatchSize    int           `koanf:"sweep_batch_size"`
}

// TariffConfig is the single paid plan.
type TariffConfig struct {
	Amount      string `koanf:"amount"`
	Currency    string `koanf:"currency"`
	Description string `koanf:"description"`
	PeriodDays  int    `koanf:"period_days"`
}

// PaymentsConfig configures settlement.
type PaymentsConfig struct {
	ProviderTimeout time.Duration `koanf:"provider_timeout"`
}

// RobokassaConfig configures the bank-redirect provider. It is disabled
// when MerchantLogin is empty.
type RobokassaConfig struct {
	MerchantLogin string   `koanf:"merchant_login"`
	Password1     string   `koanf:"password_1"`
	Password2     string   `koanf:"password_2"`
	Digest        string   `koanf:"digest"`
	BaseURL       string   `koanf:"base_url"`
	IsTest        bool     `koanf:"is_test"`
	AllowedIPs    []string `koanf:"allowed_ips"`
}

// Enabled reports whether the provider is configured.
func (c RobokassaConfig) Enabled() bool {
	return c.MerchantLogin != ""
}

// CryptoPayConfig configures the crypto-invoice provider. It is disabled
// when Token is empty.
type CryptoPayConfig struct {
	Token          string        `koanf:"token"`
	BaseURL        string        `koanf:"base_url"`
	AcceptedAssets []string      `koanf:"accepted_assets"`
	InvoiceTTL     time.Duration `koanf:"invoice_ttl"`
	Recheck        bool          `koanf:"recheck"`
}

// Enabled reports whether the provider is configured.
func (c CryptoPayConfig) Enabled() bool {
	return c.Token != ""
}

// InternalConfig protects routes called by the front-facing bot.
type InternalConfig struct {
	Token string `koanf:"token"`
}

// AdminConfig configures admin API authentication.
type AdminConfig struct {
	JWTSecret string        `koanf:"jwt_secret"`
	JWTIssuer string        `koanf:"jwt_issuer"`
	JWTLeeway time.Duration `koanf:"jwt_leeway"`
}

// NATSConfig configures the event relay.
type NATSConfig struct {
	URL            string        `koanf:"url"`
	Name           string        `koanf:"name"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	PublishTimeout time.Duration `koanf:"publish_timeout"`
	StreamMaxAge   time.Duration `koanf:"stream_max_age"`
	DedupWindow    time.Duration `koanf:"dedup_window"`
	MaxDeliver     int           `koanf:"max_deliver"`
	AckWait        time.Duration `koanf:"ack_wait"`
}

// RedisConfig configures the job locker. An empty URL runs jobs without a lock.
type RedisConfig struct {
	URL     string        `koanf:"url"`
	LockTTL time.Duration `koanf:"lock_ttl"`
}

// JobsConfig configures the periodic jobs.
type JobsConfig struct {
	Enabled            bool          `koanf:"enabled"`
	SweepInterval      time.Duration `koanf:"sweep_interval"`
	ReconcileInterval  time.Duration `koanf:"reconcile_interval"`
	ReconcileMinAge    time.Duration `koanf:"reconcile_min_age"`
	ReconcileBatchSize int           `koanf:"reconcile_batch_size"`
	Timeout            time.Duration `koanf:"timeout"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "8081",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			MaxOpenConns:     25,
			MaxIdleConns:     5,
			ConnMaxLifetime:  5 * time.Minute,
			ConnectAttempts:  5,
			ConnectTimeout:   30 * time.Second,
			StatementTimeout: 30 * time.Second,
		},
		Telegram: TelegramConfig{
			RateLimit: 25,
			Timeout:   10 * time.Second,
			Timezone:  "UTC",
		},
		Subscriptions: SubscriptionsConfig{
			InviteTTL:         24 * time.Hour,
			InviteMinInterval: 60 * time.Second,
			InviteMemberLimit: 1,
			SweepBatchSize:    500,
		},
		Tariff: TariffConfig{
			Currency:    "KZT",
			Description: "Subscription 90 days",
			PeriodDays:  90,
		},
		Payments: PaymentsConfig{
			ProviderTimeout: 15 * time.Second,
		},
		Robokassa: RobokassaConfig{
			Digest: "md5",
		},
		CryptoPay: CryptoPayConfig{
			AcceptedAssets: []string{"TON"},
			InvoiceTTL:     time.Hour,
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			Name:           "channel-access",
			ConnectTimeout: 5 * time.Second,
			PublishTimeout: 5 * time.Second,
			StreamMaxAge:   7 * 24 * time.Hour,
			DedupWindow:    24 * time.Hour,
			MaxDeliver:     20,
			AckWait:        30 * time.Second,
		},
		Redis: RedisConfig{
			LockTTL: 5 * time.Minute,
		},
		Jobs: JobsConfig{
			Enabled:            true,
			SweepInterval:      10 * time.Minute,
			ReconcileInterval:  5 * time.Minute,
			ReconcileMinAge:    2 * time.Minute,
			ReconcileBatchSize: 100,
			Timeout:            5 * time.Minute,
		},
	}
}

// Load reads the config file named by CONFIG_FILE (config.yaml when present)
// and applies environment overrides on top of the defaults.
func Load() (*Config, error) {
	path := os.Getenv(FileEnv)
	if path == "" {
		if _, err := os.Stat(defaultFile); err == nil {
			path = defaultFile
		}
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit file path. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKeyValue), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// envKeyValue maps APP_ROBOKASSA__ALLOWED_IPS to robokassa.allowed_ips.
func envKeyValue(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")

	if listKeys[key] {
		parts := strings.Split(value, ",")
		items := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				items = append(items, p)
			}
		}
		return key, items
	}
	return key, value
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if _, err := httputil.ParseTrustedProxies(c.Server.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("server.trusted_proxies: %w", err))
	}
	if c.Telegram.BotToken == "" {
		errs = append(errs, errors.New("telegram.bot_token is required"))
	}
	if c.Telegram.ChannelID == 0 {
		errs = append(errs, errors.New("telegram.channel_id is required"))
	}
	if _, err := time.LoadLocation(c.Telegram.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("telegram.timezone: %w", err))
	}

	if amount, err := c.Tariff.ParseAmount(); err != nil {
		errs = append(errs, fmt.Errorf("tariff.amount: %w", err))
	} else if !amount.IsPositive() {
		errs = append(errs, errors.New("tariff.amount must be positive"))
	}
	if _, err := currency.ParseISO(c.Tariff.Currency); err != nil {
		errs = append(errs, fmt.Errorf("tariff.currency %q is not an ISO 4217 code", c.Tariff.Currency))
	}
	if c.Tariff.PeriodDays <= 0 {
		errs = append(errs, errors.New("tariff.period_days must be positive"))
	}

	if c.Robokassa.Enabled() {
		if c.Robokassa.Password1 == "" || c.Robokassa.Password2 == "" {
			errs = append(errs, errors.New("robokassa.password_1 and robokassa.password_2 are required"))
		}
		switch strings.ToLower(c.Robokassa.Digest) {
		case "", "md5", "sha256", "sha-256":
		default:
			errs = append(errs, fmt.Errorf("robokassa.digest %q is not supported", c.Robokassa.Digest))
		}
	}
	if c.CryptoPay.Enabled() && len(c.CryptoPay.AcceptedAssets) == 0 {
		errs = append(errs, errors.New("cryptopay.accepted_assets must not be empty"))
	}

	if c.Internal.Token == "" {
		errs = append(errs, errors.New("internal.token is required"))
	}
	if c.Admin.JWTSecret == "" {
		errs = append(errs, errors.New("admin.jwt_secret is required"))
	}
	if c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required"))
	}

	if c.Jobs.SweepInterval <= 0 {
		errs = append(errs, errors.New("jobs.sweep_interval must be positive"))
	}
	if c.Jobs.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("jobs.reconcile_interval must be positive"))
	}
	if c.Subscriptions.InviteTTL <= 0 {
		errs = append(errs, errors.New("subscriptions.invite_ttl must be positive"))
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}

	return errors.Join(errs...)
}

// ParseAmount returns the tariff amount.
func (t TariffConfig) ParseAmount() (decimal.Decimal, error) {
	if strings.TrimSpace(t.Amount) == "" {
		return decimal.Zero, errors.New("is required")
	}
	return decimal.NewFromString(strings.TrimSpace(t.Amount))
}

// Period returns the paid access period.
func (t TariffConfig) Period() time.Duration {
	return time.Duration(t.PeriodDays) * 24 * time.Hour
}

// Location returns the timezone for user messages.
func (t TelegramConfig) Location() *time.Location {
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
