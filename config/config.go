// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"github.com/eliteacai/cashback-engine/auth"
	"github.com/eliteacai/cashback-engine/cashback"
)

const EnvPrefix = "CASHBACK"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DBDriverMemory   = "memory"
	DBDriverSQLite   = "sqlite"
	DBDriverPostgres = "postgres"

	NotifyProviderLog    = "log"
	NotifyProviderTwilio = "twilio"
)

type Config struct {
	App       AppConfig
	HTTP      HTTPConfig
	DB        DBConfig
	Redis     RedisConfig
	Program   ProgramConfig
	Geofence  GeofenceConfig
	Notify    NotifyConfig
	JWT       JWTConfig
	Admin     AdminConfig
	Password  PasswordConfig
	Scheduler SchedulerConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.JWT.Secret) == "" {
		return fmt.Errorf("CASHBACK_JWT_SECRET must not be empty")
	}

	switch c.DB.Driver {
	case DBDriverMemory:
	case DBDriverSQLite, DBDriverPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("CASHBACK_DB_DSN is required for driver %s", c.DB.Driver)
		}
	default:
		return fmt.Errorf("unknown db driver %q", c.DB.Driver)
	}

	switch c.Notify.Provider {
	case NotifyProviderLog:
	case NotifyProviderTwilio:
		if c.Notify.TwilioAccountSID == "" || c.Notify.TwilioAuthToken == "" || c.Notify.TwilioFrom == "" {
			return fmt.Errorf("twilio provider requires account sid, auth token and from number")
		}
	default:
		return fmt.Errorf("unknown notify provider %q", c.Notify.Provider)
	}

	if _, err := c.ProgramSettings(); err != nil {
		return err
	}
	return nil
}

type AppConfig struct {
	Env          string `envconfig:"CASHBACK_APP_ENV" default:"dev"`
	Port         string `envconfig:"CASHBACK_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"CASHBACK_LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"CASHBACK_LOG_FORMAT" default:"json"`
	LogWarnStack bool   `envconfig:"CASHBACK_LOG_WARN_STACK" default:"false"`
	Timezone     string `envconfig:"CASHBACK_TIMEZONE" default:"America/Sao_Paulo"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type HTTPConfig struct {
	AllowedOrigins  []string      `envconfig:"CASHBACK_HTTP_ALLOWED_ORIGINS" default:"*"`
	ReadTimeout     time.Duration `envconfig:"CASHBACK_HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"CASHBACK_HTTP_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"CASHBACK_HTTP_SHUTDOWN_TIMEOUT" default:"15s"`
}

type DBConfig struct {
	Driver string `envconfig:"CASHBACK_DB_DRIVER" default:"memory"`
	DSN    string `envconfig:"CASHBACK_DB_DSN"`

	MaxOpenConns    int           `envconfig:"CASHBACK_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"CASHBACK_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"CASHBACK_DB_CONN_MAX_LIFETIME" default:"1h"`

	// Startup connectivity probe
	ProbeAttempts uint64        `envconfig:"CASHBACK_DB_PROBE_ATTEMPTS" default:"5"`
	ProbeBackoff  time.Duration `envconfig:"CASHBACK_DB_PROBE_BACKOFF" default:"2s"`
}

// RedisConfig is optional; an empty URL selects the in-process guard.
type RedisConfig struct {
	URL string `envconfig:"CASHBACK_REDIS_URL"`
}

type ProgramConfig struct {
	CashbackRate      string        `envconfig:"CASHBACK_PROGRAM_RATE" default:"0.05"`
	MinimumRedemption string        `envconfig:"CASHBACK_PROGRAM_MINIMUM_REDEMPTION" default:"1.00"`
	DuplicateWindow   time.Duration `envconfig:"CASHBACK_PROGRAM_DUPLICATE_WINDOW" default:"10s"`
}

type GeofenceConfig struct {
	StoresFile string        `envconfig:"CASHBACK_GEOFENCE_STORES_FILE" default:"stores.yaml"`
	Timeout    time.Duration `envconfig:"CASHBACK_GEOFENCE_TIMEOUT" default:"15s"`
}

type NotifyConfig struct {
	Provider         string        `envconfig:"CASHBACK_NOTIFY_PROVIDER" default:"log"`
	TwilioAccountSID string        `envconfig:"CASHBACK_TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string        `envconfig:"CASHBACK_TWILIO_AUTH_TOKEN"`
	TwilioFrom       string        `envconfig:"CASHBACK_TWILIO_FROM"`
	Channel          string        `envconfig:"CASHBACK_NOTIFY_CHANNEL" default:"whatsapp"`
	BaseURL          string        `envconfig:"CASHBACK_TWILIO_BASE_URL"`
	Timeout          time.Duration `envconfig:"CASHBACK_NOTIFY_TIMEOUT" default:"5s"`
	QueueSize        int           `envconfig:"CASHBACK_NOTIFY_QUEUE_SIZE" default:"256"`
}

type JWTConfig struct {
	Secret string        `envconfig:"CASHBACK_JWT_SECRET" required:"true"`
	Issuer string        `envconfig:"CASHBACK_JWT_ISSUER" default:"cashback-engine"`
	TTL    time.Duration `envconfig:"CASHBACK_JWT_TTL" default:"24h"`
}

func (j JWTConfig) TokenConfig() auth.TokenConfig {
	return auth.TokenConfig{Secret: j.Secret, Issuer: j.Issuer, TTL: j.TTL}
}

// AdminConfig is the console login. PasswordHash is an argon2id string.
type AdminConfig struct {
	Username     string `envconfig:"CASHBACK_ADMIN_USERNAME" default:"admin"`
	PasswordHash string `envconfig:"CASHBACK_ADMIN_PASSWORD_HASH"`
}

func (a AdminConfig) Credentials() auth.AdminCredentials {
	return auth.AdminCredentials{Username: a.Username, PasswordHash: a.PasswordHash}
}

type PasswordConfig struct {
	ArgonMemoryKB    uint32 `envconfig:"CASHBACK_ARGON_MEMORY_KB" default:"19456"`
	ArgonTime        uint32 `envconfig:"CASHBACK_ARGON_TIME" default:"2"`
	ArgonParallelism uint8  `envconfig:"CASHBACK_ARGON_PARALLELISM" default:"1"`
	ArgonSaltLen     uint32 `envconfig:"CASHBACK_ARGON_SALT_LEN" default:"16"`
	ArgonKeyLen      uint32 `envconfig:"CASHBACK_ARGON_KEY_LEN" default:"32"`
}

func (p PasswordConfig) ArgonParams() auth.ArgonParams {
	return auth.ArgonParams{
		MemoryKB:    p.ArgonMemoryKB,
		Time:        p.ArgonTime,
		Parallelism: p.ArgonParallelism,
		SaltLen:     p.ArgonSaltLen,
		KeyLen:      p.ArgonKeyLen,
	}
}

type SchedulerConfig struct {
	DashboardInterval time.Duration `envconfig:"CASHBACK_SCHEDULER_DASHBOARD_INTERVAL" default:"1m"`
}

// ProgramSettings builds the validated loyalty program parameters.
func (c *Config) ProgramSettings() (cashback.Program, error) {
	rate, err := decimal.NewFromString(c.Program.CashbackRate)
	if err != nil {
		return cashback.Program{}, fmt.Errorf("invalid cashback rate %q: %w", c.Program.CashbackRate, err)
	}
	minimum, err := decimal.NewFromString(c.Program.MinimumRedemption)
	if err != nil {
		return cashback.Program{}, fmt.Errorf("invalid minimum redemption %q: %w", c.Program.MinimumRedemption, err)
	}
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return cashback.Program{}, fmt.Errorf("invalid timezone %q: %w", c.App.Timezone, err)
	}

	p := cashback.Program{
		Rate:              rate,
		MinimumRedemption: minimum,
		DuplicateWindow:   c.Program.DuplicateWindow,
		Location:          loc,
		GeofenceTimeout:   c.Geofence.Timeout,
		NotifyTimeout:     c.Notify.Timeout,
	}
	if err := p.Validate(); err != nil {
		return cashback.Program{}, err
	}
	return p, nil
}
