package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	// CompanyID is the tenant every task run is parameterized by. Tasks never
	// read ambient global state; the org id flows through context explicitly.
	CompanyID int64
	// CompanyTimezone is the IANA zone used for all calendar-day comparisons
	// (grace periods, suspension thresholds, reminder offsets).
	CompanyTimezone string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Email EmailConfig
	Slack SlackConfig

	// StripeSecretKey authorizes autodebit charges through the gateway.
	StripeSecretKey string
	// AutodebitPassphrase decrypts stored accounts that require one. When
	// empty, those accounts are skipped for the whole run.
	AutodebitPassphrase string

	StaffEmail        string
	StaffSlackChannel string
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

type SlackConfig struct {
	BotToken string
	Enabled  bool
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "billforge"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		CompanyID:       getenvInt64("COMPANY_ID", 0),
		CompanyTimezone: getenv("COMPANY_TIMEZONE", "UTC"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "billforge"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 25)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),

		Email: EmailConfig{
			SMTPHost:     getenv("SMTP_HOST", "localhost"),
			SMTPPort:     int(getenvInt64("SMTP_PORT", 587)),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", "billing@localhost"),
		},
		Slack: SlackConfig{
			BotToken: strings.TrimSpace(getenv("SLACK_BOT_TOKEN", "")),
			Enabled:  getenvBool("SLACK_ENABLED", false),
		},

		StripeSecretKey:     strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
		AutodebitPassphrase: getenv("AUTODEBIT_PASSPHRASE", ""),

		StaffEmail:        getenv("STAFF_EMAIL", ""),
		StaffSlackChannel: getenv("STAFF_SLACK_CHANNEL", ""),
	}
}

// Location resolves the company timezone, falling back to UTC on a bad name.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.CompanyTimezone)
	if err != nil {
		log.Printf("[config] invalid COMPANY_TIMEZONE %q, using UTC", c.CompanyTimezone)
		return time.UTC
	}
	return loc
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewBillingPolicyHolder),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}
