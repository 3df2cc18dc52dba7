package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Billing
	BillingEnabled     bool
	TestMode           bool
	ProviderName       string
	AdminToken         string
	WebhookSecret      string
	WebhookIPs         []string
	WebhookTimeout     time.Duration
	CheckoutTimeout    time.Duration
	SubscriptionPeriod time.Duration
	TrialPeriod        time.Duration
	CheckoutTTL        time.Duration
	PublicBaseURL      string
	PlansConfigPath    string

	// Sweeper runs once a day at this UTC time of day (HH:MM).
	SweepAt string

	// Server
	Port             string
	CORSOrigins      string
	ProxyHeader      string
	// TrustedProxies lists peers whose ProxyHeader is believed. Empty means
	// the header is ignored and the socket address is used.
	TrustedProxies   []string
	ServiceJWTSecret string

	// Observability
	SentryDSN string
	AppEnv    string

	// EnvFile is the dotenv file watched for hot reload.
	EnvFile string

	// Version increases on every reload served by Store.
	Version uint64
}

func Load() *Config {
	return &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "healthbot_billing"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		BillingEnabled:     parseBool(getEnv("BILLING_ENABLED", "true"), true),
		TestMode:           parseBool(getEnv("TEST_MODE", "false"), false),
		ProviderName:       strings.ToLower(getEnv("BILLING_PROVIDER", "dummy")),
		AdminToken:         getEnv("ADMIN_TOKEN", ""),
		WebhookSecret:      getEnv("WEBHOOK_SECRET", ""),
		WebhookIPs:         ParseCSV(getEnv("WEBHOOK_IPS", "")),
		WebhookTimeout:     parseDuration(getEnv("WEBHOOK_TIMEOUT", "10s"), 10*time.Second),
		CheckoutTimeout:    parseDuration(getEnv("CHECKOUT_TIMEOUT", "10s"), 10*time.Second),
		SubscriptionPeriod: parseDuration(getEnv("SUBSCRIPTION_PERIOD", "720h"), 30*24*time.Hour),
		TrialPeriod:        parseDuration(getEnv("TRIAL_PERIOD", "336h"), 14*24*time.Hour),
		CheckoutTTL:        parseDuration(getEnv("CHECKOUT_TTL", "24h"), 24*time.Hour),
		PublicBaseURL:      strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		PlansConfigPath:    getEnv("PLANS_CONFIG_PATH", ""),

		SweepAt: getEnv("SWEEP_AT", "03:00"),

		Port:             getEnv("PORT", "8080"),
		CORSOrigins:      getEnv("CORS_ORIGINS", "*"),
		ProxyHeader:      getEnv("PROXY_HEADER", ""),
		TrustedProxies:   ParseCSV(getEnv("TRUSTED_PROXIES", "")),
		ServiceJWTSecret: getEnv("SERVICE_JWT_SECRET", ""),

		SentryDSN: getEnv("SENTRY_DSN", ""),
		AppEnv:    getEnv("APP_ENV", "development"),

		EnvFile: getEnv("ENV_FILE", ".env"),
	}
}

func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" port=" + c.DBPort +
		" sslmode=" + c.DBSSLMode +
		" TimeZone=UTC"
}

// SweepSchedule converts SweepAt into a cron spec. Falls back to 03:00 on
// malformed input.
func (c *Config) SweepSchedule() string {
	hour, minute := 3, 0
	if h, m, ok := strings.Cut(c.SweepAt, ":"); ok {
		hh, errH := strconv.Atoi(h)
		mm, errM := strconv.Atoi(m)
		if errH == nil && errM == nil && hh >= 0 && hh < 24 && mm >= 0 && mm < 60 {
			hour, minute = hh, mm
		}
	}
	return strconv.Itoa(minute) + " " + strconv.Itoa(hour) + " * * *"
}

// ParseCSV splits a comma separated list, dropping blanks.
func ParseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func parseBool(s string, fallback bool) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return b
}
