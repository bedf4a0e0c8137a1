package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the bulk mailer.
type Config struct {
	App       AppConfig
	Providers ProviderConfig
	Dispatch  DispatchConfig
	Kafka     KafkaConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	LogLevel string
}

// SMTPConfig stores the SMTP server and sender credentials. Port is kept as
// entered so the dispatch layer can report a non-numeric value as a
// validation failure.
type SMTPConfig struct {
	Host       string
	Port       string
	User       string
	Pass       string
	HelloName  string
	RequireTLS bool
}

// ProviderConfig selects and configures the transport backend.
type ProviderConfig struct {
	EmailProvider string
	SMTP          SMTPConfig
}

// DispatchConfig tunes the dispatch session.
type DispatchConfig struct {
	Concurrency           int
	MaxAttempts           int
	BaseBackoffMs         int
	MaxBackoffMs          int
	ConnectTimeoutSeconds int
	SendTimeoutSeconds    int
}

// KafkaConfig enables publishing batch reports. Reporting to Kafka is off
// when Brokers is empty.
type KafkaConfig struct {
	Brokers     []string
	ReportTopic string
}

// Enabled reports whether batch reports should be published to Kafka.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// Load reads environment variables (and a .env file when present), applies
// defaults, validates values and returns a populated Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Providers.EmailProvider = strings.ToLower(ldr.getString("TRANSPORT_BACKEND", "smtp", false))
	switch cfg.Providers.EmailProvider {
	case "smtp", "mock":
	default:
		ldr.addError(fmt.Sprintf("TRANSPORT_BACKEND must be smtp or mock, got %q", cfg.Providers.EmailProvider))
	}

	cfg.Providers.SMTP.Host = ldr.getString("SMTP_HOST", "smtp.gmail.com", false)
	cfg.Providers.SMTP.Port = ldr.getString("SMTP_PORT", "587", false)
	cfg.Providers.SMTP.User = ldr.getString("SMTP_USER", "", false)
	cfg.Providers.SMTP.Pass = ldr.getSecret("SMTP_PASS")
	cfg.Providers.SMTP.HelloName = ldr.getString("SMTP_HELLO_NAME", "localhost", false)
	cfg.Providers.SMTP.RequireTLS = ldr.getBool("SMTP_REQUIRE_TLS", true, false)

	cfg.Dispatch.Concurrency = ldr.getPositiveInt("DISPATCH_CONCURRENCY", 1)
	cfg.Dispatch.MaxAttempts = ldr.getPositiveInt("DISPATCH_MAX_ATTEMPTS", 1)
	cfg.Dispatch.BaseBackoffMs = ldr.getInt("DISPATCH_BASE_BACKOFF_MS", 500, false)
	cfg.Dispatch.MaxBackoffMs = ldr.getInt("DISPATCH_MAX_BACKOFF_MS", 10000, false)
	cfg.Dispatch.ConnectTimeoutSeconds = ldr.getPositiveInt("CONNECT_TIMEOUT_SECONDS", 30)
	cfg.Dispatch.SendTimeoutSeconds = ldr.getPositiveInt("SEND_TIMEOUT_SECONDS", 60)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", false)
	cfg.Kafka.ReportTopic = ldr.getString("KAFKA_REPORT_TOPIC", "", cfg.Kafka.Enabled())

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

// getSecret returns the raw value of key without trimming.
func (l *envLoader) getSecret(key string) string {
	val, _ := os.LookupEnv(key)
	return val
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	val := l.getString(key, "", required)
	if val == "" {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getPositiveInt(key string, def int) int {
	i := l.getInt(key, def, false)
	if i < 1 {
		l.addError(fmt.Sprintf("%s must be >= 1", key))
		return def
	}
	return i
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	val := l.getString(key, "", required)
	if val == "" {
		return def
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid boolean", key))
		return def
	}
	return parsed
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
