package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	// Log source and state
	LogPath     string         `env:"LOG_PATH" validate:"required"`
	StatePath   string         `env:"STATE_PATH" validate:"required"`
	LogTimezone string         `env:"LOG_TIMEZONE"`
	Location    *time.Location `env:"-" validate:"-"`

	// Scheduling
	CollectInterval time.Duration `env:"COLLECT_INTERVAL" validate:"gte=1s"`
	ReportInterval  time.Duration `env:"INTERVAL" validate:"gte=1s"`
	InitialLookback time.Duration `env:"INITIAL_LOOKBACK" validate:"gte=0"`
	DispatchTimeout time.Duration `env:"DISPATCH_TIMEOUT" validate:"gte=1s"`

	// Report
	MailProvider  string   `env:"MAIL_PROVIDER" validate:"oneof=smtp resend log"`
	MailTo        []string `env:"MAIL_TO" validate:"dive,required"`
	SubjectPrefix string   `env:"SUBJECT_PREFIX"`
	TopN          int      `env:"TOP_N" validate:"gte=0"`
	SendEmpty     bool     `env:"SEND_EMPTY"`
	GeoIPDBPath   string   `env:"GEOIP_DB_PATH"`

	// SMTP
	SMTPHost               string `env:"SMTP_HOST"`
	SMTPPort               int    `env:"SMTP_PORT" validate:"min=1,max=65535"`
	SMTPUser               string `env:"SMTP_USER"`
	SMTPPass               string `env:"SMTP_PASS"`
	SMTPFrom               string `env:"SMTP_FROM"`
	SMTPTLS                bool   `env:"SMTP_TLS"`
	SMTPAuthMethod         string `env:"SMTP_AUTH_METHOD" validate:"oneof=auto login plain cram-md5"`
	SMTPInsecureSkipVerify bool   `env:"SMTP_INSECURE_SKIP_VERIFY"`

	// Resend
	ResendAPIKey string `env:"RESEND_API_KEY"`
	ResendFrom   string `env:"RESEND_FROM"`
	ResendURL    string `env:"RESEND_URL" validate:"omitempty,url"`

	// Archive (ClickHouse)
	ArchiveEnabled bool   `env:"ARCHIVE_ENABLED"`
	ClickHouseHost string `env:"CLICKHOUSE_HOST"`
	ClickHousePort int    `env:"CLICKHOUSE_PORT" validate:"min=1,max=65535"`
	ClickHouseDB   string `env:"CLICKHOUSE_DB"`

	// Retry (dispatch and archive)
	RetryMaxAttempts  int           `env:"RETRY_MAX_ATTEMPTS" validate:"gte=1"`
	RetryInitialDelay time.Duration `env:"RETRY_INITIAL_DELAY_MS" validate:"gte=0"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY_MS" validate:"gte=0"`
	RetryMultiplier   float64       `env:"RETRY_MULTIPLIER" validate:"gte=1"`

	// Observability
	LogLevel       string `env:"LOG_LEVEL" validate:"oneof=debug info warn warning error fatal panic"`
	LogFile        string `env:"LOG_FILE"`
	TracingEnabled bool   `env:"TRACING_ENABLED"`
	OTLPEndpoint   string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPProtocol   string `env:"OTEL_EXPORTER_OTLP_PROTOCOL" validate:"oneof=grpc http"`
	StatusAddr     string `env:"STATUS_ADDR" validate:"omitempty,hostname_port"`
}

// Load loads configuration from environment variables.
// If CONFIG_FILE points to a YAML file, its values are used where the
// environment does not set a variable.
func Load() (*Config, error) {
	l := loader{lookup: os.Getenv}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		file, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		l.file = file
	}

	return l.load()
}

type loader struct {
	lookup func(string) string
	file   map[string]string
	errs   []error
}

func (l *loader) load() (*Config, error) {
	reportInterval := l.getEnvInterval("INTERVAL", time.Hour)

	cfg := &Config{
		LogPath:     l.getEnv("LOG_PATH", "/var/log/fail2ban.log"),
		StatePath:   l.getEnv("STATE_PATH", "/var/lib/fail2ban-digest/state.db"),
		LogTimezone: l.getEnv("LOG_TIMEZONE", ""),

		CollectInterval: l.getEnvInterval("COLLECT_INTERVAL", time.Minute),
		ReportInterval:  reportInterval,
		InitialLookback: l.getEnvInterval("INITIAL_LOOKBACK", reportInterval),
		DispatchTimeout: l.getEnvInterval("DISPATCH_TIMEOUT", 30*time.Second),

		MailProvider:  strings.ToLower(l.getEnv("MAIL_PROVIDER", "smtp")),
		MailTo:        parseList(l.getEnv("MAIL_TO", "")),
		SubjectPrefix: l.getEnv("SUBJECT_PREFIX", "[Fail2Ban]"),
		TopN:          l.getEnvInt("TOP_N", 5),
		SendEmpty:     l.getEnvBool("SEND_EMPTY", true),
		GeoIPDBPath:   l.getEnv("GEOIP_DB_PATH", ""),

		SMTPHost:               l.getEnv("SMTP_HOST", ""),
		SMTPPort:               l.getEnvInt("SMTP_PORT", 587),
		SMTPUser:               l.getEnv("SMTP_USER", ""),
		SMTPPass:               l.getEnv("SMTP_PASS", ""),
		SMTPTLS:                l.getEnvBool("SMTP_TLS", true),
		SMTPAuthMethod:         strings.ToLower(l.getEnv("SMTP_AUTH_METHOD", "auto")),
		SMTPInsecureSkipVerify: l.getEnvBool("SMTP_INSECURE_SKIP_VERIFY", false),

		ResendAPIKey: l.getEnv("RESEND_API_KEY", ""),
		ResendFrom:   l.getEnv("RESEND_FROM", ""),
		ResendURL:    l.getEnv("RESEND_URL", ""),

		ArchiveEnabled: l.getEnvBool("ARCHIVE_ENABLED", false),
		ClickHouseHost: l.getEnv("CLICKHOUSE_HOST", "localhost"),
		ClickHousePort: l.getEnvInt("CLICKHOUSE_PORT", 9000),
		ClickHouseDB:   l.getEnv("CLICKHOUSE_DB", "fail2ban"),

		RetryMaxAttempts:  l.getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryInitialDelay: time.Duration(l.getEnvInt("RETRY_INITIAL_DELAY_MS", 500)) * time.Millisecond,
		RetryMaxDelay:     time.Duration(l.getEnvInt("RETRY_MAX_DELAY_MS", 5000)) * time.Millisecond,
		RetryMultiplier:   l.getEnvFloat("RETRY_MULTIPLIER", 2.0),

		LogLevel:       strings.ToLower(l.getEnv("LOG_LEVEL", "info")),
		LogFile:        l.getEnv("LOG_FILE", ""),
		TracingEnabled: l.getEnvBool("TRACING_ENABLED", false),
		OTLPEndpoint:   l.getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTLPProtocol:   strings.ToLower(l.getEnv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
		StatusAddr:     l.getEnv("STATUS_ADDR", ""),
	}
	cfg.SMTPFrom = l.getEnv("SMTP_FROM", cfg.SMTPUser)
	if cfg.SMTPFrom == "" {
		cfg.SMTPFrom = "no-reply@example.com"
	}

	if len(l.errs) > 0 {
		return nil, fmt.Errorf("config parsing failed: %w", errors.Join(l.errs...))
	}

	loc, err := loadLocation(cfg.LogTimezone)
	if err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	cfg.Location = loc

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report env variable names instead of Go field names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := f.Tag.Get("env")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verr validator.ValidationErrors
		if errors.As(err, &verr) {
			msgs := make([]string, 0, len(verr))
			for _, fe := range verr {
				msgs = append(msgs, fmt.Sprintf("%s violates rule '%s' (value %v)", fe.Field(), fe.ActualTag(), fe.Value()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	if c.CollectInterval > c.ReportInterval {
		return fmt.Errorf("COLLECT_INTERVAL (%s) must not exceed INTERVAL (%s)", c.CollectInterval, c.ReportInterval)
	}

	switch c.MailProvider {
	case "smtp":
		if c.SMTPHost == "" {
			return fmt.Errorf("SMTP_HOST is required when MAIL_PROVIDER=smtp")
		}
		if len(c.MailTo) == 0 {
			return fmt.Errorf("MAIL_TO is required when MAIL_PROVIDER=smtp")
		}
	case "resend":
		if c.ResendAPIKey == "" || c.ResendFrom == "" {
			return fmt.Errorf("RESEND_API_KEY and RESEND_FROM are required when MAIL_PROVIDER=resend")
		}
		if len(c.MailTo) == 0 {
			return fmt.Errorf("MAIL_TO is required when MAIL_PROVIDER=resend")
		}
	}

	if c.ArchiveEnabled {
		if c.ClickHouseHost == "" {
			return fmt.Errorf("CLICKHOUSE_HOST is required when ARCHIVE_ENABLED=true")
		}
		if c.ClickHouseDB == "" {
			return fmt.Errorf("CLICKHOUSE_DB is required when ARCHIVE_ENABLED=true")
		}
	}

	return nil
}

// getEnv gets a variable from the environment, then the config file, or returns a default value
func (l *loader) getEnv(key, defaultValue string) string {
	if value := l.lookup(key); value != "" {
		return value
	}
	if value, ok := l.file[key]; ok && value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer variable or returns a default value
func (l *loader) getEnvInt(key string, defaultValue int) int {
	value := l.getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid integer %q", key, value))
		return defaultValue
	}
	return intValue
}

// getEnvFloat gets a float variable or returns a default value
func (l *loader) getEnvFloat(key string, defaultValue float64) float64 {
	value := l.getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid number %q", key, value))
		return defaultValue
	}
	return f
}

// getEnvBool gets a boolean variable or returns a default value
func (l *loader) getEnvBool(key string, defaultValue bool) bool {
	value := l.getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid boolean %q", key, value))
		return defaultValue
	}
	return boolValue
}

// getEnvInterval gets a duration variable ("1h30m", "45s", "90m") or returns a default value
func (l *loader) getEnvInterval(key string, defaultValue time.Duration) time.Duration {
	value := l.getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	d, err := ParseInterval(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}

var intervalRegex = regexp.MustCompile(`^(?:(\d+)h)?(?:(\d+)m)?(?:(\d+)s)?$`)

// ParseInterval accepts "XhYmZs" forms (each part optional, at least one
// present) and anything time.ParseDuration understands.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if m := intervalRegex.FindStringSubmatch(s); m != nil && s != "" {
		var d time.Duration
		units := []time.Duration{time.Hour, time.Minute, time.Second}
		for i, unit := range units {
			if m[i+1] == "" {
				continue
			}
			n, err := strconv.Atoi(m[i+1])
			if err != nil {
				return 0, fmt.Errorf("invalid interval %q: %w", s, err)
			}
			d += time.Duration(n) * unit
		}
		if d == 0 {
			return 0, fmt.Errorf("invalid interval %q: must be positive", s)
		}
		return d, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: use forms like '30m', '1h30m', '45s'", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid interval %q: must not be negative", s)
	}
	return d, nil
}

// parseList parses a comma-separated list
func parseList(s string) []string {
	if s == "" {
		return nil
	}

	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("LOG_TIMEZONE: %w", err)
	}
	return loc, nil
}

// loadFile reads a flat YAML mapping of variable names to values:
//
//	LOG_PATH: /var/log/fail2ban.log
//	INTERVAL: 1h
//	MAIL_TO: ops@example.com,sec@example.com
func loadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	values := make(map[string]string, len(raw))
	for key, v := range raw {
		switch val := v.(type) {
		case nil:
			continue
		case []interface{}:
			items := make([]string, 0, len(val))
			for _, item := range val {
				items = append(items, fmt.Sprint(item))
			}
			values[strings.ToUpper(key)] = strings.Join(items, ",")
		default:
			values[strings.ToUpper(key)] = fmt.Sprint(val)
		}
	}

	return values, nil
}
