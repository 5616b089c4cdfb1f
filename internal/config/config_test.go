package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func loadFrom(t *testing.T, env map[string]string, file map[string]string) (*Config, error) {
	t.Helper()
	l := loader{
		lookup: func(key string) string { return env[key] },
		file:   file,
	}
	return l.load()
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"1h", time.Hour, false},
		{"30m", 30 * time.Minute, false},
		{"45s", 45 * time.Second, false},
		{"1h30m", 90 * time.Minute, false},
		{"2h0m5s", 2*time.Hour + 5*time.Second, false},
		{" 15m ", 15 * time.Minute, false},
		{"1.5h", 90 * time.Minute, false},
		{"500ms", 500 * time.Millisecond, false},
		{"0h", 0, true},
		{"", 0, true},
		{"10", 0, true},
		{"abc", 0, true},
		{"-5m", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseInterval(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseInterval(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseInterval(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := loadFrom(t, map[string]string{
		"SMTP_HOST": "mail.example.com",
		"MAIL_TO":   "ops@example.com, sec@example.com ,",
	}, nil)
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}

	if cfg.LogPath != "/var/log/fail2ban.log" {
		t.Errorf("LogPath = %q", cfg.LogPath)
	}
	if cfg.ReportInterval != time.Hour || cfg.CollectInterval != time.Minute {
		t.Errorf("intervals = %v/%v", cfg.ReportInterval, cfg.CollectInterval)
	}
	if cfg.InitialLookback != cfg.ReportInterval {
		t.Errorf("InitialLookback = %v, want INTERVAL", cfg.InitialLookback)
	}
	if len(cfg.MailTo) != 2 || cfg.MailTo[1] != "sec@example.com" {
		t.Errorf("MailTo = %v", cfg.MailTo)
	}
	if cfg.SubjectPrefix != "[Fail2Ban]" || cfg.TopN != 5 || !cfg.SendEmpty {
		t.Errorf("report defaults = %q %d %v", cfg.SubjectPrefix, cfg.TopN, cfg.SendEmpty)
	}
	if cfg.SMTPPort != 587 || !cfg.SMTPTLS || cfg.SMTPFrom != "no-reply@example.com" {
		t.Errorf("smtp defaults = %d %v %q", cfg.SMTPPort, cfg.SMTPTLS, cfg.SMTPFrom)
	}
	if cfg.Location != time.Local {
		t.Errorf("Location = %v", cfg.Location)
	}
	if cfg.RetryInitialDelay != 500*time.Millisecond || cfg.RetryMultiplier != 2.0 {
		t.Errorf("retry defaults = %v %v", cfg.RetryInitialDelay, cfg.RetryMultiplier)
	}
}

func TestLoad_SMTPFromFallsBackToUser(t *testing.T) {
	cfg, err := loadFrom(t, map[string]string{
		"SMTP_HOST": "mail.example.com",
		"SMTP_USER": "bot@example.com",
		"MAIL_TO":   "ops@example.com",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SMTPFrom != "bot@example.com" {
		t.Errorf("SMTPFrom = %q", cfg.SMTPFrom)
	}
}

func TestLoad_FileOverlayAndEnvPrecedence(t *testing.T) {
	cfg, err := loadFrom(t,
		map[string]string{"INTERVAL": "2h", "MAIL_PROVIDER": "log"},
		map[string]string{"INTERVAL": "30m", "COLLECT_INTERVAL": "15s", "LOG_PATH": "/srv/f2b.log", "TOP_N": "10"},
	)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ReportInterval != 2*time.Hour {
		t.Errorf("env must win over file, ReportInterval = %v", cfg.ReportInterval)
	}
	if cfg.CollectInterval != 15*time.Second || cfg.LogPath != "/srv/f2b.log" || cfg.TopN != 10 {
		t.Errorf("file values not applied: %v %q %d", cfg.CollectInterval, cfg.LogPath, cfg.TopN)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantMsg string
	}{
		{"bad interval", map[string]string{"MAIL_PROVIDER": "log", "INTERVAL": "soon"}, "INTERVAL"},
		{"bad int", map[string]string{"MAIL_PROVIDER": "log", "TOP_N": "five"}, "TOP_N"},
		{"unknown provider", map[string]string{"MAIL_PROVIDER": "fax"}, "MAIL_PROVIDER"},
		{"smtp without host", map[string]string{"MAIL_TO": "a@example.com"}, "SMTP_HOST"},
		{"smtp without recipients", map[string]string{"SMTP_HOST": "mail"}, "MAIL_TO"},
		{"resend without key", map[string]string{"MAIL_PROVIDER": "resend", "MAIL_TO": "a@example.com"}, "RESEND_API_KEY"},
		{"collect longer than report", map[string]string{"MAIL_PROVIDER": "log", "COLLECT_INTERVAL": "2h"}, "COLLECT_INTERVAL"},
		{"bad port", map[string]string{"MAIL_PROVIDER": "log", "SMTP_PORT": "70000"}, "SMTP_PORT"},
		{"bad auth method", map[string]string{"MAIL_PROVIDER": "log", "SMTP_AUTH_METHOD": "oauth"}, "SMTP_AUTH_METHOD"},
		{"bad timezone", map[string]string{"MAIL_PROVIDER": "log", "LOG_TIMEZONE": "Mars/Olympus"}, "LOG_TIMEZONE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadFrom(t, tt.env, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %s", err, tt.wantMsg)
			}
		})
	}
}

func TestLoad_Timezone(t *testing.T) {
	cfg, err := loadFrom(t, map[string]string{"MAIL_PROVIDER": "log", "LOG_TIMEZONE": "UTC"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Location.String() != "UTC" {
		t.Errorf("Location = %v", cfg.Location)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "digest.yaml")
	content := `
log_path: /var/log/fail2ban.log
INTERVAL: 1h30m
SEND_EMPTY: false
TOP_N: 3
MAIL_TO:
  - ops@example.com
  - sec@example.com
SMTP_PASS:
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	values, err := loadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]string{
		"LOG_PATH":   "/var/log/fail2ban.log",
		"INTERVAL":   "1h30m",
		"SEND_EMPTY": "false",
		"TOP_N":      "3",
		"MAIL_TO":    "ops@example.com,sec@example.com",
	}
	for k, v := range want {
		if values[k] != v {
			t.Errorf("%s = %q, want %q", k, values[k], v)
		}
	}
	if _, ok := values["SMTP_PASS"]; ok {
		t.Error("null values must be skipped")
	}

	if _, err := loadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
