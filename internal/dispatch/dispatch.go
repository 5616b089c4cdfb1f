package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/SteelMorgan/fail2ban-digest/internal/report"
	"github.com/SteelMorgan/fail2ban-digest/internal/retry"
)

// ErrNoRecipients is returned by mail providers when MAIL_TO is empty
var ErrNoRecipients = errors.New("no recipients configured")

// Dispatcher delivers a rendered report
type Dispatcher interface {
	Send(ctx context.Context, r *report.Report) error
	Name() string
}

// Provider names
const (
	ProviderSMTP   = "smtp"
	ProviderResend = "resend"
	ProviderLog    = "log"
)

// SMTPConfig configures direct SMTP submission
type SMTPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	From               string
	UseTLS             bool
	AuthMethod         string // auto, login, plain, cram-md5
	InsecureSkipVerify bool
}

// ResendConfig configures the Resend HTTP API
type ResendConfig struct {
	APIKey string
	From   string
	URL    string
}

// Config selects and configures a provider
type Config struct {
	Provider string
	To       []string
	SMTP     SMTPConfig
	Resend   ResendConfig
	Retry    retry.Config
}

// New returns the dispatcher for cfg.Provider
func New(cfg Config) (Dispatcher, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderSMTP:
		return NewSMTP(cfg.SMTP, cfg.To, cfg.Retry), nil
	case ProviderResend:
		if cfg.Resend.APIKey == "" || cfg.Resend.From == "" {
			return nil, fmt.Errorf("RESEND_API_KEY and RESEND_FROM are required for provider %q", ProviderResend)
		}
		return NewResend(cfg.Resend, cfg.To, cfg.Retry), nil
	case ProviderLog:
		return NewLog(), nil
	default:
		return nil, fmt.Errorf("unknown mail provider: %s (use 'smtp', 'resend' or 'log')", cfg.Provider)
	}
}
