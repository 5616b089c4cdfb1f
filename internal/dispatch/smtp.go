package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/SteelMorgan/fail2ban-digest/internal/report"
	"github.com/SteelMorgan/fail2ban-digest/internal/retry"
	"github.com/rs/zerolog/log"
)

const smtpDialTimeout = 30 * time.Second

// SMTP submits reports to a mail server.
// Port 465 uses implicit TLS, other ports STARTTLS when UseTLS is set.
type SMTP struct {
	cfg      SMTPConfig
	to       []string
	retryCfg retry.Config
	now      func() time.Time
}

// NewSMTP creates an SMTP dispatcher
func NewSMTP(cfg SMTPConfig, to []string, retryCfg retry.Config) *SMTP {
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.From == "" {
		cfg.From = "no-reply@example.com"
	}
	return &SMTP{cfg: cfg, to: to, retryCfg: retryCfg, now: time.Now}
}

// Name returns the provider name
func (s *SMTP) Name() string { return ProviderSMTP }

// Send delivers r to all recipients
func (s *SMTP) Send(ctx context.Context, r *report.Report) error {
	if len(s.to) == 0 {
		return ErrNoRecipients
	}

	msg, err := buildMessage(s.cfg.From, s.to, r, s.now())
	if err != nil {
		return fmt.Errorf("failed to build message: %w", err)
	}

	err = retry.Do(ctx, s.retryCfg, func() error {
		return s.deliver(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("smtp delivery failed: %w", err)
	}

	log.Info().
		Str("host", s.cfg.Host).
		Int("port", s.cfg.Port).
		Strs("to", s.to).
		Str("report_id", r.ID).
		Msg("Report sent via SMTP")

	return nil
}

func (s *SMTP) deliver(ctx context.Context, msg []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	tlsConfig := &tls.Config{
		ServerName:         s.cfg.Host,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify,
	}

	dialer := &net.Dialer{Timeout: smtpDialTimeout}
	var conn net.Conn
	var err error
	if s.cfg.Port == 465 {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if s.cfg.Port != 465 && s.cfg.UseTLS {
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	auth, err := smtpAuth(s.cfg.Username, s.cfg.Password, s.cfg.AuthMethod, s.cfg.Host)
	if err != nil {
		return err
	}
	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(bareAddress(s.cfg.From)); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range s.to {
		if err := client.Rcpt(bareAddress(rcpt)); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", rcpt, err)
		}
	}
	wc, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to start data command: %w", err)
	}
	if _, err := wc.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to finish message: %w", err)
	}

	// The server accepted the message; a failed QUIT must not trigger a resend.
	if err := client.Quit(); err != nil {
		log.Debug().Err(err).Str("host", s.cfg.Host).Msg("SMTP QUIT failed after message was accepted")
	}
	return nil
}

// smtpAuth returns nil when no credentials are configured
func smtpAuth(username, password, method, host string) (smtp.Auth, error) {
	if username == "" || password == "" {
		return nil, nil
	}
	method = strings.ToLower(strings.TrimSpace(method))
	switch method {
	case "", "auto", "plain":
		return smtp.PlainAuth("", username, password, host), nil
	case "login":
		return &loginAuth{username: username, password: password}, nil
	case "cram-md5":
		return smtp.CRAMMD5Auth(username, password), nil
	default:
		return nil, fmt.Errorf("unsupported auth method: %s (supported: auto, plain, login, cram-md5)", method)
	}
}

// loginAuth implements the LOGIN mechanism required by some providers (Office365)
type loginAuth struct {
	username, password string
}

func (a *loginAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS && !isLocalhost(server.Name) {
		return "", nil, errors.New("unencrypted connection")
	}
	return "LOGIN", []byte(a.username), nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch strings.ToLower(strings.TrimSpace(string(fromServer))) {
	case "username:":
		return []byte(a.username), nil
	case "password:":
		return []byte(a.password), nil
	default:
		return nil, fmt.Errorf("unexpected server challenge: %q", fromServer)
	}
}

func isLocalhost(name string) bool {
	return name == "localhost" || name == "127.0.0.1" || name == "::1"
}

// bareAddress strips a display name: "Ops <ops@example.com>" -> "ops@example.com"
func bareAddress(addr string) string {
	if i := strings.LastIndex(addr, "<"); i >= 0 {
		if j := strings.LastIndex(addr, ">"); j > i {
			return addr[i+1 : j]
		}
	}
	return strings.TrimSpace(addr)
}
