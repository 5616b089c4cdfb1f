package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/SteelMorgan/fail2ban-digest/internal/report"
	"github.com/SteelMorgan/fail2ban-digest/internal/retry"
	"github.com/rs/zerolog/log"
)

// DefaultResendURL is the Resend "send email" endpoint
const DefaultResendURL = "https://api.resend.com/emails"

type resendPayload struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
	HTML    string   `json:"html,omitempty"`
}

// Resend delivers reports through the Resend HTTP API
type Resend struct {
	cfg      ResendConfig
	to       []string
	retryCfg retry.Config
	client   *http.Client
}

// NewResend creates a Resend dispatcher
func NewResend(cfg ResendConfig, to []string, retryCfg retry.Config) *Resend {
	if cfg.URL == "" {
		cfg.URL = DefaultResendURL
	}
	return &Resend{
		cfg:      cfg,
		to:       to,
		retryCfg: retryCfg,
		client:   &http.Client{Timeout: 20 * time.Second},
	}
}

// Name returns the provider name
func (d *Resend) Name() string { return ProviderResend }

// Send posts r to the API. Responses with status >= 300 are errors;
// 429 and 5xx are retried.
func (d *Resend) Send(ctx context.Context, r *report.Report) error {
	if len(d.to) == 0 {
		return ErrNoRecipients
	}

	body, err := json.Marshal(resendPayload{
		From:    d.cfg.From,
		To:      d.to,
		Subject: r.Subject,
		Text:    r.Text,
		HTML:    r.HTML,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	id, err := retry.DoWithResult(ctx, d.retryCfg, func() (string, error) {
		return d.post(ctx, r.ID, body)
	})
	if err != nil {
		return fmt.Errorf("resend delivery failed: %w", err)
	}

	log.Info().
		Str("email_id", id).
		Strs("to", d.to).
		Str("report_id", r.ID).
		Msg("Report sent via Resend")

	return nil
}

func (d *Resend) post(ctx context.Context, reportID string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if reportID != "" {
		req.Header.Set("Idempotency-Key", reportID)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("resend API error: %d %s", resp.StatusCode, bytes.TrimSpace(respBody))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", retry.Temporary(err)
		}
		return "", err
	}

	var result struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(respBody, &result)
	return result.ID, nil
}
