package dispatch

import (
	"context"

	"github.com/SteelMorgan/fail2ban-digest/internal/report"
)

// Log only writes reports to the application log
type Log struct{}

// NewLog creates a log-only dispatcher
func NewLog() *Log { return &Log{} }

// Name returns the provider name
func (l *Log) Name() string { return ProviderLog }

// Send does nothing: the scheduler already logs every report
func (l *Log) Send(ctx context.Context, r *report.Report) error {
	return nil
}
