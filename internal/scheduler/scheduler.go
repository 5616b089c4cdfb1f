package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SteelMorgan/fail2ban-digest/internal/cache"
	"github.com/SteelMorgan/fail2ban-digest/internal/dispatch"
	"github.com/SteelMorgan/fail2ban-digest/internal/domain"
	"github.com/SteelMorgan/fail2ban-digest/internal/logsource"
	"github.com/SteelMorgan/fail2ban-digest/internal/metrics"
	"github.com/SteelMorgan/fail2ban-digest/internal/report"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// LogReader returns unseen log lines
type LogReader interface {
	ReadNewLines(ctx context.Context) (*logsource.Batch, error)
	Advance(cursor domain.LogCursor)
	Cursor() domain.LogCursor
}

// EventParser turns lines into events
type EventParser interface {
	Parse(lines []string) []domain.Event
}

// ReportBuilder renders a snapshot
type ReportBuilder interface {
	Build(snapshot domain.Snapshot) (*report.Report, error)
}

// Archiver stores delivered snapshots
type Archiver interface {
	Archive(ctx context.Context, snapshot domain.Snapshot) error
}

// Config holds scheduler timings
type Config struct {
	CollectInterval time.Duration
	ReportInterval  time.Duration
	DispatchTimeout time.Duration
	SendEmpty       bool // deliver reports for windows without events
}

// Deps are the collaborators of the scheduler. Archiver, Metrics and Clock
// are optional.
type Deps struct {
	Reader     LogReader
	Parser     EventParser
	Cache      *cache.EventCache
	Builder    ReportBuilder
	Dispatcher dispatch.Dispatcher
	Archiver   Archiver
	Metrics    *metrics.Metrics
	Clock      Clock
}

// Status is a point-in-time view for the status endpoint
type Status struct {
	CachedEvents     int       `json:"cached_events"`
	AccumulatedSince time.Time `json:"accumulated_since"`
	InFlight         bool      `json:"in_flight"`
	LastCollect      time.Time `json:"last_collect"`
	LastCollectError string    `json:"last_collect_error,omitempty"`
	LastReport       time.Time `json:"last_report"`
	LastResult       string    `json:"last_result,omitempty"`
	LastReportError  string    `json:"last_report_error,omitempty"`
	LastSent         time.Time `json:"last_sent"`
}

// Scheduler drives collect and report ticks on one goroutine
type Scheduler struct {
	cfg  Config
	deps Deps

	mu     sync.Mutex
	status Status
}

// New validates cfg and deps
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if cfg.CollectInterval <= 0 || cfg.ReportInterval <= 0 {
		return nil, errors.New("collect and report intervals must be positive")
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	if deps.Reader == nil || deps.Parser == nil || deps.Cache == nil || deps.Builder == nil || deps.Dispatcher == nil {
		return nil, errors.New("scheduler requires reader, parser, cache, builder and dispatcher")
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	return &Scheduler{cfg: cfg, deps: deps}, nil
}

// Run collects immediately, then on every collect tick. Every report tick
// collects once more and then reports. Tick failures are logged and the loop
// goes on. Run returns nil when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().
		Dur("collect_interval", s.cfg.CollectInterval).
		Dur("report_interval", s.cfg.ReportInterval).
		Str("dispatcher", s.deps.Dispatcher.Name()).
		Msg("Starting report scheduler")

	collectTicker := s.deps.Clock.NewTicker(s.cfg.CollectInterval)
	defer collectTicker.Stop()
	reportTicker := s.deps.Clock.NewTicker(s.cfg.ReportInterval)
	defer reportTicker.Stop()

	s.collect(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Report scheduler stopped")
			return nil
		case <-collectTicker.C():
			s.collect(ctx)
		case <-reportTicker.C():
			s.collect(ctx)
			if ctx.Err() != nil {
				continue
			}
			if err := s.ReportOnce(ctx); err != nil {
				log.Error().Err(err).Msg("Report tick failed, events kept for the next report")
			}
		}
	}
}

func (s *Scheduler) collect(ctx context.Context) {
	if err := s.CollectOnce(ctx); err != nil {
		log.Error().Err(err).Msg("Collect tick failed")
	}
}

// CollectOnce reads new log lines, parses them and appends the events
// together with the advanced cursor. The tracker moves only after the
// append is durable.
func (s *Scheduler) CollectOnce(ctx context.Context) (err error) {
	ctx, span := startSpan(ctx, "scheduler.collect")
	defer func() {
		endSpanWithError(span, err, "collect")
		s.recordCollect(err)
	}()

	batch, err := s.deps.Reader.ReadNewLines(ctx)
	if err != nil {
		s.deps.Metrics.ObserveCollectError()
		return fmt.Errorf("failed to read log: %w", err)
	}

	events := s.deps.Parser.Parse(batch.Lines)
	skipped := len(batch.Lines) - len(events)

	dropped := 0
	if batch.Fresh {
		events, dropped = dropBefore(events, s.deps.Cache.Since())
		if dropped > 0 {
			log.Info().
				Int("dropped", dropped).
				Time("since", s.deps.Cache.Since()).
				Msg("First read of log, skipped events older than the initial lookback")
		}
	}

	span.SetAttributes(
		attribute.Int("lines", len(batch.Lines)),
		attribute.Int("events", len(events)),
		attribute.Bool("rotated", batch.Rotated),
	)

	if len(batch.Lines) == 0 && !batch.Rotated && !batch.Fresh && samePosition(batch.Cursor, s.deps.Reader.Cursor()) {
		return nil
	}

	cursor := batch.Cursor
	if err := s.deps.Cache.Append(ctx, events, &cursor); err != nil {
		s.deps.Metrics.ObserveCollectError()
		return fmt.Errorf("failed to append events: %w", err)
	}
	s.deps.Reader.Advance(cursor)

	s.deps.Metrics.ObserveCollected(events, skipped, dropped, batch.Rotated)
	s.deps.Metrics.SetCached(s.deps.Cache.Len())

	if len(events) > 0 {
		log.Debug().
			Int("lines", len(batch.Lines)).
			Int("events", len(events)).
			Int("skipped", skipped).
			Int("cached", s.deps.Cache.Len()).
			Msg("Collected events")
	}

	return nil
}

// ReportOnce snapshots the cache, renders and delivers the report. On any
// failure after the snapshot the events go back into the cache.
func (s *Scheduler) ReportOnce(ctx context.Context) (err error) {
	ctx, span := startSpan(ctx, "scheduler.report")
	defer func() { endSpanWithError(span, err, "report") }()

	snapshot, err := s.deps.Cache.SnapshotAndClear(ctx)
	if err != nil {
		s.recordReport(metrics.ResultFailed, err, time.Time{})
		s.deps.Metrics.ObserveReport(metrics.ResultFailed, 0, time.Time{})
		return fmt.Errorf("failed to snapshot cache: %w", err)
	}

	span.SetAttributes(
		attribute.String("snapshot_id", snapshot.ID),
		attribute.Int("events", len(snapshot.Events)),
	)

	if len(snapshot.Events) == 0 && !s.cfg.SendEmpty {
		if err := s.deps.Cache.Ack(ctx, snapshot); err != nil {
			log.Warn().Err(err).Str("snapshot_id", snapshot.ID).Msg("Failed to acknowledge empty snapshot")
		}
		log.Info().
			Time("window_start", snapshot.Window.Start).
			Time("window_end", snapshot.Window.End).
			Msg("No events in report window, skipping report")
		s.recordReport(metrics.ResultSkippedEmpty, nil, time.Time{})
		s.deps.Metrics.ObserveReport(metrics.ResultSkippedEmpty, 0, time.Time{})
		return nil
	}

	rep, err := s.deps.Builder.Build(snapshot)
	if err != nil {
		return s.fail(ctx, snapshot, fmt.Errorf("failed to build report: %w", err), 0)
	}

	logReport(rep)

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	start := time.Now()
	err = s.sendReport(sendCtx, rep)
	elapsed := time.Since(start)
	cancel()
	if err != nil {
		return s.fail(ctx, snapshot, fmt.Errorf("failed to send report via %s: %w", s.deps.Dispatcher.Name(), err), elapsed)
	}

	if err := s.deps.Cache.Ack(ctx, snapshot); err != nil {
		log.Error().Err(err).Str("snapshot_id", snapshot.ID).Msg("Report sent but snapshot not acknowledged")
	}

	sentAt := s.deps.Clock.Now()
	log.Info().
		Str("snapshot_id", snapshot.ID).
		Str("dispatcher", s.deps.Dispatcher.Name()).
		Int("events", len(snapshot.Events)).
		Dur("duration", elapsed).
		Msg("Report sent")

	if s.deps.Archiver != nil {
		if err := s.deps.Archiver.Archive(ctx, snapshot); err != nil {
			log.Warn().Err(err).Str("snapshot_id", snapshot.ID).Msg("Failed to archive delivered snapshot")
		}
	}

	s.recordReport(metrics.ResultSent, nil, sentAt)
	s.deps.Metrics.ObserveReport(metrics.ResultSent, elapsed, sentAt)
	s.deps.Metrics.SetCached(s.deps.Cache.Len())
	return nil
}

func (s *Scheduler) sendReport(ctx context.Context, rep *report.Report) (err error) {
	ctx, span := startSpan(ctx, "dispatch.send",
		attribute.String("dispatcher", s.deps.Dispatcher.Name()),
		attribute.String("report_id", rep.ID),
	)
	defer func() { endSpanWithError(span, err, "send") }()
	return s.deps.Dispatcher.Send(ctx, rep)
}

// fail restores the snapshot and records the failure
func (s *Scheduler) fail(ctx context.Context, snapshot domain.Snapshot, cause error, elapsed time.Duration) error {
	if err := s.deps.Cache.Restore(ctx, snapshot); err != nil {
		log.Error().Err(err).Str("snapshot_id", snapshot.ID).Msg("Failed to restore snapshot, it is recovered on restart")
	}
	s.recordReport(metrics.ResultFailed, cause, time.Time{})
	s.deps.Metrics.ObserveReport(metrics.ResultFailed, elapsed, time.Time{})
	s.deps.Metrics.SetCached(s.deps.Cache.Len())
	return cause
}

// Status returns the current scheduler and cache state
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()

	st.CachedEvents = s.deps.Cache.Len()
	st.AccumulatedSince = s.deps.Cache.Since()
	st.InFlight = s.deps.Cache.InFlight()
	return st
}

func (s *Scheduler) recordCollect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.LastCollect = s.deps.Clock.Now()
	s.status.LastCollectError = errString(err)
}

func (s *Scheduler) recordReport(result string, err error, sentAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.LastReport = s.deps.Clock.Now()
	s.status.LastResult = result
	s.status.LastReportError = errString(err)
	if !sentAt.IsZero() {
		s.status.LastSent = sentAt
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// logReport echoes the report text to the application log
func logReport(rep *report.Report) {
	log.Info().Str("report_id", rep.ID).Str("subject", rep.Subject).Msg("Report begin")
	log.Info().Msg(rep.Text)
	log.Info().Str("report_id", rep.ID).Msg("Report end")
}

// dropBefore removes events older than since, keeping order
func dropBefore(events []domain.Event, since time.Time) ([]domain.Event, int) {
	kept := events[:0]
	for _, e := range events {
		if e.OccurredAt.Before(since) {
			continue
		}
		kept = append(kept, e)
	}
	return kept, len(events) - len(kept)
}

// samePosition compares cursors ignoring UpdatedAt
func samePosition(a, b domain.LogCursor) bool {
	return a.Offset == b.Offset && a.Inode == b.Inode && a.HeadLen == b.HeadLen && a.HeadHash == b.HeadHash
}
