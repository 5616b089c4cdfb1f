package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SteelMorgan/fail2ban-digest/internal/archive"
	"github.com/SteelMorgan/fail2ban-digest/internal/cache"
	"github.com/SteelMorgan/fail2ban-digest/internal/config"
	"github.com/SteelMorgan/fail2ban-digest/internal/dispatch"
	"github.com/SteelMorgan/fail2ban-digest/internal/geoip"
	"github.com/SteelMorgan/fail2ban-digest/internal/logsource"
	"github.com/SteelMorgan/fail2ban-digest/internal/metrics"
	"github.com/SteelMorgan/fail2ban-digest/internal/observability"
	"github.com/SteelMorgan/fail2ban-digest/internal/parser"
	"github.com/SteelMorgan/fail2ban-digest/internal/report"
	"github.com/SteelMorgan/fail2ban-digest/internal/retry"
	"github.com/SteelMorgan/fail2ban-digest/internal/scheduler"
	"github.com/SteelMorgan/fail2ban-digest/internal/sdnotify"
	"github.com/SteelMorgan/fail2ban-digest/internal/server"
	"github.com/SteelMorgan/fail2ban-digest/internal/store"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

func main() {
	once := flag.Bool("once", false, "collect and report once, then exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	closeLog := observability.InitLogger(cfg.LogLevel, cfg.LogFile)
	defer closeLog()

	log.Info().
		Str("version", version).
		Str("log_path", cfg.LogPath).
		Str("state_path", cfg.StatePath).
		Str("provider", cfg.MailProvider).
		Msg("Starting fail2ban digest")

	shutdownTracer, err := observability.InitTracer(observability.TracerConfig{
		ServiceName:    "fail2ban-digest",
		ServiceVersion: version,
		Endpoint:       cfg.OTLPEndpoint,
		Protocol:       cfg.OTLPProtocol,
		Enabled:        cfg.TracingEnabled,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize tracer")
	} else {
		defer shutdownTracer(context.Background())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cancel, cfg, *once); err != nil {
		log.Error().Err(err).Msg("Digest stopped with error")
		// os.Exit skips deferred calls
		flush(shutdownTracer, closeLog)
		os.Exit(1)
	}
}

// flush shuts down the tracer, then closes the log file
func flush(shutdownTracer func(context.Context) error, closeLog func() error) {
	if shutdownTracer != nil {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down tracer")
		}
	}
	closeLog()
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, once bool) error {
	st, err := store.NewBoltDBStore(cfg.StatePath, cfg.LogPath)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close state store")
		}
	}()

	eventCache := cache.New(st)
	if err := eventCache.Load(ctx, time.Now().Add(-cfg.InitialLookback)); err != nil {
		return err
	}

	retryCfg := retryConfig(cfg)

	var countries report.CountryLookup
	if cfg.GeoIPDBPath != "" {
		lookup, err := geoip.Open(cfg.GeoIPDBPath)
		if err != nil {
			log.Warn().Err(err).Msg("GeoIP database unavailable, reports without countries")
		} else {
			defer lookup.Close()
			countries = lookup
		}
	}

	assembler, err := report.NewAssembler(report.Config{
		SubjectPrefix: cfg.SubjectPrefix,
		TopN:          cfg.TopN,
		Location:      cfg.Location,
		Countries:     countries,
	})
	if err != nil {
		return err
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		Provider: cfg.MailProvider,
		To:       cfg.MailTo,
		SMTP: dispatch.SMTPConfig{
			Host:               cfg.SMTPHost,
			Port:               cfg.SMTPPort,
			Username:           cfg.SMTPUser,
			Password:           cfg.SMTPPass,
			From:               cfg.SMTPFrom,
			UseTLS:             cfg.SMTPTLS,
			AuthMethod:         cfg.SMTPAuthMethod,
			InsecureSkipVerify: cfg.SMTPInsecureSkipVerify,
		},
		Resend: dispatch.ResendConfig{
			APIKey: cfg.ResendAPIKey,
			From:   cfg.ResendFrom,
			URL:    cfg.ResendURL,
		},
		Retry: retryCfg,
	})
	if err != nil {
		return err
	}

	var archiver scheduler.Archiver
	if cfg.ArchiveEnabled {
		client, err := archive.NewClient(ctx, cfg.ClickHouseHost, cfg.ClickHousePort, cfg.ClickHouseDB, retryCfg)
		if err != nil {
			log.Error().Err(err).Msg("ClickHouse archive unavailable, continuing without it")
		} else {
			defer client.Close()
			archiver = archive.NewArchiver(client)
		}
	}

	m := metrics.New()

	sched, err := scheduler.New(scheduler.Config{
		CollectInterval: cfg.CollectInterval,
		ReportInterval:  cfg.ReportInterval,
		DispatchTimeout: cfg.DispatchTimeout,
		SendEmpty:       cfg.SendEmpty,
	}, scheduler.Deps{
		Reader:     logsource.NewTracker(logsource.NewFileSource(cfg.LogPath), st),
		Parser:     parser.New(cfg.Location),
		Cache:      eventCache,
		Builder:    assembler,
		Dispatcher: dispatcher,
		Archiver:   archiver,
		Metrics:    m,
	})
	if err != nil {
		return err
	}

	if once {
		if err := sched.CollectOnce(ctx); err != nil {
			log.Warn().Err(err).Msg("Collect failed, reporting cached events only")
		}
		return sched.ReportOnce(ctx)
	}

	errChan := make(chan error, 2)

	if cfg.StatusAddr != "" {
		srv := server.NewServer(cfg.StatusAddr, sched, m.Handler())
		go func() {
			if err := srv.Start(ctx); err != nil {
				errChan <- fmt.Errorf("status server: %w", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sched.Run(ctx); err != nil {
			errChan <- err
		}
	}()

	sdnotify.Ready()
	sdnotify.Status(fmt.Sprintf("Collecting %s every %s, reporting every %s", cfg.LogPath, cfg.CollectInterval, cfg.ReportInterval))
	go sdnotify.Watchdog(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case runErr = <-errChan:
		log.Error().Err(runErr).Msg("Digest service error")
	}

	log.Info().Msg("Shutting down gracefully...")
	sdnotify.Stopping()
	cancel()
	<-done

	log.Info().
		Int("cached_events", eventCache.Len()).
		Msg("Digest stopped, cached events are kept for the next start")

	return runErr
}

func retryConfig(cfg *config.Config) retry.Config {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.RetryMaxAttempts
	rc.InitialDelay = cfg.RetryInitialDelay
	rc.MaxDelay = cfg.RetryMaxDelay
	rc.Multiplier = cfg.RetryMultiplier
	return rc
}
