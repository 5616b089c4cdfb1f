package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog/log"
)

// Ready tells systemd the service finished starting. Outside systemd it
// does nothing.
func Ready() {
	send(daemon.SdNotifyReady)
}

// Stopping tells systemd the service is shutting down
func Stopping() {
	send(daemon.SdNotifyStopping)
}

// Status publishes a one-line status shown by systemctl status
func Status(text string) {
	send("STATUS=" + text)
}

// Watchdog pings the systemd watchdog at half the configured timeout until
// ctx is done. It returns at once when WatchdogSec is not set.
func Watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid systemd watchdog settings")
		return
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send(daemon.SdNotifyWatchdog)
		}
	}
}

func send(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debug().Err(err).Str("state", state).Msg("Failed to notify systemd")
	}
}
