// Package systemd speaks the sd_notify protocol so the bot can run as a
// Type=notify unit with WatchdogSec. Outside systemd every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notify sends one state line. It reports false when NOTIFY_SOCKET is unset.
func Notify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}

func Ready() (bool, error) { return Notify(daemon.SdNotifyReady) }

func Stopping() (bool, error) { return Notify(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(s string) (bool, error) { return Notify("STATUS=" + s) }

// WatchdogInterval returns the keepalive period (half of WatchdogSec), or 0
// when the watchdog is disabled.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// RunWatchdog pings the watchdog until ctx is done. healthy gates each ping
// so a wedged process gets restarted; nil means always healthy.
func RunWatchdog(ctx context.Context, healthy func() bool) {
	every := WatchdogInterval()
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy == nil || healthy() {
				_, _ = Notify(daemon.SdNotifyWatchdog)
			}
		}
	}
}
