// Package systemd reports service state to the systemd supervisor via
// sd_notify. Every call is a no-op when the process was not started by a
// Type=notify unit.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "calenbot/pkg/logx"
)

// Notifier sends sd_notify messages.
type Notifier struct {
	log logx.Logger
	// notify is daemon.SdNotify; tests replace it.
	notify func(unsetEnv bool, state string) (bool, error)
	// watchdog is daemon.SdWatchdogEnabled.
	watchdog func(unsetEnv bool) (time.Duration, error)
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		log:      log.With(logx.String("comp", "systemd")),
		notify:   daemon.SdNotify,
		watchdog: daemon.SdWatchdogEnabled,
	}
}

// Ready tells systemd startup is complete.
func (n *Notifier) Ready() { n.send(daemon.SdNotifyReady) }

// Stopping tells systemd a graceful shutdown has begun.
func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(msg string) { n.send("STATUS=" + msg) }

func (n *Notifier) send(state string) bool {
	ok, err := n.notify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return ok
}

// Watchdog pings systemd at half the configured WatchdogSec until ctx is
// done. It returns immediately when the unit has no watchdog. healthy is
// consulted before each ping; a false answer skips the ping so systemd
// restarts the service.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() bool) error {
	every, err := n.watchdog(false)
	if err != nil {
		return err
	}
	if every <= 0 {
		return nil
	}
	every /= 2
	n.log.Debug("watchdog enabled", logx.Duration("every", every))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				n.log.Warn("watchdog ping skipped; unhealthy")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
