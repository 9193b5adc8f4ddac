// Package systemd talks to the service manager through the sd_notify
// protocol. Every call is a no-op when the process was not started by
// systemd (NOTIFY_SOCKET unset).
package systemd

import (
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/EternityForest/scullery/pkg/logx"
)

// NotifyFunc matches daemon.SdNotify with the environment left intact.
type NotifyFunc func(state string) (bool, error)

type Notifier struct {
	notify NotifyFunc
	log    logx.Logger

	pings  atomic.Uint64
	failed atomic.Bool
}

func NewNotifier(log logx.Logger) *Notifier {
	return NewNotifierWith(func(state string) (bool, error) { return daemon.SdNotify(false, state) }, log)
}

// NewNotifierWith is NewNotifier with a custom transport.
func NewNotifierWith(fn NotifyFunc, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{notify: fn, log: log.With(logx.String("comp", "systemd"))}
}

func (n *Notifier) send(state string) bool {
	sent, err := n.notify(state)
	if err != nil {
		// Log once; a broken socket stays broken.
		if n.failed.CompareAndSwap(false, true) {
			n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		}
		return false
	}
	return sent
}

func (n *Notifier) Ready() bool {
	ok := n.send(daemon.SdNotifyReady)
	if ok {
		n.log.Info("notified ready")
	}
	return ok
}

func (n *Notifier) Reloading() bool { return n.send(daemon.SdNotifyReloading) }
func (n *Notifier) Stopping() bool  { return n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(msg string) bool { return n.send("STATUS=" + msg) }

// Watchdog pings the watchdog.
func (n *Notifier) Watchdog() {
	if n.send(daemon.SdNotifyWatchdog) {
		n.pings.Add(1)
	}
}

// Pings reports how many watchdog pings were delivered.
func (n *Notifier) Pings() uint64 { return n.pings.Load() }

// WatchdogInterval returns the ping period: half the watchdog timeout set in
// the unit. ok is false when the watchdog is not enabled for this process.
func WatchdogInterval() (d time.Duration, ok bool) {
	timeout, err := daemon.SdWatchdogEnabled(false)
	if err != nil || timeout <= 0 {
		return 0, false
	}
	return timeout / 2, true
}
