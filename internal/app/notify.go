package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"relaybot/internal/config"
	"relaybot/internal/runtime/supervisor"
	logx "relaybot/pkg/logx"
)

// notifier speaks the sd_notify protocol. Outside systemd NOTIFY_SOCKET is
// unset and every call is a no-op.
type notifier struct {
	cfg  config.SystemdConfig
	log  logx.Logger
	send func(state string) (bool, error)
	wd   func() (time.Duration, error)
}

func newNotifier(cfg config.SystemdConfig, log logx.Logger) *notifier {
	return &notifier{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "systemd")),
		send: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		wd:   func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *notifier) state(s string) {
	if !n.cfg.Notify {
		return
	}
	ok, err := n.send(s)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", s), logx.Err(err))
	case ok:
		n.log.Debug("sd_notify", logx.String("state", s))
	}
}

// Ready reports readiness and, when the unit sets WatchdogSec, pings the
// watchdog at half the interval until sup is canceled.
func (n *notifier) Ready(sup *supervisor.Supervisor) {
	n.state(daemon.SdNotifyReady)
	if !n.cfg.Notify || !n.cfg.Watchdog {
		return
	}
	every, err := n.wd()
	if err != nil {
		n.log.Warn("watchdog check failed", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(every / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n.state(daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (n *notifier) Stopping() { n.state(daemon.SdNotifyStopping) }
