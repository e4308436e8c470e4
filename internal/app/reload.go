package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/eventbus"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
	"relaybot/pkg/tgui"
)

// reload applies a committed config. Storage, userbot and bot token changes
// are only logged; everything else takes effect live.
func (a *App) reload(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("restart required for some changes", logx.String("sections", strings.Join(restart, ",")))
	}

	// target first so Apply does not warn about an enabled sink without a chat
	a.logs.SetChatTarget(next.Telegram.LogChat, next.Logging.Chat.ThreadID)
	a.logs.Apply(mapLogging(next))

	a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)

	if popt, err := mapScheduler(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.poller.Apply(popt)
	}
	ropt, err := mapRegistry(next)
	if err != nil {
		a.log.Warn("invalid userbot config; keeping previous", logx.Err(err))
	} else if eopt, err := mapEngine(next, ropt.ShutdownTimeout); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.SetOptions(eopt)
	}
	if mopt, err := mapMembership(next); err != nil {
		a.log.Warn("invalid membership config; keeping previous", logx.Err(err))
	} else {
		a.joiner.SetOptions(mopt)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// notice posts task lifecycle events worth a human's attention to the log chat.
func (a *App) notice(ctx context.Context, e eventbus.Event) {
	cfg := a.cfgm.Get()
	if cfg == nil || cfg.Telegram.LogChat == 0 {
		return
	}
	msg, ok := noticeMessage(e)
	if !ok {
		return
	}
	c, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	to := kit.ChatTarget{ChatID: cfg.Telegram.LogChat, ThreadID: cfg.Logging.Chat.ThreadID}
	if _, err := msg.Send(c, a.adapter, to); err != nil {
		a.log.Debug("notice send failed", logx.String("type", e.Type), logx.Err(err))
	}
}

func noticeMessage(e eventbus.Event) (tgui.Message, bool) {
	st, ok := e.Data.(eventbus.TaskState)
	if !ok {
		return tgui.Message{}, false
	}
	var b *tgui.Builder
	switch e.Type {
	case eventbus.TaskCompleted:
		b = tgui.New().Title("🏁", "Task completed")
	case eventbus.TaskAutoPaused:
		b = tgui.New().Title("⛔", "Task auto-paused")
	default:
		return tgui.Message{}, false
	}
	b.KV("Task", fmt.Sprintf("#%d %s", st.TaskID, st.TaskName))
	if st.Owner != "" {
		b.KV("Owner", st.Owner)
	}
	if st.Reason != "" {
		b.KV("Reason", st.Reason)
	}
	return b.Build(), true
}
