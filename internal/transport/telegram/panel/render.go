package panel

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"relaybot/internal/control"
	"relaybot/internal/membership"
	"relaybot/internal/storage"
	"relaybot/pkg/tgui"
)

var statusIcon = map[storage.TaskStatus]string{
	storage.TaskActive:    "🟢",
	storage.TaskPaused:    "⏸",
	storage.TaskCompleted: "✅",
	storage.TaskFailed:    "🔴",
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func stamp(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	return t.In(loc).Format("2006-01-02 15:04")
}

func count(n int64) string { return humanize.Comma(n) }

func rate(ok, total int64) string {
	return strconv.FormatFloat(control.SuccessRate(ok, total), 'f', 1, 64) + "%"
}

func taskTargets(t storage.Task) string {
	if t.TargetAll {
		return "all groups"
	}
	return fmt.Sprintf("folder %d", t.FolderID)
}

func taskCard(t storage.Task, loc *time.Location) *tgui.Builder {
	b := tgui.New().
		Title(statusIcon[t.Status], fmt.Sprintf("#%d %s", t.ID, t.Name)).
		KV("Status", string(t.Status)).
		KV("Account", t.AccountKey).
		KV("Message", t.PrimaryRef).
		KV("Fallback", t.FallbackRef).
		KV("Targets", taskTargets(t))
	if t.IntervalMinutes > 0 {
		b.KV("Every", humanize.Comma(int64(t.IntervalMinutes))+" min")
	} else {
		b.KV("Every", "poll (no interval)")
	}
	b.KV("Starts", stamp(t.StartAt, loc)).
		KV("Ends", stamp(t.EndAt, loc)).
		KV("Runs", fmt.Sprintf("%s (%s ok, %s failed, %s)",
			count(t.TotalRuns), count(t.SuccessfulRuns), count(t.FailedRuns), rate(t.SuccessfulRuns, t.TotalRuns))).
		KV("Last run", ago(t.LastRun))
	if t.TemplateID != 0 {
		b.KV("Template", strconv.FormatInt(t.TemplateID, 10))
	}
	return b
}

// taskView is a task card with the buttons that fit its status.
func taskView(t storage.Task, loc *time.Location, note string) tgui.Message {
	b := taskCard(t, loc)
	if note != "" {
		b.Blank().Line(note)
	}
	id := strconv.FormatInt(t.ID, 10)
	kb := tgui.NewInline()
	switch t.Status {
	case storage.TaskActive:
		kb.Row(tgui.Btn("⏸ Pause", "task", "pause", id), tgui.Btn("🗑 Delete", "task", "delete", id))
	case storage.TaskPaused, storage.TaskFailed:
		kb.Row(tgui.Btn("▶️ Resume", "task", "resume", id), tgui.Btn("🗑 Delete", "task", "delete", id))
	default:
		kb.Row(tgui.Btn("🗑 Delete", "task", "delete", id))
	}
	kb.Row(tgui.Btn("📋 All tasks", "task", "page", "0"))
	return b.Inline(kb).Build()
}

func taskLine(t storage.Task) string {
	return fmt.Sprintf("%s #%d %s · %s · last %s",
		statusIcon[t.Status], t.ID, tgui.Trunc(t.Name, 32), taskTargets(t), ago(t.LastRun))
}

func joinReport(results []membership.Result) tgui.Message {
	sum := control.Summarize(results)
	b := tgui.New().
		Title("👥", "Groups").
		KV("Joined", strconv.Itoa(sum.Joined)).
		KV("Already a member", strconv.Itoa(sum.Already)).
		KV("Awaiting approval", strconv.Itoa(sum.Pending)).
		KV("Registered", strconv.Itoa(sum.Registered)).
		KV("Failed", strconv.Itoa(sum.Failed))
	var failed []string
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		if len(failed) == 10 {
			failed = append(failed, fmt.Sprintf("… and %d more", sum.Failed-10))
			break
		}
		failed = append(failed, tgui.Trunc(r.Link, 48)+": "+control.Describe(r.Err))
	}
	if len(failed) > 0 {
		b.Blank().Section("Failures").Bullets(failed...)
	}
	return b.Build()
}

func subscriberCard(s storage.Subscriber, loc *time.Location) *tgui.Builder {
	b := tgui.New().Title("👤", "Subscription").
		Raw("• <b>Key</b>: " + tgui.Code(s.Key)).
		KV("Status", string(s.Status)).
		KV("Expires", stamp(s.ExpiresAt, loc)+" ("+humanize.Time(s.ExpiresAt)+")").
		KV("Accounts", strings.Join(s.Accounts, ", ")).
		KV("Forwards", count(s.ForwardsCount)).
		KV("Messages sent", count(s.TotalMessagesSent)).
		KV("Groups reached", count(s.GroupsReached))
	if s.UserID != 0 {
		b.KV("User", strconv.FormatInt(s.UserID, 10))
	}
	return b
}

func statsCard(title string, st storage.TaskStats) *tgui.Builder {
	b := tgui.New().Title("📊", title).
		KV("Tasks", strconv.Itoa(st.Total)).
		KV("Runs", count(st.TotalRuns)).
		KV("Successful", count(st.SuccessfulRuns)+" ("+rate(st.SuccessfulRuns, st.TotalRuns)+")").
		KV("Failed", count(st.FailedRuns))
	b.Blank().Section("By status")
	for _, s := range []storage.TaskStatus{storage.TaskActive, storage.TaskPaused, storage.TaskCompleted, storage.TaskFailed} {
		ss := st.ByStatus[s]
		b.Line(fmt.Sprintf("%s %s: %d tasks, %s runs, %s ok",
			statusIcon[s], s, ss.Count, count(ss.TotalRuns), rate(ss.SuccessfulRuns, ss.TotalRuns)))
	}
	return b
}
