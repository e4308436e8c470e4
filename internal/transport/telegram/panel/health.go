package panel

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/transport/telegram/router"
	"relaybot/pkg/tgui"
)

// Runtime is the process view /health reports on.
type Runtime interface {
	StartedAt() time.Time
	Supervisors() map[string]*supervisor.Supervisor
	// Sessions lists accounts with a live session.
	Sessions() []string
}

// SetRuntime enables /health. Without it the command says so.
func (p *Panel) SetRuntime(rt Runtime) { p.rt = rt }

func (p *Panel) healthCommand() router.Command {
	return router.Command{
		Route:       "health",
		Description: "process, scheduler and session health",
		Usage:       "/health [--detail]",
		Access:      router.AccessOwnerOnly,
		Timeout:     shortTimeout,
		Handle:      p.health,
	}
}

func (p *Panel) health(ctx context.Context, req *router.Request) error {
	if p.rt == nil {
		return req.Reply(ctx, "Health data is not available.")
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	b := tgui.New().Title("🩺", "Health").
		KV("Uptime", strings.TrimSpace(humanize.RelTime(p.rt.StartedAt(), time.Now(), "", ""))).
		KV("Goroutines", strconv.Itoa(runtime.NumGoroutine())).
		KV("Heap", humanize.IBytes(m.HeapAlloc)).
		KV("Sys", humanize.IBytes(m.Sys)).
		KV("GC runs", strconv.FormatUint(uint64(m.NumGC), 10))

	if p.sched != nil {
		s := p.sched.Snapshot()
		state := "stopped"
		switch {
		case s.Running && s.Enabled:
			state = "running"
		case s.Running:
			state = "disabled"
		}
		b.Blank().Section("Scheduler").
			KV("State", state).
			KV("In flight", strconv.FormatInt(s.InFlight, 10)).
			KV("Last batch", ago(s.LastBatch.At))
	}

	sessions := p.rt.Sessions()
	sort.Strings(sessions)
	b.Blank().Section(fmt.Sprintf("Sessions (%d)", len(sessions)))
	if len(sessions) > 0 {
		b.Line(tgui.Trunc(strings.Join(sessions, ", "), 600))
	}

	sups := p.rt.Supervisors()
	names := make([]string, 0, len(sups))
	for name, sup := range sups {
		if sup != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	b.Blank().Section("Supervisors")
	for _, name := range names {
		c := sups[name].Counters()
		b.Bullets(fmt.Sprintf("%s: active=%d started=%d", name, c.Active, c.Started))
	}

	if req.BoolFlags["detail"] {
		for _, name := range names {
			b.Blank().Section(name)
			writeGoroutines(b, sups[name].Stats(), 12)
		}
	}
	return send(ctx, req, b.Build())
}

func writeGoroutines(b *tgui.Builder, stats []supervisor.GoroutineStats, limit int) {
	n := 0
	for _, g := range stats {
		// GoRestart wrappers only add noise
		if strings.HasSuffix(g.Name, ".restart") || (g.Active == 0 && g.Started == 0) {
			continue
		}
		line := fmt.Sprintf("%s active=%d started=%d restarts=%d panics=%d", g.Name, g.Active, g.Started, g.Restarts, g.Panics)
		if g.LastErr != "" {
			line += ", last_err=" + tgui.Trunc(g.LastErr, 96)
		}
		b.Bullets(line)
		if n++; n >= limit {
			return
		}
	}
	if n == 0 {
		b.Line("(no data)")
	}
}
