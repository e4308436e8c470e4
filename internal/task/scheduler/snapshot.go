package scheduler

import (
	"fmt"
	"time"

	logx "relaybot/pkg/logx"
)

type JobInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

type Snapshot struct {
	Running     bool
	Enabled     bool
	Interval    time.Duration
	Concurrency int
	Timezone    string
	InFlight    int64
	NextPoll    time.Time
	LastBatch   BatchResult
	Jobs        []JobInfo
}

func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Snapshot{
		Running:     p.c != nil,
		Enabled:     p.opt.Enabled,
		Interval:    p.opt.Interval,
		Concurrency: p.opt.Concurrency,
		Timezone:    p.opt.Timezone,
		InFlight:    p.inFlight.Load(),
		LastBatch:   p.last,
	}
	if p.loc != nil {
		s.Timezone = p.loc.String()
	}
	if p.c != nil {
		s.NextPoll = p.c.Entry(p.pollID).Next
	}
	for _, j := range p.jobs {
		it := JobInfo{Name: j.name, Spec: j.spec}
		if p.c != nil && j.entryID != 0 {
			e := p.c.Entry(j.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		s.Jobs = append(s.Jobs, it)
	}
	return s
}

// cronLogger routes cron's own messages (skips, recovered panics) to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) { l.log.Debug(msg, kvFields(kv)...) }

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
