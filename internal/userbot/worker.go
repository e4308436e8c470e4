package userbot

import (
	"context"
	"fmt"
	"runtime/debug"

	"relaybot/internal/runtime/supervisor"
	logx "relaybot/pkg/logx"
)

type call struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// worker is the execution context of one account: a goroutine draining a
// bounded mailbox, one call at a time.
type worker struct {
	key   string
	calls chan call
	sup   *supervisor.Supervisor
	log   logx.Logger
}

func newWorker(parent context.Context, key string, mailbox int, log logx.Logger) *worker {
	if mailbox <= 0 {
		mailbox = 16
	}
	w := &worker{
		key:   key,
		calls: make(chan call, mailbox),
		log:   log,
	}
	w.sup = supervisor.New(parent, supervisor.WithLogger(log))
	return w
}

func (w *worker) start(init func(ctx context.Context)) {
	w.sup.Go0("userbot.worker."+w.key, func(ctx context.Context) {
		if init != nil {
			init(ctx)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case c := <-w.calls:
				c.done <- w.invoke(c)
			}
		}
	})
}

func (w *worker) invoke(c call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("session call panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("session %s: panic: %v", w.key, r)
		}
	}()
	if err := c.ctx.Err(); err != nil {
		return err
	}
	return c.fn(c.ctx)
}

// do submits fn and waits for its result. A canceled ctx abandons the wait;
// the call itself sees the same ctx and should return promptly.
func (w *worker) do(ctx context.Context, fn func(ctx context.Context) error) error {
	c := call{ctx: ctx, fn: fn, done: make(chan error, 1)}
	stopped := w.sup.Context().Done()
	select {
	case w.calls <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-stopped:
		return ErrClosed
	}
	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-stopped:
		return ErrClosed
	}
}

func (w *worker) stop(ctx context.Context) error {
	return w.sup.Stop(ctx)
}

// boundSession routes every call of inner through the account worker.
type boundSession struct {
	inner Session
	w     *worker
}

func (b *boundSession) Key() string { return b.inner.Key() }

func (b *boundSession) Connected() bool { return b.inner.Connected() }

func (b *boundSession) Connect(ctx context.Context) error {
	return b.w.do(ctx, b.inner.Connect)
}

func (b *boundSession) Disconnect(ctx context.Context) error {
	return b.w.do(ctx, b.inner.Disconnect)
}

func (b *boundSession) ResolveAlias(ctx context.Context, alias string) (Peer, error) {
	var p Peer
	err := b.w.do(ctx, func(ctx context.Context) error {
		var err error
		p, err = b.inner.ResolveAlias(ctx, alias)
		return err
	})
	if err != nil {
		return Peer{}, err
	}
	return p, nil
}

func (b *boundSession) LookupGroup(ctx context.Context, kind GroupKind, ident string) (Group, error) {
	var g Group
	err := b.w.do(ctx, func(ctx context.Context) error {
		var err error
		g, err = b.inner.LookupGroup(ctx, kind, ident)
		return err
	})
	if err != nil {
		return Group{}, err
	}
	return g, nil
}

func (b *boundSession) Join(ctx context.Context, kind GroupKind, ident string) error {
	return b.w.do(ctx, func(ctx context.Context) error {
		return b.inner.Join(ctx, kind, ident)
	})
}

func (b *boundSession) IsMember(ctx context.Context, groupID int64) (bool, error) {
	var ok bool
	err := b.w.do(ctx, func(ctx context.Context) error {
		var err error
		ok, err = b.inner.IsMember(ctx, groupID)
		return err
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (b *boundSession) Forward(ctx context.Context, from Peer, msgID int, toGroupID int64) error {
	return b.w.do(ctx, func(ctx context.Context) error {
		return b.inner.Forward(ctx, from, msgID, toGroupID)
	})
}
