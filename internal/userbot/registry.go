package userbot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// AccountSource is the slice of the store the registry reads credentials from.
type AccountSource interface {
	GetAccount(ctx context.Context, key string) (storage.Account, error)
}

type Options struct {
	// ConstructTimeout bounds how long Acquire waits for a new session.
	ConstructTimeout time.Duration
	// ShutdownTimeout bounds disconnect plus worker stop, per account.
	ShutdownTimeout time.Duration
	Mailbox         int
}

// Handle is what Acquire hands out. Mu serializes protocol use of the account
// across tasks and joins; hold it around Connect..Disconnect.
type Handle struct {
	Key     string
	Session Session
	Mu      *sync.Mutex
}

type entry struct {
	key   string
	mu    sync.Mutex
	w     *worker
	sess  Session
	ready chan struct{}
	err   error
}

// Registry caches one session per account for the life of the process.
type Registry struct {
	src     AccountSource
	factory Factory
	opt     Options
	log     logx.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards entries only; it is never held across store or network calls.
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

func NewRegistry(src AccountSource, factory Factory, opt Options, log logx.Logger) *Registry {
	if opt.ConstructTimeout <= 0 {
		opt.ConstructTimeout = 10 * time.Second
	}
	if opt.ShutdownTimeout <= 0 {
		opt.ShutdownTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		src:     src,
		factory: factory,
		opt:     opt,
		log:     log.With(logx.String("comp", "userbot.registry")),
		ctx:     ctx,
		cancel:  cancel,
		entries: map[string]*entry{},
	}
}

// Acquire returns the live session of an account, creating it on first use.
// Unknown or inactive accounts, construction failures and construction
// timeouts all yield ErrAccountUnavailable.
func (r *Registry) Acquire(ctx context.Context, key string) (Handle, error) {
	r.mu.Lock()
	e, ok := r.entries[key]
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return Handle{}, fmt.Errorf("account %s: %w: registry closed", key, ErrAccountUnavailable)
	}

	if !ok {
		acc, err := r.src.GetAccount(ctx, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return Handle{}, fmt.Errorf("account %s: %w: unknown", key, ErrAccountUnavailable)
			}
			return Handle{}, fmt.Errorf("account %s: %w: %v", key, ErrAccountUnavailable, err)
		}
		if acc.Status != storage.AccountActive {
			return Handle{}, fmt.Errorf("account %s: %w: %s", key, ErrAccountUnavailable, acc.Status)
		}
		e = r.startEntry(acc)
	}

	timer := time.NewTimer(r.opt.ConstructTimeout)
	defer timer.Stop()
	select {
	case <-e.ready:
	case <-timer.C:
		r.log.Warn("session construction timed out", logx.String("account", key), logx.Duration("timeout", r.opt.ConstructTimeout))
		return Handle{}, fmt.Errorf("account %s: %w: construction timed out", key, ErrAccountUnavailable)
	case <-ctx.Done():
		return Handle{}, ctx.Err()
	}
	if e.err != nil {
		return Handle{}, fmt.Errorf("account %s: %w: %v", key, ErrAccountUnavailable, e.err)
	}
	return Handle{Key: key, Session: e.sess, Mu: &e.mu}, nil
}

// startEntry registers a new entry, or returns one a concurrent caller won.
func (r *Registry) startEntry(acc storage.Account) *entry {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		e := &entry{key: acc.Key, ready: make(chan struct{}), err: errRegistryClosed}
		close(e.ready)
		return e
	}
	if e, ok := r.entries[acc.Key]; ok {
		r.mu.Unlock()
		return e
	}
	e := &entry{
		key:   acc.Key,
		ready: make(chan struct{}),
		w:     newWorker(r.ctx, acc.Key, r.opt.Mailbox, r.log.With(logx.String("account", acc.Key))),
	}
	r.entries[acc.Key] = e
	r.mu.Unlock()

	e.w.start(func(ctx context.Context) {
		defer close(e.ready)
		s, err := r.factory(acc)
		if err != nil {
			e.err = err
			r.log.Warn("session construction failed", logx.String("account", acc.Key), logx.Err(err))
			r.drop(e)
			e.w.sup.Cancel()
			return
		}
		e.sess = &boundSession{inner: s, w: e.w}
		r.log.Debug("session ready", logx.String("account", acc.Key))
	})
	return e
}

func (r *Registry) drop(e *entry) {
	r.mu.Lock()
	if cur, ok := r.entries[e.key]; ok && cur == e {
		delete(r.entries, e.key)
	}
	r.mu.Unlock()
}

// Keys lists the cached accounts.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Evict disconnects and forgets one account's session.
func (r *Registry) Evict(ctx context.Context, key string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()
	if ok {
		r.stopEntry(ctx, e)
	}
}

// stopEntry waits for the account mutex before disconnecting, so a run in
// progress finishes its forward first. Past ShutdownTimeout the session is
// torn down anyway.
func (r *Registry) stopEntry(ctx context.Context, e *entry) {
	ctx, cancel := context.WithTimeout(ctx, r.opt.ShutdownTimeout)
	defer cancel()

	select {
	case <-e.ready:
		if e.sess == nil {
			break
		}
		unlock := r.lockEntry(ctx, e)
		if err := e.sess.Disconnect(ctx); err != nil && !errors.Is(err, ErrClosed) {
			r.log.Debug("disconnect failed", logx.String("account", e.key), logx.Err(err))
		}
		unlock()
	case <-ctx.Done():
	}
	if err := e.w.stop(ctx); err != nil {
		r.log.Warn("session worker did not stop in time",
			logx.String("account", e.key),
			logx.Duration("timeout", r.opt.ShutdownTimeout),
			logx.Err(err),
		)
	}
}

// lockEntry takes e.mu or gives up when ctx ends. The returned func releases
// whatever was acquired; a lock that lands after the deadline is released as
// soon as it is taken.
func (r *Registry) lockEntry(ctx context.Context, e *entry) func() {
	locked := make(chan struct{})
	go func() {
		e.mu.Lock()
		close(locked)
	}()
	select {
	case <-locked:
		return e.mu.Unlock
	case <-ctx.Done():
		r.log.Warn("account still busy, disconnecting without its lock",
			logx.String("account", e.key),
			logx.Duration("timeout", r.opt.ShutdownTimeout),
		)
		go func() {
			<-locked
			e.mu.Unlock()
		}()
		return func() {}
	}
}

// Shutdown disconnects every session and stops its worker, each bounded by
// ShutdownTimeout. Workers that overrun are logged and left behind.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = map[string]*entry{}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			r.stopEntry(ctx, e)
		}(e)
	}
	wg.Wait()
	r.cancel()
	r.log.Info("session registry stopped", logx.Int("sessions", len(entries)))
}
