package userbot_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relaybot/internal/storage"
	"relaybot/internal/userbot"
	"relaybot/internal/userbot/userbottest"
	logx "relaybot/pkg/logx"
)

type accounts map[string]storage.Account

func (a accounts) GetAccount(ctx context.Context, key string) (storage.Account, error) {
	acc, ok := a[key]
	if !ok {
		return storage.Account{}, storage.ErrNotFound
	}
	return acc, nil
}

func active(keys ...string) accounts {
	out := accounts{}
	for _, k := range keys {
		out[k] = storage.Account{Key: k, Status: storage.AccountActive}
	}
	return out
}

func TestAcquireIsIdempotent(t *testing.T) {
	t.Parallel()

	var built atomic.Int32
	sessions := map[string]*userbottest.Session{}
	inner := userbottest.Factory(sessions)
	factory := func(acc storage.Account) (userbot.Session, error) {
		built.Add(1)
		return inner(acc)
	}
	r := userbot.NewRegistry(active("+1"), factory, userbot.Options{}, logx.Nop())
	defer r.Shutdown(context.Background())

	ctx := context.Background()
	var wg sync.WaitGroup
	handles := make([]userbot.Handle, 8)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := r.Acquire(ctx, "+1")
			if err != nil {
				t.Errorf("Acquire err = %v", err)
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	if got := built.Load(); got != 1 {
		t.Fatalf("sessions built = %d, want 1", got)
	}
	for _, h := range handles[1:] {
		if h.Session != handles[0].Session || h.Mu != handles[0].Mu {
			t.Fatalf("Acquire returned different session or mutex")
		}
	}
}

func TestAcquireUnavailable(t *testing.T) {
	t.Parallel()

	src := active("+1")
	src["+2"] = storage.Account{Key: "+2", Status: storage.AccountInactive}
	r := userbot.NewRegistry(src, userbottest.Factory(map[string]*userbottest.Session{}), userbot.Options{}, logx.Nop())
	defer r.Shutdown(context.Background())

	for _, key := range []string{"missing", "+2"} {
		if _, err := r.Acquire(context.Background(), key); !errors.Is(err, userbot.ErrAccountUnavailable) {
			t.Fatalf("Acquire(%s) err = %v, want ErrAccountUnavailable", key, err)
		}
	}
}

func TestAcquireConstructionFailureIsRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	factory := func(acc storage.Account) (userbot.Session, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("bad session file")
		}
		return userbottest.New(acc.Key), nil
	}
	r := userbot.NewRegistry(active("+1"), factory, userbot.Options{}, logx.Nop())
	defer r.Shutdown(context.Background())

	if _, err := r.Acquire(context.Background(), "+1"); !errors.Is(err, userbot.ErrAccountUnavailable) {
		t.Fatalf("first Acquire err = %v, want ErrAccountUnavailable", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := r.Acquire(context.Background(), "+1")
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Acquire never recovered: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAcquireConstructionTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	factory := func(acc storage.Account) (userbot.Session, error) {
		<-release
		return userbottest.New(acc.Key), nil
	}
	r := userbot.NewRegistry(active("+1"), factory, userbot.Options{
		ConstructTimeout: 20 * time.Millisecond,
		ShutdownTimeout:  100 * time.Millisecond,
	}, logx.Nop())

	_, err := r.Acquire(context.Background(), "+1")
	if !errors.Is(err, userbot.ErrAccountUnavailable) {
		t.Fatalf("Acquire err = %v, want ErrAccountUnavailable", err)
	}
	close(release)
	r.Shutdown(context.Background())
}

func TestShutdownDisconnectsSessions(t *testing.T) {
	t.Parallel()

	sessions := map[string]*userbottest.Session{}
	r := userbot.NewRegistry(active("+1", "+2"), userbottest.Factory(sessions), userbot.Options{}, logx.Nop())

	ctx := context.Background()
	for _, k := range []string{"+1", "+2"} {
		h, err := r.Acquire(ctx, k)
		if err != nil {
			t.Fatal(err)
		}
		if err := h.Session.Connect(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if got := r.Keys(); len(got) != 2 {
		t.Fatalf("Keys = %v, want 2", got)
	}

	r.Shutdown(ctx)

	for k, s := range sessions {
		if s.Connected() {
			t.Fatalf("session %s still connected after Shutdown", k)
		}
	}
	if _, err := r.Acquire(ctx, "+1"); !errors.Is(err, userbot.ErrAccountUnavailable) {
		t.Fatalf("Acquire after Shutdown err = %v, want ErrAccountUnavailable", err)
	}
}

func TestEvictDropsSession(t *testing.T) {
	t.Parallel()

	sessions := map[string]*userbottest.Session{}
	r := userbot.NewRegistry(active("+1"), userbottest.Factory(sessions), userbot.Options{}, logx.Nop())
	defer r.Shutdown(context.Background())

	ctx := context.Background()
	h, err := r.Acquire(ctx, "+1")
	if err != nil {
		t.Fatal(err)
	}
	_ = h.Session.Connect(ctx)
	r.Evict(ctx, "+1")

	if sessions["+1"].Connected() {
		t.Fatalf("evicted session still connected")
	}
	if len(r.Keys()) != 0 {
		t.Fatalf("Keys = %v after Evict", r.Keys())
	}
	if err := h.Session.Connect(ctx); !errors.Is(err, userbot.ErrClosed) {
		t.Fatalf("stale handle Connect err = %v, want ErrClosed", err)
	}
}

func TestSessionCallsRunSerially(t *testing.T) {
	t.Parallel()

	s := userbottest.New("+1")
	s.Delay = 5 * time.Millisecond
	r := userbot.NewRegistry(active("+1"), userbottest.Factory(map[string]*userbottest.Session{"+1": s}), userbot.Options{}, logx.Nop())
	defer r.Shutdown(context.Background())

	h, err := r.Acquire(context.Background(), "+1")
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = h.Session.Forward(context.Background(), userbot.Peer{Kind: userbot.PeerChannel, ID: 1}, i, 10)
		}(i)
	}
	wg.Wait()

	if got := s.MaxInFlight(); got != 1 {
		t.Fatalf("MaxInFlight = %d, want 1 (calls must run on the account worker)", got)
	}
	if got := len(s.Forwards()); got != 6 {
		t.Fatalf("forwards = %d, want 6", got)
	}
}

func TestEvictWaitsForAccountMutex(t *testing.T) {
	t.Parallel()

	sessions := map[string]*userbottest.Session{}
	r := userbot.NewRegistry(active("+1"), userbottest.Factory(sessions), userbot.Options{ShutdownTimeout: 5 * time.Second}, logx.Nop())
	defer r.Shutdown(context.Background())

	ctx := context.Background()
	h, err := r.Acquire(ctx, "+1")
	if err != nil {
		t.Fatal(err)
	}
	h.Mu.Lock()
	if err := h.Session.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	evicted := make(chan struct{})
	go func() {
		r.Evict(ctx, "+1")
		close(evicted)
	}()

	select {
	case <-evicted:
		t.Fatalf("Evict returned while the account mutex was held")
	case <-time.After(50 * time.Millisecond):
	}
	if !sessions["+1"].Connected() {
		t.Fatalf("session disconnected while the account mutex was held")
	}

	// the holder finishes its run, then Evict proceeds
	if err := h.Session.Forward(ctx, userbot.Peer{Kind: userbot.PeerChannel, ID: 1}, 7, 10); err != nil {
		t.Fatalf("Forward err = %v", err)
	}
	h.Mu.Unlock()

	select {
	case <-evicted:
	case <-time.After(2 * time.Second):
		t.Fatalf("Evict did not finish after the mutex was released")
	}
	if sessions["+1"].Connected() {
		t.Fatalf("evicted session still connected")
	}
}

func TestEvictGivesUpOnMutexAfterTimeout(t *testing.T) {
	t.Parallel()

	r := userbot.NewRegistry(active("+1"), userbottest.Factory(map[string]*userbottest.Session{}), userbot.Options{ShutdownTimeout: 30 * time.Millisecond}, logx.Nop())
	defer r.Shutdown(context.Background())

	h, err := r.Acquire(context.Background(), "+1")
	if err != nil {
		t.Fatal(err)
	}
	h.Mu.Lock()

	evicted := make(chan struct{})
	go func() {
		r.Evict(context.Background(), "+1")
		close(evicted)
	}()
	select {
	case <-evicted:
	case <-time.After(2 * time.Second):
		t.Fatalf("Evict blocked past ShutdownTimeout")
	}
	h.Mu.Unlock()

	// the abandoned lock attempt must not keep the mutex
	locked := make(chan struct{})
	go func() {
		h.Mu.Lock()
		h.Mu.Unlock()
		close(locked)
	}()
	select {
	case <-locked:
	case <-time.After(2 * time.Second):
		t.Fatalf("account mutex never released after Evict gave up")
	}
}

type gatedAccounts struct {
	accounts
	entered chan struct{}
	release chan struct{}
}

func (g gatedAccounts) GetAccount(ctx context.Context, key string) (storage.Account, error) {
	close(g.entered)
	<-g.release
	return g.accounts.GetAccount(ctx, key)
}

func TestAcquireRacingShutdownLeavesNoEntry(t *testing.T) {
	t.Parallel()

	src := gatedAccounts{accounts: active("+1"), entered: make(chan struct{}), release: make(chan struct{})}
	var built atomic.Int32
	inner := userbottest.Factory(map[string]*userbottest.Session{})
	factory := func(acc storage.Account) (userbot.Session, error) {
		built.Add(1)
		return inner(acc)
	}
	r := userbot.NewRegistry(src, factory, userbot.Options{}, logx.Nop())

	errc := make(chan error, 1)
	go func() {
		_, err := r.Acquire(context.Background(), "+1")
		errc <- err
	}()
	<-src.entered
	r.Shutdown(context.Background())
	close(src.release)

	if err := <-errc; !errors.Is(err, userbot.ErrAccountUnavailable) {
		t.Fatalf("Acquire err = %v, want ErrAccountUnavailable", err)
	}
	if got := r.Keys(); len(got) != 0 {
		t.Fatalf("Keys = %v after Shutdown, want none", got)
	}
	if got := built.Load(); got != 0 {
		t.Fatalf("sessions built = %d, want 0", got)
	}
}
