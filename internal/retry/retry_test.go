package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func recordSleeps(p *Policy) *[]time.Duration {
	var waits []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return &waits
}

func TestDelay(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: 5 * time.Second, MaxHint: time.Minute}
	tests := []struct {
		n    int
		err  error
		want time.Duration
	}{
		{0, errors.New("x"), 5 * time.Second},
		{1, errors.New("x"), 10 * time.Second},
		{3, errors.New("x"), 40 * time.Second},
		{0, RetryAfter(errors.New("flood"), 7*time.Second), 12 * time.Second},
		{2, RetryAfter(errors.New("flood"), 10*time.Minute), time.Minute + 20*time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.n, tt.err); got != tt.want {
			t.Fatalf("Delay(%d, %v) = %v, want %v", tt.n, tt.err, got, tt.want)
		}
	}
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 5, BaseDelay: time.Second}
	waits := recordSleeps(&p)

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do err = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if want := []time.Duration{time.Second, 2 * time.Second}; len(*waits) != 2 || (*waits)[0] != want[0] || (*waits)[1] != want[1] {
		t.Fatalf("waits = %v, want %v", *waits, want)
	}
}

func TestDoStopsOnNoRetry(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 5, BaseDelay: time.Second}
	recordSleeps(&p)

	perm := errors.New("expired")
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return NoRetry(perm)
	})
	if !errors.Is(err, perm) || calls != 1 {
		t.Fatalf("Do err = %v calls = %d, want expired after 1 call", err, calls)
	}
}

func TestDoExhausts(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	waits := recordSleeps(&p)

	base := errors.New("down")
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error { return base })
	if !errors.Is(err, base) {
		t.Fatalf("Do err = %v, want wrapping %v", err, base)
	}
	if len(*waits) != 2 {
		t.Fatalf("sleeps = %d, want 2", len(*waits))
	}
}

func TestDoHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour}
	calls := 0
	_ = p.Do(ctx, func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("x")
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
