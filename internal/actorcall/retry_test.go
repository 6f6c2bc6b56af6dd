package actorcall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

type fakeHandle struct {
	addr string
}

func TestCallSucceedsAfterRetries(t *testing.T) {
	var sleeps []time.Duration
	cfg := Config{
		MaxAttempts: 3,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
		Jitter:      func() float64 { return 1 },
		Sleep: func(_ context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		},
	}

	resolves := 0
	attempts := 0
	out, err := Call(context.Background(), cfg, "send_prompt",
		func(context.Context) (fakeHandle, error) {
			resolves++
			return fakeHandle{addr: fmt.Sprintf("actor-%d", resolves)}, nil
		},
		func(_ context.Context, h fakeHandle) (string, error) {
			attempts++
			if attempts < 3 {
				return "", MarkRetryable(errors.New("actor unavailable"))
			}
			return h.addr, nil
		},
	)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	// A handle is resolved fresh per attempt, never reused.
	if resolves != 3 || out != "actor-3" {
		t.Fatalf("expected 3 resolves ending on actor-3, got %d resolves, out=%s", resolves, out)
	}
	if len(sleeps) != 2 {
		t.Fatalf("3 attempts take exactly 2 sleeps, got %d", len(sleeps))
	}
	if sleeps[0] != 100*time.Millisecond || sleeps[1] != 200*time.Millisecond {
		t.Fatalf("unexpected backoff sequence: %v", sleeps)
	}
}

func TestCallNonRetryableAbortsImmediately(t *testing.T) {
	slept := false
	cfg := Config{
		MaxAttempts: 5,
		Sleep: func(context.Context, time.Duration) error {
			slept = true
			return nil
		},
	}

	attempts := 0
	_, err := Call(context.Background(), cfg, "send_prompt",
		func(context.Context) (fakeHandle, error) { return fakeHandle{}, nil },
		func(context.Context, fakeHandle) (string, error) {
			attempts++
			return "", errors.New("permanent rejection")
		},
	)
	if err == nil {
		t.Fatalf("expected error")
	}
	if attempts != 1 || slept {
		t.Fatalf("non-retryable error must abort without sleeping: attempts=%d slept=%v", attempts, slept)
	}
	if !strings.Contains(err.Error(), "send_prompt") {
		t.Fatalf("error must carry the call label: %v", err)
	}
}

func TestCallExhaustsAttempts(t *testing.T) {
	cfg := Config{
		MaxAttempts: 3,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}

	attempts := 0
	_, err := Call(context.Background(), cfg, "send_prompt",
		func(context.Context) (fakeHandle, error) { return fakeHandle{}, nil },
		func(context.Context, fakeHandle) (string, error) {
			attempts++
			return "", MarkRetryable(errors.New("still down"))
		},
	)
	if err == nil {
		t.Fatalf("expected exhaustion error")
	}
	if attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}
	if !strings.Contains(err.Error(), "retries exhausted") || !strings.Contains(err.Error(), "still down") {
		t.Fatalf("exhaustion error must wrap the last failure: %v", err)
	}
}

func TestCallRetryableResolveFailure(t *testing.T) {
	cfg := Config{
		MaxAttempts: 2,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}

	resolves := 0
	out, err := Call(context.Background(), cfg, "send_prompt",
		func(context.Context) (fakeHandle, error) {
			resolves++
			if resolves == 1 {
				return fakeHandle{}, MarkRetryable(errors.New("registry miss"))
			}
			return fakeHandle{addr: "actor-2"}, nil
		},
		func(_ context.Context, h fakeHandle) (string, error) { return h.addr, nil },
	)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out != "actor-2" {
		t.Fatalf("unexpected result: %s", out)
	}

	// A non-retryable resolve failure is terminal.
	_, err = Call(context.Background(), cfg, "send_prompt",
		func(context.Context) (fakeHandle, error) {
			return fakeHandle{}, errors.New("unknown session")
		},
		func(_ context.Context, h fakeHandle) (string, error) { return h.addr, nil },
	)
	if err == nil || !strings.Contains(err.Error(), "resolve handle") {
		t.Fatalf("expected terminal resolve error, got %v", err)
	}
}

func TestCallSleepCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := Config{MaxAttempts: 3, Sleep: sleepContext}
	attempts := 0
	_, err := Call(ctx, cfg, "send_prompt",
		func(context.Context) (fakeHandle, error) { return fakeHandle{}, nil },
		func(context.Context, fakeHandle) (string, error) {
			attempts++
			return "", MarkRetryable(errors.New("down"))
		},
	)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("cancellation during backoff must stop the loop, got %d attempts", attempts)
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := Config{BaseBackoff: 100 * time.Millisecond, MaxBackoff: 5 * time.Second}
	cases := []struct {
		attempt int
		jitter  float64
		want    time.Duration
	}{
		{0, 1, 100 * time.Millisecond},
		{1, 1, 200 * time.Millisecond},
		{2, 1, 400 * time.Millisecond},
		{0, 0.5, 50 * time.Millisecond},
		{1, 0.5, 100 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := cfg.BackoffDelay(tc.attempt, tc.jitter); got != tc.want {
			t.Fatalf("attempt %d jitter %v: expected %v, got %v", tc.attempt, tc.jitter, tc.want, got)
		}
	}

	capped := Config{BaseBackoff: time.Second, MaxBackoff: 2 * time.Second}
	wants := []time.Duration{time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second}
	for attempt, want := range wants {
		if got := capped.BackoffDelay(attempt, 1); got != want {
			t.Fatalf("capped attempt %d: expected %v, got %v", attempt, want, got)
		}
	}
}

func TestRetryableMarker(t *testing.T) {
	if Retryable(nil) {
		t.Fatalf("nil is not retryable")
	}
	if Retryable(errors.New("plain")) {
		t.Fatalf("unflagged errors are not retryable")
	}

	marked := MarkRetryable(errors.New("down"))
	if !Retryable(marked) {
		t.Fatalf("marked error must be retryable")
	}
	// The flag survives wrapping.
	if !Retryable(fmt.Errorf("send: %w", marked)) {
		t.Fatalf("flag must survive wrapping")
	}
	if MarkRetryable(nil) != nil {
		t.Fatalf("marking nil must stay nil")
	}
}
