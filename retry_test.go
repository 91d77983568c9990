package fathom

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRetryTransient(t *testing.T) {
	calls := 0
	inner := ModelFunc(func(_ context.Context, _ Request) (Response, error) {
		calls++
		if calls < 3 {
			return Response{}, &ModelError{Provider: "test", Message: "slow down", Status: 429, Transient: true}
		}
		return textResponse("ok"), nil
	})
	client := WithRetry(inner, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	resp, err := client.Complete(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Blocks[0].(TextBlock).Text != "ok" || calls != 3 {
		t.Fatalf("resp = %+v, calls = %d", resp, calls)
	}
}

func TestWithRetryNonTransient(t *testing.T) {
	calls := 0
	inner := ModelFunc(func(_ context.Context, _ Request) (Response, error) {
		calls++
		return Response{}, &ModelError{Provider: "test", Message: "bad request", Status: 400}
	})
	client := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	if _, err := client.Complete(context.Background(), Request{}); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("non-transient retried: %d calls", calls)
	}
}

func TestWithRetryExhaustion(t *testing.T) {
	calls := 0
	transient := &ModelError{Provider: "test", Message: "overloaded", Status: 503, Transient: true}
	inner := ModelFunc(func(_ context.Context, _ Request) (Response, error) {
		calls++
		return Response{}, transient
	})
	client := WithRetry(inner, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	_, err := client.Complete(context.Background(), Request{})
	var me *ModelError
	if !errors.As(err, &me) || me.Status != 503 {
		t.Fatalf("err = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestWithRetryHonorsContext(t *testing.T) {
	inner := ModelFunc(func(_ context.Context, _ Request) (Response, error) {
		return Response{}, &ModelError{Provider: "test", Message: "x", Status: 429, Transient: true}
	})
	client := WithRetry(inner, RetryMaxAttempts(5), RetryBaseDelay(10*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := client.Complete(ctx, Request{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded while backing off", err)
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	err := &ModelError{Provider: "test", Status: 429, Transient: true, RetryAfter: time.Minute}
	if d := retryDelay(time.Millisecond, 0, err); d < time.Minute {
		t.Fatalf("delay = %s, want at least the server's Retry-After", d)
	}
}

func TestRetryBackoffGrows(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 4; i++ {
		d := retryBackoff(base, i)
		floor := base * (1 << i)
		if d < floor || d > floor+floor/2 {
			t.Fatalf("backoff(%d) = %s, want [%s, %s]", i, d, floor, floor+floor/2)
		}
	}
}
