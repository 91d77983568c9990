package fathom

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimitRPM(t *testing.T) {
	calls := 0
	inner := ModelFunc(func(_ context.Context, _ Request) (Response, error) {
		calls++
		return textResponse("ok"), nil
	})
	// 60 RPM = one request per second, burst 1. The second call must wait.
	client := WithRateLimit(inner, RPM(60))

	if _, err := client.Complete(context.Background(), Request{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.Complete(ctx, Request{}); err == nil {
		t.Fatal("expected error waiting for request budget")
	}
	if calls != 1 {
		t.Fatalf("inner called %d times", calls)
	}
}

func TestRateLimitTPM(t *testing.T) {
	inner := ModelFunc(func(_ context.Context, _ Request) (Response, error) {
		return Response{
			Blocks: []Block{TextBlock{Text: "ok"}},
			Usage:  Usage{InputTokens: 600, OutputTokens: 600},
		}, nil
	})
	client := WithRateLimit(inner, TPM(1000))

	// First call is under budget; its usage blows the window.
	if _, err := client.Complete(context.Background(), Request{}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.Complete(ctx, Request{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded waiting for token budget", err)
	}
}

func TestRateLimitUnlimited(t *testing.T) {
	calls := 0
	inner := ModelFunc(func(_ context.Context, _ Request) (Response, error) {
		calls++
		return textResponse("ok"), nil
	})
	client := WithRateLimit(inner)
	for i := 0; i < 10; i++ {
		if _, err := client.Complete(context.Background(), Request{}); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 10 {
		t.Fatalf("calls = %d", calls)
	}
}
