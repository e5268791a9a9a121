package security

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiter_PerClientBudget(t *testing.T) {
	rl := NewRateLimiter(1, 2)

	if !rl.Allow("client-a") {
		t.Fatal("first request should be allowed")
	}
	if !rl.Allow("client-a") {
		t.Fatal("burst request should be allowed")
	}
	if rl.Allow("client-a") {
		t.Error("request over the client burst should be denied")
	}
}

func TestRateLimiter_GlobalCeiling(t *testing.T) {
	rl := NewRateLimiter(1, 2)

	rl.Allow("client-a")
	rl.Allow("client-b")
	// Both slots of the global burst are spent, regardless of client.
	if rl.Allow("client-c") {
		t.Error("request over the global burst should be denied")
	}
}

func TestRateLimiter_Wait(t *testing.T) {
	rl := NewRateLimiter(100, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		if err := rl.Wait(ctx, "client-a"); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}

	cancelled, cancel2 := context.WithCancel(context.Background())
	cancel2()
	rl2 := NewRateLimiter(0.001, 1)
	rl2.Allow("client-a")
	if err := rl2.Wait(cancelled, "client-a"); err == nil {
		t.Error("Wait with a cancelled context should fail")
	}
}
