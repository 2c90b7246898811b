package throttle

import (
	"context"
	"testing"
	"time"
)

func TestLoginLimiterDisabledWithoutClient(t *testing.T) {
	limiter := NewLoginLimiter(nil, 3, time.Minute)

	ok, err := limiter.Allow(context.Background(), "bob", "10.0.0.1")
	if err != nil || !ok {
		t.Fatalf("expected nil-client limiter to allow, got ok=%v err=%v", ok, err)
	}
	if err := limiter.Record(context.Background(), "bob", "10.0.0.1"); err != nil {
		t.Fatalf("expected nil-client record to be a no-op: %v", err)
	}
	limiter.Reset(context.Background(), "bob", "10.0.0.1")
}

func TestLoginKeyNormalizesIdentifier(t *testing.T) {
	if loginKey(" BOB ", "10.0.0.1") != loginKey("bob", "10.0.0.1") {
		t.Fatalf("expected identifier to be normalized in the key")
	}
	if loginKey("bob", "10.0.0.1") == loginKey("bob", "10.0.0.2") {
		t.Fatalf("expected distinct keys per client IP")
	}
}
