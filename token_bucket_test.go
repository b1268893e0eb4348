package limitd

import (
	"testing"
	"time"
)

func tbConfig(capacity, rate int64) Config {
	return Config{Algorithm: TokenBucket, Capacity: capacity, RefillRate: rate}
}

func TestTokenBucket_BurstThenDeny(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBucket(tbConfig(10, 2), now)

	for i := 0; i < 10; i++ {
		res := b.TryConsume(1, now)
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if res.Remaining != int64(9-i) {
			t.Errorf("request %d: expected remaining=%d, got %d", i+1, 9-i, res.Remaining)
		}
	}

	res := b.TryConsume(1, now)
	if res.Allowed {
		t.Error("11th request should be denied")
	}
	if res.RetryAfter != 500*time.Millisecond {
		t.Errorf("expected retry after 500ms, got %v", res.RetryAfter)
	}
}

func TestTokenBucket_RefillOverTime(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBucket(tbConfig(10, 2), now)

	if res := b.TryConsume(10, now); !res.Allowed {
		t.Fatal("draining the full capacity should succeed")
	}

	// 2 tokens/s: after 1.5s exactly 3 whole tokens are back.
	now = now.Add(1500 * time.Millisecond)
	res := b.TryConsume(3, now)
	if !res.Allowed {
		t.Fatal("3 tokens should have refilled after 1.5s")
	}
	if res.Remaining != 0 {
		t.Errorf("expected remaining=0, got %d", res.Remaining)
	}

	if res := b.TryConsume(1, now); res.Allowed {
		t.Error("4th token should not exist yet")
	}
}

func TestTokenBucket_FractionalCarry(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBucket(tbConfig(10, 3), now)
	b.TryConsume(10, now)

	// 3 tokens/s: 400ms yields 1 whole token with 1/15s of credit carried.
	for i := 0; i < 5; i++ {
		now = now.Add(400 * time.Millisecond)
		res := b.TryConsume(1, now)
		if !res.Allowed {
			t.Fatalf("step %d: expected one refilled token", i+1)
		}
	}

	// Carried remainders never leak: 5 * 400ms = 2s elapsed = 6 tokens,
	// 5 consumed, so exactly one more is available.
	res := b.TryConsume(1, now)
	if !res.Allowed {
		t.Fatal("carried fractional credit should add up to a sixth token")
	}
	if res := b.TryConsume(1, now); res.Allowed {
		t.Error("seventh token should not exist")
	}
}

func TestTokenBucket_RequestLargerThanCapacity(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBucket(tbConfig(5, 1), now)

	res := b.TryConsume(6, now)
	if res.Allowed {
		t.Error("request above capacity can never pass")
	}
	if res.RetryAfter != 0 {
		t.Errorf("impossible request should report zero retry, got %v", res.RetryAfter)
	}
	if res := b.TryConsume(5, now); !res.Allowed {
		t.Error("the probe must not have consumed anything")
	}
}

func TestTokenBucket_ZeroTokenProbe(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBucket(tbConfig(2, 1), now)
	b.TryConsume(2, now)

	res := b.TryConsume(0, now)
	if !res.Allowed {
		t.Error("zero-token probe should always pass")
	}
	if res.Remaining != 0 {
		t.Errorf("probe should report remaining=0, got %d", res.Remaining)
	}
}

func TestTokenBucket_PeekDoesNotConsume(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBucket(tbConfig(3, 1), now)

	for i := 0; i < 5; i++ {
		res := b.Peek(1, now)
		if !res.Allowed || res.Remaining != 2 {
			t.Fatalf("peek %d should report allowed with remaining=2, got %+v", i, res)
		}
	}
	if res := b.TryConsume(3, now); !res.Allowed {
		t.Error("peeks must not have consumed tokens")
	}
}
