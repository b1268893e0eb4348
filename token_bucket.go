package limitd

import "time"

// tokenBucket refills whole tokens at RefillRate per second. The fractional
// remainder of an elapsed interval is carried by advancing lastRefill only by
// the share that produced whole tokens, so no credit is ever lost or
// duplicated across calls.
type tokenBucket struct {
	cfg        Config
	tokens     int64
	lastRefill time.Time
	lastAccess time.Time
}

func newTokenBucket(cfg Config, now time.Time) *tokenBucket {
	return &tokenBucket{
		cfg:        cfg,
		tokens:     cfg.Capacity,
		lastRefill: now,
		lastAccess: now,
	}
}

// refillAt returns the token count and refill anchor as of now, without
// mutating the bucket.
func (b *tokenBucket) refillAt(now time.Time) (int64, time.Time) {
	tokens, anchor := b.tokens, b.lastRefill
	elapsed := now.Sub(anchor)
	if elapsed <= 0 || tokens >= b.cfg.Capacity {
		return tokens, anchor
	}

	rate := b.cfg.RefillRate
	timeToFull := time.Duration((b.cfg.Capacity - tokens) * int64(time.Second) / rate)
	if elapsed >= timeToFull {
		return b.cfg.Capacity, now
	}

	add := elapsed.Nanoseconds() * rate / int64(time.Second)
	if add > 0 {
		tokens += add
		anchor = anchor.Add(time.Duration(add * int64(time.Second) / rate))
	}
	return tokens, anchor
}

func (b *tokenBucket) step(n int64, now time.Time, commit bool) *Result {
	tokens, anchor := b.refillAt(now)
	res := &Result{Limit: b.cfg.Capacity}

	if n <= tokens {
		tokens -= n
		res.Allowed = true
		res.Remaining = tokens
	} else {
		res.Remaining = tokens
		if n <= b.cfg.Capacity {
			deficit := n - tokens
			res.RetryAfter = time.Duration(ceilDiv(deficit*1000, b.cfg.RefillRate)) * time.Millisecond
		}
	}

	if commit {
		b.tokens, b.lastRefill = tokens, anchor
		b.lastAccess = now
	}
	res.State = &State{Algorithm: TokenBucket, Tokens: tokens, LastAccess: now}
	return res
}

func (b *tokenBucket) TryConsume(n int64, now time.Time) *Result {
	return b.step(n, now, true)
}

func (b *tokenBucket) Peek(n int64, now time.Time) *Result {
	return b.step(n, now, false)
}

func (b *tokenBucket) Snapshot() State {
	return State{Algorithm: TokenBucket, Tokens: b.tokens, LastAccess: b.lastAccess}
}

func (b *tokenBucket) Config() Config        { return b.cfg }
func (b *tokenBucket) LastAccess() time.Time { return b.lastAccess }
func (b *tokenBucket) SizeBytes() int64      { return 96 }
