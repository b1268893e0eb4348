package limitd

import "time"

// leakyBucket drains queued work at RefillRate units per second and rejects
// arrivals that would overflow capacity. Accepted requests get a QueueDelay
// hint: the time until the queue, including them, has drained. Like the
// token bucket, whole units leak with the fractional remainder carried in
// the lastLeak anchor.
type leakyBucket struct {
	cfg        Config
	level      int64
	lastLeak   time.Time
	lastAccess time.Time
}

func newLeakyBucket(cfg Config, now time.Time) *leakyBucket {
	return &leakyBucket{cfg: cfg, lastLeak: now, lastAccess: now}
}

func (b *leakyBucket) leakAt(now time.Time) (int64, time.Time) {
	level, anchor := b.level, b.lastLeak
	elapsed := now.Sub(anchor)
	if elapsed <= 0 || level == 0 {
		return level, anchor
	}

	rate := b.cfg.RefillRate
	timeToEmpty := time.Duration(level * int64(time.Second) / rate)
	if elapsed >= timeToEmpty {
		return 0, now
	}

	leaked := elapsed.Nanoseconds() * rate / int64(time.Second)
	if leaked > 0 {
		level -= leaked
		anchor = anchor.Add(time.Duration(leaked * int64(time.Second) / rate))
	}
	return level, anchor
}

func (b *leakyBucket) step(n int64, now time.Time, commit bool) *Result {
	level, anchor := b.leakAt(now)
	res := &Result{Limit: b.cfg.Capacity}

	if level+n <= b.cfg.Capacity {
		level += n
		res.Allowed = true
		res.Remaining = b.cfg.Capacity - level
		if n > 0 {
			res.QueueDelay = time.Duration(level * int64(time.Second) / b.cfg.RefillRate)
		}
	} else {
		res.Remaining = b.cfg.Capacity - level
		if n <= b.cfg.Capacity {
			overflow := level + n - b.cfg.Capacity
			res.RetryAfter = time.Duration(ceilDiv(overflow*1000, b.cfg.RefillRate)) * time.Millisecond
		}
	}

	if commit {
		b.level, b.lastLeak = level, anchor
		b.lastAccess = now
	}
	res.State = &State{Algorithm: LeakyBucket, Level: level, LastAccess: now}
	return res
}

func (b *leakyBucket) TryConsume(n int64, now time.Time) *Result {
	return b.step(n, now, true)
}

func (b *leakyBucket) Peek(n int64, now time.Time) *Result {
	return b.step(n, now, false)
}

func (b *leakyBucket) Snapshot() State {
	return State{Algorithm: LeakyBucket, Level: b.level, LastAccess: b.lastAccess}
}

func (b *leakyBucket) Config() Config        { return b.cfg }
func (b *leakyBucket) LastAccess() time.Time { return b.lastAccess }
func (b *leakyBucket) SizeBytes() int64      { return 96 }
