package limitd

import "time"

// slidingWindowLog keeps the timestamp of every admitted request inside the
// window. Memory is bounded by capacity: timestamps are only appended when
// the request is admitted.
type slidingWindowLog struct {
	cfg        Config
	stamps     []time.Time
	lastAccess time.Time
}

func newSlidingWindowLog(cfg Config, now time.Time) *slidingWindowLog {
	return &slidingWindowLog{cfg: cfg, lastAccess: now}
}

// pruneIndex returns the index of the first timestamp still inside the
// window. A timestamp aged exactly windowMs is out (boundary admits).
func (b *slidingWindowLog) pruneIndex(now time.Time) int {
	cut := 0
	for cut < len(b.stamps) && now.Sub(b.stamps[cut]) >= b.cfg.Window {
		cut++
	}
	return cut
}

func (b *slidingWindowLog) step(n int64, now time.Time, commit bool) *Result {
	cut := b.pruneIndex(now)
	live := b.stamps[cut:]
	count := int64(len(live))
	res := &Result{Limit: b.cfg.Capacity}

	if count+n <= b.cfg.Capacity {
		res.Allowed = true
		res.Remaining = b.cfg.Capacity - count - n
		if commit {
			b.stamps = live
			for i := int64(0); i < n; i++ {
				b.stamps = append(b.stamps, now)
			}
			b.lastAccess = now
			count += n
		}
	} else {
		res.Remaining = b.cfg.Capacity - count
		if n <= b.cfg.Capacity {
			// The request fits once enough of the oldest entries age out.
			need := count + n - b.cfg.Capacity
			oldest := live[need-1]
			res.RetryAfter = b.cfg.Window - now.Sub(oldest)
		}
		if commit {
			b.stamps = live
			b.lastAccess = now
		}
	}

	res.State = &State{Algorithm: SlidingWindow, Count: count, LastAccess: now}
	return res
}

func (b *slidingWindowLog) TryConsume(n int64, now time.Time) *Result {
	return b.step(n, now, true)
}

func (b *slidingWindowLog) Peek(n int64, now time.Time) *Result {
	return b.step(n, now, false)
}

func (b *slidingWindowLog) Snapshot() State {
	return State{Algorithm: SlidingWindow, Count: int64(len(b.stamps)), LastAccess: b.lastAccess}
}

func (b *slidingWindowLog) Config() Config        { return b.cfg }
func (b *slidingWindowLog) LastAccess() time.Time { return b.lastAccess }

func (b *slidingWindowLog) SizeBytes() int64 {
	return 96 + int64(cap(b.stamps))*24
}
