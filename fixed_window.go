package limitd

import "time"

// fixedWindow counts requests in epoch-aligned windows: the window holding
// now starts at ⌊unixMicros/window⌋·window, the same arithmetic the Redis
// script runs, so both backends and every replica agree on boundaries.
type fixedWindow struct {
	cfg         Config
	windowStart time.Time
	count       int64
	lastAccess  time.Time
}

func alignWindow(now time.Time, window time.Duration) time.Time {
	us := now.UnixMicro()
	w := window.Microseconds()
	return time.UnixMicro(us - us%w)
}

func newFixedWindow(cfg Config, now time.Time) *fixedWindow {
	return &fixedWindow{
		cfg:         cfg,
		windowStart: alignWindow(now, cfg.Window),
		lastAccess:  now,
	}
}

func (b *fixedWindow) step(n int64, now time.Time, commit bool) *Result {
	ws := alignWindow(now, b.cfg.Window)
	count := b.count
	if !ws.Equal(b.windowStart) {
		count = 0
	}

	res := &Result{Limit: b.cfg.Capacity}
	if count+n <= b.cfg.Capacity {
		count += n
		res.Allowed = true
		res.Remaining = b.cfg.Capacity - count
	} else {
		res.Remaining = b.cfg.Capacity - count
		res.RetryAfter = ws.Add(b.cfg.Window).Sub(now)
	}

	if commit {
		b.windowStart = ws
		b.count = count
		b.lastAccess = now
	}
	res.State = &State{Algorithm: FixedWindow, Count: count, WindowStart: ws, LastAccess: now}
	return res
}

func (b *fixedWindow) TryConsume(n int64, now time.Time) *Result {
	return b.step(n, now, true)
}

func (b *fixedWindow) Peek(n int64, now time.Time) *Result {
	return b.step(n, now, false)
}

func (b *fixedWindow) Snapshot() State {
	return State{Algorithm: FixedWindow, Count: b.count, WindowStart: b.windowStart, LastAccess: b.lastAccess}
}

func (b *fixedWindow) Config() Config        { return b.cfg }
func (b *fixedWindow) LastAccess() time.Time { return b.lastAccess }
func (b *fixedWindow) SizeBytes() int64      { return 96 }
