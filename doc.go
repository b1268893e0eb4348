// Package limitd is the decision engine of a distributed, multi-algorithm
// rate limiting service: four bucket state machines, a dual in-process /
// Redis backend model, a precedence-driven configuration resolver, and a
// composite limiter, shared by every replica of the fleet.
//
// # Algorithms
//
//   - Token Bucket: steady refill, burst-friendly
//   - Sliding Window Log: exact accounting from stored timestamps, memory bounded by capacity
//   - Fixed Window Counter: epoch-aligned windows in constant memory
//   - Leaky Bucket: constant drain with a queue-delay hint
//
// # Quick start
//
//	svc, err := service.NewBuilder().
//	    Default(limitd.Config{Algorithm: limitd.TokenBucket, Capacity: 100, RefillRate: 10}).
//	    Build()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	res, err := svc.AllowN(ctx, "user:123", 1)
//	if err == nil && res.Allowed {
//	    // serve request
//	}
//
// # Distributed mode
//
// Pass a Redis client to share counters across replicas; every decision
// then runs as one atomic server-side script:
//
//	svc, _ := service.NewBuilder().
//	    Default(cfg).
//	    Redis(redis.NewClient(&redis.Options{Addr: "localhost:6379"})).
//	    Build()
//
// Effective limits per key come from the resolver, which layers manual
// overrides, schedules, geographic rules, adaptive adjustments, per-key
// configs, and pattern rules over the global default. See the service,
// adaptive, schedule, and geo packages.
package limitd
