// Package store defines the backend contract shared by the in-process and
// Redis implementations.
//
// Both backends honor the same invariant: Apply is atomic per key. The
// local backend serializes through per-shard mutexes; the Redis backend
// runs the whole step as one server-side script. Switching backends changes
// durability and cross-replica sharing, never decisions.
package store

import (
	"context"

	limitd "github.com/krishna-kudari/limitd"
)

// Stats summarizes a backend's resource usage.
type Stats struct {
	Keys        int
	ApproxBytes int64
}

// Backend extends the core Apply/Check contract with the operational
// surface the service and the adaptive controller need.
type Backend interface {
	limitd.Backend

	// ActiveKeys returns a snapshot of keys with live buckets.
	ActiveKeys(ctx context.Context) ([]string, error)

	// Healthy reports whether the backend can currently serve decisions.
	Healthy(ctx context.Context) bool

	// Stats reports bucket count and approximate memory held.
	Stats() Stats

	Close() error
}
