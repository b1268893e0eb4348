package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	limitd "github.com/krishna-kudari/limitd"
)

// BenchmarkReport summarizes one load run.
type BenchmarkReport struct {
	Requests   int64         `json:"requests"`
	Allowed    int64         `json:"allowed"`
	Denied     int64         `json:"denied"`
	Errors     int64         `json:"errors"`
	Elapsed    time.Duration `json:"elapsed"`
	PerSecond  float64       `json:"per_second"`
	AvgLatency time.Duration `json:"avg_latency"`
}

// RunBenchmark drives the service with threads workers issuing perThread
// sequential decisions each against keyPrefix-derived keys. It measures this
// process only; it is a smoke load tool, not a cluster benchmark.
func (s *Service) RunBenchmark(ctx context.Context, threads, perThread int, keyPrefix string) (*BenchmarkReport, error) {
	if threads < 1 || perThread < 1 {
		return nil, fmt.Errorf("%w: benchmark needs positive thread and request counts", limitd.ErrInvalidInput)
	}

	var allowed, denied, errs atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()

	for t := 0; t < threads; t++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			key := fmt.Sprintf("%s:%d", keyPrefix, worker)
			for i := 0; i < perThread; i++ {
				if ctx.Err() != nil {
					return
				}
				res, err := s.Allow(ctx, key)
				switch {
				case err != nil:
					errs.Add(1)
				case res.Allowed:
					allowed.Add(1)
				default:
					denied.Add(1)
				}
			}
		}(t)
	}
	wg.Wait()
	elapsed := time.Since(start)

	total := allowed.Load() + denied.Load() + errs.Load()
	report := &BenchmarkReport{
		Requests: total,
		Allowed:  allowed.Load(),
		Denied:   denied.Load(),
		Errors:   errs.Load(),
		Elapsed:  elapsed,
	}
	if elapsed > 0 {
		report.PerSecond = float64(total) / elapsed.Seconds()
	}
	if total > 0 {
		report.AvgLatency = elapsed * time.Duration(threads) / time.Duration(total)
	}
	return report, nil
}
