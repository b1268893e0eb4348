package service_test

import (
	"context"
	"fmt"
	"time"

	limitd "github.com/krishna-kudari/limitd"
	"github.com/krishna-kudari/limitd/service"
)

func ExampleNewBuilder() {
	svc, _ := service.NewBuilder().
		Default(limitd.Config{Algorithm: limitd.SlidingWindow, Capacity: 100, Window: time.Minute}).
		Build()
	defer svc.Close()

	res, _ := svc.Allow(context.Background(), "user:123")
	fmt.Printf("allowed=%v remaining=%d\n", res.Allowed, res.Remaining)
	// Output: allowed=true remaining=99
}

func ExampleService_Reset() {
	svc, _ := service.NewBuilder().
		Default(limitd.Config{Algorithm: limitd.FixedWindow, Capacity: 1, Window: time.Hour}).
		Build()
	defer svc.Close()

	ctx := context.Background()
	svc.Allow(ctx, "user:123")
	res, _ := svc.Allow(ctx, "user:123")
	fmt.Printf("before reset: allowed=%v\n", res.Allowed)

	_ = svc.Reset(ctx, "user:123")
	res, _ = svc.Allow(ctx, "user:123")
	fmt.Printf("after reset:  allowed=%v\n", res.Allowed)
	// Output:
	// before reset: allowed=false
	// after reset:  allowed=true
}

func ExampleService_SetKeyConfig() {
	svc, _ := service.NewBuilder().
		Default(limitd.Config{Algorithm: limitd.TokenBucket, Capacity: 5, RefillRate: 1}).
		Build()
	defer svc.Close()

	_ = svc.SetKeyConfig("premium:42", limitd.Config{
		Algorithm: limitd.TokenBucket, Capacity: 1000, RefillRate: 100,
	})

	ctx := context.Background()
	r1, _ := svc.Allow(ctx, "premium:42")
	r2, _ := svc.Allow(ctx, "free:7")
	fmt.Printf("premium: limit=%d\nfree:    limit=%d\n", r1.Limit, r2.Limit)
	// Output:
	// premium: limit=1000
	// free:    limit=5
}
