// Package grpcmw adapts limitd to gRPC servers as unary and stream
// interceptors. It lives apart from the middleware package so that HTTP
// users never link in google.golang.org/grpc.
//
//	svc, _ := service.NewBuilder().Default(cfg).Build()
//	server := grpc.NewServer(
//	    grpc.UnaryInterceptor(grpcmw.UnaryServerInterceptor(svc, grpcmw.KeyByPeer)),
//	)
package grpcmw

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	limitd "github.com/krishna-kudari/limitd"
)

// KeyFunc derives the limit key from the request context.
type KeyFunc func(ctx context.Context) string

// Config controls the interceptor. Limiter and KeyFunc are required.
type Config struct {
	Limiter limitd.Limiter
	KeyFunc KeyFunc

	// FailOpen lets requests through when the limiter errors. Nil means on;
	// set to false to answer Unavailable instead.
	FailOpen *bool

	// ExcludeMethods bypass the limiter by full method name,
	// e.g. "/grpc.health.v1.Health/Check".
	ExcludeMethods map[string]bool
}

// UnaryServerInterceptor returns a unary interceptor under default settings.
func UnaryServerInterceptor(limiter limitd.Limiter, keyFunc KeyFunc) grpc.UnaryServerInterceptor {
	return UnaryServerInterceptorWithConfig(Config{Limiter: limiter, KeyFunc: keyFunc})
}

// UnaryServerInterceptorWithConfig returns a unary interceptor under cfg.
// Denials answer ResourceExhausted.
func UnaryServerInterceptorWithConfig(cfg Config) grpc.UnaryServerInterceptor {
	if cfg.Limiter == nil {
		panic("grpcmw: Limiter is required")
	}
	if cfg.KeyFunc == nil {
		panic("grpcmw: KeyFunc is required")
	}
	failOpen := cfg.FailOpen == nil || *cfg.FailOpen

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if cfg.ExcludeMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		if err := admit(ctx, cfg.Limiter, cfg.KeyFunc, failOpen); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor returns a stream interceptor that spends one token
// when the stream opens. Limiter errors fail open.
func StreamServerInterceptor(limiter limitd.Limiter, keyFunc KeyFunc) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := admit(ss.Context(), limiter, keyFunc, true); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

// admit returns nil when the request may proceed.
func admit(ctx context.Context, limiter limitd.Limiter, keyFunc KeyFunc, failOpen bool) error {
	result, err := limiter.Allow(ctx, keyFunc(ctx))
	if err != nil {
		if failOpen {
			return nil
		}
		return status.Errorf(codes.Unavailable, "rate limiter unavailable: %v", err)
	}
	if !result.Allowed {
		return status.Errorf(codes.ResourceExhausted, "rate limit exceeded, retry after %v", result.RetryAfter)
	}
	return nil
}

// ─── Key extractors ──────────────────────────────────────────────────────────

// KeyByPeer keys on the remote peer address.
func KeyByPeer(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok {
		return p.Addr.String()
	}
	return "unknown"
}

// KeyByMetadata keys on an incoming metadata value such as an API key.
func KeyByMetadata(header string) KeyFunc {
	return func(ctx context.Context) string {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(header); len(vals) > 0 {
				return vals[0]
			}
		}
		return "unknown"
	}
}
