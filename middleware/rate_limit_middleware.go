package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"sync-rpc/rpc"
)

// RateLimit rejects inbound invocations beyond r calls per second with a
// burst allowance, token-bucket style. The rejection crosses the wire as a
// PROCEDURE_ERROR exception to the caller.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next rpc.Invoker) rpc.Invoker {
		return func(ctx context.Context, call *rpc.Call) (any, error) {
			if !limiter.Allow() {
				return nil, &rpc.Error{
					Kind:    rpc.KindProcedureError,
					Name:    "RateLimited",
					Message: "rate limit exceeded",
				}
			}
			return next(ctx, call)
		}
	}
}
