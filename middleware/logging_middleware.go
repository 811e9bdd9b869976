package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"sync-rpc/rpc"
)

// Logging records each inbound procedure invocation with its duration and
// outcome.
func Logging(log *zap.Logger) Middleware {
	return func(next rpc.Invoker) rpc.Invoker {
		return func(ctx context.Context, call *rpc.Call) (any, error) {
			start := time.Now()
			value, err := next(ctx, call)
			fields := []zap.Field{
				zap.String("path", call.Path),
				zap.String("callerId", call.CallerID),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				log.Warn("procedure failed", append(fields, zap.Error(err))...)
			} else {
				log.Debug("procedure handled", fields...)
			}
			return value, err
		}
	}
}
