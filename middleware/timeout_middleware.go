package middleware

import (
	"context"
	"fmt"
	"time"

	"sync-rpc/rpc"
)

// Timeout bounds how long a single handler may run. The handler keeps its
// goroutine until it returns, but the caller gets an exception as soon as
// the deadline passes, instead of waiting out the remote call timeout.
func Timeout(timeout time.Duration) Middleware {
	return func(next rpc.Invoker) rpc.Invoker {
		return func(ctx context.Context, call *rpc.Call) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				value any
				err   error
			}
			done := make(chan result, 1)
			go func() {
				// The engine's panic shield covers its own goroutine, not
				// this one; a panic here must still settle as an error.
				defer func() {
					if r := recover(); r != nil {
						done <- result{nil, &rpc.Error{
							Kind:    rpc.KindProcedureError,
							Name:    "HandlerPanic",
							Message: fmt.Sprintf("procedure %s panicked: %v", call.Path, r),
						}}
					}
				}()
				value, err := next(ctx, call)
				done <- result{value, err}
			}()

			select {
			case res := <-done:
				return res.value, res.err
			case <-ctx.Done():
				return nil, &rpc.Error{
					Kind:    rpc.KindProcedureError,
					Name:    "HandlerTimeout",
					Message: "procedure " + call.Path + " timed out",
				}
			}
		}
	}
}
