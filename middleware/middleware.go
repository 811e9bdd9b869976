// Package middleware provides composable wrappers around the RPC engine's
// inbound dispatch. Install them with rpc.WithInvokeWrapper(Chain(...)).
package middleware

import (
	"sync-rpc/rpc"
)

// Middleware wraps one invoker with another.
type Middleware = func(rpc.Invoker) rpc.Invoker

// Chain combines middlewares into one, onion style:
// Chain(A, B, C)(invoker) runs A.before → B.before → C.before → invoker →
// C.after → B.after → A.after.
func Chain(middlewares ...Middleware) Middleware {
	return func(next rpc.Invoker) rpc.Invoker {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
