// Package discovery lets clients find a host's listen endpoint without
// hard-wired addresses. The host announces where it listens; clients look the
// endpoint up (or watch it) under a well-known name.
//
// There is exactly one authoritative host per name at a time, but a host may
// announce several endpoints (multi-homed, or TCP and WebSocket side by
// side), and an old lease can briefly overlap a restarted host's new one —
// so Discover returns a list and callers pick with the loadbalance package.
package discovery

// Endpoint is one announced way to reach a host.
type Endpoint struct {
	// Addr is the dialable address ("127.0.0.1:7341" for TCP,
	// "ws://127.0.0.1:8080/sync" for WebSocket).
	Addr string
	// Transport names the transport kind: "tcp" or "websocket".
	Transport string
	// Weight biases endpoint selection when several are announced.
	Weight int
}

// Directory is the announcement/lookup contract.
type Directory interface {
	// Announce publishes an endpoint under name with a TTL (seconds). The
	// entry is renewed automatically until Withdraw is called or the
	// announcing process dies, at which point the lease expires on its own.
	Announce(name string, ep Endpoint, ttl int64) error
	// Withdraw removes a previously announced endpoint.
	Withdraw(name string, addr string) error
	// Discover returns every endpoint currently announced under name.
	Discover(name string) ([]Endpoint, error)
	// Watch emits the updated endpoint list whenever it changes.
	Watch(name string) <-chan []Endpoint
}
