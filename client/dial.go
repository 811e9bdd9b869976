package client

import (
	"fmt"

	"sync-rpc/discovery"
	"sync-rpc/loadbalance"
	"sync-rpc/transport"
)

// Dial resolves the named host through the directory, picks one of its
// announced endpoints, and returns a transport ready to hand to Connect.
// The transport is quiet until Connect starts it.
func Dial(dir discovery.Directory, name string, b loadbalance.Balancer, opts ...transport.Option) (transport.Transport, error) {
	endpoints, err := dir.Discover(name)
	if err != nil {
		return nil, fmt.Errorf("client: discover %s: %w", name, err)
	}
	ep, err := b.Pick(endpoints)
	if err != nil {
		return nil, fmt.Errorf("client: pick endpoint for %s: %w", name, err)
	}
	switch ep.Transport {
	case "websocket":
		return transport.NewWebSocketClient(ep.Addr, opts...), nil
	case "tcp", "":
		return transport.NewTCPClient(ep.Addr, opts...), nil
	default:
		return nil, fmt.Errorf("client: endpoint %s has unknown transport %q", ep.Addr, ep.Transport)
	}
}
