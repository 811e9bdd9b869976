package client

import (
	"strings"
	"testing"

	"sync-rpc/discovery"
	"sync-rpc/loadbalance"
)

// staticDirectory serves a fixed endpoint list.
type staticDirectory struct {
	endpoints []discovery.Endpoint
}

func (d *staticDirectory) Announce(string, discovery.Endpoint, int64) error { return nil }
func (d *staticDirectory) Withdraw(string, string) error                    { return nil }
func (d *staticDirectory) Discover(string) ([]discovery.Endpoint, error)    { return d.endpoints, nil }
func (d *staticDirectory) Watch(string) <-chan []discovery.Endpoint         { return nil }

func TestDialPicksAnnouncedEndpoint(t *testing.T) {
	dir := &staticDirectory{endpoints: []discovery.Endpoint{
		{Addr: "ws://10.0.0.1:9000/sync", Transport: "websocket", Weight: 1},
	}}

	tr, err := Dial(dir, "workspace", &loadbalance.RoundRobinBalancer{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if tr == nil {
		t.Fatal("dial returned nil transport")
	}
	// Constructing a transport must not open anything.
	if tr.IsOpen() {
		t.Error("transport open before Start")
	}
}

func TestDialNoEndpoints(t *testing.T) {
	dir := &staticDirectory{}

	_, err := Dial(dir, "workspace", &loadbalance.RoundRobinBalancer{})
	if err == nil {
		t.Fatal("expected error with no announced endpoints")
	}
}

func TestDialUnknownTransport(t *testing.T) {
	dir := &staticDirectory{endpoints: []discovery.Endpoint{
		{Addr: "10.0.0.1:9000", Transport: "carrier-pigeon"},
	}}

	_, err := Dial(dir, "workspace", &loadbalance.RoundRobinBalancer{})
	if err == nil || !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Fatalf("err = %v, want unknown-transport error naming the kind", err)
	}
}
