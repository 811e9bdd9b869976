package test

import (
	"context"
	"sync"
	"testing"

	"sync-rpc/client"
	"sync-rpc/host"
	"sync-rpc/rpc"
	"sync-rpc/transport"
)

func benchPair(b *testing.B) (*host.Host[workspaceState], *client.Client[workspaceState]) {
	b.Helper()
	h, err := host.NewHost(workspaceState{Value: 0})
	if err != nil {
		b.Fatalf("new host: %v", err)
	}
	b.Cleanup(func() { h.Close() })

	near, far := transport.Pipe()
	c := client.NewClient(workspaceState{})
	if err := c.Connect(far); err != nil {
		b.Fatalf("connect: %v", err)
	}
	b.Cleanup(func() { c.Close() })
	if _, err := h.Attach(near); err != nil {
		b.Fatalf("attach: %v", err)
	}
	return h, c
}

func BenchmarkCallOverPipe(b *testing.B) {
	h, c := benchPair(b)
	if err := h.RegisterProcedure("echo", func(ctx context.Context, call *rpc.Call) (any, error) {
		var s string
		if err := call.Param(0, &s); err != nil {
			return nil, err
		}
		return s, nil
	}); err != nil {
		b.Fatalf("register: %v", err)
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var out string
		if err := c.CallServerInto(ctx, "echo", &out, "payload"); err != nil {
			b.Fatalf("call: %v", err)
		}
	}
}

func BenchmarkCallOverPipeParallel(b *testing.B) {
	h, c := benchPair(b)
	if err := h.RegisterProcedure("noop", func(ctx context.Context, call *rpc.Call) (any, error) {
		return nil, nil
	}); err != nil {
		b.Fatalf("register: %v", err)
	}
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if err := c.CallServerInto(ctx, "noop", nil); err != nil {
				b.Fatalf("call: %v", err)
			}
		}
	})
}

func BenchmarkSetStateBroadcast(b *testing.B) {
	h, c := benchPair(b)

	// Wait for the final value so the benchmark measures delivery, not just
	// the host-side diff.
	var once sync.Once
	delivered := make(chan struct{})
	final := b.N
	c.Subscribe(func(s workspaceState) {
		if s.Value == final {
			once.Do(func() { close(delivered) })
		}
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := h.SetState(func(s workspaceState) workspaceState {
			s.Value++
			return s
		}); err != nil {
			b.Fatalf("set state: %v", err)
		}
	}
	<-delivered
}
