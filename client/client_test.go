package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"sync-rpc/message"
	"sync-rpc/patch"
	"sync-rpc/rpc"
	"sync-rpc/transport"
)

type counterState struct {
	Value int `json:"value"`
}

// hostSide is a hand-driven far end: raw state messages plus an engine for
// serving the client's calls and issuing calls to it.
type hostSide struct {
	tr     transport.Transport
	engine *rpc.Engine
}

func newPair(t *testing.T) (*Client[counterState], *hostSide) {
	t.Helper()
	near, far := transport.Pipe()

	hs := &hostSide{tr: far}
	hs.engine = rpc.NewEngine(far.Send, rpc.NewRegistry())
	far.OnMessage(func(m *message.Message) {
		if m.IsRPC() {
			hs.engine.HandleMessage(m)
		}
	})
	if err := far.Start(); err != nil {
		t.Fatalf("start far end: %v", err)
	}

	c := NewClient(counterState{Value: -1})
	if err := c.Connect(near); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, hs
}

func (hs *hostSide) sendSync(t *testing.T, state counterState) {
	t.Helper()
	raw, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	msg, err := message.NewSync(raw)
	if err != nil {
		t.Fatalf("build sync: %v", err)
	}
	if err := hs.tr.Send(msg); err != nil {
		t.Fatalf("send sync: %v", err)
	}
}

func (hs *hostSide) sendPatch(t *testing.T, ops []patch.Operation) {
	t.Helper()
	msg, err := message.NewPatch(ops)
	if err != nil {
		t.Fatalf("build patch: %v", err)
	}
	if err := hs.tr.Send(msg); err != nil {
		t.Fatalf("send patch: %v", err)
	}
}

func waitValue(t *testing.T, updates <-chan counterState, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-updates:
			if s.Value == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state value %d", want)
		}
	}
}

func TestFallbackUntilFirstSync(t *testing.T) {
	c, hs := newPair(t)

	if got := c.State(); got.Value != -1 {
		t.Errorf("state before sync = %d, want fallback -1", got.Value)
	}
	if c.Synced() {
		t.Error("client reports synced before any sync arrived")
	}
	if !c.IsConnected() {
		t.Error("client not connected after Connect")
	}

	updates := make(chan counterState, 8)
	c.Subscribe(func(s counterState) { updates <- s })

	hs.sendSync(t, counterState{Value: 3})
	waitValue(t, updates, 3)

	if !c.Synced() {
		t.Error("client not synced after state_sync")
	}
}

func TestPatchAdvancesMirror(t *testing.T) {
	c, hs := newPair(t)
	updates := make(chan counterState, 8)
	c.Subscribe(func(s counterState) { updates <- s })

	hs.sendSync(t, counterState{Value: 0})
	waitValue(t, updates, 0)

	old, _ := patch.Document(counterState{Value: 0})
	next, _ := patch.Document(counterState{Value: 5})
	hs.sendPatch(t, patch.Diff(old, next))
	waitValue(t, updates, 5)

	if got := c.State(); got.Value != 5 {
		t.Errorf("state = %d, want 5", got.Value)
	}
}

func TestPatchBeforeSyncIsDropped(t *testing.T) {
	c, hs := newPair(t)
	updates := make(chan counterState, 8)
	c.Subscribe(func(s counterState) { updates <- s })

	old, _ := patch.Document(counterState{Value: 0})
	next, _ := patch.Document(counterState{Value: 5})
	hs.sendPatch(t, patch.Diff(old, next))

	// Only the later sync may surface; the premature patch must not.
	hs.sendSync(t, counterState{Value: 2})
	waitValue(t, updates, 2)

	if got := c.State(); got.Value != 2 {
		t.Errorf("state = %d, want 2", got.Value)
	}
}

func TestDivergenceRequestsResync(t *testing.T) {
	c, hs := newPair(t)

	resyncCalled := make(chan struct{}, 1)
	if err := hs.engine.Registry().Register(rpc.ResyncProcedure, func(ctx context.Context, call *rpc.Call) (any, error) {
		resyncCalled <- struct{}{}
		hs.sendSync(t, counterState{Value: 9})
		return nil, nil
	}); err != nil {
		t.Fatalf("register resync: %v", err)
	}

	updates := make(chan counterState, 8)
	c.Subscribe(func(s counterState) { updates <- s })

	hs.sendSync(t, counterState{Value: 1})
	waitValue(t, updates, 1)

	// A patch against a version the client never had: replace of a missing
	// key conflicts and must trigger recovery.
	hs.sendPatch(t, []patch.Operation{
		{Op: patch.OpReplace, Path: patch.Path{"missing"}, Value: true},
	})

	select {
	case <-resyncCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("client never requested a resync")
	}
	waitValue(t, updates, 9)

	if !c.Synced() {
		t.Error("client not synced after recovery")
	}
}

func TestCallServerRoundTrip(t *testing.T) {
	c, hs := newPair(t)

	if err := hs.engine.Registry().Register("math.add", func(ctx context.Context, call *rpc.Call) (any, error) {
		var a, b int
		if err := call.Param(0, &a); err != nil {
			return nil, err
		}
		if err := call.Param(1, &b); err != nil {
			return nil, err
		}
		return a + b, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	var sum int
	if err := c.CallServerInto(context.Background(), "math.add", &sum, 2, 3); err != nil {
		t.Fatalf("call server: %v", err)
	}
	if sum != 5 {
		t.Errorf("sum = %d, want 5", sum)
	}
}

func TestCallServerWhileDisconnected(t *testing.T) {
	c := NewClient(counterState{})

	_, err := c.CallServer(context.Background(), "anything")
	if !errors.Is(err, rpc.ErrServerUnavailable) {
		t.Fatalf("err = %v, want SERVER_UNAVAILABLE", err)
	}
}

func TestHostCallsClientProcedure(t *testing.T) {
	c, hs := newPair(t)

	if err := c.RegisterProcedure("notify", func(ctx context.Context, call *rpc.Call) (any, error) {
		var text string
		if err := call.Param(0, &text); err != nil {
			return nil, err
		}
		return "got: " + text, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	var reply string
	if err := hs.engine.CallInto(context.Background(), "notify", &reply, "hello"); err != nil {
		t.Fatalf("host-side call: %v", err)
	}
	if reply != "got: hello" {
		t.Errorf("reply = %q", reply)
	}
}

func TestDisconnectFiresHooksOnceAndAllowsReconnect(t *testing.T) {
	c, hs := newPair(t)
	updates := make(chan counterState, 8)
	c.Subscribe(func(s counterState) { updates <- s })

	hs.sendSync(t, counterState{Value: 4})
	waitValue(t, updates, 4)

	closed := make(chan struct{}, 4)
	c.OnClose(func() { closed <- struct{}{} })

	hs.tr.Close()
	hs.tr.Close() // duplicate

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close hook never fired")
	}
	select {
	case <-closed:
		t.Fatal("close hook fired twice")
	case <-time.After(100 * time.Millisecond):
	}

	if c.IsConnected() {
		t.Error("still connected after transport close")
	}
	if c.Synced() {
		t.Error("still synced after transport close")
	}
	// Last mirror survives the disconnect.
	if got := c.State(); got.Value != 4 {
		t.Errorf("state after disconnect = %d, want 4", got.Value)
	}
	if _, err := c.CallServer(context.Background(), "anything"); !errors.Is(err, rpc.ErrServerUnavailable) {
		t.Errorf("err = %v, want SERVER_UNAVAILABLE", err)
	}

	// Reconnect with a fresh transport.
	near, far := transport.Pipe()
	if err := far.Start(); err != nil {
		t.Fatalf("start far end: %v", err)
	}
	if err := c.Connect(near); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !c.IsConnected() {
		t.Error("not connected after reconnect")
	}
	if c.Synced() {
		t.Error("synced before the new connection delivered a sync")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c, _ := newPair(t)

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := c.Connect(nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
}
