package homa

import (
	"testing"
	"time"
)

func newTestWaitLoop(cfg *Config, rpcs RPCTable) *WaitLoop {
	clk := &SimClock{}
	m := NewMetrics(nil)
	gt := NewGrantTable(cfg, &fakeEmitter{}, clk, nil, m)
	re := NewReassembler(newFakeBufferPool(4), clk, nil, m)
	ho := NewHandoff(cfg, clk, m)
	return NewWaitLoop(cfg, gt, re, ho, rpcs, clk, nil, m)
}

func TestWaitForMessageClaimsQueuedReady(t *testing.T) {
	cfg := DefaultConfig()
	rpcs := newFakeRPCTable()
	wl := newTestWaitLoop(cfg, rpcs)
	socket := NewSocket(cfg.DeadBuffsLimit)

	rpc := NewRPC(1, false, nil, 1, 2, StateIncoming)
	rpc.Msg = &MsgIn{Length: 10, BytesRemaining: 0}
	rpcs.rpcs[rpc.ID] = rpc
	socket.readyRequests = append(socket.readyRequests, rpc)
	rpc.readyLinked = true

	got, err := wl.WaitForMessage(socket, FlagRequest, 0, nil)
	if err != nil {
		t.Fatalf("WaitForMessage: %v", err)
	}
	if got != rpc {
		t.Fatalf("expected the already-queued rpc to be claimed immediately")
	}
	got.Unlock()
}

func TestWaitForMessageNonblockingReturnsAgain(t *testing.T) {
	cfg := DefaultConfig()
	rpcs := newFakeRPCTable()
	wl := newTestWaitLoop(cfg, rpcs)
	socket := NewSocket(cfg.DeadBuffsLimit)

	_, err := wl.WaitForMessage(socket, FlagRequest|FlagNonblocking, 0, nil)
	if err != ErrAgain {
		t.Fatalf("err = %v, want ErrAgain", err)
	}
}

func TestWaitForMessageShutdown(t *testing.T) {
	cfg := DefaultConfig()
	rpcs := newFakeRPCTable()
	wl := newTestWaitLoop(cfg, rpcs)
	socket := NewSocket(cfg.DeadBuffsLimit)
	socket.Shutdown()

	_, err := wl.WaitForMessage(socket, FlagRequest, 0, nil)
	if err != ErrShutdown {
		t.Fatalf("err = %v, want ErrShutdown", err)
	}
}

func TestWaitForMessageDeadQueuedRPCRetries(t *testing.T) {
	cfg := DefaultConfig()
	rpcs := newFakeRPCTable()
	wl := newTestWaitLoop(cfg, rpcs)
	socket := NewSocket(cfg.DeadBuffsLimit)

	// Already-ready but DEAD by the time it's claimed: finish must discard
	// it and the caller must retry rather than surfacing (nil, nil).
	rpc := NewRPC(7, false, nil, 1, 2, StateDead)
	rpc.Msg = &MsgIn{Length: 10, BytesRemaining: 0}
	socket.readyRequests = append(socket.readyRequests, rpc)
	rpc.readyLinked = true

	got, err := wl.WaitForMessage(socket, FlagRequest|FlagNonblocking, 0, nil)
	if err != ErrAgain {
		t.Fatalf("err = %v, want ErrAgain once the dead rpc is discarded and the retry finds nothing left queued", err)
	}
	if got != nil {
		t.Fatalf("got = %v, want nil alongside ErrAgain", got)
	}
	if len(socket.readyRequests) != 0 {
		t.Fatalf("the dead rpc should have been consumed off readyRequests, not left in place")
	}
}

func TestWaitForMessageTargetedHandoffWakesWaiter(t *testing.T) {
	cfg := DefaultConfig()
	rpcs := newFakeRPCTable()
	wl := newTestWaitLoop(cfg, rpcs)
	socket := NewSocket(cfg.DeadBuffsLimit)

	rpc := NewRPC(42, false, nil, 1, 2, StateIncoming)
	rpc.Msg = &MsgIn{Length: 10, BytesRemaining: 5}
	rpcs.rpcs[rpc.ID] = rpc

	done := make(chan *RPC, 1)
	go func() {
		rpc, _ := wl.WaitForMessage(socket, FlagRequest, rpc.ID, nil)
		done <- rpc
	}()

	// give the waiter a chance to register its targeted interest before
	// the message completes.
	time.Sleep(20 * time.Millisecond)

	rpc.Lock()
	rpc.Msg.BytesRemaining = 0
	in := rpc.interest
	if in == nil {
		rpc.Unlock()
		t.Fatalf("rpc should have a registered targeted interest by now")
	}
	socket.Lock()
	wl.ho.RPCHandoff(rpc, socket)
	socket.Unlock()
	rpc.Unlock()

	select {
	case got := <-done:
		if got != rpc {
			t.Fatalf("woken waiter should receive the targeted rpc")
		}
		got.Unlock()
	case <-time.After(time.Second):
		t.Fatalf("targeted handoff should wake the blocked waiter")
	}
}
