package homa

import "testing"

func newTestHandoff(cfg *Config) *Handoff {
	return NewHandoff(cfg, &SimClock{}, NewMetrics(nil))
}

func readyRPC(id uint64, isClient bool) *RPC {
	rpc := NewRPC(id, isClient, nil, 1, 2, StateIncoming)
	rpc.Msg = &MsgIn{Length: 10, BytesRemaining: 0}
	return rpc
}

func TestRPCHandoffTargeted(t *testing.T) {
	ho := newTestHandoff(DefaultConfig())
	socket := NewSocket(10)
	rpc := readyRPC(1, false)
	in := NewInterest(0, rpc.ID)
	rpc.interest = in

	kind := ho.RPCHandoff(rpc, socket)
	if kind != "targeted" {
		t.Fatalf("kind = %q, want targeted", kind)
	}
	got := in.claim()
	if got != rpc {
		t.Fatalf("targeted interest should have the rpc published")
	}
	if rpc.interest != nil {
		t.Fatalf("rpc.interest should be cleared after targeted handoff")
	}
}

func TestRPCHandoffPool(t *testing.T) {
	ho := newTestHandoff(DefaultConfig())
	socket := NewSocket(10)
	rpc := readyRPC(2, false) // server-originated: lands in requestInterests

	in := NewInterest(0, 0)
	socket.requestInterests = append(socket.requestInterests, in)

	kind := ho.RPCHandoff(rpc, socket)
	if kind != "pool" {
		t.Fatalf("kind = %q, want pool", kind)
	}
	if len(socket.requestInterests) != 0 {
		t.Fatalf("chosen interest should be removed from the list")
	}
	if got := in.claim(); got != rpc {
		t.Fatalf("pool interest should have the rpc published")
	}
}

func TestRPCHandoffQueue(t *testing.T) {
	ho := newTestHandoff(DefaultConfig())
	socket := NewSocket(10)
	rpc := readyRPC(3, false)

	kind := ho.RPCHandoff(rpc, socket)
	if kind != "queue" {
		t.Fatalf("kind = %q, want queue", kind)
	}
	if len(socket.readyRequests) != 1 || socket.readyRequests[0] != rpc {
		t.Fatalf("rpc should be linked onto readyRequests")
	}
	if !rpc.readyLinked {
		t.Fatalf("readyLinked should be set")
	}
	select {
	case <-socket.DataReady():
	default:
		t.Fatalf("queue handoff should signal DataReady")
	}
}

func TestChooseInterestPrefersIdleCore(t *testing.T) {
	cfg := DefaultConfig()
	clk := &SimClock{}
	ho := NewHandoff(cfg, clk, NewMetrics(nil))

	idle := NewInterest(2, 0)
	idle.lastActive = clk.Now()

	clk.Advance(ho.busyWindow() + 1)

	busy := NewInterest(1, 0)
	busy.lastActive = clk.Now()

	list := []*Interest{busy, idle}
	chosen := ho.chooseInterest(&list)
	if chosen != idle {
		t.Fatalf("choose-interest should prefer the core that's been idle >= busy_cycles")
	}
}

func TestChooseInterestFallsBackToFront(t *testing.T) {
	cfg := DefaultConfig()
	clk := &SimClock{}
	ho := NewHandoff(cfg, clk, NewMetrics(nil))

	a := NewInterest(1, 0)
	a.lastActive = clk.Now()
	b := NewInterest(2, 0)
	b.lastActive = clk.Now()

	list := []*Interest{a, b}
	chosen := ho.chooseInterest(&list)
	if chosen != a {
		t.Fatalf("with no idle thread, choose-interest should fall back to the front of the list")
	}
}
