package homa

import (
	"testing"
	"time"
)

type fakeEmitter struct {
	grants    []GrantPacket
	resends   []ResendPacket
	busyCount int
	unknowns  int
}

func (e *fakeEmitter) XmitGrant(rpc *RPC, pkt GrantPacket) error {
	e.grants = append(e.grants, pkt)
	return nil
}
func (e *fakeEmitter) XmitResend(rpc *RPC, pkt ResendPacket) error {
	e.resends = append(e.resends, pkt)
	return nil
}
func (e *fakeEmitter) XmitBusy(rpc *RPC, hdr Header) error {
	e.busyCount++
	return nil
}
func (e *fakeEmitter) XmitUnknown(rpc *RPC, hdr Header) error {
	e.unknowns++
	return nil
}
func (e *fakeEmitter) XmitCutoffs(peer *Peer, pkt CutoffsPacket) error { return nil }
func (e *fakeEmitter) XmitNeedAckReply(rpc *RPC, pkt AckPacket) error  { return nil }
func (e *fakeEmitter) XmitData(rpc *RPC, pkt DataPacket) error         { return nil }

func schedRPC(id uint64, peer *Peer, length, bytesRemaining int, birth time.Time) *RPC {
	rpc := NewRPC(id, false, peer, 1, 2, StateIncoming)
	rpc.Msg = &MsgIn{
		Length:         length,
		BytesRemaining: bytesRemaining,
		Granted:        length - bytesRemaining,
		Scheduled:      true,
		Birth:          birth,
	}
	return rpc
}

func newTestGrantTable(cfg *Config) (*GrantTable, *fakeEmitter) {
	em := &fakeEmitter{}
	clk := &SimClock{}
	return NewGrantTable(cfg, em, clk, nil, NewMetrics(nil)), em
}

func TestGrantTableSRPTOrdering(t *testing.T) {
	cfg := DefaultConfig()
	gt, _ := newTestGrantTable(cfg)

	base := time.Unix(0, 0)
	small := schedRPC(1, nil, 1000, 200, base)
	large := schedRPC(2, nil, 10000, 9000, base)

	large.Lock()
	gt.CheckGrantable(large)
	large.Unlock()

	small.Lock()
	gt.CheckGrantable(small)
	small.Unlock()

	if len(gt.list) != 2 {
		t.Fatalf("grantable list length = %d, want 2", len(gt.list))
	}
	if gt.list[0] != small {
		t.Fatalf("SRPT: RPC with fewer bytes remaining must rank first")
	}
}

func TestGrantTableBubbleUpOnRerank(t *testing.T) {
	cfg := DefaultConfig()
	gt, _ := newTestGrantTable(cfg)
	base := time.Unix(0, 0)

	a := schedRPC(1, nil, 1000, 900, base)
	b := schedRPC(2, nil, 1000, 500, base)

	a.Lock()
	gt.CheckGrantable(a)
	a.Unlock()
	b.Lock()
	gt.CheckGrantable(b)
	b.Unlock()

	if gt.list[0] != b || gt.list[1] != a {
		t.Fatalf("want [b,a] by bytes_remaining, got [%d,%d]", gt.list[0].ID, gt.list[1].ID)
	}

	// a makes progress, dropping below b: CheckGrantable must re-rank it
	// to the front without a remove/insert round trip.
	a.Lock()
	a.Msg.BytesRemaining = 100
	gt.CheckGrantable(a)
	a.Unlock()

	if gt.list[0] != a || gt.list[1] != b {
		t.Fatalf("want [a,b] after rerank, got [%d,%d]", gt.list[0].ID, gt.list[1].ID)
	}
}

func TestGrantTablePerPeerCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRPCsPerPeer = 1
	cfg.MaxOvercommit = 8
	cfg.Window = 1000
	cfg.Validate()
	gt, em := newTestGrantTable(cfg)

	peer := &Peer{Addr: "peer-a"}
	base := time.Unix(0, 0)
	r1 := schedRPC(1, peer, 10000, 10000, base)
	r2 := schedRPC(2, peer, 10000, 10000, base.Add(time.Millisecond))

	r1.Lock()
	gt.CheckGrantable(r1)
	r1.Unlock()
	r2.Lock()
	gt.CheckGrantable(r2)
	r2.Unlock()

	gt.SendGrants()

	if len(em.grants) != 1 {
		t.Fatalf("per-peer cap of 1 should limit this round to one GRANT, got %d", len(em.grants))
	}
	if em.grants[0].SenderID != r1.ID {
		t.Fatalf("the older/higher-priority RPC for the peer should be granted first, got rpc %d", em.grants[0].SenderID)
	}
}

func TestGrantTableRemoveUnlinks(t *testing.T) {
	cfg := DefaultConfig()
	gt, _ := newTestGrantTable(cfg)
	rpc := schedRPC(1, nil, 1000, 500, time.Unix(0, 0))

	rpc.Lock()
	gt.CheckGrantable(rpc)
	rpc.Unlock()
	if !rpc.grantLinked {
		t.Fatalf("rpc should be linked after CheckGrantable")
	}

	rpc.Lock()
	gt.RemoveFromGrantable(rpc)
	rpc.Unlock()
	if rpc.grantLinked || len(gt.list) != 0 {
		t.Fatalf("RemoveFromGrantable should fully unlink the rpc")
	}
}

func TestAssignPriorityShiftsWhenFewerRPCsThanLevels(t *testing.T) {
	// Only 2 RPCs but 8 priority levels (max_sched_prio=7): the band
	// should shift down to use the lowest two levels, 1 and 0, rather
	// than the top two, reserving high priorities for future RPCs.
	if p := assignPriority(0, 2, 7); p != 1 {
		t.Fatalf("rank 0 of 2 = %d, want 1", p)
	}
	if p := assignPriority(1, 2, 7); p != 0 {
		t.Fatalf("rank 1 of 2 = %d, want 0", p)
	}
}

func TestAssignPriorityFullBand(t *testing.T) {
	if p := assignPriority(0, 8, 7); p != 7 {
		t.Fatalf("rank 0 of 8 = %d, want 7 (highest)", p)
	}
	if p := assignPriority(7, 8, 7); p != 0 {
		t.Fatalf("rank 7 of 8 = %d, want 0 (lowest)", p)
	}
}
