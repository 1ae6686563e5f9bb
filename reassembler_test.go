package homa

import (
	"testing"

	"github.com/go-test/deep"
)

type fakeBufferPool struct {
	allocPages int
	allocErr   error
	got        map[int][]byte
}

func newFakeBufferPool(pages int) *fakeBufferPool {
	return &fakeBufferPool{allocPages: pages, got: make(map[int][]byte)}
}

func (p *fakeBufferPool) Allocate(rpc *RPC) (int, error) { return p.allocPages, p.allocErr }

func (p *fakeBufferPool) GetBuffer(rpc *RPC, offset int) ([]byte, int, error) {
	buf := make([]byte, 256)
	p.got[offset] = buf
	return buf, len(buf), nil
}

func newTestReassembler(pages int) *Reassembler {
	return NewReassembler(newFakeBufferPool(pages), &SimClock{}, nil, NewMetrics(nil))
}

func TestReassemblerUnscheduledOnly(t *testing.T) {
	re := newTestReassembler(4)
	rpc := NewRPC(1, false, nil, 1, 2, StateIncoming)

	if err := re.Init(rpc, 400, 1000); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if rpc.Msg.Scheduled {
		t.Fatalf("message shorter than unscheduled prefix must not be Scheduled")
	}
	if rpc.Msg.Granted != 400 {
		t.Fatalf("Granted = %d, want 400 (capped at message length)", rpc.Msg.Granted)
	}

	if !re.AddPacket(rpc, 0, 400, make([]byte, 400)) {
		t.Fatalf("AddPacket returned false for the only segment")
	}
	if rpc.Msg.BytesRemaining != 0 {
		t.Fatalf("BytesRemaining = %d, want 0", rpc.Msg.BytesRemaining)
	}
	if rpc.Ready() {
		t.Fatalf("rpc should not be Ready until its queued packet is drained by CopyToUser")
	}
	rpc.Lock()
	if err := re.CopyToUser(rpc); err != nil {
		t.Fatalf("CopyToUser: %v", err)
	}
	rpc.Unlock()
	if !rpc.Ready() {
		t.Fatalf("rpc should be Ready once BytesRemaining hits 0 and packets drain on copy")
	}
}

func TestReassemblerOutOfOrderTwoPacket(t *testing.T) {
	re := newTestReassembler(4)
	rpc := NewRPC(2, false, nil, 1, 2, StateIncoming)
	if err := re.Init(rpc, 2000, 500); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// Second half arrives first: creates a gap covering the first half.
	if !re.AddPacket(rpc, 1000, 1000, make([]byte, 1000)) {
		t.Fatalf("AddPacket(1000,1000) = false")
	}
	want := []Gap{{Start: 0, End: 1000}}
	if diff := deep.Equal(sortedGapsCopy(rpc.Msg), want); diff != nil {
		t.Fatalf("gaps after first segment: %v", diff)
	}

	// First half arrives, exactly filling the gap.
	if !re.AddPacket(rpc, 0, 1000, make([]byte, 1000)) {
		t.Fatalf("AddPacket(0,1000) = false")
	}
	if diff := deep.Equal(sortedGapsCopy(rpc.Msg), []Gap{}); diff != nil {
		t.Fatalf("gaps after second segment: %v", diff)
	}
	if rpc.Msg.BytesRemaining != 0 {
		t.Fatalf("BytesRemaining = %d, want 0", rpc.Msg.BytesRemaining)
	}
}

func TestReassemblerGapSplit(t *testing.T) {
	re := newTestReassembler(4)
	rpc := NewRPC(3, false, nil, 1, 2, StateIncoming)
	if err := re.Init(rpc, 3000, 0); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// Bytes [2000,3000) arrive, opening a gap [0,2000).
	if !re.AddPacket(rpc, 2000, 1000, nil) {
		t.Fatalf("AddPacket(2000,1000) = false")
	}
	// A middle slice [500,1500) lands strictly inside the gap, splitting
	// it into [0,500) and [1500,2000).
	if !re.AddPacket(rpc, 500, 1000, nil) {
		t.Fatalf("AddPacket(500,1000) = false")
	}
	want := []Gap{{Start: 0, End: 500}, {Start: 1500, End: 2000}}
	if diff := deep.Equal(sortedGapsCopy(rpc.Msg), want); diff != nil {
		t.Fatalf("gaps after split: %v", diff)
	}
}

func TestReassemblerDuplicateDiscarded(t *testing.T) {
	re := newTestReassembler(4)
	rpc := NewRPC(4, false, nil, 1, 2, StateIncoming)
	if err := re.Init(rpc, 1000, 1000); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !re.AddPacket(rpc, 0, 500, nil) {
		t.Fatalf("first AddPacket should succeed")
	}
	if re.AddPacket(rpc, 0, 500, nil) {
		t.Fatalf("duplicate AddPacket should be discarded")
	}
	if rpc.Msg.BytesRemaining != 500 {
		t.Fatalf("BytesRemaining = %d, want unchanged 500", rpc.Msg.BytesRemaining)
	}
}

func TestReassemblerStraddleDiscarded(t *testing.T) {
	re := newTestReassembler(4)
	rpc := NewRPC(5, false, nil, 1, 2, StateIncoming)
	if err := re.Init(rpc, 3000, 0); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !re.AddPacket(rpc, 2000, 1000, nil) {
		t.Fatalf("AddPacket(2000,1000) = false")
	}
	// [1500, 2500) straddles the gap's upper boundary [0,2000).
	if re.AddPacket(rpc, 1500, 1000, nil) {
		t.Fatalf("boundary-straddling packet should be discarded, not applied")
	}
}

func TestReassemblerCopyToUser(t *testing.T) {
	re := newTestReassembler(4)
	rpc := NewRPC(6, false, nil, 1, 2, StateIncoming)
	if err := re.Init(rpc, 10, 10); err != nil {
		t.Fatalf("Init: %v", err)
	}
	rpc.Lock()
	if !re.AddPacket(rpc, 0, 10, make([]byte, 10)) {
		t.Fatalf("AddPacket = false")
	}
	if err := re.CopyToUser(rpc); err != nil {
		t.Fatalf("CopyToUser: %v", err)
	}
	rpc.Unlock()
	if len(rpc.Msg.packets) != 0 {
		t.Fatalf("packets queue should be drained after CopyToUser")
	}
	if !rpc.Ready() {
		t.Fatalf("rpc should be Ready after full copy")
	}
}
