// Command homasim drives a single in-process Homa receive-side core
// through a short synthetic exchange: a client sends a multi-packet
// message out of order, the server's dispatcher reassembles it and places
// it on the grant engine's grantable list, and once dispatch has finished
// the wait loop claims the completed message from the socket's ready
// queue. Dispatch does not call SendGrants, so no GRANT is emitted in
// this run. It plays the same "does it actually
// flow" role the teacher's example/sender/send.go does for the sliding
// window protocol, adapted to Homa's dispatch/grant/handoff/wait shape.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	homa "github.com/adityavidyadharan/homa-core"
)

// memBufferPool is a trivial BufferPool: one growable byte slice per RPC,
// sized on first Allocate. It stands in for the bpage allocator spec.md
// section 1 puts out of scope.
type memBufferPool struct {
	mu  sync.Mutex
	buf map[*homa.RPC][]byte
}

func newMemBufferPool() *memBufferPool {
	return &memBufferPool{buf: make(map[*homa.RPC][]byte)}
}

func (p *memBufferPool) Allocate(rpc *homa.RPC) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf[rpc] = make([]byte, 0, 65536)
	return 16, nil
}

func (p *memBufferPool) GetBuffer(rpc *homa.RPC, offset int) ([]byte, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.buf[rpc]
	if cap(b) < offset+4096 {
		grown := make([]byte, offset+4096)
		copy(grown, b)
		b = grown
		p.buf[rpc] = b
	}
	if len(b) < offset+4096 {
		b = b[:offset+4096]
		p.buf[rpc] = b
	}
	return b[offset : offset+4096], 4096, nil
}

// memRPCTable is a trivial single-socket RPC table good enough to drive
// the simulation: RPCs are keyed by id, created lazily on first DATA.
type memRPCTable struct {
	mu   sync.Mutex
	rpcs map[uint64]*homa.RPC
}

func newMemRPCTable() *memRPCTable {
	return &memRPCTable{rpcs: make(map[uint64]*homa.RPC)}
}

func (t *memRPCTable) FindClient(socket *homa.Socket, id uint64) *homa.RPC {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rpcs[id]
}

func (t *memRPCTable) FindServer(socket *homa.Socket, peer *homa.Peer, sport uint16, id uint64) *homa.RPC {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rpcs[id]
}

func (t *memRPCTable) NewServer(socket *homa.Socket, peer *homa.Peer, hdr homa.Header) (*homa.RPC, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.rpcs[hdr.SenderID]; ok {
		return existing, false
	}
	rpc := homa.NewRPC(hdr.SenderID, false, peer, hdr.DPort, hdr.SPort, homa.StateIncoming)
	t.rpcs[hdr.SenderID] = rpc
	return rpc, true
}

func (t *memRPCTable) Free(rpc *homa.RPC) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rpcs, rpc.ID)
}

func (t *memRPCTable) FindByAck(peer *homa.Peer, ack homa.AckID) *homa.RPC {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rpcs[ack.ClientID]
}

// noopEmitter logs GRANT packets and silently drops every other control
// packet instead of transmitting it; the outbound transmit path is out of
// scope (spec.md section 1).
type noopEmitter struct{ log logrus.FieldLogger }

func (e *noopEmitter) XmitGrant(rpc *homa.RPC, pkt homa.GrantPacket) error {
	e.log.WithField("rpc_id", rpc.ID).WithField("offset", pkt.Offset).Info("GRANT emitted")
	return nil
}
func (e *noopEmitter) XmitResend(rpc *homa.RPC, pkt homa.ResendPacket) error { return nil }
func (e *noopEmitter) XmitBusy(rpc *homa.RPC, hdr homa.Header) error        { return nil }
func (e *noopEmitter) XmitUnknown(rpc *homa.RPC, hdr homa.Header) error     { return nil }
func (e *noopEmitter) XmitCutoffs(peer *homa.Peer, pkt homa.CutoffsPacket) error { return nil }
func (e *noopEmitter) XmitNeedAckReply(rpc *homa.RPC, pkt homa.AckPacket) error  { return nil }
func (e *noopEmitter) XmitData(rpc *homa.RPC, pkt homa.DataPacket) error         { return nil }

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	bufs := newMemBufferPool()
	rpcs := newMemRPCTable()
	tx := &noopEmitter{log: log}
	cfg := homa.DefaultConfig()

	proto := homa.NewProtocol(cfg, homa.Deps{
		Buffers: bufs,
		RPCs:    rpcs,
		Peers:   nil,
		Tx:      tx,
		Log:     log,
	})

	socket := homa.NewSocket(cfg.DeadBuffsLimit)

	const serverRPCID = uint64(1) // low bit set: Dispatch looks it up (or creates it) as a server RPC
	const msgLen = 2000
	const unsched = 500

	segments := []struct{ offset, length int }{
		{500, 1000},
		{0, 500},
		{1500, 500},
	}

	var lc homa.LockCache
	g, _ := errgroup.WithContext(context.Background())

	g.Go(func() error {
		for i, seg := range segments {
			pkt := &homa.DataPacket{
				Header:        homa.Header{SenderID: serverRPCID, SPort: 7, DPort: 9, Type: homa.PktData},
				MessageLength: msgLen,
				Incoming:      unsched,
				Seg:           homa.Segment{Offset: seg.offset, Length: seg.length},
			}
			in := &homa.Inbound{Type: homa.PktData, Hdr: pkt.Header, Data: pkt}
			proto.Dispatcher.Dispatch(in, socket, nil, &lc)
			log.WithField("segment", i).WithField("offset", seg.offset).Info("DATA dispatched")
		}
		lc.Release()
		return nil
	})

	if err := g.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	rpc, err := proto.Wait.WaitForMessage(socket, homa.FlagRequest, 0, nil)
	if err != nil {
		log.WithError(err).Fatal("wait_for_message failed")
	}
	log.WithField("rpc_id", rpc.ID).Info("message complete, bytes_remaining=0")
	rpc.Unlock()

	snap := proto.Snapshot()
	log.WithField("total_incoming", snap.TotalIncoming).
		WithField("grantable_count", snap.GrantableCount).
		Info("final grant engine state")
}
