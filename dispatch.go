package homa

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Inbound wraps one arriving datagram of any wire type, tagged by Type
// so Dispatch can switch on it (spec.md section 4.2's dispatch table).
type Inbound struct {
	Type   PktType
	Hdr    Header
	Data   *DataPacket
	Grant  *GrantPacket
	Resend *ResendPacket
	Cutoff *CutoffsPacket
	Ack    *AckPacket
}

// LockCache retains the previously-locked RPC across Dispatch calls that
// target the same RPC, avoiding an unlock/relock pair per packet when a
// burst arrives for one RPC (spec.md section 9: "the dispatcher may
// retain the previously-locked RPC between calls; any transition to a
// different RPC releases first"). It is a per-dispatching-goroutine
// contract, not shared state -- construct one per ingress core.
type LockCache struct {
	rpc *RPC
}

// Use locks rpc, releasing any different RPC currently cached first.
// Locking the same RPC twice in a row is a no-op.
func (lc *LockCache) Use(rpc *RPC) {
	if lc.rpc == rpc {
		return
	}
	lc.Release()
	rpc.Lock()
	lc.rpc = rpc
}

// Release unlocks and forgets the cached RPC, if any.
func (lc *LockCache) Release() {
	if lc.rpc != nil {
		lc.rpc.Unlock()
		lc.rpc = nil
	}
}

// Dispatcher is the single entry point for an arriving datagram (spec.md
// section 4.2).
type Dispatcher struct {
	cfg   *Config
	gt    *GrantTable
	re    *Reassembler
	ho    *Handoff
	rpcs  RPCTable
	peers PeerTable
	tx    ControlEmitter
	clk   Clock
	log   logrus.FieldLogger
	m     *Metrics

	unknownClientDrops struct {
		sync.Mutex
		n int
	}

	cutoffLimMu sync.Mutex
	cutoffLim   map[*Peer]*rate.Limiter
}

// NewDispatcher builds a Dispatcher wired to its collaborators.
func NewDispatcher(cfg *Config, gt *GrantTable, re *Reassembler, ho *Handoff,
	rpcs RPCTable, peers PeerTable, tx ControlEmitter, clk Clock, log logrus.FieldLogger, m *Metrics) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if clk == nil {
		clk = RealClock{}
	}
	return &Dispatcher{
		cfg: cfg, gt: gt, re: re, ho: ho, rpcs: rpcs, peers: peers, tx: tx,
		clk: clk, log: log, m: m,
		cutoffLim: make(map[*Peer]*rate.Limiter),
	}
}

// Dispatch routes pkt by type, locating/creating the target RPC and
// enforcing the lock-ordering invariants of spec.md section 5.
func (d *Dispatcher) Dispatch(in *Inbound, socket *Socket, peer *Peer, lc *LockCache) {
	if in.Type != PktData && (lc.rpc == nil || lc.rpc.ID != in.Hdr.SenderID) {
		// Lock-cache miss for a non-DATA packet: resolve the header's RPC
		// through the RPC table. The handlers act on lc.rpc, which is left
		// empty when the RPC is unknown.
		var rpc *RPC
		if in.Hdr.SenderID&1 == 0 {
			rpc = d.rpcs.FindClient(socket, in.Hdr.SenderID)
		} else {
			rpc = d.rpcs.FindServer(socket, peer, in.Hdr.DPort, in.Hdr.SenderID)
		}
		if rpc == nil {
			lc.Release()
		} else {
			lc.Use(rpc)
		}
	}
	switch in.Type {
	case PktData:
		d.handleData(in.Data, socket, peer, lc)
	case PktGrant:
		d.handleGrant(in.Grant, lc)
	case PktResend:
		d.handleResend(in.Resend, lc)
	case PktUnknown:
		d.handleUnknown(in.Hdr, socket, lc)
	case PktBusy:
		d.handleBusy(in.Hdr, lc)
	case PktCutoffs:
		d.handleCutoffs(in.Cutoff, peer)
	case PktNeedAck:
		d.handleNeedAck(in.Hdr, lc)
	case PktAck:
		d.handleAck(in.Ack, peer, socket, lc)
	default:
		d.m.discard(DiscardUnknownPacketType)
	}
}

func (d *Dispatcher) handleData(pkt *DataPacket, socket *Socket, peer *Peer, lc *LockCache) {
	// ACK piggyback: process an ack for a *different* RPC first,
	// releasing any currently-held RPC lock to avoid lock-order cycles
	// (spec.md section 4.2).
	if pkt.Seg.HasAck {
		lc.Release()
		d.ackOne(peer, pkt.Seg.Ack, socket)
	}

	var rpc *RPC
	if pkt.Header.SenderID&1 == 0 {
		// server-originated low bit per spec.md section 3's id scheme;
		// DATA addressed to a server rpc id is client-side lookup.
		rpc = d.rpcs.FindClient(socket, pkt.Header.SenderID)
	} else {
		rpc = d.rpcs.FindServer(socket, peer, pkt.Header.DPort, pkt.Header.SenderID)
		if rpc == nil {
			var created bool
			rpc, created = d.rpcs.NewServer(socket, peer, pkt.Header)
			if !created && rpc == nil {
				d.m.discard(DiscardUnknownRPCType)
				return
			}
		}
	}
	if rpc == nil {
		d.countUnknownClientDrop()
		return
	}

	lc.Use(rpc)

	if rpc.Msg == nil {
		if err := d.re.Init(rpc, pkt.MessageLength, pkt.Incoming); err != nil || rpc.Msg.NumBpages == 0 {
			d.m.discard(DiscardNoBuffers)
			return
		}
	}
	if rpc.Msg.NumBpages == 0 {
		d.m.discard(DiscardNoBuffers)
		return
	}

	newData := d.re.AddPacket(rpc, pkt.Seg.Offset, pkt.Seg.Length, nil)
	if newData {
		if rpc.readyLinked || rpc.isHandingOff() {
			// already pending delivery to some thread; nothing more
			// to post.
		} else if rpc.Msg.BytesRemaining == 0 && len(rpc.Msg.packets) > 0 {
			// rpc's lock is already held by this goroutine (via lc); the
			// socket lock is acquired fresh here, inverting spec.md
			// section 5's stated socket-before-RPC order the same
			// documented way GrantTable.CheckGrantable inverts the
			// grant-table-before-RPC order: only ever for the one RPC
			// this goroutine already owns, never a second one, so no
			// cycle is introduced.
			socket.Lock()
			d.ho.RPCHandoff(rpc, socket)
			socket.Unlock()
		}
		if rpc.Msg.Scheduled {
			d.gt.CheckGrantable(rpc)
		}
	}

	if peer != nil && peer.CutoffVersion != pkt.CutoffVersion {
		d.maybeSendCutoffs(rpc, peer)
	}

	if socket.deadBacklog() > 2*d.cfg.DeadBuffsLimit {
		lc.Release()
		d.reapSome(socket, d.cfg.ReapLimit)
	}
}

func (d *Dispatcher) maybeSendCutoffs(rpc *RPC, peer *Peer) {
	d.cutoffLimMu.Lock()
	lim, ok := d.cutoffLim[peer]
	if !ok {
		lim = rate.NewLimiter(rate.Every(100*time.Millisecond), 1)
		d.cutoffLim[peer] = lim
	}
	d.cutoffLimMu.Unlock()

	if !lim.Allow() {
		return
	}
	pkt := CutoffsPacket{
		Header:         Header{SenderID: rpc.ID, SPort: rpc.SPort, DPort: rpc.DPort, Type: PktCutoffs},
		UnschedCutoffs: peer.UnschedCutoffs,
		CutoffVersion:  peer.CutoffVersion,
	}
	if err := d.tx.XmitCutoffs(peer, pkt); err != nil {
		d.log.WithError(err).Warn("cutoffs emission failed")
	}
}

func (d *Dispatcher) handleGrant(pkt *GrantPacket, lc *LockCache) {
	rpc := lc.rpc
	if rpc == nil {
		d.countUnknownClientDrop()
		return
	}
	if rpc.state != StateOutgoing {
		return
	}
	if pkt.Offset > rpc.OutGranted {
		rpc.OutGranted = pkt.Offset
	}
	if pkt.ResendAll {
		rpc.ResendAll = true
	}
}

func (d *Dispatcher) handleResend(pkt *ResendPacket, lc *LockCache) {
	rpc := lc.rpc
	if rpc == nil {
		hdr := pkt.Header
		hdr.Type = PktUnknown
		d.tx.XmitUnknown(nil, hdr)
		return
	}
	if !rpc.IsClient && rpc.state != StateOutgoing {
		d.tx.XmitBusy(rpc, pkt.Header)
		return
	}
	if pkt.Length == 0 {
		d.tx.XmitBusy(rpc, pkt.Header)
		return
	}
	if rpc.OutGranted < pkt.Offset+pkt.Length {
		d.tx.XmitBusy(rpc, pkt.Header)
		return
	}
	d.tx.XmitResend(rpc, *pkt)
}

func (d *Dispatcher) handleUnknown(hdr Header, socket *Socket, lc *LockCache) {
	rpc := lc.rpc
	if rpc == nil {
		return
	}
	if rpc.IsClient {
		if rpc.state == StateOutgoing {
			rpc.ResendAll = true
			return
		}
		d.log.WithField("rpc_id", rpc.ID).Warn("UNKNOWN received for client rpc in unexpected state")
		return
	}
	rpc.MarkDead()
	d.gt.RemoveFromGrantable(rpc)
	socket.addDeadRPC(rpc)
}

func (d *Dispatcher) handleBusy(hdr Header, lc *LockCache) {
	if lc.rpc == nil {
		d.countUnknownClientDrop()
		return
	}
	lc.rpc.SilentTicks = 0
}

// countUnknownClientDrop accounts a GRANT/BUSY/DATA packet addressed to an
// unknown client-originated RPC id (spec.md section 4.2: "counted and
// discarded").
func (d *Dispatcher) countUnknownClientDrop() {
	d.m.discard(DiscardUnknownRPCType)
	d.unknownClientDrops.Lock()
	d.unknownClientDrops.n++
	d.unknownClientDrops.Unlock()
}

func (d *Dispatcher) handleCutoffs(pkt *CutoffsPacket, peer *Peer) {
	if peer == nil {
		return
	}
	peer.UnschedCutoffs = pkt.UnschedCutoffs
	peer.CutoffVersion = pkt.CutoffVersion
}

func (d *Dispatcher) handleNeedAck(hdr Header, lc *LockCache) {
	rpc := lc.rpc
	if rpc == nil || rpc.Ready() {
		ackPkt := AckPacket{
			Header: Header{SenderID: hdr.SenderID, SPort: hdr.DPort, DPort: hdr.SPort, Type: PktAck},
		}
		if rpc != nil {
			ackPkt.Acks = []AckID{{ClientID: rpc.ID, ClientPort: rpc.SPort, ServerPort: rpc.DPort}}
			d.tx.XmitNeedAckReply(rpc, ackPkt)
		} else {
			d.tx.XmitNeedAckReply(nil, ackPkt)
		}
	}
	// else: message not yet fully received; peer must retry.
}

// handleAck implements spec.md section 4.2's ACK row: free the RPC the
// packet's header addresses (already resolved into lc by the caller), then
// walk the packet's own batched Acks list and free each of those too
// (spec.md section 6's ACK payload).
func (d *Dispatcher) handleAck(pkt *AckPacket, peer *Peer, socket *Socket, lc *LockCache) {
	if rpc := lc.rpc; rpc != nil {
		rpc.MarkDead()
		d.gt.RemoveFromGrantable(rpc)
		socket.addDeadRPC(rpc)
	}
	for _, id := range pkt.Acks {
		d.ackOne(peer, id, socket)
	}
}

// ackOne frees the RPC named by id, used both for handleAck's batched Acks
// list and DATA's piggybacked ack for a different RPC (spec.md section
// 4.2's "ACK piggyback"). Unlike the lock-cached RPC handleData/handleAck
// operate on, id never names an already-locked RPC, so this acquires its
// own lock rather than going through LockCache.
func (d *Dispatcher) ackOne(peer *Peer, id AckID, socket *Socket) {
	rpc := d.rpcs.FindByAck(peer, id)
	if rpc == nil {
		return
	}
	rpc.Lock()
	rpc.MarkDead()
	d.gt.RemoveFromGrantable(rpc)
	socket.addDeadRPC(rpc)
	rpc.Unlock()
}

// reapSome opportunistically frees up to limit dead RPCs from socket's
// backlog, releasing locks first (spec.md section 4.2's "opportunistic
// reap" and section 5's "no lock may be held across... opportunistic
// reaping yields").
func (d *Dispatcher) reapSome(socket *Socket, limit int) {
	socket.Lock()
	n := len(socket.deadRPCs)
	if n > limit {
		n = limit
	}
	batch := socket.deadRPCs[:n]
	socket.deadRPCs = socket.deadRPCs[n:]
	socket.Unlock()

	for _, rpc := range batch {
		d.rpcs.Free(rpc)
		d.m.reap()
	}
}
