package homa

// This file names the contracts spec.md section 1 and section 6 describe
// as external collaborators: socket lifecycle, the bpage buffer pool, the
// RPC/peer tables, and the control-packet emitter. The core only consumes
// these through narrow interfaces (spec.md section 9: "wrap as a handle
// threaded through every operation rather than ambient state"); it never
// implements port allocation, peer discovery, or retransmission scheduling
// itself. This mirrors the teacher's own Network interface in swp.go,
// which swp.go's SWP/Session never implement directly — only consume.

// BufferPool is the bpage allocator contract (spec.md section 6).
type BufferPool interface {
	// Allocate reserves receive buffer pages for rpc and returns how many
	// pages were acquired. Zero means no buffers are currently available;
	// the Reassembler must set granted = 0 until a later call succeeds.
	Allocate(rpc *RPC) (numPages int, err error)

	// GetBuffer returns the destination slice to copy length bytes of
	// payload at the given message offset into, and how many bytes the
	// returned slice can hold (it may be smaller than requested if the
	// offset crosses a bpage boundary; the caller loops).
	GetBuffer(rpc *RPC, offset int) (dst []byte, avail int, err error)
}

// RPCTable is the contract for RPC lookup/creation/freeing (spec.md
// section 6); socket/port/peer plumbing lives entirely behind it.
type RPCTable interface {
	FindClient(socket *Socket, id uint64) *RPC
	FindServer(socket *Socket, peer *Peer, sport uint16, id uint64) *RPC
	NewServer(socket *Socket, peer *Peer, hdr Header) (rpc *RPC, created bool)
	Free(rpc *RPC)

	// FindByAck locates the RPC a batched or piggybacked ACK names (spec.md
	// section 4.2's ACK/DATA-piggyback rows), independent of whichever RPC
	// the dispatcher's lock cache currently holds.
	FindByAck(peer *Peer, ack AckID) *RPC
}

// PeerTable is the contract for per-peer state (cutoffs, last-update
// jiffies) the Dispatcher and Grant Engine read/write (spec.md section 6).
type PeerTable interface {
	Find(addr string) *Peer
}

// Peer holds per-peer cutoff state. The full peer table (discovery,
// addressing) is out of scope; only the fields the core touches are
// modeled here.
type Peer struct {
	Addr              string
	UnschedCutoffs    []int
	CutoffVersion     uint32
	LastCutoffUpdate  int64 // jiffies-equivalent; not read by the core (CUTOFFS throttling uses the Dispatcher's per-peer rate.Limiter)
	ActiveRPCs        map[uint64]*RPC
}

// ControlEmitter is the contract for transmitting control/data packets
// (spec.md section 6's xmit_control). The outbound transmit path itself
// (retransmission scheduling, timers) is out of scope; the core only ever
// calls this interface to hand a packet off.
type ControlEmitter interface {
	XmitGrant(rpc *RPC, pkt GrantPacket) error
	XmitResend(rpc *RPC, pkt ResendPacket) error
	XmitBusy(rpc *RPC, hdr Header) error
	XmitUnknown(rpc *RPC, hdr Header) error
	XmitCutoffs(peer *Peer, pkt CutoffsPacket) error
	XmitNeedAckReply(rpc *RPC, pkt AckPacket) error
	XmitData(rpc *RPC, pkt DataPacket) error
}
