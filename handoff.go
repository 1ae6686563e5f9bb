package homa

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/rs/xid"
)

// Interest is the ephemeral record a waiting receiver thread owns (spec.md
// section 3): a globally-unique token (via rs/xid, grounded on the
// runZero repos' use of it for lightweight request/session ids), the
// thread's core tag for locality, and the atomic slot a handoff publishes
// an RPC pointer into.
type Interest struct {
	ID   xid.ID
	Core int

	// lastActive is read by the choose-interest policy to prefer a
	// thread whose core hasn't touched Homa work within BusyCycles
	// (spec.md section 4.4).
	lastActive time.Time

	rpcID uint64 // 0 means "any RPC of the requested category"

	readyRPC unsafe.Pointer // *RPC, published via atomic release-store

	wake chan struct{}
}

// NewInterest constructs an Interest for core, optionally targeting a
// specific RPC id (0 for "any").
func NewInterest(core int, rpcID uint64) *Interest {
	return &Interest{
		ID:    xid.New(),
		Core:  core,
		rpcID: rpcID,
		wake:  make(chan struct{}, 1),
	}
}

// publish atomically stores rpc into the interest's ready slot and wakes
// the owning thread (spec.md section 4.4: "atomically publish the RPC
// pointer via release-store into the interest").
func (in *Interest) publish(rpc *RPC) {
	atomic.StorePointer(&in.readyRPC, unsafe.Pointer(rpc))
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

// claim atomically loads and clears the ready RPC, returning nil if none
// has been published yet.
func (in *Interest) claim() *RPC {
	p := atomic.SwapPointer(&in.readyRPC, nil)
	if p == nil {
		return nil
	}
	return (*RPC)(p)
}

// Handoff matches ready RPCs to waiting receiver threads (spec.md section
// 4.4). It holds no state beyond the dependencies every operation needs.
type Handoff struct {
	cfg *Config
	clk Clock
	m   *Metrics
}

// NewHandoff builds a Handoff layer.
func NewHandoff(cfg *Config, clk Clock, m *Metrics) *Handoff {
	if clk == nil {
		clk = RealClock{}
	}
	return &Handoff{cfg: cfg, clk: clk, m: m}
}

// busyWindow converts Config.BusyUsecs-derived cycles into a duration
// comparable against lastActive timestamps.
func (h *Handoff) busyWindow() time.Duration {
	return cyclesToDuration(h.cfg.BusyCycles)
}

// chooseInterest implements spec.md section 4.4's choose-interest policy:
// prefer the first interest whose thread's core has gone idle (not active
// within busy_cycles); fall back to the front of the list if all are busy.
// Caller holds the socket lock. The chosen interest is removed from list
// (stack discipline: list is treated as a stack, front = most recently
// registered, for cache/thread affinity).
func (h *Handoff) chooseInterest(list *[]*Interest) *Interest {
	l := *list
	if len(l) == 0 {
		return nil
	}
	now := h.clk.Now()
	idx := 0
	for i, in := range l {
		if now.Sub(in.lastActive) >= h.busyWindow() {
			idx = i
			break
		}
	}
	chosen := l[idx]
	*list = append(l[:idx], l[idx+1:]...)
	return chosen
}

// RPCHandoff implements spec.md section 4.4's rpc_handoff. Preconditions:
// rpc and socket are both locked, and rpc is not already handing off.
// Returns the handoff target kind, for metrics/testing.
func (h *Handoff) RPCHandoff(rpc *RPC, socket *Socket) string {
	if rpc.isHandingOff() || rpc.readyLinked {
		return "already-pending"
	}

	// (a) an interest registered specifically on this RPC id.
	if rpc.interest != nil {
		h.completeTargeted(rpc, rpc.interest)
		h.m.handoff("targeted")
		return "targeted"
	}

	// (b) a request-list or response-list interest, chosen by policy.
	list := &socket.responseInterests
	if !rpc.IsClient {
		list = &socket.requestInterests
	}
	if in := h.chooseInterest(list); in != nil {
		h.completeTargeted(rpc, in)
		h.m.handoff("pool")
		return "pool"
	}

	// (c) link at the tail of the socket's ready queue and notify.
	if !rpc.IsClient {
		socket.readyRequests = append(socket.readyRequests, rpc)
	} else {
		socket.readyResponses = append(socket.readyResponses, rpc)
	}
	rpc.readyLinked = true
	socket.notifyDataReady()
	h.m.handoff("queue")
	return "queue"
}

// completeTargeted implements the (a)/(b) branch body: set HANDING_OFF,
// publish the RPC pointer, clear cross-links, wake the thread.
func (h *Handoff) completeTargeted(rpc *RPC, in *Interest) {
	rpc.setHandingOff(true)
	rpc.interest = nil
	in.rpcID = 0
	in.publish(rpc)
}
