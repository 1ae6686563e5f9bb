package homa

import "sync"

// Socket holds the per-socket state the core touches directly: interest
// lists, ready queues, and the dead-RPC backlog count. Port allocation,
// binding, and the rest of socket lifecycle are out of scope (spec.md
// section 1) and live behind RPCTable/PeerTable in a real embedder.
type Socket struct {
	mu sync.Mutex

	shutdown bool

	// Interest lists, front-insertion per spec.md section 4.5
	// ("insert self at the front") for cache/stack affinity.
	requestInterests  []*Interest
	responseInterests []*Interest

	// Ready queues for RPCs that found no waiting interest and were
	// linked at the tail instead (spec.md section 4.4, target (c)).
	readyRequests  []*RPC
	readyResponses []*RPC

	deadRPCs        []*RPC
	deadBuffsLimit  int

	// dataReady is signalled whenever an RPC lands on readyRequests or
	// readyResponses with no waiting interest, the poll/select
	// integration point spec.md section 4.4 calls out.
	dataReady chan struct{}
}

// NewSocket constructs an empty Socket. deadBuffsLimit is the
// configuration value the dispatcher compares its backlog against
// (spec.md section 4.2: "2x dead_buffs_limit").
func NewSocket(deadBuffsLimit int) *Socket {
	return &Socket{
		deadBuffsLimit: deadBuffsLimit,
		dataReady:      make(chan struct{}, 1),
	}
}

func (s *Socket) Lock()   { s.mu.Lock() }
func (s *Socket) Unlock() { s.mu.Unlock() }

// Shutdown marks the socket shut down; new waits observe ErrShutdown and
// in-flight waits observe it on their next iteration (spec.md section 5).
func (s *Socket) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
}

func (s *Socket) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// notifyDataReady performs the non-blocking poll/select wakeup (spec.md
// section 4.4): a buffered 1-slot channel, so multiple handoffs between
// reads collapse into one wakeup rather than blocking the packet handler
// that posted them.
func (s *Socket) notifyDataReady() {
	select {
	case s.dataReady <- struct{}{}:
	default:
	}
}

// DataReady exposes the poll/select integration channel to an embedder.
func (s *Socket) DataReady() <-chan struct{} {
	return s.dataReady
}

func (s *Socket) addDeadRPC(rpc *RPC) {
	s.mu.Lock()
	s.deadRPCs = append(s.deadRPCs, rpc)
	s.mu.Unlock()
}

// deadBacklog reports the current count, used by the dispatcher's
// opportunistic reap trigger (spec.md section 4.2).
func (s *Socket) deadBacklog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deadRPCs)
}
