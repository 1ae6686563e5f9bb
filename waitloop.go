package homa

import (
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// WaitFlags enumerate spec.md section 4.5's REQUEST/RESPONSE/NONBLOCKING.
type WaitFlags uint8

const (
	FlagRequest WaitFlags = 1 << iota
	FlagResponse
	FlagNonblocking
)

// yieldBlockedThreshold is the per-yield duration spec.md section 4.5
// treats as "blocked" rather than "polled" (section 4.5 step 4: "Time
// during which a yield blocked >= 5000 cycles is counted as blocked"),
// expressed as a wall-clock approximation at the same cyclesPerUsec ratio
// config.go uses to convert poll/busy usecs to cycles.
const yieldBlockedThreshold = 5000 * time.Microsecond / cyclesPerUsec

// WaitLoop is the application-facing blocking/polling loop of spec.md
// section 4.5.
type WaitLoop struct {
	cfg  *Config
	gt   *GrantTable
	re   *Reassembler
	ho   *Handoff
	rpcs RPCTable
	clk  Clock
	log  logrus.FieldLogger
	m    *Metrics
}

// NewWaitLoop builds a WaitLoop wired to its collaborators.
func NewWaitLoop(cfg *Config, gt *GrantTable, re *Reassembler, ho *Handoff, rpcs RPCTable, clk Clock, log logrus.FieldLogger, m *Metrics) *WaitLoop {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if clk == nil {
		clk = RealClock{}
	}
	return &WaitLoop{cfg: cfg, gt: gt, re: re, ho: ho, rpcs: rpcs, clk: clk, log: log, m: m}
}

// WaitForMessage implements spec.md section 4.5's wait_for_message
// contract. signal, if non-nil, is treated as the external signal-delivery
// channel (closing it or sending on it surfaces ErrInterrupted), the same
// role the teacher's ReqStop channel plays for its recv loop.
func (w *WaitLoop) WaitForMessage(socket *Socket, flags WaitFlags, id uint64, signal <-chan struct{}) (*RPC, error) {
	for {
		in := NewInterest(currentCore(), id)
		in.lastActive = w.clk.Now()

		rpc, claimed, err := w.registerInterests(socket, flags, id, in)
		if err != nil {
			return nil, err
		}
		if claimed {
			out, err := w.finish(rpc, socket)
			if out != nil || err != nil {
				return out, err
			}
			continue // claimed rpc turned out DEAD, or not yet Ready; retry
		}

		// Opportunistic dead-RPC reaping, bounded, yielding between
		// rounds (spec.md section 4.5 step 2).
		w.reapRounds(socket)

		if flags&FlagNonblocking != 0 {
			w.unlinkInterest(socket, flags, in)
			return nil, ErrAgain
		}

		rpc, err = w.pollThenSleep(socket, in, signal)
		if err != nil {
			return nil, err
		}
		if rpc == nil {
			continue // woke with no RPC published; retry
		}
		out, err := w.finish(rpc, socket)
		if out != nil || err != nil {
			return out, err
		}
		continue // claimed rpc turned out DEAD, or not yet Ready; retry
	}
}

// registerInterests implements spec.md section 4.5's register_interests.
// Returns (rpc, true, nil) if an RPC was claimed immediately (unlocked on
// return; finish locks it); (nil, false, nil) if the caller must now wait with in now
// linked into the socket's interest lists; or a non-nil error
// (ErrShutdown).
func (w *WaitLoop) registerInterests(socket *Socket, flags WaitFlags, id uint64, in *Interest) (*RPC, bool, error) {
	if id != 0 {
		rpc := w.rpcs.FindClient(socket, id)
		if rpc != nil {
			rpc.Lock()
			if rpc.Ready() || rpc.Error != nil || rpc.state == StateDead {
				rpc.Unlock()
				return rpc, true, nil
			}
			rpc.interest = in
			rpc.Unlock()
		}
	}

	socket.Lock()
	defer socket.Unlock()
	if socket.shutdown {
		return nil, false, ErrShutdown
	}

	// For each requested category: claim an already-queued ready RPC, or
	// insert self at the front of that category's interest list (spec.md
	// section 4.5). Front-insertion gives stack discipline for
	// cache/thread affinity (spec.md section 4.4).
	if flags&FlagRequest != 0 {
		if len(socket.readyRequests) > 0 {
			rpc := w.claimQueuedLocked(&socket.readyRequests)
			return rpc, true, nil
		}
		socket.requestInterests = append([]*Interest{in}, socket.requestInterests...)
	}
	if flags&FlagResponse != 0 {
		if len(socket.readyResponses) > 0 {
			rpc := w.claimQueuedLocked(&socket.readyResponses)
			return rpc, true, nil
		}
		socket.responseInterests = append([]*Interest{in}, socket.responseInterests...)
	}
	return nil, false, nil
}

// claimQueuedLocked pops the front of an already-ready queue and sets
// HANDING_OFF (spec.md section 4.5: "Claiming sets HANDING_OFF"). The rest
// of the claim sequence -- drop the socket lock, acquire the RPC lock,
// clear HANDING_OFF -- happens in finish, once registerInterests has
// returned and its caller (WaitForMessage) has released the socket lock;
// this achieves the same no-lock-nesting property without re-entering the
// socket lock mid-call. Caller holds the socket lock.
func (w *WaitLoop) claimQueuedLocked(queue *[]*RPC) *RPC {
	q := *queue
	rpc := q[0]
	*queue = q[1:]
	rpc.setHandingOff(true)
	rpc.readyLinked = false
	return rpc
}

func (w *WaitLoop) unlinkInterest(socket *Socket, flags WaitFlags, in *Interest) {
	socket.Lock()
	defer socket.Unlock()
	removeInterest(&socket.requestInterests, in)
	removeInterest(&socket.responseInterests, in)
}

func removeInterest(list *[]*Interest, in *Interest) {
	l := *list
	for i, x := range l {
		if x == in {
			*list = append(l[:i], l[i+1:]...)
			return
		}
	}
}

func (w *WaitLoop) reapRounds(socket *Socket) {
	for round := 0; round < w.cfg.ReapLimit; round++ {
		socket.Lock()
		if len(socket.deadRPCs) == 0 {
			socket.Unlock()
			return
		}
		rpc := socket.deadRPCs[0]
		socket.deadRPCs = socket.deadRPCs[1:]
		socket.Unlock()

		w.rpcs.Free(rpc)
		w.m.reap()
		runtime.Gosched()
	}
}

// pollThenSleep implements spec.md section 4.5 steps 4-6: busy-poll for
// PollCycles (yielding periodically, counting long yields as "blocked"
// rather than "polled"), then sleep until woken or the RPC appears, then
// tear down any still-linked interests and re-read the ready slot.
func (w *WaitLoop) pollThenSleep(socket *Socket, in *Interest, signal <-chan struct{}) (*RPC, error) {
	deadline := w.clk.Now().Add(cyclesToDuration(w.cfg.PollCycles))
	for w.clk.Now().Before(deadline) {
		if rpc := in.claim(); rpc != nil {
			w.unlinkInterest(socket, FlagRequest|FlagResponse, in)
			return rpc, nil
		}
		select {
		case <-signal:
			w.unlinkInterest(socket, FlagRequest|FlagResponse, in)
			return nil, ErrInterrupted
		default:
		}
		yieldStart := time.Now()
		runtime.Gosched()
		if time.Since(yieldStart) >= yieldBlockedThreshold {
			break // counted as blocked; fall through to sleep
		}
	}

	select {
	case <-in.wake:
	case <-signal:
		w.unlinkInterest(socket, FlagRequest|FlagResponse, in)
		return nil, ErrInterrupted
	}

	w.unlinkInterest(socket, FlagRequest|FlagResponse, in)
	return in.claim(), nil
}

// finish implements spec.md section 4.5 step 7: lock the RPC if not
// already (the targeted-handoff and claimQueued paths both leave
// HANDING_OFF set but do not hold the lock), clear HANDING_OFF, check for
// DEAD, run CopyToUser, and apply the completion test.
func (w *WaitLoop) finish(rpc *RPC, socket *Socket) (*RPC, error) {
	rpc.Lock()
	rpc.setHandingOff(false)

	if rpc.state == StateDead {
		rpc.Unlock()
		return nil, nil
	}

	if err := w.re.CopyToUser(rpc); err != nil {
		rpc.Error = err
		return rpc, nil
	}

	if rpc.Ready() {
		return rpc, nil
	}
	rpc.Unlock()
	return nil, nil
}

// currentCore is a placeholder for the core-affinity tag spec.md section
// 3 calls out on Interest; a real embedder supplies this via
// runtime-pinned goroutines or a per-thread core id passed through the
// socket API. Returning -1 has no effect on thread selection:
// chooseInterest does not read Interest.Core, it compares each interest's
// lastActive time against the busy window.
func currentCore() int { return -1 }
