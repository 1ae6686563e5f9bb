package homa

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// GrantTable is the grant engine's state (spec.md section 4.3): the
// global ordered grantable list plus the counters send_grants needs. It
// has its own coarse-grained lock, distinct from per-RPC locks, per
// spec.md section 3's Grant Table data model.
//
// Lock-order note: CheckGrantable and RemoveFromGrantable are always
// called with the target RPC's own lock already held (the dispatcher
// processes a packet under that RPC's lock, then reports the change here).
// They acquire mu internally, which inverts the RPC-before-grant-table
// order relative to spec.md section 5's stated 1-2-3 ordering -- but only
// ever for the one RPC the caller already owns, never a second distinct
// RPC, so no cycle is possible. SendGrants itself acquires mu first and
// then, for each candidate, that RPC's lock -- the ordering spec.md
// section 5 actually requires for distinct locks.
type GrantTable struct {
	mu   sync.Mutex
	list []*RPC // sorted ascending by (BytesRemaining, Msg.Birth)

	cfg *Config
	clk Clock

	totalIncoming int64 // atomic

	fifoMu           sync.Mutex
	grantNonFIFOLeft int

	emitter ControlEmitter
	log     logrus.FieldLogger
	m       *Metrics
}

// NewGrantTable builds a GrantTable for the given configuration.
func NewGrantTable(cfg *Config, emitter ControlEmitter, clk Clock, log logrus.FieldLogger, m *Metrics) *GrantTable {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if clk == nil {
		clk = RealClock{}
	}
	return &GrantTable{
		cfg:              cfg,
		clk:              clk,
		emitter:          emitter,
		log:              log,
		m:                m,
		grantNonFIFOLeft: cfg.GrantNonFIFO,
	}
}

// TotalIncoming returns the current atomic total_incoming value.
func (gt *GrantTable) TotalIncoming() int64 {
	return atomic.LoadInt64(&gt.totalIncoming)
}

// less implements the grantable list's strict order: bytes_remaining
// ascending, ties broken by older birth first (spec.md section 3).
func less(a, b *RPC) bool {
	if a.Msg.BytesRemaining != b.Msg.BytesRemaining {
		return a.Msg.BytesRemaining < b.Msg.BytesRemaining
	}
	return a.Msg.Birth.Before(b.Msg.Birth)
}

// CheckGrantable implements spec.md section 4.3's check_grantable: insert
// rpc into the grantable list if absent, or re-rank it if present and its
// priority increased. Caller must hold rpc's lock.
func (gt *GrantTable) CheckGrantable(rpc *RPC) {
	if rpc.Msg == nil || rpc.Msg.Granted >= rpc.Msg.Length {
		return
	}

	gt.mu.Lock()
	defer gt.mu.Unlock()

	// Re-check under the lock: the RPC may have become DEAD or fully
	// granted between the caller's check and acquiring mu.
	if rpc.state == StateDead || rpc.Msg.Granted >= rpc.Msg.Length {
		return
	}

	if !rpc.grantLinked {
		idx := gt.insertLocked(rpc)
		rpc.grantLinked = true
		rpc.grantIndex = idx
		gt.m.setGrantableCount(len(gt.list))
		return
	}

	gt.bubbleUpLocked(rpc.grantIndex)
}

// insertLocked inserts rpc into gt.list in sorted order and returns its
// index. Caller holds gt.mu.
func (gt *GrantTable) insertLocked(rpc *RPC) int {
	i := 0
	for i < len(gt.list) && less(gt.list[i], rpc) {
		i++
	}
	gt.list = append(gt.list, nil)
	copy(gt.list[i+1:], gt.list[i:])
	gt.list[i] = rpc
	gt.reindexFrom(i)
	return i
}

// bubbleUpLocked walks backward from idx, swapping with predecessors
// while the predecessor now sorts after rpc: it has strictly more
// bytes_remaining, or equal bytes_remaining and a strictly later birth
// (spec.md section 4.3's re-rank step). Caller holds gt.mu.
func (gt *GrantTable) bubbleUpLocked(idx int) {
	rpc := gt.list[idx]
	for idx > 0 {
		prev := gt.list[idx-1]
		predecessorStaysAhead := prev.Msg.BytesRemaining < rpc.Msg.BytesRemaining ||
			(prev.Msg.BytesRemaining == rpc.Msg.BytesRemaining && !prev.Msg.Birth.After(rpc.Msg.Birth))
		if predecessorStaysAhead {
			break
		}
		gt.list[idx-1], gt.list[idx] = gt.list[idx], gt.list[idx-1]
		gt.list[idx-1].grantIndex = idx - 1
		gt.list[idx].grantIndex = idx
		idx--
	}
}

func (gt *GrantTable) reindexFrom(i int) {
	for ; i < len(gt.list); i++ {
		gt.list[i].grantIndex = i
	}
}

// RemoveFromGrantable implements spec.md section 4.3's
// remove_from_grantable. Caller must hold rpc's lock.
func (gt *GrantTable) RemoveFromGrantable(rpc *RPC) {
	if !rpc.grantLinked {
		return
	}

	gt.mu.Lock()
	if !rpc.grantLinked {
		gt.mu.Unlock()
		return
	}
	idx := rpc.grantIndex
	gt.list = append(gt.list[:idx], gt.list[idx+1:]...)
	gt.reindexFrom(idx)
	rpc.grantLinked = false
	rpc.grantIndex = -1
	gt.m.setGrantableCount(len(gt.list))
	gt.mu.Unlock()

	gt.SendGrants()
}

// grantCandidate is one RPC selected for a grant this round, with the
// grant computed but not yet emitted (spec.md section 4.3 step 3).
type grantCandidate struct {
	rpc      *RPC
	pkt      GrantPacket
	increment int
}

// SendGrants implements spec.md section 4.3's send_grants end to end.
func (gt *GrantTable) SendGrants() {
	available := gt.cfg.MaxIncoming - int(gt.TotalIncoming())
	if available <= 0 {
		return
	}

	gt.mu.Lock()
	chosen := gt.chooseRPCsToGrantLocked()
	candidates, grantedBytes, leftGrantable := gt.createGrantsLocked(chosen, available)
	gt.m.setGrantableCount(len(gt.list))
	gt.mu.Unlock()

	for _, rpc := range leftGrantable {
		rpc.Unlock()
	}

	if grantedBytes > 0 {
		atomic.AddInt64(&gt.totalIncoming, int64(grantedBytes))
		gt.m.setTotalIncoming(gt.TotalIncoming())
	}

	fifoCandidate := gt.checkFIFOBudget(grantedBytes)

	for _, c := range candidates {
		if err := gt.emitter.XmitGrant(c.rpc, c.pkt); err != nil {
			gt.log.WithError(err).WithField("rpc_id", c.rpc.ID).Warn("grant emission failed")
		} else {
			gt.m.grantEmitted()
		}
		c.rpc.grantsInProgressDone()
	}
	if fifoCandidate != nil {
		if err := gt.emitter.XmitGrant(fifoCandidate.rpc, fifoCandidate.pkt); err != nil {
			gt.log.WithError(err).WithField("rpc_id", fifoCandidate.rpc.ID).Warn("fifo grant emission failed")
		} else {
			gt.m.fifoGrantEmitted()
		}
		fifoCandidate.rpc.grantsInProgressDone()
	}
}

// chooseRPCsToGrantLocked selects up to cfg.MaxOvercommit RPCs from the
// ordered list, enforcing MaxRPCsPerPeer (spec.md section 4.3 step 2).
// Caller holds gt.mu. Each returned RPC is locked on return (grant-table
// lock, then RPC lock, the order spec.md section 5 requires) so the
// caller must unlock any not consumed by createGrantsLocked.
func (gt *GrantTable) chooseRPCsToGrantLocked() []*RPC {
	perPeer := make(map[*Peer]int)
	chosen := make([]*RPC, 0, gt.cfg.MaxOvercommit)
	for _, rpc := range gt.list {
		if len(chosen) >= gt.cfg.MaxOvercommit {
			break
		}
		if perPeer[rpc.Peer] >= gt.cfg.MaxRPCsPerPeer {
			continue // skipped, not removed from the list
		}
		rpc.Lock()
		if rpc.state == StateDead {
			rpc.Unlock()
			continue
		}
		chosen = append(chosen, rpc)
		perPeer[rpc.Peer]++
	}
	return chosen
}

// createGrantsLocked computes (without emitting) the grants for chosen,
// per spec.md section 4.3 step 3. Returns the computed candidates, the
// total bytes granted this round, and any chosen RPCs left unconsumed
// (still locked, for the caller to unlock) because their increment was
// <= 0. Consumed RPCs that left the grantable list are removed from
// gt.list right here, under the same lock, per spec.md step 3's final
// bullet.
func (gt *GrantTable) createGrantsLocked(chosen []*RPC, available int) (out []grantCandidate, grantedBytes int, leftLocked []*RPC) {
	numRPCs := len(chosen)
	window := gt.cfg.Window
	if window == 0 && numRPCs > 0 {
		window = gt.cfg.MaxIncoming / (numRPCs + 1)
	}

	for rank, rpc := range chosen {
		msg := rpc.Msg
		received := msg.Length - msg.BytesRemaining
		newGrant := received + window
		if newGrant > msg.Length {
			newGrant = msg.Length
		}
		increment := newGrant - msg.Granted
		if increment <= 0 {
			leftLocked = append(leftLocked, rpc)
			continue
		}
		if increment > available {
			increment = available
		}
		if increment <= 0 {
			leftLocked = append(leftLocked, rpc)
			continue
		}

		msg.Granted += increment
		grantedBytes += increment
		available -= increment
		rpc.grantsInProgressInc()

		priority := assignPriority(rank, numRPCs, gt.cfg.MaxSchedPrio)
		msg.Priority = priority

		out = append(out, grantCandidate{
			rpc: rpc,
			pkt: GrantPacket{
				Header:    Header{SenderID: rpc.ID, SPort: rpc.SPort, DPort: rpc.DPort, Type: PktGrant},
				Offset:    msg.Granted,
				Priority:  priority,
				ResendAll: msg.ResendAll,
			},
			increment: increment,
		})
		msg.ResendAll = false

		if msg.Granted >= msg.Length {
			gt.unlinkLocked(rpc)
		}

		rpc.Unlock()

		if available <= 0 {
			// Remaining chosen-but-unprocessed RPCs are still locked;
			// hand them back to the caller to unlock.
			leftLocked = append(leftLocked, chosen[rank+1:]...)
			break
		}
	}
	return out, grantedBytes, leftLocked
}

// assignPriority implements spec.md section 4.3's priority-band rule: rank
// 0 (highest-priority RPC) maps to max_sched_prio - rank, but if there are
// fewer RPCs than priority levels, the whole band shifts down so the
// lowest levels are used, preserving high priorities for future
// preemption. Floored at 0.
func assignPriority(rank, numRPCs, maxSchedPrio int) int {
	p := maxSchedPrio - rank
	if numRPCs <= maxSchedPrio {
		shift := maxSchedPrio - (numRPCs - 1)
		p = maxSchedPrio - rank - shift
	}
	if p < 0 {
		p = 0
	}
	return p
}

// unlinkLocked removes rpc from gt.list. Caller holds gt.mu and rpc's
// lock.
func (gt *GrantTable) unlinkLocked(rpc *RPC) {
	if !rpc.grantLinked {
		return
	}
	idx := rpc.grantIndex
	gt.list = append(gt.list[:idx], gt.list[idx+1:]...)
	gt.reindexFrom(idx)
	rpc.grantLinked = false
	rpc.grantIndex = -1
}

// checkFIFOBudget implements spec.md section 4.3 step 6: debit
// grant_nonfifo_left by grantedBytes, and if it drops to/below zero,
// replenish and pick a FIFO recipient. Returns the computed (not yet
// emitted) FIFO grant, or nil.
func (gt *GrantTable) checkFIFOBudget(grantedBytes int) *grantCandidate {
	gt.fifoMu.Lock()
	gt.grantNonFIFOLeft -= grantedBytes
	replenish := gt.grantNonFIFOLeft <= 0
	if replenish {
		gt.grantNonFIFOLeft += gt.cfg.GrantNonFIFO
	}
	gt.fifoMu.Unlock()

	if !replenish || gt.cfg.GrantFIFOFraction == 0 {
		return nil
	}
	return gt.chooseFIFOGrant()
}

// chooseFIFOGrant implements spec.md section 4.3's choose_fifo_grant:
// the oldest grantable RPC whose outstanding "on-the-way" bytes are
// within unsched_bytes receives fifo_grant_increment more, capped at
// length, at max_sched_prio.
func (gt *GrantTable) chooseFIFOGrant() *grantCandidate {
	gt.mu.Lock()
	var target *RPC
	var oldest time.Time
	for _, rpc := range gt.list {
		rpc.Lock()
		onTheWay := rpc.Msg.Granted - (rpc.Msg.Length - rpc.Msg.BytesRemaining)
		if onTheWay > gt.cfg.UnschedBytes {
			rpc.Unlock()
			continue
		}
		if target == nil || rpc.Msg.Birth.Before(oldest) {
			if target != nil {
				target.Unlock()
			}
			target = rpc
			oldest = rpc.Msg.Birth
			continue
		}
		rpc.Unlock()
	}
	gt.mu.Unlock()

	if target == nil {
		return nil
	}
	defer target.Unlock()

	msg := target.Msg
	snapshot := msg.Granted

	gt.mu.Lock()
	// Duplicate-suppression: if another core already issued a FIFO
	// grant for this RPC since we took the snapshot, skip (spec.md
	// section 4.3's "FIFO grant duplicate-suppression").
	if msg.Granted != snapshot {
		gt.mu.Unlock()
		return nil
	}

	newGrant := msg.Granted + gt.cfg.FIFOGrantIncrement
	if newGrant > msg.Length {
		newGrant = msg.Length
	}
	increment := newGrant - msg.Granted
	if increment <= 0 {
		gt.mu.Unlock()
		return nil
	}
	msg.Granted = newGrant
	target.grantsInProgressInc()
	if msg.Granted >= msg.Length {
		gt.unlinkLocked(target)
	}
	gt.mu.Unlock()

	atomic.AddInt64(&gt.totalIncoming, int64(increment))
	gt.m.setTotalIncoming(gt.TotalIncoming())

	return &grantCandidate{
		rpc: target,
		pkt: GrantPacket{
			Header:   Header{SenderID: target.ID, SPort: target.SPort, DPort: target.DPort, Type: PktGrant},
			Offset:   msg.Granted,
			Priority: gt.cfg.MaxSchedPrio,
		},
		increment: increment,
	}
}
