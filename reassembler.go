package homa

import (
	"sort"

	"github.com/sirupsen/logrus"
)

// copyBatchSize bounds how many packets copy_to_user drains per lock
// acquisition (spec.md section 4.1: "batches (bounded, e.g. 20 packets)").
const copyBatchSize = 20

// firstResendProbeBytes is the length requested when a message's length is
// still unknown, forcing the sender to emit at least one full packet
// carrying metadata (spec.md section 4.1, get_resend_range).
const firstResendProbeBytes = 100

// Reassembler groups the MsgIn operations of spec.md section 4.1. It takes
// no state of its own: every operation is a method on the RPC/MsgIn it
// acts on, grounded the same way the teacher's RecvState methods operate
// directly on its own Rxq/gap-equivalent fields (recv.go) rather than
// through a separate manager object.
type Reassembler struct {
	bufs BufferPool
	clk  Clock
	log  logrus.FieldLogger
	m    *Metrics
}

// NewReassembler builds a Reassembler bound to the given buffer pool.
func NewReassembler(bufs BufferPool, clk Clock, log logrus.FieldLogger, m *Metrics) *Reassembler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if clk == nil {
		clk = RealClock{}
	}
	return &Reassembler{bufs: bufs, clk: clk, log: log, m: m}
}

// Init initializes rpc.Msg for a newly-incoming message (spec.md section
// 4.1's init operation). Caller must hold the RPC lock.
func (re *Reassembler) Init(rpc *RPC, length int, unscheduled int) error {
	granted := unscheduled
	if length >= 0 && granted > length {
		granted = length
	}
	msg := &MsgIn{
		Length:         length,
		Granted:        granted,
		Scheduled:      length > unscheduled,
		BytesRemaining: length,
		Birth:          re.clk.Now(),
	}
	rpc.Msg = msg

	n, err := re.bufs.Allocate(rpc)
	if err != nil {
		re.log.WithError(err).WithField("rpc_id", rpc.ID).Warn("buffer allocation failed")
	}
	msg.NumBpages = n
	if n == 0 {
		// Arriving packets will be dropped until buffers are available;
		// zeroing granted stops the sender from transmitting into a
		// receiver with nowhere to put the bytes.
		msg.Granted = 0
	}
	return err
}

// AddPacket integrates a datagram's (offset, length) payload into msg,
// per spec.md section 4.1's gap-walking algorithm. Caller must hold the
// RPC lock. Returns true if new data was queued (the dispatcher uses this
// to decide whether to post a handoff / re-rank on the grant list).
func (re *Reassembler) AddPacket(rpc *RPC, offset, length int, data []byte) bool {
	msg := rpc.Msg
	if length <= 0 {
		re.m.discard(DiscardZeroLength)
		return false
	}
	if msg.Length >= 0 && offset+length > msg.Length {
		re.m.discard(DiscardOverrun)
		return false
	}

	switch {
	case offset == msg.RecvEnd:
		msg.RecvEnd += length
	case offset > msg.RecvEnd:
		msg.gaps = append(msg.gaps, Gap{Start: msg.RecvEnd, End: offset})
		msg.RecvEnd = offset + length
	default:
		if !re.consumeFromGap(rpc, offset, length) {
			return false
		}
	}

	msg.packets = append(msg.packets, queuedPacket{Offset: offset, Data: data})
	msg.BytesRemaining -= length
	return true
}

// consumeFromGap implements the "otherwise walk gaps" branch of AddPacket.
// Returns false (discard, no state change) if the packet is a duplicate of
// already-received bytes, or straddles a gap boundary.
func (re *Reassembler) consumeFromGap(rpc *RPC, offset, length int) bool {
	msg := rpc.Msg
	end := offset + length

	for i, g := range msg.gaps {
		if offset < g.Start {
			if end > g.Start {
				// Starts in received bytes and runs into this gap.
				re.m.discard(DiscardBadGapAlignment)
				return false
			}
			// Packet lies entirely in already-received bytes before
			// this gap: duplicate.
			continue
		}
		if offset >= g.End {
			continue
		}
		// offset is inside [g.Start, g.End).
		switch {
		case offset == g.Start && end == g.End:
			msg.gaps = append(msg.gaps[:i], msg.gaps[i+1:]...)
			return true
		case offset == g.Start && end < g.End:
			msg.gaps[i].Start = end
			return true
		case offset > g.Start && end == g.End:
			msg.gaps[i].End = offset
			return true
		case offset > g.Start && end < g.End:
			newGap := Gap{Start: end, End: g.End}
			msg.gaps[i].End = offset
			msg.gaps = append(msg.gaps, Gap{})
			copy(msg.gaps[i+2:], msg.gaps[i+1:])
			msg.gaps[i+1] = newGap
			return true
		default:
			// end > g.End: straddles this gap's boundary.
			re.m.discard(DiscardBadGapAlignment)
			return false
		}
	}
	// offset >= msg.RecvEnd would have been handled above, and no gap
	// contained it: the range is already fully received. Duplicate.
	return false
}

// GetResendRange implements spec.md section 4.1's get_resend_range: the
// byte range to ask the sender to retransmit, or a zero-length range if
// nothing is missing. Caller must hold the RPC lock.
func (re *Reassembler) GetResendRange(msg *MsgIn) (offset, length int) {
	if msg.Length < 0 {
		return 0, firstResendProbeBytes
	}
	if len(msg.gaps) > 0 {
		g := msg.gaps[0]
		return g.Start, g.End - g.Start
	}
	if msg.Granted > msg.RecvEnd {
		return msg.RecvEnd, msg.Granted - msg.RecvEnd
	}
	return 0, 0
}

// CopyToUser drains rpc's packet queue in bounded batches, copying payload
// into user buffers located via the BufferPool, without holding the RPC
// lock during any copy (spec.md section 4.1). Caller must hold the RPC
// lock on entry; CopyToUser drops and re-acquires it internally and
// returns with it held.
func (re *Reassembler) CopyToUser(rpc *RPC) error {
	msg := rpc.Msg
	for {
		if len(msg.packets) == 0 {
			return nil
		}
		n := len(msg.packets)
		if n > copyBatchSize {
			n = copyBatchSize
		}
		batch := make([]queuedPacket, n)
		copy(batch, msg.packets[:n])
		msg.packets = msg.packets[n:]

		rpc.setCopyingToUser(true)
		rpc.Unlock()

		var copyErr error
		for _, qp := range batch {
			if err := re.copyOne(rpc, qp); err != nil {
				copyErr = err
				break
			}
		}

		rpc.Lock()
		rpc.setCopyingToUser(false)
		if copyErr != nil {
			return copyErr
		}
	}
}

func (re *Reassembler) copyOne(rpc *RPC, qp queuedPacket) error {
	remaining := qp.Data
	offset := qp.Offset
	for len(remaining) > 0 {
		dst, avail, err := re.bufs.GetBuffer(rpc, offset)
		if err != nil {
			return err
		}
		if avail <= 0 || len(dst) == 0 {
			return NewProtocolError(-1, "no destination buffer available")
		}
		n := avail
		if n > len(remaining) {
			n = len(remaining)
		}
		copy(dst[:n], remaining[:n])
		remaining = remaining[n:]
		offset += n
	}
	return nil
}

// sortedGapsCopy returns a defensive copy of msg.gaps sorted by Start, used
// by tests to assert spec.md section 8's gap-list invariant without
// exposing the live slice.
func sortedGapsCopy(msg *MsgIn) []Gap {
	out := make([]Gap, len(msg.gaps))
	copy(out, msg.gaps)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}
