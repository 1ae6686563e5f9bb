package homa

import "fmt"

// Sentinel errors returned by WaitForMessage. Internal dispatch/grant
// errors never escape past the dispatcher (spec.md section 7's
// propagation policy); only the wait loop surfaces errors to callers.
var (
	// ErrShutdown is returned when a wait is attempted against a socket
	// that has already been shut down.
	ErrShutdown = fmt.Errorf("homa: socket shut down")

	// ErrAgain is returned by a NONBLOCKING wait that found no RPC ready.
	ErrAgain = fmt.Errorf("homa: would block")

	// ErrInterrupted is returned when a signal interrupts the wait loop.
	ErrInterrupted = fmt.Errorf("homa: interrupted")

	// ErrUnknownRPC names the condition of a packet referencing an RPC id
	// that cannot be resolved when the packet type requires one. No code in
	// this package returns it; the dispatcher counts such packets under
	// DiscardUnknownRPCType instead.
	ErrUnknownRPC = fmt.Errorf("homa: unknown rpc")
)

// DiscardReason classifies a discard-and-meter outcome (spec.md section 7)
// so callers can increment the matching metric without string matching.
type DiscardReason int

const (
	// DiscardOverrun: offset+length exceeded the message length.
	DiscardOverrun DiscardReason = iota
	// DiscardBadGapAlignment: packet straddled a gap boundary.
	DiscardBadGapAlignment
	// DiscardNoBuffers: no bpages available to receive into.
	DiscardNoBuffers
	// DiscardUnknownRPCType: an unknown RPC was referenced by a packet
	// type that requires one to exist (GRANT/BUSY/DATA to unknown client).
	DiscardUnknownRPCType
	// DiscardUnknownPacketType: the dispatcher saw a type it doesn't
	// recognize.
	DiscardUnknownPacketType
	// DiscardZeroLength: a zero-length DATA segment, treated as a
	// protocol error per spec.md section 9's open-question resolution.
	DiscardZeroLength
)

func (r DiscardReason) String() string {
	switch r {
	case DiscardOverrun:
		return "overrun"
	case DiscardBadGapAlignment:
		return "bad_gap_alignment"
	case DiscardNoBuffers:
		return "no_buffers"
	case DiscardUnknownRPCType:
		return "unknown_rpc"
	case DiscardUnknownPacketType:
		return "unknown_packet_type"
	case DiscardZeroLength:
		return "zero_length"
	default:
		return "unknown"
	}
}

// ProtocolError carries a negative-errno-style code into an RPC's Error
// field, surfaced to the application on the next receive call (spec.md
// section 7, "User-visible" error kind).
type ProtocolError struct {
	Errno   int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("homa: errno %d: %s", e.Errno, e.Message)
}

// NewProtocolError builds a ProtocolError for attachment to RPC.Error.
func NewProtocolError(errno int, message string) *ProtocolError {
	return &ProtocolError{Errno: errno, Message: message}
}
