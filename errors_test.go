package homa

import "testing"

func TestDiscardReasonString(t *testing.T) {
	cases := map[DiscardReason]string{
		DiscardOverrun:           "overrun",
		DiscardBadGapAlignment:   "bad_gap_alignment",
		DiscardNoBuffers:         "no_buffers",
		DiscardUnknownRPCType:    "unknown_rpc",
		DiscardUnknownPacketType: "unknown_packet_type",
		DiscardZeroLength:        "zero_length",
	}
	for reason, want := range cases {
		if got := reason.String(); got != want {
			t.Errorf("DiscardReason(%d).String() = %q, want %q", reason, got, want)
		}
	}
}

func TestProtocolErrorMessage(t *testing.T) {
	err := NewProtocolError(-22, "no destination buffer available")
	want := "homa: errno -22: no destination buffer available"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
