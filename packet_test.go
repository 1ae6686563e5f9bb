package homa

import (
	"bytes"
	"testing"

	"github.com/go-test/deep"
	"github.com/tinylib/msgp/msgp"
)

func roundTrip(t *testing.T, enc interface {
	EncodeMsg(*msgp.Writer) error
}, dec interface {
	DecodeMsg(*msgp.Reader) error
}) {
	t.Helper()
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	if err := enc.EncodeMsg(w); err != nil {
		t.Fatalf("EncodeMsg: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	r := msgp.NewReader(&buf)
	if err := dec.DecodeMsg(r); err != nil {
		t.Fatalf("DecodeMsg: %v", err)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	want := Header{SenderID: 123, SPort: 7, DPort: 9, Type: PktGrant}
	var got Header
	roundTrip(t, &want, &got)
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatalf("round trip mismatch: %v", diff)
	}
}

func TestDataPacketRoundTrip(t *testing.T) {
	want := DataPacket{
		Header:        Header{SenderID: 5, SPort: 1, DPort: 2, Type: PktData},
		MessageLength: 20000,
		Incoming:      1000,
		CutoffVersion: 3,
		Retransmit:    true,
		Seg: Segment{
			Offset: 500, Length: 1000, HasAck: true,
			Ack: AckID{ClientID: 9, ClientPort: 11, ServerPort: 22},
		},
	}
	var got DataPacket
	roundTrip(t, &want, &got)
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatalf("round trip mismatch: %v", diff)
	}
}

func TestGrantPacketRoundTrip(t *testing.T) {
	want := GrantPacket{
		Header:    Header{SenderID: 5, SPort: 1, DPort: 2, Type: PktGrant},
		Offset:    12345,
		Priority:  6,
		ResendAll: true,
	}
	var got GrantPacket
	roundTrip(t, &want, &got)
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatalf("round trip mismatch: %v", diff)
	}
}

func TestCutoffsPacketRoundTrip(t *testing.T) {
	want := CutoffsPacket{
		Header:         Header{SenderID: 5, Type: PktCutoffs},
		UnschedCutoffs: []int{10000, 8000, 6000, 4000, 2000, 1000, 500, 0},
		CutoffVersion:  42,
	}
	var got CutoffsPacket
	roundTrip(t, &want, &got)
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatalf("round trip mismatch: %v", diff)
	}
}

func TestAckPacketRoundTrip(t *testing.T) {
	want := AckPacket{
		Header: Header{SenderID: 5, Type: PktAck},
		Acks: []AckID{
			{ClientID: 1, ClientPort: 2, ServerPort: 3},
			{ClientID: 4, ClientPort: 5, ServerPort: 6},
		},
	}
	var got AckPacket
	roundTrip(t, &want, &got)
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatalf("round trip mismatch: %v", diff)
	}
}

func TestPktTypeString(t *testing.T) {
	cases := map[PktType]string{
		PktData: "DATA", PktGrant: "GRANT", PktResend: "RESEND",
		PktUnknown: "UNKNOWN", PktBusy: "BUSY", PktCutoffs: "CUTOFFS",
		PktNeedAck: "NEED_ACK", PktAck: "ACK",
	}
	for typ, want := range cases {
		if got := typ.String(); got != want {
			t.Errorf("PktType(%d).String() = %q, want %q", typ, got, want)
		}
	}
}
