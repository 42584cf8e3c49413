package wire_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pushmob/relay/internal/token"
	"github.com/pushmob/relay/internal/wire"
)

// makeToken returns a 32-byte token filled with b.
func makeToken(b byte) []byte {
	tok := make([]byte, token.Length)
	for i := range tok {
		tok[i] = b
	}
	return tok
}

func TestEncodeFrame_Layout(t *testing.T) {
	// A zero-id notification expiring at 0x01020304 with a zero token and
	// payload "hello" must produce the documented 50-byte frame.
	n := &wire.Notification{
		ID:       0,
		ExpiryAt: 0x01020304,
		Token:    makeToken(0),
		Payload:  []byte("hello"),
	}
	frame := n.EncodeFrame()

	if len(frame) != 1+4+4+2+32+2+5 {
		t.Fatalf("frame length = %d, want 50", len(frame))
	}
	if frame[0] != wire.CommandNotification {
		t.Errorf("command byte = %d, want %d", frame[0], wire.CommandNotification)
	}
	if id := binary.BigEndian.Uint32(frame[1:5]); id != 0 {
		t.Errorf("id = %d, want 0", id)
	}
	if exp := binary.BigEndian.Uint32(frame[5:9]); exp != 0x01020304 {
		t.Errorf("expiry = %#x, want 0x01020304", exp)
	}
	if l := binary.BigEndian.Uint16(frame[9:11]); l != 32 {
		t.Errorf("token length = %d, want 32", l)
	}
	if !bytes.Equal(frame[11:43], makeToken(0)) {
		t.Errorf("token bytes = %x", frame[11:43])
	}
	if l := binary.BigEndian.Uint16(frame[43:45]); l != 5 {
		t.Errorf("payload length = %d, want 5", l)
	}
	if string(frame[45:]) != "hello" {
		t.Errorf("payload = %q, want %q", frame[45:], "hello")
	}
}

func TestFrame_RoundTrip_AllPayloadLengths(t *testing.T) {
	tok := makeToken(0xab)
	for size := 0; size <= wire.MaxPayloadLen; size++ {
		payload := bytes.Repeat([]byte{0x42}, size)
		in := &wire.Notification{
			ID:       77,
			ExpiryAt: 1234567890,
			Token:    tok,
			Payload:  payload,
		}
		out, err := wire.DecodeFrame(in.EncodeFrame())
		if err != nil {
			t.Fatalf("payload %d: DecodeFrame: %v", size, err)
		}
		if out.ID != in.ID || out.ExpiryAt != in.ExpiryAt {
			t.Fatalf("payload %d: header mismatch: %+v", size, out)
		}
		if !bytes.Equal(out.Token, in.Token) {
			t.Fatalf("payload %d: token mismatch", size)
		}
		if !bytes.Equal(out.Payload, in.Payload) {
			t.Fatalf("payload %d: payload mismatch", size)
		}
	}
}

func TestDecodeFrame_Truncated(t *testing.T) {
	n := &wire.Notification{ID: 1, ExpiryAt: 2, Token: makeToken(1), Payload: []byte("p")}
	frame := n.EncodeFrame()

	for _, cut := range []int{1, 5, 9, 12, len(frame) - 1} {
		if _, err := wire.DecodeFrame(frame[:cut]); err == nil {
			t.Errorf("DecodeFrame of %d-byte prefix succeeded, want error", cut)
		}
	}
}

func TestQueued_RoundTrip(t *testing.T) {
	in := &wire.Notification{
		ID:        4294967295,
		CreatedAt: 1700000000,
		ExpiryAt:  1700003600,
		Token:     makeToken(0x7f),
		Payload:   []byte(`{"aps":{"alert":"hi"}}`),
	}
	out, err := wire.DecodeQueued(wire.EncodeQueued(in))
	if err != nil {
		t.Fatalf("DecodeQueued: %v", err)
	}
	if out.ID != in.ID || out.CreatedAt != in.CreatedAt || out.ExpiryAt != in.ExpiryAt {
		t.Errorf("header mismatch: %+v", out)
	}
	if !bytes.Equal(out.Token, in.Token) || !bytes.Equal(out.Payload, in.Payload) {
		t.Errorf("body mismatch: %+v", out)
	}
}

func TestDecodeQueued_RefusesMalformedRows(t *testing.T) {
	good := wire.EncodeQueued(&wire.Notification{
		ID: 1, CreatedAt: 2, ExpiryAt: 3, Token: makeToken(0), Payload: []byte("p"),
	})

	cases := map[string][]byte{
		"empty":           nil,
		"short":           good[:10],
		"bad version":     append([]byte{99}, good[1:]...),
		"truncated token": good[:20],
		"printed form":    []byte(`(1, 2, 3, "tok", "payload")`),
	}
	for name, row := range cases {
		if _, err := wire.DecodeQueued(row); err == nil {
			t.Errorf("%s: DecodeQueued succeeded, want error", name)
		}
	}
}

func TestErrorFrame_RoundTrip(t *testing.T) {
	in := wire.ErrorFrame{Command: wire.CommandError, Status: 8, ID: 0xdeadbeef}
	b := wire.EncodeErrorFrame(in)
	if len(b) != wire.ErrorFrameLen {
		t.Fatalf("encoded length = %d, want %d", len(b), wire.ErrorFrameLen)
	}
	out, err := wire.ParseErrorFrame(b)
	if err != nil {
		t.Fatalf("ParseErrorFrame: %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}

	if _, err := wire.ParseErrorFrame(b[:5]); err == nil {
		t.Error("ParseErrorFrame of 5 bytes succeeded, want error")
	}
}

func TestFeedbackTuple_RoundTrip(t *testing.T) {
	in := wire.FeedbackTuple{Timestamp: 1600000000, Token: makeToken(0xcd)}
	b := wire.EncodeFeedbackTuple(in)
	if len(b) != wire.FeedbackTupleLen {
		t.Fatalf("encoded length = %d, want %d", len(b), wire.FeedbackTupleLen)
	}
	out, err := wire.ParseFeedbackTuple(b)
	if err != nil {
		t.Fatalf("ParseFeedbackTuple: %v", err)
	}
	if out.Timestamp != in.Timestamp || !bytes.Equal(out.Token, in.Token) {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}

	// A tuple claiming a wrong token length is refused.
	bad := wire.EncodeFeedbackTuple(in)
	binary.BigEndian.PutUint16(bad[4:6], 16)
	if _, err := wire.ParseFeedbackTuple(bad); err == nil {
		t.Error("ParseFeedbackTuple with bad token length succeeded, want error")
	}
}

func TestStatusText(t *testing.T) {
	cases := map[uint8]string{
		0:   "no error",
		8:   "invalid token",
		255: "none (unknown)",
	}
	for status, want := range cases {
		if got := wire.StatusText(status); got != want {
			t.Errorf("StatusText(%d) = %q, want %q", status, got, want)
		}
	}
	if got := wire.StatusText(42); got == "" {
		t.Error("StatusText(42) returned an empty string")
	}
}
