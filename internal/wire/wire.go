// Package wire implements the binary encodings exchanged with the push
// gateway and stored in the persistent queues.
//
// # Gateway frames
//
// A notification is sent as an extended-notification frame:
//
//	command:u8=1 || id:u32 || expiry:u32 || token_len:u16 || token ||
//	payload_len:u16 || payload
//
// The gateway reports problems with a fixed six-byte error frame:
//
//	command:u8=8 || status:u8 || id:u32
//
// and the feedback service streams fixed-size tuples:
//
//	timestamp:u32 || token_len:u16 || token:32B
//
// All multi-byte integers are big-endian.
//
// # Queue rows
//
// Queued notifications are persisted with a defined binary layout
// (EncodeQueued/DecodeQueued) rather than any printable representation, and
// malformed rows are refused at decode time. Feedback queue rows reuse the
// feedback tuple encoding verbatim.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/pushmob/relay/internal/token"
)

// Gateway frame command bytes.
const (
	CommandNotification = 1 // extended-notification frame, daemon → gateway
	CommandError        = 8 // error frame, gateway → daemon
)

// ErrorFrameLen is the size of a gateway error frame in bytes.
const ErrorFrameLen = 6

// FeedbackTupleLen is the size of one feedback service tuple in bytes.
const FeedbackTupleLen = 4 + 2 + token.Length

// MaxPayloadLen is the largest notification payload the gateway accepts.
const MaxPayloadLen = 256

// StatusInvalidToken is the error frame status reporting that the device
// token is no longer valid and must stop being targeted.
const StatusInvalidToken = 8

// statusText maps gateway error statuses to human-readable descriptions.
var statusText = map[uint8]string{
	0:   "no error",
	1:   "processing error",
	2:   "missing device token",
	3:   "missing topic",
	4:   "missing payload",
	5:   "invalid token size",
	6:   "invalid topic size",
	7:   "invalid payload size",
	8:   "invalid token",
	255: "none (unknown)",
}

// StatusText returns a human-readable description of a gateway error status.
func StatusText(status uint8) string {
	if s, ok := statusText[status]; ok {
		return s
	}
	return fmt.Sprintf("unrecognized status %d", status)
}

// Notification is one queued push message.
type Notification struct {
	// ID is the daemon-assigned monotonic notification identifier.
	ID uint32
	// CreatedAt is the ingress time in seconds since the epoch.
	CreatedAt int64
	// ExpiryAt is the gateway-facing expiry in seconds since the epoch.
	ExpiryAt uint32
	// Token is the decoded 32-byte device token.
	Token []byte
	// Payload is the opaque notification payload, at most MaxPayloadLen
	// bytes.
	Payload []byte
}

// EncodeFrame serialises n as an extended-notification frame ready to be
// written to the gateway.
func (n *Notification) EncodeFrame() []byte {
	buf := make([]byte, 0, 1+4+4+2+len(n.Token)+2+len(n.Payload))
	buf = append(buf, CommandNotification)
	buf = binary.BigEndian.AppendUint32(buf, n.ID)
	buf = binary.BigEndian.AppendUint32(buf, n.ExpiryAt)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(n.Token)))
	buf = append(buf, n.Token...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(n.Payload)))
	buf = append(buf, n.Payload...)
	return buf
}

// DecodeFrame parses an extended-notification frame. The CreatedAt field is
// not carried on the wire and is left zero.
func DecodeFrame(b []byte) (*Notification, error) {
	if len(b) < 1+4+4+2 {
		return nil, fmt.Errorf("wire: notification frame too short (%d bytes)", len(b))
	}
	if b[0] != CommandNotification {
		return nil, fmt.Errorf("wire: unexpected frame command %d", b[0])
	}
	n := &Notification{
		ID:       binary.BigEndian.Uint32(b[1:5]),
		ExpiryAt: binary.BigEndian.Uint32(b[5:9]),
	}
	rest := b[9:]
	tokLen := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if len(rest) < tokLen+2 {
		return nil, fmt.Errorf("wire: notification frame truncated in token")
	}
	n.Token = append([]byte(nil), rest[:tokLen]...)
	rest = rest[tokLen:]
	payLen := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if len(rest) != payLen {
		return nil, fmt.Errorf("wire: notification frame has %d payload bytes, header says %d", len(rest), payLen)
	}
	n.Payload = append([]byte(nil), rest...)
	return n, nil
}

// queuedVersion tags the queue row layout so it can evolve.
const queuedVersion = 1

// EncodeQueued serialises n for storage in the push queue:
//
//	version:u8 || id:u32 || created:u64 || expiry:u32 ||
//	token_len:u16 || token || payload_len:u16 || payload
func EncodeQueued(n *Notification) []byte {
	buf := make([]byte, 0, 1+4+8+4+2+len(n.Token)+2+len(n.Payload))
	buf = append(buf, queuedVersion)
	buf = binary.BigEndian.AppendUint32(buf, n.ID)
	buf = binary.BigEndian.AppendUint64(buf, uint64(n.CreatedAt))
	buf = binary.BigEndian.AppendUint32(buf, n.ExpiryAt)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(n.Token)))
	buf = append(buf, n.Token...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(n.Payload)))
	buf = append(buf, n.Payload...)
	return buf
}

// DecodeQueued parses a push queue row. Malformed rows are refused rather
// than partially decoded.
func DecodeQueued(b []byte) (*Notification, error) {
	if len(b) < 1+4+8+4+2 {
		return nil, fmt.Errorf("wire: queue row too short (%d bytes)", len(b))
	}
	if b[0] != queuedVersion {
		return nil, fmt.Errorf("wire: unknown queue row version %d", b[0])
	}
	n := &Notification{
		ID:        binary.BigEndian.Uint32(b[1:5]),
		CreatedAt: int64(binary.BigEndian.Uint64(b[5:13])),
		ExpiryAt:  binary.BigEndian.Uint32(b[13:17]),
	}
	rest := b[17:]
	tokLen := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if tokLen != token.Length {
		return nil, fmt.Errorf("wire: queue row token length %d, want %d", tokLen, token.Length)
	}
	if len(rest) < tokLen+2 {
		return nil, fmt.Errorf("wire: queue row truncated in token")
	}
	n.Token = append([]byte(nil), rest[:tokLen]...)
	rest = rest[tokLen:]
	payLen := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if len(rest) != payLen {
		return nil, fmt.Errorf("wire: queue row has %d payload bytes, header says %d", len(rest), payLen)
	}
	n.Payload = append([]byte(nil), rest...)
	return n, nil
}

// ErrorFrame is the gateway's asynchronous error report.
type ErrorFrame struct {
	Command uint8
	Status  uint8
	// ID identifies the notification the report refers to.
	ID uint32
}

// ParseErrorFrame decodes a six-byte gateway error frame.
func ParseErrorFrame(b []byte) (ErrorFrame, error) {
	if len(b) != ErrorFrameLen {
		return ErrorFrame{}, fmt.Errorf("wire: error frame is %d bytes, want %d", len(b), ErrorFrameLen)
	}
	return ErrorFrame{
		Command: b[0],
		Status:  b[1],
		ID:      binary.BigEndian.Uint32(b[2:6]),
	}, nil
}

// EncodeErrorFrame serialises f; used by tests and gateway simulators.
func EncodeErrorFrame(f ErrorFrame) []byte {
	buf := make([]byte, 0, ErrorFrameLen)
	buf = append(buf, f.Command, f.Status)
	buf = binary.BigEndian.AppendUint32(buf, f.ID)
	return buf
}

// FeedbackTuple is one feedback service report: the given device token
// should no longer be targeted as of Timestamp. Tuples created by a push
// agent observing an invalid-token error carry a zero Timestamp.
type FeedbackTuple struct {
	Timestamp uint32
	Token     []byte
}

// EncodeFeedbackTuple serialises t. The same encoding is used on the wire
// and in the feedback queue.
func EncodeFeedbackTuple(t FeedbackTuple) []byte {
	buf := make([]byte, 0, FeedbackTupleLen)
	buf = binary.BigEndian.AppendUint32(buf, t.Timestamp)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(t.Token)))
	buf = append(buf, t.Token...)
	return buf
}

// ParseFeedbackTuple decodes one fixed-size feedback tuple.
func ParseFeedbackTuple(b []byte) (FeedbackTuple, error) {
	if len(b) != FeedbackTupleLen {
		return FeedbackTuple{}, fmt.Errorf("wire: feedback tuple is %d bytes, want %d", len(b), FeedbackTupleLen)
	}
	tokLen := int(binary.BigEndian.Uint16(b[4:6]))
	if tokLen != token.Length {
		return FeedbackTuple{}, fmt.Errorf("wire: feedback tuple token length %d, want %d", tokLen, token.Length)
	}
	return FeedbackTuple{
		Timestamp: binary.BigEndian.Uint32(b[0:4]),
		Token:     append([]byte(nil), b[6:]...),
	}, nil
}
