package listener

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/pushmob/relay/internal/token"
	"github.com/pushmob/relay/internal/wire"
)

// sendRequest is a validated "send" command: one payload bound for one or
// more decoded device tokens.
type sendRequest struct {
	expiry  uint32
	tokens  [][]byte
	payload []byte
}

// parseExpiry parses the expiry argument: either absolute epoch seconds, or
// a relative offset with a leading "+" resolved against now.
func parseExpiry(s string, now time.Time) (uint32, error) {
	relative := strings.HasPrefix(s, "+")
	v, err := strconv.ParseInt(strings.TrimPrefix(s, "+"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid expiry value %q", s)
	}
	if relative {
		v += now.Unix()
	}
	if v < 0 || v > math.MaxUint32 {
		return 0, fmt.Errorf("expiry %q out of range", s)
	}
	return uint32(v), nil
}

// splitField cuts the first whitespace-separated field off s, returning the
// field and the remainder with leading whitespace trimmed.
func splitField(s string) (field, rest string, ok bool) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	if s == "" {
		return "", "", false
	}
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, "", true
	}
	return s[:i], strings.TrimLeftFunc(s[i:], unicode.IsSpace), true
}

// parseSend validates the arguments of a send command:
//
//	send <expiry> <N> <tok1> … <tokN> <payload>
//
// Each token is 64 hexadecimal characters or base64, decoding to exactly 32
// bytes. The payload is the remainder of the line, opaque, at most
// wire.MaxPayloadLen bytes.
func parseSend(args string, now time.Time) (*sendRequest, error) {
	expiryStr, rest, ok := splitField(args)
	if !ok {
		return nil, errors.New("send: missing expiry")
	}
	expiry, err := parseExpiry(expiryStr, now)
	if err != nil {
		return nil, err
	}

	countStr, rest, ok := splitField(rest)
	if !ok {
		return nil, errors.New("send: missing device count")
	}
	count, err := strconv.Atoi(countStr)
	if err != nil || count < 1 {
		return nil, fmt.Errorf("send: invalid device count %q", countStr)
	}

	toks := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		var tokStr string
		tokStr, rest, ok = splitField(rest)
		if !ok {
			return nil, fmt.Errorf("send: %d device tokens given, %d announced", i, count)
		}
		tok, err := token.Parse(tokStr)
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
	}

	if len(rest) > wire.MaxPayloadLen {
		return nil, fmt.Errorf("send: payload too long (%d > %d)", len(rest), wire.MaxPayloadLen)
	}

	return &sendRequest{
		expiry:  expiry,
		tokens:  toks,
		payload: []byte(rest),
	}, nil
}
