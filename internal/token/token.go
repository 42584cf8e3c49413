// Package token parses and formats the opaque 32-byte device tokens carried
// by notifications and feedback tuples. Clients may submit tokens either as
// 64 hexadecimal characters or as standard base64; internally a token is
// always the decoded binary form.
package token

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Length is the size of a decoded device token in bytes.
const Length = 32

// Format selects the textual rendering of device tokens in log lines and
// feedback replies.
type Format string

const (
	FormatBase64 Format = "base64"
	FormatHex    Format = "hex"
)

// Formatter renders binary device tokens in one configured Format. It is
// injected into every component that prints tokens; there is no process-wide
// default.
type Formatter struct {
	format Format
}

// NewFormatter returns a Formatter for the given format. The format must be
// FormatBase64 or FormatHex.
func NewFormatter(f Format) (*Formatter, error) {
	switch f {
	case FormatBase64, FormatHex:
		return &Formatter{format: f}, nil
	default:
		return nil, fmt.Errorf("token: unknown device token format %q", f)
	}
}

// Encode renders a binary device token in the configured format.
func (f *Formatter) Encode(tok []byte) string {
	if f.format == FormatBase64 {
		return base64.StdEncoding.EncodeToString(tok)
	}
	return hex.EncodeToString(tok)
}

// Parse decodes a textual device token. A 64-character input is interpreted
// as hexadecimal; anything else is interpreted as standard base64. The
// decoded token must be exactly Length bytes.
func Parse(s string) ([]byte, error) {
	var (
		tok []byte
		err error
	)
	if len(s) == hex.EncodedLen(Length) {
		tok, err = hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("token: bad hexadecimal device token %q: %w", s, err)
		}
	} else {
		tok, err = base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("token: bad base64 device token %q: %w", s, err)
		}
	}
	if len(tok) != Length {
		return nil, fmt.Errorf("token: device token %q decodes to %d bytes, want %d", s, len(tok), Length)
	}
	return tok, nil
}
