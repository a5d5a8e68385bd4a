package mfa

import (
	"fmt"
	"strings"
)

// The RFC 4648 base32 alphabet used by authenticator apps.
const base32Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

// DecodeError reports a symbol outside the base32 alphabet. A credential
// secret that decodes once must keep decoding; this error is only expected
// at enrollment time on malformed input.
type DecodeError struct {
	Symbol   byte
	Position int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("mfa: invalid base32 symbol %q at position %d", e.Symbol, e.Position)
}

// EncodeBase32 encodes raw bytes into unpadded upper-case base32, the
// canonical form authenticator apps accept.
func EncodeBase32(data []byte) string {
	var out strings.Builder
	out.Grow((len(data)*8 + 4) / 5)

	var buffer uint16
	var bits uint
	for _, b := range data {
		buffer = buffer<<8 | uint16(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			out.WriteByte(base32Alphabet[buffer>>bits&0x1f])
		}
	}
	if bits > 0 {
		out.WriteByte(base32Alphabet[buffer<<(5-bits)&0x1f])
	}

	return out.String()
}

// DecodeBase32 decodes a base32 string case-insensitively, ignoring padding.
// Any symbol outside the alphabet yields a *DecodeError.
func DecodeBase32(encoded string) ([]byte, error) {
	cleaned := strings.ToUpper(strings.TrimRight(strings.TrimSpace(encoded), "="))

	out := make([]byte, 0, len(cleaned)*5/8)

	var buffer uint16
	var bits uint
	for i := 0; i < len(cleaned); i++ {
		idx := strings.IndexByte(base32Alphabet, cleaned[i])
		if idx < 0 {
			return nil, &DecodeError{Symbol: cleaned[i], Position: i}
		}

		buffer = buffer<<5 | uint16(idx)
		bits += 5
		if bits >= 8 {
			bits -= 8
			out = append(out, byte(buffer>>bits))
		}
	}

	return out, nil
}
