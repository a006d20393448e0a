// Package codec implements the fixed-width base-62 short-code encoding.
//
// The alphabet is digits-first (0-9, a-z, A-Z) so that the zero symbol '0'
// doubles as the left-padding character: padded codes remain valid,
// decodable code strings.
//
// Performance: Encode is a divmod loop over at most 11 digits for int64
// inputs; Decode is a single pass with a 256-entry reverse table. Both are
// allocation-light and safe for the redirect hot path.
package codec

import (
	"errors"
	"strings"
)

// Alphabet is the 62-character code alphabet, digits first.
const Alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

const base = int64(len(Alphabet))

// ErrNegative is returned when encoding a negative integer.
var ErrNegative = errors.New("codec: cannot encode negative value")

// ErrInvalidCode is returned when decoding a string containing characters
// outside the alphabet.
var ErrInvalidCode = errors.New("codec: invalid code character")

var reverse = buildReverse()

func buildReverse() [256]int8 {
	var table [256]int8
	for i := range table {
		table[i] = -1
	}
	for i := 0; i < len(Alphabet); i++ {
		table[Alphabet[i]] = int8(i)
	}
	return table
}

// Encode converts a non-negative integer into its base-62 representation,
// most significant digit first. Encode(0) == "0".
func Encode(n int64) (string, error) {
	if n < 0 {
		return "", ErrNegative
	}
	if n == 0 {
		return string(Alphabet[0]), nil
	}

	var buf [11]byte // enough for max int64 in base 62
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = Alphabet[n%base]
		n /= base
	}
	return string(buf[i:]), nil
}

// Decode converts a base-62 code back into its integer value. Padded codes
// decode to the same value as their unpadded form.
func Decode(code string) (int64, error) {
	if code == "" {
		return 0, ErrInvalidCode
	}

	var n int64
	for i := 0; i < len(code); i++ {
		d := reverse[code[i]]
		if d < 0 {
			return 0, ErrInvalidCode
		}
		n = n*base + int64(d)
	}
	return n, nil
}

// Pad left-pads a code with the alphabet's zero symbol to the given width.
// Codes already at or beyond the width are returned unchanged.
func Pad(code string, width int) string {
	if len(code) >= width {
		return code
	}
	return strings.Repeat(string(Alphabet[0]), width-len(code)) + code
}

// EncodePadded encodes n and pads the result to the given width.
func EncodePadded(n int64, width int) (string, error) {
	code, err := Encode(n)
	if err != nil {
		return "", err
	}
	return Pad(code, width), nil
}

// IsValidCode reports whether every character of s belongs to the alphabet.
func IsValidCode(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if reverse[s[i]] < 0 {
			return false
		}
	}
	return true
}
