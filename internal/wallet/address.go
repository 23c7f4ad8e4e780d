package wallet

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ErrInvalidAddress indicates the supplied string is not a well-formed EVM address.
var ErrInvalidAddress = fmt.Errorf("invalid address")

// IsValidAddress reports whether s looks like an EVM address (0x + 40 hex chars).
func IsValidAddress(s string) bool {
	if len(s) != 42 || s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
		return false
	}
	for _, r := range s[2:] {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// ChecksumAddress normalizes an address to its EIP-55 mixed-case form. This is
// the single case-normalization point for addresses: every address stored or
// compared downstream has passed through here.
func ChecksumAddress(s string) (string, error) {
	if !IsValidAddress(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}

	lower := strings.ToLower(s[2:])
	hash := sha3.NewLegacyKeccak256()
	hash.Write([]byte(lower))
	digest := hash.Sum(nil)

	out := make([]byte, 42)
	out[0] = '0'
	out[1] = 'x'
	for i := 0; i < 40; i++ {
		c := lower[i]
		if c >= 'a' && c <= 'f' {
			nibble := digest[i/2]
			if i%2 == 0 {
				nibble >>= 4
			}
			if nibble&0x0f >= 8 {
				c = c - 'a' + 'A'
			}
		}
		out[i+2] = c
	}
	return string(out), nil
}
