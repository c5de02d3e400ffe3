package merkle

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

var ErrInvalidHash = errors.New("invalid hash")

// Hash is a 32-byte leaf, node or root hash. Its text form is base58.
type Hash [HashSize]byte

// HashFromBytes copies b into a Hash. b must be exactly HashSize bytes.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidHash, HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// ParseHash accepts base58 or 64-character hex (optionally 0x-prefixed).
func ParseHash(s string) (Hash, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Hash{}, fmt.Errorf("%w: empty", ErrInvalidHash)
	}
	hexStr := strings.TrimPrefix(s, "0x")
	if len(hexStr) == 2*HashSize {
		b, err := hex.DecodeString(hexStr)
		if err == nil {
			return HashFromBytes(b)
		}
	}
	b, err := base58.Decode(s)
	if err != nil {
		return Hash{}, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return HashFromBytes(b)
}

func (h Hash) String() string {
	return base58.Encode(h[:])
}

func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
