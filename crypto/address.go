package crypto

import (
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
)

// AddressPrefix is the human-readable prefix of an encoded account address.
type AddressPrefix string

// MarketPrefix is the prefix used for marketplace account addresses.
const MarketPrefix AddressPrefix = "mkt"

// Address represents a 20-byte account address with a human-readable prefix.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

// NewAddress wraps raw address bytes with the given prefix.
func NewAddress(prefix AddressPrefix, b []byte) Address {
	return Address{prefix: prefix, bytes: append([]byte(nil), b...)}
}

// String renders the address in bech32.
func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		return ""
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		return ""
	}
	return encoded
}

// Bytes returns a copy of the raw address bytes.
func (a Address) Bytes() []byte {
	return append([]byte(nil), a.bytes...)
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix { return a.prefix }

// DecodeAddress parses a bech32 account address.
func DecodeAddress(addr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 payload: %w", err)
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// DecodeMarketAddress parses a bech32 address and checks it is a 20-byte
// marketplace account address.
func DecodeMarketAddress(addr string) ([20]byte, error) {
	var out [20]byte
	decoded, err := DecodeAddress(addr)
	if err != nil {
		return out, err
	}
	if decoded.Prefix() != MarketPrefix {
		return out, fmt.Errorf("unexpected address prefix %q", decoded.Prefix())
	}
	raw := decoded.Bytes()
	if len(raw) != len(out) {
		return out, fmt.Errorf("address must be %d bytes, got %d", len(out), len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
