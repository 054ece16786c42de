package market

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// LocatorLength is the fixed size of the external locator carried alongside a
// Merkle root. The locator points at the full leaf list hosted off-platform
// and is informational only; settlement never dereferences it.
const LocatorLength = 43

// MaxLoyaltyEvidence bounds the number of loyalty NFT evidence pairs a buyer
// may attach to an order.
const MaxLoyaltyEvidence = 10

// NativeCurrency is the sentinel currency identifier for the ledger's native
// unit. Orders priced in it settle through the native payment path.
var NativeCurrency = [32]byte(ethcrypto.Keccak256Hash([]byte("market/native-currency")))

// MerkleSet commits to an enumerated set of NFT identities.
type MerkleSet struct {
	Root    [32]byte
	Locator [LocatorLength]byte
}

// Zero reports whether the set is unset.
func (s MerkleSet) Zero() bool { return s.Root == ([32]byte{}) }

// CompletionReceipt records the terminal fill of an order. The zero value is
// the sentinel for an order that is still open; once written it is permanent.
type CompletionReceipt struct {
	Seller   [20]byte
	SoldNFT  [32]byte
	SaleTime int64
}

// Zero reports whether the receipt is the open-order sentinel.
func (r CompletionReceipt) Zero() bool { return r == (CompletionReceipt{}) }

// Order is a buyer's fixed-price offer for any NFT matching its eligibility
// rule. Exactly one of Collection and NFTSet.Root is non-zero. Price and Fee
// are fixed at creation and never recomputed; once the receipt is written the
// order is a permanent trade record and can no longer be mutated or closed.
type Order struct {
	ID           [32]byte
	Buyer        [20]byte
	Receipt      CompletionReceipt
	Currency     [32]byte
	Price        *big.Int
	LoyaltyCount uint8
	Fee          *big.Int
	Collection   [32]byte
	NFTSet       MerkleSet
	CreatedAt    int64
}

// Open reports whether the order can still be accepted or closed.
func (o *Order) Open() bool { return o != nil && o.Receipt.SaleTime == 0 }

// Clone returns a deep copy of the order so callers can safely mutate the
// copy without affecting the stored instance.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	if o.Price != nil {
		clone.Price = new(big.Int).Set(o.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	if o.Fee != nil {
		clone.Fee = new(big.Int).Set(o.Fee)
	} else {
		clone.Fee = big.NewInt(0)
	}
	return &clone
}

// SanitizeOrder validates and normalises the supplied order, returning a
// cloned instance with non-nil amount fields. The function does not mutate
// the original value.
func SanitizeOrder(o *Order) (*Order, error) {
	if o == nil {
		return nil, fmt.Errorf("market: nil order")
	}
	clone := o.Clone()
	if clone.Price.Sign() < 0 {
		return nil, fmt.Errorf("market: order price must be non-negative")
	}
	if clone.Fee.Sign() < 0 {
		return nil, fmt.Errorf("market: order fee must be non-negative")
	}
	hasCollection := clone.Collection != ([32]byte{})
	hasSet := !clone.NFTSet.Zero()
	if hasCollection == hasSet {
		return nil, ErrUndefinedEligibility
	}
	if clone.LoyaltyCount > MaxLoyaltyEvidence {
		return nil, fmt.Errorf("market: loyalty count out of range: %d", clone.LoyaltyCount)
	}
	if clone.Receipt.SaleTime < 0 {
		return nil, fmt.Errorf("market: negative sale time")
	}
	return clone, nil
}

// AllowedCurrency is one row of the fee schedule: a payment currency accepted
// for orders together with the multiplier applied to the loyalty tier fee.
// A multiplier of 10_000 bps leaves the tier fee unchanged.
type AllowedCurrency struct {
	Currency         [32]byte
	FeeMultiplierBps uint16
}

// Clone returns a copy of the schedule row.
func (c *AllowedCurrency) Clone() *AllowedCurrency {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// Wallet is the custodial record backing a buyer's orders. Its address is
// derived deterministically from the owner, so each buyer has exactly one
// wallet; balances held at the address are spendable only through the
// engine's derived custody capability.
type Wallet struct {
	Owner     [20]byte
	Address   [20]byte
	CreatedAt int64
}

// Clone returns a copy of the wallet record.
func (w *Wallet) Clone() *Wallet {
	if w == nil {
		return nil
	}
	clone := *w
	return &clone
}

// WalletAddress derives the custody address for a buyer. No key material
// exists for the derived address.
func WalletAddress(owner [20]byte) [20]byte {
	digest := ethcrypto.Keccak256([]byte("market/wallet"), owner[:])
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}
