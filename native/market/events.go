package market

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"marketcore/core/types"
)

const (
	EventTypeOrderCreated       = "market.order.created"
	EventTypeOrderFilled        = "market.order.filled"
	EventTypeOrderClosed        = "market.order.closed"
	EventTypeCurrencyAllowed    = "market.currency.allowed"
	EventTypeCurrencyDisallowed = "market.currency.disallowed"
	EventTypeWalletCreated      = "market.wallet.created"
	EventTypeWalletCredited     = "market.wallet.credited"
	EventTypeWalletDebited      = "market.wallet.debited"
)

// NewOrderCreatedEvent returns the canonical payload for a newly opened order.
func NewOrderCreatedEvent(o *Order) *types.Event { return newOrderEvent(EventTypeOrderCreated, o) }

// NewOrderFilledEvent returns the canonical payload for a settled order,
// including the completion receipt.
func NewOrderFilledEvent(o *Order) *types.Event { return newOrderEvent(EventTypeOrderFilled, o) }

// NewOrderClosedEvent returns the canonical payload emitted when a buyer
// cancels an open order.
func NewOrderClosedEvent(o *Order) *types.Event { return newOrderEvent(EventTypeOrderClosed, o) }

// NewCurrencyAllowedEvent returns the payload emitted when a currency joins
// the fee schedule.
func NewCurrencyAllowedEvent(c *AllowedCurrency) *types.Event {
	return newCurrencyEvent(EventTypeCurrencyAllowed, c)
}

// NewCurrencyDisallowedEvent returns the payload emitted when a currency is
// removed from the fee schedule.
func NewCurrencyDisallowedEvent(c *AllowedCurrency) *types.Event {
	return newCurrencyEvent(EventTypeCurrencyDisallowed, c)
}

// NewWalletCreatedEvent returns the payload for a newly derived custody
// wallet.
func NewWalletCreatedEvent(w *Wallet) *types.Event {
	return newWalletEvent(EventTypeWalletCreated, w, [32]byte{}, nil)
}

// NewWalletCreditedEvent returns the payload for a deposit into a wallet.
func NewWalletCreditedEvent(w *Wallet, asset [32]byte, amount *big.Int) *types.Event {
	return newWalletEvent(EventTypeWalletCredited, w, asset, amount)
}

// NewWalletDebitedEvent returns the payload for a withdrawal from a wallet.
func NewWalletDebitedEvent(w *Wallet, asset [32]byte, amount *big.Int) *types.Event {
	return newWalletEvent(EventTypeWalletDebited, w, asset, amount)
}

func newOrderEvent(eventType string, o *Order) *types.Event {
	attrs := make(map[string]string)
	if o == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(o.ID[:])
	attrs["buyer"] = hex.EncodeToString(o.Buyer[:])
	attrs["currency"] = hex.EncodeToString(o.Currency[:])
	if o.Price != nil {
		attrs["price"] = o.Price.String()
	}
	if o.Fee != nil {
		attrs["fee"] = o.Fee.String()
	}
	attrs["loyaltyCount"] = strconv.FormatUint(uint64(o.LoyaltyCount), 10)
	attrs["createdAt"] = strconv.FormatInt(o.CreatedAt, 10)
	if o.Collection != ([32]byte{}) {
		attrs["collection"] = hex.EncodeToString(o.Collection[:])
	}
	if !o.NFTSet.Zero() {
		attrs["setRoot"] = hex.EncodeToString(o.NFTSet.Root[:])
	}
	if !o.Receipt.Zero() {
		attrs["seller"] = hex.EncodeToString(o.Receipt.Seller[:])
		attrs["soldNft"] = hex.EncodeToString(o.Receipt.SoldNFT[:])
		attrs["saleTime"] = strconv.FormatInt(o.Receipt.SaleTime, 10)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newCurrencyEvent(eventType string, c *AllowedCurrency) *types.Event {
	attrs := make(map[string]string)
	if c != nil {
		attrs["currency"] = hex.EncodeToString(c.Currency[:])
		attrs["feeMultiplierBps"] = strconv.FormatUint(uint64(c.FeeMultiplierBps), 10)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newWalletEvent(eventType string, w *Wallet, asset [32]byte, amount *big.Int) *types.Event {
	attrs := make(map[string]string)
	if w == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["owner"] = hex.EncodeToString(w.Owner[:])
	attrs["address"] = hex.EncodeToString(w.Address[:])
	if asset != ([32]byte{}) {
		attrs["asset"] = hex.EncodeToString(asset[:])
	}
	if amount != nil {
		attrs["amount"] = amount.String()
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
