package market

import (
	"fmt"
	"math/big"
)

// AllowCurrency adds a payment currency to the fee schedule. Only the
// configured schedule authority may call it, and a currency can only be
// listed once; changing a multiplier means disallowing and re-allowing the
// currency. Orders already created keep the fee they were quoted.
func (e *Engine) AllowCurrency(authority [20]byte, currency [32]byte, feeMultiplierBps uint16) (*AllowedCurrency, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if authority != e.scheduleAuthority {
		return nil, ErrUnauthorized
	}
	if currency == ([32]byte{}) {
		return nil, fmt.Errorf("market: currency id required")
	}
	if _, ok, err := e.state.CurrencyGet(currency); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrCurrencyExists
	}
	if err := e.transfer(authority, storageVault, NativeCurrency, big.NewInt(ScheduleStorageDeposit)); err != nil {
		return nil, err
	}
	row := &AllowedCurrency{Currency: currency, FeeMultiplierBps: feeMultiplierBps}
	if err := e.state.CurrencyPut(row); err != nil {
		return nil, err
	}
	e.emit(NewCurrencyAllowedEvent(row))
	return row.Clone(), nil
}

// DisallowCurrency removes a currency from the fee schedule and refunds the
// record's storage deposit to the authority. Open orders quoted in the
// currency are unaffected; they carry their own copied fee.
func (e *Engine) DisallowCurrency(authority [20]byte, currency [32]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if authority != e.scheduleAuthority {
		return ErrUnauthorized
	}
	row, ok, err := e.state.CurrencyGet(currency)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if err := e.state.CurrencyRemove(currency); err != nil {
		return err
	}
	if err := e.transfer(storageVault, authority, NativeCurrency, big.NewInt(ScheduleStorageDeposit)); err != nil {
		return err
	}
	e.emit(NewCurrencyDisallowedEvent(row))
	return nil
}

// GetCurrency returns the fee schedule row for a currency, if listed.
func (e *Engine) GetCurrency(currency [32]byte) (*AllowedCurrency, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	row, ok, err := e.state.CurrencyGet(currency)
	if err != nil || !ok {
		return nil, false, err
	}
	return row.Clone(), true, nil
}
