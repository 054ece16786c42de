package market

import (
	"fmt"
	"math/big"
)

// custody is the derived spending capability for a buyer's wallet. It is only
// constructed by the engine while executing an operation on the owner's
// behalf; no raw key material exists for wallet addresses.
type custody struct {
	owner  [20]byte
	wallet [20]byte
}

func (e *Engine) walletCustody(owner [20]byte) (custody, error) {
	wallet, ok, err := e.state.WalletGet(owner)
	if err != nil {
		return custody{}, err
	}
	if !ok {
		return custody{}, ErrWalletNotFound
	}
	return custody{owner: owner, wallet: wallet.Address}, nil
}

func (e *Engine) debitWallet(c custody, to [20]byte, asset [32]byte, amount *big.Int) error {
	return e.transfer(c.wallet, to, asset, amount)
}

// CreateWallet initialises the buyer's custody wallet. The wallet address is
// derived from the owner, so a second call targets the same record and fails.
func (e *Engine) CreateWallet(owner [20]byte) (*Wallet, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if _, ok, err := e.state.WalletGet(owner); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrWalletExists
	}
	if err := e.transfer(owner, storageVault, NativeCurrency, big.NewInt(WalletStorageDeposit)); err != nil {
		return nil, err
	}
	wallet := &Wallet{Owner: owner, Address: WalletAddress(owner), CreatedAt: e.now()}
	if err := e.state.WalletPut(wallet); err != nil {
		return nil, err
	}
	e.emit(NewWalletCreatedEvent(wallet))
	return wallet.Clone(), nil
}

// DepositNative moves native funds from the sender into the owner's wallet.
// Anyone may fund any existing wallet.
func (e *Engine) DepositNative(from, owner [20]byte, amount *big.Int) error {
	return e.deposit(from, owner, NativeCurrency, amount)
}

// DepositToken moves token funds from the sender into the owner's wallet.
func (e *Engine) DepositToken(from, owner [20]byte, currency [32]byte, amount *big.Int) error {
	if currency == ([32]byte{}) {
		return fmt.Errorf("market: currency id required")
	}
	return e.deposit(from, owner, currency, amount)
}

func (e *Engine) deposit(from, owner [20]byte, asset [32]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("market: deposit amount must be positive")
	}
	wallet, ok, err := e.state.WalletGet(owner)
	if err != nil {
		return err
	}
	if !ok {
		return ErrWalletNotFound
	}
	if err := e.transfer(from, wallet.Address, asset, amount); err != nil {
		return err
	}
	e.emit(NewWalletCreditedEvent(wallet, asset, amount))
	return nil
}

// WithdrawNative returns native funds from the owner's wallet to the owner.
// The transfer is all-or-nothing; a balance below amount fails without
// touching state.
func (e *Engine) WithdrawNative(owner [20]byte, amount *big.Int) error {
	return e.withdraw(owner, owner, NativeCurrency, amount)
}

// WithdrawToken moves token funds from the owner's wallet to the destination
// address, authorized by the wallet's derived custody capability.
func (e *Engine) WithdrawToken(owner [20]byte, currency [32]byte, destination [20]byte, amount *big.Int) error {
	if currency == ([32]byte{}) {
		return fmt.Errorf("market: currency id required")
	}
	return e.withdraw(owner, destination, currency, amount)
}

func (e *Engine) withdraw(owner, destination [20]byte, asset [32]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("market: withdrawal amount must be positive")
	}
	c, err := e.walletCustody(owner)
	if err != nil {
		return err
	}
	if err := e.debitWallet(c, destination, asset, amount); err != nil {
		return err
	}
	wallet, _, err := e.state.WalletGet(owner)
	if err != nil {
		return err
	}
	e.emit(NewWalletDebitedEvent(wallet, asset, amount))
	return nil
}

// GetWallet returns the custody record for a buyer, if created.
func (e *Engine) GetWallet(owner [20]byte) (*Wallet, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	wallet, ok, err := e.state.WalletGet(owner)
	if err != nil || !ok {
		return nil, false, err
	}
	return wallet.Clone(), true, nil
}

// WalletBalance reads the wallet's holding of a single asset.
func (e *Engine) WalletBalance(owner [20]byte, asset [32]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	wallet, ok, err := e.state.WalletGet(owner)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrWalletNotFound
	}
	return e.balance(wallet.Address, asset)
}
