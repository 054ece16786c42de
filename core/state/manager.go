package state

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"marketcore/native/market"
	"marketcore/storage"
)

// Key prefixes for the market records held in the backing store.
var (
	prefixOrder    = []byte("market/order/")
	prefixCurrency = []byte("market/currency/")
	prefixWallet   = []byte("market/wallet/")
	prefixBalance  = []byte("market/balance/")
)

// Manager persists market records over a key-value store. Mutations accumulate
// in an in-memory overlay until Commit flushes them; Discard drops the overlay
// untouched. The node wraps each settlement operation in exactly one
// commit-or-discard cycle, which gives every operation all-or-nothing
// visibility.
type Manager struct {
	db storage.Database

	mu      sync.RWMutex
	writes  map[string][]byte
	deletes map[string]struct{}
}

// NewManager creates a state manager over the supplied database.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:      db,
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

// Commit flushes all staged mutations to the backing store as one batch
// write and resets the overlay. A failed flush keeps the overlay intact, so
// the store never holds a partial operation.
func (m *Manager) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.writes) == 0 && len(m.deletes) == 0 {
		return nil
	}
	batch := new(storage.Batch)
	for key, value := range m.writes {
		batch.Put([]byte(key), value)
	}
	for key := range m.deletes {
		batch.Delete([]byte(key))
	}
	if err := m.db.Write(batch); err != nil {
		return err
	}
	m.reset()
	return nil
}

// Discard drops all staged mutations without touching the backing store.
func (m *Manager) Discard() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

func (m *Manager) reset() {
	m.writes = make(map[string][]byte)
	m.deletes = make(map[string]struct{})
}

func (m *Manager) put(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deletes, string(key))
	m.writes[string(key)] = encoded
	return nil
}

func (m *Manager) del(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.writes, string(key))
	m.deletes[string(key)] = struct{}{}
	return nil
}

// get decodes the stored value for key into out, consulting the overlay
// first. It reports whether a value was found.
func (m *Manager) get(key []byte, out interface{}) (bool, error) {
	m.mu.RLock()
	if _, gone := m.deletes[string(key)]; gone {
		m.mu.RUnlock()
		return false, nil
	}
	if staged, ok := m.writes[string(key)]; ok {
		m.mu.RUnlock()
		return true, rlp.DecodeBytes(staged, out)
	}
	m.mu.RUnlock()
	stored, err := m.db.Get(key)
	if err != nil {
		if err == storage.ErrKeyNotFound {
			return false, nil
		}
		return false, err
	}
	return true, rlp.DecodeBytes(stored, out)
}

func orderKey(id [32]byte) []byte {
	return append(append([]byte(nil), prefixOrder...), id[:]...)
}

func currencyKey(id [32]byte) []byte {
	return append(append([]byte(nil), prefixCurrency...), id[:]...)
}

func walletKey(owner [20]byte) []byte {
	return append(append([]byte(nil), prefixWallet...), owner[:]...)
}

func balanceKey(addr [20]byte, asset [32]byte) []byte {
	key := append(append([]byte(nil), prefixBalance...), addr[:]...)
	return append(key, asset[:]...)
}

// RLP cannot represent signed integers, so records with timestamps round-trip
// through storage structs carrying uint64 times.
type storedReceipt struct {
	Seller   [20]byte
	SoldNFT  [32]byte
	SaleTime uint64
}

type storedOrder struct {
	ID           [32]byte
	Buyer        [20]byte
	Receipt      storedReceipt
	Currency     [32]byte
	Price        *big.Int
	LoyaltyCount uint8
	Fee          *big.Int
	Collection   [32]byte
	SetRoot      [32]byte
	SetLocator   [market.LocatorLength]byte
	CreatedAt    uint64
}

type storedWallet struct {
	Owner     [20]byte
	Address   [20]byte
	CreatedAt uint64
}

func toStoredOrder(o *market.Order) *storedOrder {
	return &storedOrder{
		ID:    o.ID,
		Buyer: o.Buyer,
		Receipt: storedReceipt{
			Seller:   o.Receipt.Seller,
			SoldNFT:  o.Receipt.SoldNFT,
			SaleTime: uint64(o.Receipt.SaleTime),
		},
		Currency:     o.Currency,
		Price:        o.Price,
		LoyaltyCount: o.LoyaltyCount,
		Fee:          o.Fee,
		Collection:   o.Collection,
		SetRoot:      o.NFTSet.Root,
		SetLocator:   o.NFTSet.Locator,
		CreatedAt:    uint64(o.CreatedAt),
	}
}

func fromStoredOrder(s *storedOrder) *market.Order {
	return &market.Order{
		ID:    s.ID,
		Buyer: s.Buyer,
		Receipt: market.CompletionReceipt{
			Seller:   s.Receipt.Seller,
			SoldNFT:  s.Receipt.SoldNFT,
			SaleTime: int64(s.Receipt.SaleTime),
		},
		Currency:     s.Currency,
		Price:        s.Price,
		LoyaltyCount: s.LoyaltyCount,
		Fee:          s.Fee,
		Collection:   s.Collection,
		NFTSet:       market.MerkleSet{Root: s.SetRoot, Locator: s.SetLocator},
		CreatedAt:    int64(s.CreatedAt),
	}
}

// OrderPut stores the order after sanitising it.
func (m *Manager) OrderPut(o *market.Order) error {
	sanitized, err := market.SanitizeOrder(o)
	if err != nil {
		return err
	}
	return m.put(orderKey(sanitized.ID), toStoredOrder(sanitized))
}

// OrderGet loads an order by identifier.
func (m *Manager) OrderGet(id [32]byte) (*market.Order, bool, error) {
	stored := new(storedOrder)
	ok, err := m.get(orderKey(id), stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return fromStoredOrder(stored), true, nil
}

// OrderRemove deletes an order record.
func (m *Manager) OrderRemove(id [32]byte) error {
	return m.del(orderKey(id))
}

// WalletPut stores a custody wallet record.
func (m *Manager) WalletPut(w *market.Wallet) error {
	if w == nil {
		return fmt.Errorf("state: nil wallet")
	}
	stored := &storedWallet{Owner: w.Owner, Address: w.Address, CreatedAt: uint64(w.CreatedAt)}
	return m.put(walletKey(w.Owner), stored)
}

// WalletGet loads the custody wallet for an owner.
func (m *Manager) WalletGet(owner [20]byte) (*market.Wallet, bool, error) {
	stored := new(storedWallet)
	ok, err := m.get(walletKey(owner), stored)
	if err != nil || !ok {
		return nil, false, err
	}
	wallet := &market.Wallet{Owner: stored.Owner, Address: stored.Address, CreatedAt: int64(stored.CreatedAt)}
	return wallet, true, nil
}

// CurrencyPut stores a fee schedule row.
func (m *Manager) CurrencyPut(c *market.AllowedCurrency) error {
	if c == nil {
		return fmt.Errorf("state: nil currency")
	}
	return m.put(currencyKey(c.Currency), c)
}

// CurrencyGet loads a fee schedule row.
func (m *Manager) CurrencyGet(id [32]byte) (*market.AllowedCurrency, bool, error) {
	row := new(market.AllowedCurrency)
	ok, err := m.get(currencyKey(id), row)
	if err != nil || !ok {
		return nil, false, err
	}
	return row, true, nil
}

// CurrencyRemove deletes a fee schedule row.
func (m *Manager) CurrencyRemove(id [32]byte) error {
	return m.del(currencyKey(id))
}

// BalanceGet reads the balance of an (address, asset) pair; missing entries
// read as zero.
func (m *Manager) BalanceGet(addr [20]byte, asset [32]byte) (*big.Int, error) {
	balance := new(big.Int)
	ok, err := m.get(balanceKey(addr, asset), balance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return balance, nil
}

// BalanceSet writes the balance of an (address, asset) pair.
func (m *Manager) BalanceSet(addr [20]byte, asset [32]byte, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	return m.put(balanceKey(addr, asset), amount)
}
