package core

import (
	"math/big"
	"sync"

	"marketcore/core/events"
	"marketcore/core/state"
	"marketcore/native/market"
	"marketcore/observability"
)

// NodeConfig carries the fixed identities the settlement engine is deployed
// with.
type NodeConfig struct {
	ScheduleAuthority [20]byte
	FeeReceiver       [20]byte
	LoyaltyCollection [32]byte
}

// Node owns the state manager and settlement engine and serializes every
// operation. Each mutating call runs against the manager's overlay and is
// committed only on success; any error discards the overlay so no partial
// effects are ever visible, matching the hosting-ledger transaction contract.
type Node struct {
	mu      sync.Mutex
	state   *state.Manager
	engine  *market.Engine
	emitter events.Emitter
	staged  []events.Event
	metrics *observability.MarketMetrics
}

// NewNode wires a settlement engine to the supplied state manager.
func NewNode(mgr *state.Manager, cfg NodeConfig) *Node {
	engine := market.NewEngine()
	engine.SetState(mgr)
	engine.SetScheduleAuthority(cfg.ScheduleAuthority)
	engine.SetFeeReceiver(cfg.FeeReceiver)
	engine.SetLoyaltyCollection(cfg.LoyaltyCollection)
	node := &Node{
		state:   mgr,
		engine:  engine,
		emitter: events.NoopEmitter{},
		metrics: observability.Metrics(),
	}
	engine.SetEmitter(stagedEmitter{node: node})
	return node
}

// stagedEmitter collects the engine's events while an operation runs. The
// node delivers them to the configured emitter only after the state commit
// succeeds, so subscribers never see a transition that was rolled back.
type stagedEmitter struct {
	node *Node
}

func (s stagedEmitter) Emit(evt events.Event) {
	s.node.staged = append(s.node.staged, evt)
}

// SetEmitter configures the sink that receives events after each committed
// operation. Passing nil resets it to a no-op emitter.
func (n *Node) SetEmitter(emitter events.Emitter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	n.emitter = emitter
}

// Engine exposes the underlying engine for test harnesses.
func (n *Node) Engine() *market.Engine { return n.engine }

// withCommit runs one mutating operation with all-or-nothing semantics.
// Staged events are delivered only once the commit lands; a failing
// operation drops them along with the overlay.
func (n *Node) withCommit(fn func() error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.staged = n.staged[:0]
	if err := fn(); err != nil {
		n.state.Discard()
		n.staged = n.staged[:0]
		return err
	}
	if err := n.state.Commit(); err != nil {
		n.state.Discard()
		n.staged = n.staged[:0]
		return err
	}
	for _, evt := range n.staged {
		n.emitter.Emit(evt)
	}
	n.staged = n.staged[:0]
	return nil
}

// AllowCurrency adds a currency to the fee schedule.
func (n *Node) AllowCurrency(authority [20]byte, currency [32]byte, feeMultiplierBps uint16) (*market.AllowedCurrency, error) {
	var row *market.AllowedCurrency
	err := n.withCommit(func() error {
		var err error
		row, err = n.engine.AllowCurrency(authority, currency, feeMultiplierBps)
		return err
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// DisallowCurrency removes a currency from the fee schedule.
func (n *Node) DisallowCurrency(authority [20]byte, currency [32]byte) error {
	return n.withCommit(func() error {
		return n.engine.DisallowCurrency(authority, currency)
	})
}

// CreateWallet derives and persists the buyer's custody wallet.
func (n *Node) CreateWallet(owner [20]byte) (*market.Wallet, error) {
	var wallet *market.Wallet
	err := n.withCommit(func() error {
		var err error
		wallet, err = n.engine.CreateWallet(owner)
		return err
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// DepositNative funds the owner's wallet with native currency.
func (n *Node) DepositNative(from, owner [20]byte, amount *big.Int) error {
	return n.withCommit(func() error {
		return n.engine.DepositNative(from, owner, amount)
	})
}

// DepositToken funds the owner's wallet with a token currency.
func (n *Node) DepositToken(from, owner [20]byte, currency [32]byte, amount *big.Int) error {
	return n.withCommit(func() error {
		return n.engine.DepositToken(from, owner, currency, amount)
	})
}

// WithdrawNative returns native funds from the wallet to its owner.
func (n *Node) WithdrawNative(owner [20]byte, amount *big.Int) error {
	err := n.withCommit(func() error {
		return n.engine.WithdrawNative(owner, amount)
	})
	if err == nil {
		n.metrics.Withdrawals.Inc()
	}
	return err
}

// WithdrawToken moves token funds from the wallet to a destination account.
func (n *Node) WithdrawToken(owner [20]byte, currency [32]byte, destination [20]byte, amount *big.Int) error {
	err := n.withCommit(func() error {
		return n.engine.WithdrawToken(owner, currency, destination, amount)
	})
	if err == nil {
		n.metrics.Withdrawals.Inc()
	}
	return err
}

// CreateOrder opens a new purchase order for the buyer.
func (n *Node) CreateOrder(buyer [20]byte, nonce uint64, price *big.Int, currency [32]byte, collection [32]byte, nftSet market.MerkleSet, evidence []market.LoyaltyEvidence) (*market.Order, error) {
	var order *market.Order
	err := n.withCommit(func() error {
		var err error
		order, err = n.engine.CreateOrder(buyer, nonce, price, currency, collection, nftSet, evidence)
		return err
	})
	if err != nil {
		return nil, err
	}
	n.metrics.OrdersCreated.Inc()
	return order, nil
}

// AcceptOrderNative fills a native-currency order.
func (n *Node) AcceptOrderNative(seller [20]byte, orderID [32]byte, nftID [32]byte, expectedPrice *big.Int, proof [][32]byte, meta *market.NFTMetadata) (*market.Order, error) {
	var order *market.Order
	err := n.withCommit(func() error {
		var err error
		order, err = n.engine.AcceptOrderNative(seller, orderID, nftID, expectedPrice, proof, meta)
		return err
	})
	if err != nil {
		return nil, err
	}
	n.metrics.OrdersFilled.Inc()
	return order, nil
}

// AcceptOrderToken fills a token-currency order.
func (n *Node) AcceptOrderToken(seller [20]byte, orderID [32]byte, nftID [32]byte, expectedPrice *big.Int, proof [][32]byte, meta *market.NFTMetadata) (*market.Order, error) {
	var order *market.Order
	err := n.withCommit(func() error {
		var err error
		order, err = n.engine.AcceptOrderToken(seller, orderID, nftID, expectedPrice, proof, meta)
		return err
	})
	if err != nil {
		return nil, err
	}
	n.metrics.OrdersFilled.Inc()
	return order, nil
}

// CloseOrder cancels an open order on behalf of its buyer.
func (n *Node) CloseOrder(buyer [20]byte, orderID [32]byte) error {
	err := n.withCommit(func() error {
		return n.engine.CloseOrder(buyer, orderID)
	})
	if err == nil {
		n.metrics.OrdersClosed.Inc()
	}
	return err
}

// CreditAccount records a balance imported from the hosting ledger.
func (n *Node) CreditAccount(authority, addr [20]byte, asset [32]byte, amount *big.Int) error {
	return n.withCommit(func() error {
		return n.engine.CreditAccount(authority, addr, asset, amount)
	})
}

// GetOrder returns the stored order, if present.
func (n *Node) GetOrder(orderID [32]byte) (*market.Order, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.GetOrder(orderID)
}

// GetWallet returns the custody record for a buyer, if created.
func (n *Node) GetWallet(owner [20]byte) (*market.Wallet, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.GetWallet(owner)
}

// GetCurrency returns the fee schedule row for a currency, if listed.
func (n *Node) GetCurrency(currency [32]byte) (*market.AllowedCurrency, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.GetCurrency(currency)
}

// Balance reads the confirmed balance of an (address, asset) pair.
func (n *Node) Balance(addr [20]byte, asset [32]byte) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Balance(addr, asset)
}

// WalletBalance reads a wallet's holding of a single asset.
func (n *Node) WalletBalance(owner [20]byte, asset [32]byte) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.WalletBalance(owner, asset)
}
