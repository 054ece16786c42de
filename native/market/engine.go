package market

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"marketcore/core/events"
	"marketcore/core/types"
)

var (
	errNilState       = errors.New("market engine: state not configured")
	errNilFeeReceiver = errors.New("market engine: fee receiver not configured")
)

// Storage deposits charged when a record is created and refunded when it is
// closed, denominated in the native currency's smallest unit. Filled orders
// are permanent records, so their deposit is never returned.
const (
	OrderStorageDeposit    = 2_116_800
	ScheduleStorageDeposit = 1_113_600
	WalletStorageDeposit   = 890_880
)

// storageVault holds record deposits until the records are closed.
var storageVault = derivedAddress("market/storage-vault")

func derivedAddress(seed string) [20]byte {
	digest := ethcrypto.Keccak256([]byte(seed))
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}

// engineState is the narrow persistence surface the engine operates on. The
// hosting environment guarantees each engine operation executes serialized
// and all-or-nothing; the engine keeps its side of the bargain by validating
// every precondition before the first write.
type engineState interface {
	OrderPut(*Order) error
	OrderGet(id [32]byte) (*Order, bool, error)
	OrderRemove(id [32]byte) error
	WalletPut(*Wallet) error
	WalletGet(owner [20]byte) (*Wallet, bool, error)
	CurrencyPut(*AllowedCurrency) error
	CurrencyGet(id [32]byte) (*AllowedCurrency, bool, error)
	CurrencyRemove(id [32]byte) error
	BalanceGet(addr [20]byte, asset [32]byte) (*big.Int, error)
	BalanceSet(addr [20]byte, asset [32]byte, amount *big.Int) error
}

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// Engine wires the settlement business logic with external state and event
// emitters. One engine instance serves all buyers and sellers.
type Engine struct {
	state             engineState
	emitter           events.Emitter
	scheduleAuthority [20]byte
	feeReceiver       [20]byte
	loyaltyCollection [32]byte
	nowFn             func() int64
}

// NewEngine creates a settlement engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetScheduleAuthority configures the identity allowed to mutate the fee
// schedule.
func (e *Engine) SetScheduleAuthority(addr [20]byte) { e.scheduleAuthority = addr }

// SetFeeReceiver configures the address that receives marketplace fees.
func (e *Engine) SetFeeReceiver(addr [20]byte) { e.feeReceiver = addr }

// SetLoyaltyCollection configures the collection whose NFTs grant fee
// discounts.
func (e *Engine) SetLoyaltyCollection(id [32]byte) { e.loyaltyCollection = id }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// balance reads the current balance of an (address, asset) pair, treating a
// missing entry as zero.
func (e *Engine) balance(addr [20]byte, asset [32]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	bal, err := e.state.BalanceGet(addr, asset)
	if err != nil {
		return nil, err
	}
	if bal == nil {
		return big.NewInt(0), nil
	}
	return bal, nil
}

// transfer moves amount of asset between two addresses. A zero amount is a
// no-op; the move either applies in full or not at all.
func (e *Engine) transfer(from, to [20]byte, asset [32]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("market: negative transfer amount")
	}
	fromBal, err := e.balance(from, asset)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	// Debit and credit target the same slot when from == to; writing both
	// legs would re-apply the stale credit and mint funds.
	if from == to {
		return nil
	}
	toBal, err := e.balance(to, asset)
	if err != nil {
		return err
	}
	if err := e.state.BalanceSet(from, asset, new(big.Int).Sub(fromBal, amt)); err != nil {
		return err
	}
	return e.state.BalanceSet(to, asset, new(big.Int).Add(toBal, amt))
}

// CreditAccount records a balance imported from the hosting ledger. It is the
// bridge through which the external transfer primitive funds participants and
// is gated by the schedule authority.
func (e *Engine) CreditAccount(authority, addr [20]byte, asset [32]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if authority != e.scheduleAuthority {
		return ErrUnauthorized
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return fmt.Errorf("market: credit amount must be positive")
	}
	bal, err := e.balance(addr, asset)
	if err != nil {
		return err
	}
	return e.state.BalanceSet(addr, asset, new(big.Int).Add(bal, amt))
}

// Balance exposes a read-only balance lookup for queries.
func (e *Engine) Balance(addr [20]byte, asset [32]byte) (*big.Int, error) {
	return e.balance(addr, asset)
}

// OrderID derives the identifier for a buyer's order from a caller-supplied
// nonce, so identifiers are deterministic without a global counter.
func OrderID(buyer [20]byte, nonce uint64) [32]byte {
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	return [32]byte(ethcrypto.Keccak256Hash([]byte("market/order"), buyer[:], nonceBytes[:]))
}

// LoyaltyEvidence pairs a buyer-owned token account with the oracle metadata
// for the NFT it holds.
type LoyaltyEvidence struct {
	Account  TokenAccount
	Metadata NFTMetadata
}

// PairLoyaltyEvidence groups the parallel account and metadata sequences of
// the wire format into evidence pairs. Mismatched lengths mean the client
// flattened an odd number of records and the input is rejected outright.
func PairLoyaltyEvidence(accounts []TokenAccount, metadata []NFTMetadata) ([]LoyaltyEvidence, error) {
	if len(accounts) != len(metadata) {
		return nil, ErrMalformedEvidence
	}
	if len(accounts) > MaxLoyaltyEvidence {
		return nil, ErrMalformedEvidence
	}
	evidence := make([]LoyaltyEvidence, len(accounts))
	for i := range accounts {
		evidence[i] = LoyaltyEvidence{Account: accounts[i], Metadata: metadata[i]}
	}
	return evidence, nil
}

func (e *Engine) validateEvidence(buyer [20]byte, evidence []LoyaltyEvidence) error {
	if len(evidence) > MaxLoyaltyEvidence {
		return ErrMalformedEvidence
	}
	for i := range evidence {
		for j := i + 1; j < len(evidence); j++ {
			if evidence[i].Account.Mint == evidence[j].Account.Mint {
				return ErrDuplicateLoyaltyNFT
			}
		}
	}
	for i := range evidence {
		account := evidence[i].Account
		meta := evidence[i].Metadata
		if account.Owner != buyer {
			return ErrEvidenceOwner
		}
		// NFTs are indivisible: anything but exactly one unit means the
		// account does not hold the token.
		if account.Amount != 1 {
			return ErrInsufficientFunds
		}
		if account.Mint != meta.Mint {
			return ErrEvidenceMint
		}
		if !IsVerifiedMember(&meta, e.loyaltyCollection) {
			return ErrCollectionNotVerified
		}
	}
	return nil
}

// CreateOrder validates the buyer's eligibility rule and loyalty evidence,
// fixes the fee from the current schedule, charges the order storage deposit
// and persists the open order.
func (e *Engine) CreateOrder(buyer [20]byte, nonce uint64, price *big.Int, currency [32]byte, collection [32]byte, nftSet MerkleSet, evidence []LoyaltyEvidence) (*Order, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	allowed, ok, err := e.state.CurrencyGet(currency)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCurrencyNotAllowed
	}
	hasCollection := collection != ([32]byte{})
	hasSet := !nftSet.Zero()
	if hasCollection == hasSet {
		return nil, ErrUndefinedEligibility
	}
	if price == nil || price.Sign() < 0 {
		return nil, fmt.Errorf("market: order price must be non-negative")
	}
	if err := e.validateEvidence(buyer, evidence); err != nil {
		return nil, err
	}
	id := OrderID(buyer, nonce)
	if _, exists, err := e.state.OrderGet(id); err != nil {
		return nil, err
	} else if exists {
		return nil, ErrOrderExists
	}
	deposit := big.NewInt(OrderStorageDeposit)
	buyerNative, err := e.balance(buyer, NativeCurrency)
	if err != nil {
		return nil, err
	}
	if buyerNative.Cmp(deposit) < 0 {
		return nil, ErrInsufficientFunds
	}
	loyaltyCount := uint8(len(evidence))
	order := &Order{
		ID:           id,
		Buyer:        buyer,
		Currency:     currency,
		Price:        cloneBigInt(price),
		LoyaltyCount: loyaltyCount,
		Fee:          ComputeFee(price, FeeTierBps(loyaltyCount), allowed.FeeMultiplierBps),
		Collection:   collection,
		NFTSet:       nftSet,
		CreatedAt:    e.now(),
	}
	if err := e.transfer(buyer, storageVault, NativeCurrency, deposit); err != nil {
		return nil, err
	}
	if err := e.state.OrderPut(order); err != nil {
		return nil, err
	}
	e.emit(NewOrderCreatedEvent(order))
	return order.Clone(), nil
}

// AcceptOrderNative fills an order priced in the native currency, paying the
// seller and the fee receiver out of the buyer's wallet.
func (e *Engine) AcceptOrderNative(seller [20]byte, orderID [32]byte, nftID [32]byte, expectedPrice *big.Int, proof [][32]byte, meta *NFTMetadata) (*Order, error) {
	return e.acceptOrder(seller, orderID, nftID, expectedPrice, proof, meta, true)
}

// AcceptOrderToken fills an order priced in an allowed token currency.
func (e *Engine) AcceptOrderToken(seller [20]byte, orderID [32]byte, nftID [32]byte, expectedPrice *big.Int, proof [][32]byte, meta *NFTMetadata) (*Order, error) {
	return e.acceptOrder(seller, orderID, nftID, expectedPrice, proof, meta, false)
}

// acceptOrder performs the open→filled transition: eligibility check, NFT
// transfer, receipt write and payment split. All preconditions, including
// balance sufficiency, are verified before the first write so a failing call
// leaves no observable mutation.
func (e *Engine) acceptOrder(seller [20]byte, orderID [32]byte, nftID [32]byte, expectedPrice *big.Int, proof [][32]byte, meta *NFTMetadata, native bool) (*Order, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.feeReceiver == ([20]byte{}) {
		return nil, errNilFeeReceiver
	}
	order, ok, err := e.state.OrderGet(orderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if !order.Open() {
		return nil, ErrOrderNotOpen
	}
	if native != (order.Currency == NativeCurrency) {
		return nil, ErrCurrencyModeMismatch
	}
	// Defensive guard against a stale read of the order between quote and
	// execution, even though the price is immutable once created.
	if expectedPrice == nil || order.Price.Cmp(expectedPrice) != 0 {
		return nil, ErrPriceMismatch
	}
	if order.Collection != ([32]byte{}) {
		if meta == nil || meta.Mint != nftID || !IsVerifiedMember(meta, order.Collection) {
			return nil, ErrCollectionNotVerified
		}
	} else if !VerifyMerkleProof(proof, order.NFTSet.Root, HashLeaf(nftID)) {
		return nil, ErrNFTNotInSet
	}
	custody, err := e.walletCustody(order.Buyer)
	if err != nil {
		return nil, err
	}
	sellerNFT, err := e.balance(seller, nftID)
	if err != nil {
		return nil, err
	}
	if sellerNFT.Sign() < 1 {
		return nil, ErrInsufficientFunds
	}
	total := new(big.Int).Add(order.Price, order.Fee)
	walletBal, err := e.balance(custody.wallet, order.Currency)
	if err != nil {
		return nil, err
	}
	if walletBal.Cmp(total) < 0 {
		return nil, ErrInsufficientFunds
	}
	// Point of no return: every check passed, apply the full transition.
	if err := e.transfer(seller, order.Buyer, nftID, big.NewInt(1)); err != nil {
		return nil, err
	}
	order.Receipt = CompletionReceipt{Seller: seller, SoldNFT: nftID, SaleTime: e.now()}
	if err := e.state.OrderPut(order); err != nil {
		return nil, err
	}
	if err := e.debitWallet(custody, seller, order.Currency, order.Price); err != nil {
		return nil, err
	}
	if err := e.debitWallet(custody, e.feeReceiver, order.Currency, order.Fee); err != nil {
		return nil, err
	}
	e.emit(NewOrderFilledEvent(order))
	return order.Clone(), nil
}

// CloseOrder cancels an open order, deleting the record and refunding its
// storage deposit to the buyer. Filled orders are permanent and cannot be
// closed.
func (e *Engine) CloseOrder(buyer [20]byte, orderID [32]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	order, ok, err := e.state.OrderGet(orderID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if order.Buyer != buyer {
		return ErrUnauthorized
	}
	if !order.Open() {
		return ErrOrderNotOpen
	}
	if err := e.state.OrderRemove(orderID); err != nil {
		return err
	}
	if err := e.transfer(storageVault, buyer, NativeCurrency, big.NewInt(OrderStorageDeposit)); err != nil {
		return err
	}
	e.emit(NewOrderClosedEvent(order))
	return nil
}

// GetOrder returns a copy of the stored order, if present.
func (e *Engine) GetOrder(orderID [32]byte) (*Order, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	order, ok, err := e.state.OrderGet(orderID)
	if err != nil || !ok {
		return nil, false, err
	}
	return order.Clone(), true, nil
}
