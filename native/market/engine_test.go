package market

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"marketcore/core/events"
	"marketcore/core/types"
)

type balanceSlot struct {
	addr  [20]byte
	asset [32]byte
}

type mockState struct {
	orders     map[[32]byte]*Order
	wallets    map[[20]byte]*Wallet
	currencies map[[32]byte]*AllowedCurrency
	balances   map[balanceSlot]*big.Int
}

func newMockState() *mockState {
	return &mockState{
		orders:     make(map[[32]byte]*Order),
		wallets:    make(map[[20]byte]*Wallet),
		currencies: make(map[[32]byte]*AllowedCurrency),
		balances:   make(map[balanceSlot]*big.Int),
	}
}

func (m *mockState) OrderPut(o *Order) error {
	sanitized, err := SanitizeOrder(o)
	if err != nil {
		return err
	}
	m.orders[sanitized.ID] = sanitized
	return nil
}

func (m *mockState) OrderGet(id [32]byte) (*Order, bool, error) {
	order, ok := m.orders[id]
	if !ok {
		return nil, false, nil
	}
	return order.Clone(), true, nil
}

func (m *mockState) OrderRemove(id [32]byte) error {
	delete(m.orders, id)
	return nil
}

func (m *mockState) WalletPut(w *Wallet) error {
	if w == nil {
		return fmt.Errorf("nil wallet")
	}
	m.wallets[w.Owner] = w.Clone()
	return nil
}

func (m *mockState) WalletGet(owner [20]byte) (*Wallet, bool, error) {
	wallet, ok := m.wallets[owner]
	if !ok {
		return nil, false, nil
	}
	return wallet.Clone(), true, nil
}

func (m *mockState) CurrencyPut(c *AllowedCurrency) error {
	if c == nil {
		return fmt.Errorf("nil currency")
	}
	m.currencies[c.Currency] = c.Clone()
	return nil
}

func (m *mockState) CurrencyGet(id [32]byte) (*AllowedCurrency, bool, error) {
	row, ok := m.currencies[id]
	if !ok {
		return nil, false, nil
	}
	return row.Clone(), true, nil
}

func (m *mockState) CurrencyRemove(id [32]byte) error {
	delete(m.currencies, id)
	return nil
}

func (m *mockState) BalanceGet(addr [20]byte, asset [32]byte) (*big.Int, error) {
	bal, ok := m.balances[balanceSlot{addr: addr, asset: asset}]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(bal), nil
}

func (m *mockState) BalanceSet(addr [20]byte, asset [32]byte, amount *big.Int) error {
	m.balances[balanceSlot{addr: addr, asset: asset}] = new(big.Int).Set(amount)
	return nil
}

func (m *mockState) setBalance(addr [20]byte, asset [32]byte, amount int64) {
	m.balances[balanceSlot{addr: addr, asset: asset}] = big.NewInt(amount)
}

func (m *mockState) balanceOf(addr [20]byte, asset [32]byte) *big.Int {
	bal, ok := m.balances[balanceSlot{addr: addr, asset: asset}]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(bal)
}

func (m *mockState) snapshot() *mockState {
	clone := newMockState()
	for id, order := range m.orders {
		clone.orders[id] = order.Clone()
	}
	for owner, wallet := range m.wallets {
		clone.wallets[owner] = wallet.Clone()
	}
	for id, row := range m.currencies {
		clone.currencies[id] = row.Clone()
	}
	for slot, bal := range m.balances {
		clone.balances[slot] = new(big.Int).Set(bal)
	}
	return clone
}

func (m *mockState) equal(other *mockState) bool {
	if len(m.orders) != len(other.orders) || len(m.wallets) != len(other.wallets) ||
		len(m.currencies) != len(other.currencies) || len(m.balances) != len(other.balances) {
		return false
	}
	for id, order := range m.orders {
		got, ok := other.orders[id]
		if !ok || *toComparable(order) != *toComparable(got) {
			return false
		}
	}
	for owner, wallet := range m.wallets {
		got, ok := other.wallets[owner]
		if !ok || *wallet != *got {
			return false
		}
	}
	for id, row := range m.currencies {
		got, ok := other.currencies[id]
		if !ok || *row != *got {
			return false
		}
	}
	for slot, bal := range m.balances {
		got, ok := other.balances[slot]
		if !ok || bal.Cmp(got) != 0 {
			return false
		}
	}
	return true
}

type comparableOrder struct {
	ID           [32]byte
	Buyer        [20]byte
	Receipt      CompletionReceipt
	Currency     [32]byte
	Price        string
	LoyaltyCount uint8
	Fee          string
	Collection   [32]byte
	NFTSet       MerkleSet
	CreatedAt    int64
}

func toComparable(o *Order) *comparableOrder {
	return &comparableOrder{
		ID:           o.ID,
		Buyer:        o.Buyer,
		Receipt:      o.Receipt,
		Currency:     o.Currency,
		Price:        o.Price.String(),
		LoyaltyCount: o.LoyaltyCount,
		Fee:          o.Fee.String(),
		Collection:   o.Collection,
		NFTSet:       o.NFTSet,
		CreatedAt:    o.CreatedAt,
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTestID(fill byte) [32]byte {
	var id [32]byte
	copy(id[:], bytes.Repeat([]byte{fill}, 32))
	return id
}

var (
	testAuthority   = newTestAddress(0xA0)
	testFeeReceiver = newTestAddress(0xF0)
	testLoyalty     = newTestID(0x10)
	testCollection  = newTestID(0x20)
	testToken       = newTestID(0x30)
)

func newTestEngine(t *testing.T) (*Engine, *mockState) {
	t.Helper()
	state := newMockState()
	engine := NewEngine()
	engine.SetState(state)
	engine.SetScheduleAuthority(testAuthority)
	engine.SetFeeReceiver(testFeeReceiver)
	engine.SetLoyaltyCollection(testLoyalty)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return engine, state
}

// fundedBuyer prepares a buyer with an initialised wallet holding walletFunds
// of the given currency and enough native balance for record deposits.
func fundedBuyer(t *testing.T, engine *Engine, state *mockState, fill byte, currency [32]byte, walletFunds int64) [20]byte {
	t.Helper()
	buyer := newTestAddress(fill)
	state.setBalance(buyer, NativeCurrency, WalletStorageDeposit+OrderStorageDeposit)
	if _, err := engine.CreateWallet(buyer); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	if walletFunds > 0 {
		state.setBalance(WalletAddress(buyer), currency, walletFunds)
	}
	return buyer
}

func allowTestCurrency(t *testing.T, engine *Engine, state *mockState, currency [32]byte, multiplierBps uint16) {
	t.Helper()
	state.setBalance(testAuthority, NativeCurrency, ScheduleStorageDeposit)
	if _, err := engine.AllowCurrency(testAuthority, currency, multiplierBps); err != nil {
		t.Fatalf("allow currency: %v", err)
	}
}

func loyaltyEvidence(buyer [20]byte, fills ...byte) []LoyaltyEvidence {
	evidence := make([]LoyaltyEvidence, 0, len(fills))
	for _, fill := range fills {
		mint := newTestID(fill)
		evidence = append(evidence, LoyaltyEvidence{
			Account:  TokenAccount{Address: newTestID(fill + 1), Mint: mint, Owner: buyer, Amount: 1},
			Metadata: NFTMetadata{Mint: mint, Collection: Collection{Verified: true, Key: testLoyalty}},
		})
	}
	return evidence
}

func TestCreateOrderRejectsUnknownCurrency(t *testing.T) {
	engine, state := newTestEngine(t)
	buyer := fundedBuyer(t, engine, state, 0x01, NativeCurrency, 0)
	_, err := engine.CreateOrder(buyer, 1, big.NewInt(100), NativeCurrency, testCollection, MerkleSet{}, nil)
	if !errors.Is(err, ErrCurrencyNotAllowed) {
		t.Fatalf("expected ErrCurrencyNotAllowed, got %v", err)
	}
}

func TestCreateOrderEligibilityExactlyOne(t *testing.T) {
	engine, state := newTestEngine(t)
	allowTestCurrency(t, engine, state, NativeCurrency, 10_000)
	buyer := fundedBuyer(t, engine, state, 0x01, NativeCurrency, 0)

	_, err := engine.CreateOrder(buyer, 1, big.NewInt(100), NativeCurrency, [32]byte{}, MerkleSet{}, nil)
	if !errors.Is(err, ErrUndefinedEligibility) {
		t.Fatalf("expected ErrUndefinedEligibility for neither, got %v", err)
	}
	_, err = engine.CreateOrder(buyer, 1, big.NewInt(100), NativeCurrency, testCollection, MerkleSet{Root: newTestID(0x42)}, nil)
	if !errors.Is(err, ErrUndefinedEligibility) {
		t.Fatalf("expected ErrUndefinedEligibility for both, got %v", err)
	}
}

func TestCreateOrderDuplicateLoyaltyNFT(t *testing.T) {
	engine, state := newTestEngine(t)
	allowTestCurrency(t, engine, state, NativeCurrency, 10_000)
	buyer := fundedBuyer(t, engine, state, 0x01, NativeCurrency, 0)

	evidence := loyaltyEvidence(buyer, 0x50, 0x50)
	before := state.snapshot()
	_, err := engine.CreateOrder(buyer, 1, big.NewInt(100), NativeCurrency, testCollection, MerkleSet{}, evidence)
	if !errors.Is(err, ErrDuplicateLoyaltyNFT) {
		t.Fatalf("expected ErrDuplicateLoyaltyNFT, got %v", err)
	}
	if !state.equal(before) {
		t.Fatalf("state mutated by failed create")
	}
}

func TestCreateOrderEvidenceValidation(t *testing.T) {
	engine, state := newTestEngine(t)
	allowTestCurrency(t, engine, state, NativeCurrency, 10_000)
	buyer := fundedBuyer(t, engine, state, 0x01, NativeCurrency, 0)

	cases := []struct {
		name    string
		mutate  func(*LoyaltyEvidence)
		wantErr error
	}{
		{"foreign owner", func(ev *LoyaltyEvidence) { ev.Account.Owner = newTestAddress(0x99) }, ErrEvidenceOwner},
		{"zero balance", func(ev *LoyaltyEvidence) { ev.Account.Amount = 0 }, ErrInsufficientFunds},
		{"mint mismatch", func(ev *LoyaltyEvidence) { ev.Metadata.Mint = newTestID(0x77) }, ErrEvidenceMint},
		{"unverified", func(ev *LoyaltyEvidence) { ev.Metadata.Collection.Verified = false }, ErrCollectionNotVerified},
		{"wrong collection", func(ev *LoyaltyEvidence) { ev.Metadata.Collection.Key = newTestID(0x78) }, ErrCollectionNotVerified},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evidence := loyaltyEvidence(buyer, 0x50)
			tc.mutate(&evidence[0])
			_, err := engine.CreateOrder(buyer, 1, big.NewInt(100), NativeCurrency, testCollection, MerkleSet{}, evidence)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestPairLoyaltyEvidence(t *testing.T) {
	buyer := newTestAddress(0x01)
	accounts := make([]TokenAccount, 3)
	metadata := make([]NFTMetadata, 2)
	if _, err := PairLoyaltyEvidence(accounts, metadata); !errors.Is(err, ErrMalformedEvidence) {
		t.Fatalf("expected ErrMalformedEvidence for mismatched lengths, got %v", err)
	}
	long := make([]TokenAccount, MaxLoyaltyEvidence+1)
	longMeta := make([]NFTMetadata, MaxLoyaltyEvidence+1)
	if _, err := PairLoyaltyEvidence(long, longMeta); !errors.Is(err, ErrMalformedEvidence) {
		t.Fatalf("expected ErrMalformedEvidence for oversized list, got %v", err)
	}
	evidence := loyaltyEvidence(buyer, 0x50, 0x60)
	accounts = accounts[:0]
	metadata = metadata[:0]
	for _, ev := range evidence {
		accounts = append(accounts, ev.Account)
		metadata = append(metadata, ev.Metadata)
	}
	paired, err := PairLoyaltyEvidence(accounts, metadata)
	if err != nil {
		t.Fatalf("pair evidence: %v", err)
	}
	if len(paired) != 2 {
		t.Fatalf("expected 2 pairs, got %d", len(paired))
	}
}

func TestCreateOrderFixesFee(t *testing.T) {
	engine, state := newTestEngine(t)
	allowTestCurrency(t, engine, state, NativeCurrency, 10_000)
	buyer := fundedBuyer(t, engine, state, 0x01, NativeCurrency, 0)

	order, err := engine.CreateOrder(buyer, 1, big.NewInt(1000), NativeCurrency, testCollection, MerkleSet{}, nil)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.Fee.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("expected fee 10, got %s", order.Fee)
	}
	if order.LoyaltyCount != 0 {
		t.Fatalf("expected loyalty count 0, got %d", order.LoyaltyCount)
	}
	if !order.Open() {
		t.Fatalf("new order must be open")
	}

	// Re-pricing the schedule must not touch the frozen fee.
	if err := engine.DisallowCurrency(testAuthority, NativeCurrency); err != nil {
		t.Fatalf("disallow: %v", err)
	}
	state.setBalance(testAuthority, NativeCurrency, ScheduleStorageDeposit)
	if _, err := engine.AllowCurrency(testAuthority, NativeCurrency, 5_000); err != nil {
		t.Fatalf("re-allow: %v", err)
	}
	stored, _, err := engine.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.Fee.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("fee must stay frozen, got %s", stored.Fee)
	}
}

func TestCreateOrderChargesStorageDeposit(t *testing.T) {
	engine, state := newTestEngine(t)
	allowTestCurrency(t, engine, state, NativeCurrency, 10_000)
	buyer := fundedBuyer(t, engine, state, 0x01, NativeCurrency, 0)

	before := state.balanceOf(buyer, NativeCurrency)
	if _, err := engine.CreateOrder(buyer, 1, big.NewInt(1000), NativeCurrency, testCollection, MerkleSet{}, nil); err != nil {
		t.Fatalf("create order: %v", err)
	}
	after := state.balanceOf(buyer, NativeCurrency)
	diff := new(big.Int).Sub(before, after)
	if diff.Cmp(big.NewInt(OrderStorageDeposit)) != 0 {
		t.Fatalf("expected deposit %d charged, got %s", OrderStorageDeposit, diff)
	}
}

func TestCreateOrderDuplicateID(t *testing.T) {
	engine, state := newTestEngine(t)
	allowTestCurrency(t, engine, state, NativeCurrency, 10_000)
	buyer := fundedBuyer(t, engine, state, 0x01, NativeCurrency, 0)
	state.setBalance(buyer, NativeCurrency, 2*OrderStorageDeposit)

	if _, err := engine.CreateOrder(buyer, 7, big.NewInt(1000), NativeCurrency, testCollection, MerkleSet{}, nil); err != nil {
		t.Fatalf("create order: %v", err)
	}
	_, err := engine.CreateOrder(buyer, 7, big.NewInt(500), NativeCurrency, testCollection, MerkleSet{}, nil)
	if !errors.Is(err, ErrOrderExists) {
		t.Fatalf("expected ErrOrderExists, got %v", err)
	}
}

func TestAcceptOrderNativeEndToEnd(t *testing.T) {
	engine, state := newTestEngine(t)
	allowTestCurrency(t, engine, state, NativeCurrency, 10_000)
	buyer := fundedBuyer(t, engine, state, 0x01, NativeCurrency, 1010)
	seller := newTestAddress(0x02)
	nft := newTestID(0x44)
	state.setBalance(seller, nft, 1)

	order, err := engine.CreateOrder(buyer, 1, big.NewInt(1000), NativeCurrency, testCollection, MerkleSet{}, nil)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	meta := &NFTMetadata{Mint: nft, Collection: Collection{Verified: true, Key: testCollection}}
	filled, err := engine.AcceptOrderNative(seller, order.ID, nft, big.NewInt(1000), nil, meta)
	if err != nil {
		t.Fatalf("accept order: %v", err)
	}
	if filled.Open() {
		t.Fatalf("filled order must not be open")
	}
	if filled.Receipt.Seller != seller || filled.Receipt.SoldNFT != nft {
		t.Fatalf("unexpected receipt %+v", filled.Receipt)
	}
	if got := state.balanceOf(seller, NativeCurrency); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("seller should receive the full price, got %s", got)
	}
	if got := state.balanceOf(testFeeReceiver, NativeCurrency); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("fee receiver should gain exactly the fee, got %s", got)
	}
	if got := state.balanceOf(WalletAddress(buyer), NativeCurrency); got.Sign() != 0 {
		t.Fatalf("wallet debit must equal price+fee, leftover %s", got)
	}
	if got := state.balanceOf(buyer, nft); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("buyer should own the nft, got %s", got)
	}
	if got := state.balanceOf(seller, nft); got.Sign() != 0 {
		t.Fatalf("seller should no longer own the nft, got %s", got)
	}

	// Terminal state: neither a second accept nor a close may succeed.
	if _, err := engine.AcceptOrderNative(seller, order.ID, nft, big.NewInt(1000), nil, meta); !errors.Is(err, ErrOrderNotOpen) {
		t.Fatalf("expected ErrOrderNotOpen on second accept, got %v", err)
	}
	if err := engine.CloseOrder(buyer, order.ID); !errors.Is(err, ErrOrderNotOpen) {
		t.Fatalf("expected ErrOrderNotOpen on close, got %v", err)
	}
}

func TestAcceptOrderSelfSaleConservesNFT(t *testing.T) {
	engine, state := newTestEngine(t)
	allowTestCurrency(t, engine, state, NativeCurrency, 10_000)
	buyer := fundedBuyer(t, engine, state, 0x01, NativeCurrency, 1010)
	nft := newTestID(0x44)
	state.setBalance(buyer, nft, 1)

	order, err := engine.CreateOrder(buyer, 1, big.NewInt(1000), NativeCurrency, testCollection, MerkleSet{}, nil)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	meta := &NFTMetadata{Mint: nft, Collection: Collection{Verified: true, Key: testCollection}}
	if _, err := engine.AcceptOrderNative(buyer, order.ID, nft, big.NewInt(1000), nil, meta); err != nil {
		t.Fatalf("self sale: %v", err)
	}
	if got := state.balanceOf(buyer, nft); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("self sale must conserve the nft unit, got %s", got)
	}
	if got := state.balanceOf(buyer, NativeCurrency); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("self sale must still pay the price out of the wallet, got %s", got)
	}
	if got := state.balanceOf(testFeeReceiver, NativeCurrency); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("self sale must still pay the fee, got %s", got)
	}
}

func TestAcceptOrderPriceMismatch(t *testing.T) {
	engine, state := newTestEngine(t)
	allowTestCurrency(t, engine, state, NativeCurrency, 10_000)
	buyer := fundedBuyer(t, engine, state, 0x01, NativeCurrency, 1010)
	seller := newTestAddress(0x02)
	nft := newTestID(0x44)
	state.setBalance(seller, nft, 1)

	order, err := engine.CreateOrder(buyer, 1, big.NewInt(1000), NativeCurrency, testCollection, MerkleSet{}, nil)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	meta := &NFTMetadata{Mint: nft, Collection: Collection{Verified: true, Key: testCollection}}
	before := state.snapshot()
	_, err = engine.AcceptOrderNative(seller, order.ID, nft, big.NewInt(999), nil, meta)
	if !errors.Is(err, ErrPriceMismatch) {
		t.Fatalf("expected ErrPriceMismatch, got %v", err)
	}
	if !state.equal(before) {
		t.Fatalf("state mutated by failed accept")
	}
}

func TestAcceptOrderCurrencyModeMismatch(t *testing.T) {
	engine, state := newTestEngine(t)
	allowTestCurrency(t, engine, state, testToken, 10_000)
	buyer := fundedBuyer(t, engine, state, 0x01, testToken, 1010)
	seller := newTestAddress(0x02)
	nft := newTestID(0x44)
	state.setBalance(seller, nft, 1)

	order, err := engine.CreateOrder(buyer, 1, big.NewInt(1000), testToken, testCollection, MerkleSet{}, nil)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	meta := &NFTMetadata{Mint: nft, Collection: Collection{Verified: true, Key: testCollection}}
	_, err = engine.AcceptOrderNative(seller, order.ID, nft, big.NewInt(1000), nil, meta)
	if !errors.Is(err, ErrCurrencyModeMismatch) {
		t.Fatalf("expected ErrCurrencyModeMismatch, got %v", err)
	}
	if _, err := engine.AcceptOrderToken(seller, order.ID, nft, big.NewInt(1000), nil, meta); err != nil {
		t.Fatalf("token path should settle the token order: %v", err)
	}
	if got := state.balanceOf(seller, testToken); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("seller should receive the token price, got %s", got)
	}
	if got := state.balanceOf(testFeeReceiver, testToken); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("fee receiver should gain the token fee, got %s", got)
	}
}

func TestAcceptOrderCollectionChecks(t *testing.T) {
	engine, state := newTestEngine(t)
	allowTestCurrency(t, engine, state, NativeCurrency, 10_000)
	buyer := fundedBuyer(t, engine, state, 0x01, NativeCurrency, 1010)
	seller := newTestAddress(0x02)
	nft := newTestID(0x44)
	state.setBalance(seller, nft, 1)

	order, err := engine.CreateOrder(buyer, 1, big.NewInt(1000), NativeCurrency, testCollection, MerkleSet{}, nil)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	cases := []struct {
		name string
		meta *NFTMetadata
	}{
		{"nil metadata", nil},
		{"unverified", &NFTMetadata{Mint: nft, Collection: Collection{Verified: false, Key: testCollection}}},
		{"wrong collection", &NFTMetadata{Mint: nft, Collection: Collection{Verified: true, Key: newTestID(0x45)}}},
		{"mint mismatch", &NFTMetadata{Mint: newTestID(0x46), Collection: Collection{Verified: true, Key: testCollection}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.AcceptOrderNative(seller, order.ID, nft, big.NewInt(1000), nil, tc.meta)
			if !errors.Is(err, ErrCollectionNotVerified) {
				t.Fatalf("expected ErrCollectionNotVerified, got %v", err)
			}
		})
	}
}

func TestAcceptOrderMerkleSet(t *testing.T) {
	engine, state := newTestEngine(t)
	allowTestCurrency(t, engine, state, NativeCurrency, 10_000)
	buyer := fundedBuyer(t, engine, state, 0x01, NativeCurrency, 1010)
	seller := newTestAddress(0x02)

	wanted := []([32]byte){newTestID(0x40), newTestID(0x41), newTestID(0x42), newTestID(0x43)}
	leaves := make([][32]byte, len(wanted))
	for i, nft := range wanted {
		leaves[i] = HashLeaf(nft)
	}
	root := merkleRoot(leaves)

	order, err := engine.CreateOrder(buyer, 1, big.NewInt(1000), NativeCurrency, [32]byte{}, MerkleSet{Root: root}, nil)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	outsider := newTestID(0x99)
	state.setBalance(seller, outsider, 1)
	proof := merkleProof(leaves, 2)
	if _, err := engine.AcceptOrderNative(seller, order.ID, outsider, big.NewInt(1000), proof, nil); !errors.Is(err, ErrNFTNotInSet) {
		t.Fatalf("expected ErrNFTNotInSet for non-member, got %v", err)
	}

	member := wanted[2]
	state.setBalance(seller, member, 1)
	if _, err := engine.AcceptOrderNative(seller, order.ID, member, big.NewInt(1000), proof, nil); err != nil {
		t.Fatalf("member accept failed: %v", err)
	}
	if got := state.balanceOf(buyer, member); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("buyer should own the set member, got %s", got)
	}
}

func TestAcceptOrderInsufficientWallet(t *testing.T) {
	engine, state := newTestEngine(t)
	allowTestCurrency(t, engine, state, NativeCurrency, 10_000)
	buyer := fundedBuyer(t, engine, state, 0x01, NativeCurrency, 1009)
	seller := newTestAddress(0x02)
	nft := newTestID(0x44)
	state.setBalance(seller, nft, 1)

	order, err := engine.CreateOrder(buyer, 1, big.NewInt(1000), NativeCurrency, testCollection, MerkleSet{}, nil)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	meta := &NFTMetadata{Mint: nft, Collection: Collection{Verified: true, Key: testCollection}}
	before := state.snapshot()
	_, err = engine.AcceptOrderNative(seller, order.ID, nft, big.NewInt(1000), nil, meta)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if !state.equal(before) {
		t.Fatalf("state mutated by failed accept")
	}
}

func TestCloseOrder(t *testing.T) {
	engine, state := newTestEngine(t)
	allowTestCurrency(t, engine, state, NativeCurrency, 10_000)
	buyer := fundedBuyer(t, engine, state, 0x01, NativeCurrency, 0)

	order, err := engine.CreateOrder(buyer, 1, big.NewInt(1000), NativeCurrency, testCollection, MerkleSet{}, nil)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if err := engine.CloseOrder(newTestAddress(0x09), order.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for foreign closer, got %v", err)
	}
	balanceBefore := state.balanceOf(buyer, NativeCurrency)
	if err := engine.CloseOrder(buyer, order.ID); err != nil {
		t.Fatalf("close order: %v", err)
	}
	refund := new(big.Int).Sub(state.balanceOf(buyer, NativeCurrency), balanceBefore)
	if refund.Cmp(big.NewInt(OrderStorageDeposit)) != 0 {
		t.Fatalf("expected deposit refund %d, got %s", OrderStorageDeposit, refund)
	}
	if _, ok, _ := engine.GetOrder(order.ID); ok {
		t.Fatalf("closed order must be deleted")
	}
	if err := engine.CloseOrder(buyer, order.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after close, got %v", err)
	}
}

type captureEmitter struct {
	seen []*types.Event
}

func (c *captureEmitter) Emit(evt events.Event) {
	payload, ok := evt.(events.Payload)
	if !ok {
		return
	}
	c.seen = append(c.seen, payload.Event())
}

func (c *captureEmitter) last(t *testing.T, eventType string) *types.Event {
	t.Helper()
	if len(c.seen) == 0 {
		t.Fatalf("no events captured, want %s", eventType)
	}
	evt := c.seen[len(c.seen)-1]
	if evt.Type != eventType {
		t.Fatalf("last event = %s, want %s", evt.Type, eventType)
	}
	return evt
}

func TestEngineEmitsCanonicalEvents(t *testing.T) {
	engine, state := newTestEngine(t)
	capture := &captureEmitter{}
	engine.SetEmitter(capture)

	state.setBalance(testAuthority, NativeCurrency, ScheduleStorageDeposit)
	if _, err := engine.AllowCurrency(testAuthority, NativeCurrency, 10_000); err != nil {
		t.Fatalf("allow currency: %v", err)
	}
	allowed := capture.last(t, EventTypeCurrencyAllowed)
	if allowed.Attributes["feeMultiplierBps"] != "10000" {
		t.Fatalf("allowed attrs: %v", allowed.Attributes)
	}

	buyer := newTestAddress(0x01)
	state.setBalance(buyer, NativeCurrency, WalletStorageDeposit+OrderStorageDeposit+1010)
	if _, err := engine.CreateWallet(buyer); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	created := capture.last(t, EventTypeWalletCreated)
	if created.Attributes["owner"] != hex.EncodeToString(buyer[:]) {
		t.Fatalf("wallet created attrs: %v", created.Attributes)
	}

	if err := engine.DepositNative(buyer, buyer, big.NewInt(1010)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	credited := capture.last(t, EventTypeWalletCredited)
	if credited.Attributes["amount"] != "1010" {
		t.Fatalf("credited attrs: %v", credited.Attributes)
	}

	order, err := engine.CreateOrder(buyer, 1, big.NewInt(1000), NativeCurrency, testCollection, MerkleSet{}, nil)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	opened := capture.last(t, EventTypeOrderCreated)
	if opened.Attributes["id"] != hex.EncodeToString(order.ID[:]) ||
		opened.Attributes["price"] != "1000" || opened.Attributes["fee"] != "10" {
		t.Fatalf("order created attrs: %v", opened.Attributes)
	}

	seller := newTestAddress(0x02)
	nft := newTestID(0x44)
	state.setBalance(seller, nft, 1)
	meta := &NFTMetadata{Mint: nft, Collection: Collection{Verified: true, Key: testCollection}}
	if _, err := engine.AcceptOrderNative(seller, order.ID, nft, big.NewInt(1000), nil, meta); err != nil {
		t.Fatalf("accept order: %v", err)
	}
	filled := capture.last(t, EventTypeOrderFilled)
	if filled.Attributes["seller"] != hex.EncodeToString(seller[:]) ||
		filled.Attributes["soldNft"] != hex.EncodeToString(nft[:]) {
		t.Fatalf("order filled attrs: %v", filled.Attributes)
	}

	state.setBalance(buyer, NativeCurrency, OrderStorageDeposit)
	second, err := engine.CreateOrder(buyer, 2, big.NewInt(500), NativeCurrency, testCollection, MerkleSet{}, nil)
	if err != nil {
		t.Fatalf("create second order: %v", err)
	}
	if err := engine.CloseOrder(buyer, second.ID); err != nil {
		t.Fatalf("close order: %v", err)
	}
	closed := capture.last(t, EventTypeOrderClosed)
	if closed.Attributes["id"] != hex.EncodeToString(second.ID[:]) {
		t.Fatalf("order closed attrs: %v", closed.Attributes)
	}

	if err := engine.DisallowCurrency(testAuthority, NativeCurrency); err != nil {
		t.Fatalf("disallow: %v", err)
	}
	capture.last(t, EventTypeCurrencyDisallowed)
}

func TestEngineEmitsNothingOnFailure(t *testing.T) {
	engine, _ := newTestEngine(t)
	capture := &captureEmitter{}
	engine.SetEmitter(capture)

	buyer := newTestAddress(0x01)
	if _, err := engine.CreateOrder(buyer, 1, big.NewInt(100), NativeCurrency, testCollection, MerkleSet{}, nil); err == nil {
		t.Fatalf("expected failure without an allowed currency")
	}
	if err := engine.WithdrawNative(buyer, big.NewInt(1)); err == nil {
		t.Fatalf("expected failure without a wallet")
	}
	if len(capture.seen) != 0 {
		t.Fatalf("failed operations must emit nothing, got %d events", len(capture.seen))
	}
}

func TestLoyaltyTiersLowerFee(t *testing.T) {
	engine, state := newTestEngine(t)
	allowTestCurrency(t, engine, state, NativeCurrency, 10_000)
	buyer := fundedBuyer(t, engine, state, 0x01, NativeCurrency, 0)
	state.setBalance(buyer, NativeCurrency, 10*OrderStorageDeposit)

	cases := []struct {
		pairs   int
		wantFee int64
	}{
		{0, 10},
		{1, 5},
		{5, 2},
		{10, 0},
	}
	for i, tc := range cases {
		fills := make([]byte, tc.pairs)
		for j := range fills {
			fills[j] = byte(0x50 + 2*j)
		}
		order, err := engine.CreateOrder(buyer, uint64(100+i), big.NewInt(1000), NativeCurrency, testCollection, MerkleSet{}, loyaltyEvidence(buyer, fills...))
		if err != nil {
			t.Fatalf("create order with %d pairs: %v", tc.pairs, err)
		}
		if order.Fee.Cmp(big.NewInt(tc.wantFee)) != 0 {
			t.Fatalf("pairs=%d: expected fee %d, got %s", tc.pairs, tc.wantFee, order.Fee)
		}
		if int(order.LoyaltyCount) != tc.pairs {
			t.Fatalf("pairs=%d: loyalty count %d", tc.pairs, order.LoyaltyCount)
		}
	}
}
