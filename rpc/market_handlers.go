package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"marketcore/crypto"
	"marketcore/native/market"
)

type currencyParams struct {
	Authority        string `json:"authority"`
	Currency         string `json:"currency"`
	FeeMultiplierBps uint16 `json:"feeMultiplierBps,omitempty"`
}

type creditParams struct {
	Authority string `json:"authority"`
	Account   string `json:"account"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
}

type walletParams struct {
	Owner string `json:"owner"`
}

type depositParams struct {
	From     string `json:"from"`
	Owner    string `json:"owner"`
	Currency string `json:"currency,omitempty"`
	Amount   string `json:"amount"`
}

type withdrawParams struct {
	Owner       string `json:"owner"`
	Currency    string `json:"currency,omitempty"`
	Destination string `json:"destination,omitempty"`
	Amount      string `json:"amount"`
}

type evidenceJSON struct {
	Account  string `json:"account"`
	Mint     string `json:"mint"`
	Owner    string `json:"owner"`
	Amount   uint64 `json:"amount"`
	Verified bool   `json:"verified"`
	Key      string `json:"collection"`
}

type createOrderParams struct {
	Buyer      string         `json:"buyer"`
	Nonce      uint64         `json:"nonce"`
	Price      string         `json:"price"`
	Currency   string         `json:"currency"`
	Collection string         `json:"collection,omitempty"`
	SetRoot    string         `json:"setRoot,omitempty"`
	SetLocator string         `json:"setLocator,omitempty"`
	Evidence   []evidenceJSON `json:"evidence,omitempty"`
}

type acceptOrderParams struct {
	Seller        string   `json:"seller"`
	OrderID       string   `json:"orderId"`
	NFT           string   `json:"nft"`
	ExpectedPrice string   `json:"expectedPrice"`
	Proof         []string `json:"proof,omitempty"`
	Verified      bool     `json:"metadataVerified,omitempty"`
	Collection    string   `json:"metadataCollection,omitempty"`
}

type closeOrderParams struct {
	Buyer   string `json:"buyer"`
	OrderID string `json:"orderId"`
}

type balanceParams struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
}

type orderJSON struct {
	ID           string `json:"id"`
	Buyer        string `json:"buyer"`
	Currency     string `json:"currency"`
	Price        string `json:"price"`
	Fee          string `json:"fee"`
	LoyaltyCount uint8  `json:"loyaltyCount"`
	Collection   string `json:"collection,omitempty"`
	SetRoot      string `json:"setRoot,omitempty"`
	SetLocator   string `json:"setLocator,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
	Open         bool   `json:"open"`
	Seller       string `json:"seller,omitempty"`
	SoldNFT      string `json:"soldNft,omitempty"`
	SaleTime     int64  `json:"saleTime,omitempty"`
}

type walletJSON struct {
	Owner     string `json:"owner"`
	Address   string `json:"address"`
	CreatedAt int64  `json:"createdAt"`
}

func decodeID(value string) ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, err
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("identifier must be %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func decodeOptionalID(value string) ([32]byte, error) {
	if strings.TrimSpace(value) == "" {
		return [32]byte{}, nil
	}
	return decodeID(value)
}

func decodeAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	return amount, nil
}

func decodeCurrency(value string) ([32]byte, error) {
	if strings.EqualFold(strings.TrimSpace(value), "native") {
		return market.NativeCurrency, nil
	}
	return decodeID(value)
}

func decodeLocator(value string) ([market.LocatorLength]byte, error) {
	var locator [market.LocatorLength]byte
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return locator, nil
	}
	if len(trimmed) != market.LocatorLength {
		return locator, fmt.Errorf("locator must be %d characters, got %d", market.LocatorLength, len(trimmed))
	}
	copy(locator[:], trimmed)
	return locator, nil
}

func decodeProof(values []string) ([][32]byte, error) {
	proof := make([][32]byte, 0, len(values))
	for _, value := range values {
		element, err := decodeID(value)
		if err != nil {
			return nil, err
		}
		proof = append(proof, element)
	}
	return proof, nil
}

func encodeAddress(addr [20]byte) string {
	return crypto.NewAddress(crypto.MarketPrefix, addr[:]).String()
}

func orderToJSON(o *market.Order) orderJSON {
	out := orderJSON{
		ID:           hex.EncodeToString(o.ID[:]),
		Buyer:        encodeAddress(o.Buyer),
		Currency:     hex.EncodeToString(o.Currency[:]),
		Price:        o.Price.String(),
		Fee:          o.Fee.String(),
		LoyaltyCount: o.LoyaltyCount,
		CreatedAt:    o.CreatedAt,
		Open:         o.Open(),
	}
	if o.Collection != ([32]byte{}) {
		out.Collection = hex.EncodeToString(o.Collection[:])
	}
	if !o.NFTSet.Zero() {
		out.SetRoot = hex.EncodeToString(o.NFTSet.Root[:])
		out.SetLocator = strings.TrimRight(string(o.NFTSet.Locator[:]), "\x00")
	}
	if !o.Receipt.Zero() {
		out.Seller = encodeAddress(o.Receipt.Seller)
		out.SoldNFT = hex.EncodeToString(o.Receipt.SoldNFT[:])
		out.SaleTime = o.Receipt.SaleTime
	}
	return out
}

func invalidParams(err error) *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: err.Error()}
}

func unmarshalParams(params json.RawMessage, out interface{}) *rpcError {
	if len(params) == 0 {
		return &rpcError{Code: codeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(params, out); err != nil {
		return invalidParams(err)
	}
	return nil
}

func (s *Server) handleAllowCurrency(params json.RawMessage) (interface{}, *rpcError) {
	var p currencyParams
	if rpcErr := unmarshalParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	authority, err := crypto.DecodeMarketAddress(p.Authority)
	if err != nil {
		return nil, invalidParams(err)
	}
	currency, err := decodeCurrency(p.Currency)
	if err != nil {
		return nil, invalidParams(err)
	}
	row, err := s.node.AllowCurrency(authority, currency, p.FeeMultiplierBps)
	if err != nil {
		return nil, marketError(err)
	}
	return map[string]interface{}{
		"currency":         hex.EncodeToString(row.Currency[:]),
		"feeMultiplierBps": row.FeeMultiplierBps,
	}, nil
}

func (s *Server) handleDisallowCurrency(params json.RawMessage) (interface{}, *rpcError) {
	var p currencyParams
	if rpcErr := unmarshalParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	authority, err := crypto.DecodeMarketAddress(p.Authority)
	if err != nil {
		return nil, invalidParams(err)
	}
	currency, err := decodeCurrency(p.Currency)
	if err != nil {
		return nil, invalidParams(err)
	}
	if err := s.node.DisallowCurrency(authority, currency); err != nil {
		return nil, marketError(err)
	}
	return map[string]bool{"removed": true}, nil
}

func (s *Server) handleCreditAccount(params json.RawMessage) (interface{}, *rpcError) {
	var p creditParams
	if rpcErr := unmarshalParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	authority, err := crypto.DecodeMarketAddress(p.Authority)
	if err != nil {
		return nil, invalidParams(err)
	}
	account, err := crypto.DecodeMarketAddress(p.Account)
	if err != nil {
		return nil, invalidParams(err)
	}
	asset, err := decodeCurrency(p.Asset)
	if err != nil {
		return nil, invalidParams(err)
	}
	amount, err := decodeAmount(p.Amount)
	if err != nil {
		return nil, invalidParams(err)
	}
	if err := s.node.CreditAccount(authority, account, asset, amount); err != nil {
		return nil, marketError(err)
	}
	return map[string]bool{"credited": true}, nil
}

func (s *Server) handleCreateWallet(params json.RawMessage) (interface{}, *rpcError) {
	var p walletParams
	if rpcErr := unmarshalParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	owner, err := crypto.DecodeMarketAddress(p.Owner)
	if err != nil {
		return nil, invalidParams(err)
	}
	wallet, err := s.node.CreateWallet(owner)
	if err != nil {
		return nil, marketError(err)
	}
	return walletJSON{Owner: encodeAddress(wallet.Owner), Address: encodeAddress(wallet.Address), CreatedAt: wallet.CreatedAt}, nil
}

func (s *Server) handleDepositNative(params json.RawMessage) (interface{}, *rpcError) {
	var p depositParams
	if rpcErr := unmarshalParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	from, err := crypto.DecodeMarketAddress(p.From)
	if err != nil {
		return nil, invalidParams(err)
	}
	owner, err := crypto.DecodeMarketAddress(p.Owner)
	if err != nil {
		return nil, invalidParams(err)
	}
	amount, err := decodeAmount(p.Amount)
	if err != nil {
		return nil, invalidParams(err)
	}
	if err := s.node.DepositNative(from, owner, amount); err != nil {
		return nil, marketError(err)
	}
	return map[string]bool{"deposited": true}, nil
}

func (s *Server) handleDepositToken(params json.RawMessage) (interface{}, *rpcError) {
	var p depositParams
	if rpcErr := unmarshalParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	from, err := crypto.DecodeMarketAddress(p.From)
	if err != nil {
		return nil, invalidParams(err)
	}
	owner, err := crypto.DecodeMarketAddress(p.Owner)
	if err != nil {
		return nil, invalidParams(err)
	}
	currency, err := decodeID(p.Currency)
	if err != nil {
		return nil, invalidParams(err)
	}
	amount, err := decodeAmount(p.Amount)
	if err != nil {
		return nil, invalidParams(err)
	}
	if err := s.node.DepositToken(from, owner, currency, amount); err != nil {
		return nil, marketError(err)
	}
	return map[string]bool{"deposited": true}, nil
}

func (s *Server) handleWithdrawNative(params json.RawMessage) (interface{}, *rpcError) {
	var p withdrawParams
	if rpcErr := unmarshalParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	owner, err := crypto.DecodeMarketAddress(p.Owner)
	if err != nil {
		return nil, invalidParams(err)
	}
	amount, err := decodeAmount(p.Amount)
	if err != nil {
		return nil, invalidParams(err)
	}
	if err := s.node.WithdrawNative(owner, amount); err != nil {
		return nil, marketError(err)
	}
	return map[string]bool{"withdrawn": true}, nil
}

func (s *Server) handleWithdrawToken(params json.RawMessage) (interface{}, *rpcError) {
	var p withdrawParams
	if rpcErr := unmarshalParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	owner, err := crypto.DecodeMarketAddress(p.Owner)
	if err != nil {
		return nil, invalidParams(err)
	}
	currency, err := decodeID(p.Currency)
	if err != nil {
		return nil, invalidParams(err)
	}
	destination, err := crypto.DecodeMarketAddress(p.Destination)
	if err != nil {
		return nil, invalidParams(err)
	}
	amount, err := decodeAmount(p.Amount)
	if err != nil {
		return nil, invalidParams(err)
	}
	if err := s.node.WithdrawToken(owner, currency, destination, amount); err != nil {
		return nil, marketError(err)
	}
	return map[string]bool{"withdrawn": true}, nil
}

func (s *Server) handleCreateOrder(params json.RawMessage) (interface{}, *rpcError) {
	var p createOrderParams
	if rpcErr := unmarshalParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	buyer, err := crypto.DecodeMarketAddress(p.Buyer)
	if err != nil {
		return nil, invalidParams(err)
	}
	price, err := decodeAmount(p.Price)
	if err != nil {
		return nil, invalidParams(err)
	}
	currency, err := decodeCurrency(p.Currency)
	if err != nil {
		return nil, invalidParams(err)
	}
	collection, err := decodeOptionalID(p.Collection)
	if err != nil {
		return nil, invalidParams(err)
	}
	root, err := decodeOptionalID(p.SetRoot)
	if err != nil {
		return nil, invalidParams(err)
	}
	locator, err := decodeLocator(p.SetLocator)
	if err != nil {
		return nil, invalidParams(err)
	}
	accounts := make([]market.TokenAccount, 0, len(p.Evidence))
	metadata := make([]market.NFTMetadata, 0, len(p.Evidence))
	for _, item := range p.Evidence {
		account, err := decodeID(item.Account)
		if err != nil {
			return nil, invalidParams(err)
		}
		mint, err := decodeID(item.Mint)
		if err != nil {
			return nil, invalidParams(err)
		}
		owner, err := crypto.DecodeMarketAddress(item.Owner)
		if err != nil {
			return nil, invalidParams(err)
		}
		key, err := decodeOptionalID(item.Key)
		if err != nil {
			return nil, invalidParams(err)
		}
		accounts = append(accounts, market.TokenAccount{Address: account, Mint: mint, Owner: owner, Amount: item.Amount})
		metadata = append(metadata, market.NFTMetadata{Mint: mint, Collection: market.Collection{Verified: item.Verified, Key: key}})
	}
	evidence, err := market.PairLoyaltyEvidence(accounts, metadata)
	if err != nil {
		return nil, marketError(err)
	}
	order, err := s.node.CreateOrder(buyer, p.Nonce, price, currency, collection, market.MerkleSet{Root: root, Locator: locator}, evidence)
	if err != nil {
		return nil, marketError(err)
	}
	return orderToJSON(order), nil
}

func (s *Server) acceptParams(params json.RawMessage) ([20]byte, [32]byte, [32]byte, *big.Int, [][32]byte, *market.NFTMetadata, *rpcError) {
	var p acceptOrderParams
	if rpcErr := unmarshalParams(params, &p); rpcErr != nil {
		return [20]byte{}, [32]byte{}, [32]byte{}, nil, nil, nil, rpcErr
	}
	seller, err := crypto.DecodeMarketAddress(p.Seller)
	if err != nil {
		return [20]byte{}, [32]byte{}, [32]byte{}, nil, nil, nil, invalidParams(err)
	}
	orderID, err := decodeID(p.OrderID)
	if err != nil {
		return [20]byte{}, [32]byte{}, [32]byte{}, nil, nil, nil, invalidParams(err)
	}
	nft, err := decodeID(p.NFT)
	if err != nil {
		return [20]byte{}, [32]byte{}, [32]byte{}, nil, nil, nil, invalidParams(err)
	}
	expected, err := decodeAmount(p.ExpectedPrice)
	if err != nil {
		return [20]byte{}, [32]byte{}, [32]byte{}, nil, nil, nil, invalidParams(err)
	}
	proof, err := decodeProof(p.Proof)
	if err != nil {
		return [20]byte{}, [32]byte{}, [32]byte{}, nil, nil, nil, invalidParams(err)
	}
	var meta *market.NFTMetadata
	if strings.TrimSpace(p.Collection) != "" {
		key, err := decodeID(p.Collection)
		if err != nil {
			return [20]byte{}, [32]byte{}, [32]byte{}, nil, nil, nil, invalidParams(err)
		}
		meta = &market.NFTMetadata{Mint: nft, Collection: market.Collection{Verified: p.Verified, Key: key}}
	}
	return seller, orderID, nft, expected, proof, meta, nil
}

func (s *Server) handleAcceptOrderNative(params json.RawMessage) (interface{}, *rpcError) {
	seller, orderID, nft, expected, proof, meta, rpcErr := s.acceptParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	order, err := s.node.AcceptOrderNative(seller, orderID, nft, expected, proof, meta)
	if err != nil {
		return nil, marketError(err)
	}
	return orderToJSON(order), nil
}

func (s *Server) handleAcceptOrderToken(params json.RawMessage) (interface{}, *rpcError) {
	seller, orderID, nft, expected, proof, meta, rpcErr := s.acceptParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	order, err := s.node.AcceptOrderToken(seller, orderID, nft, expected, proof, meta)
	if err != nil {
		return nil, marketError(err)
	}
	return orderToJSON(order), nil
}

func (s *Server) handleCloseOrder(params json.RawMessage) (interface{}, *rpcError) {
	var p closeOrderParams
	if rpcErr := unmarshalParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	buyer, err := crypto.DecodeMarketAddress(p.Buyer)
	if err != nil {
		return nil, invalidParams(err)
	}
	orderID, err := decodeID(p.OrderID)
	if err != nil {
		return nil, invalidParams(err)
	}
	if err := s.node.CloseOrder(buyer, orderID); err != nil {
		return nil, marketError(err)
	}
	return map[string]bool{"closed": true}, nil
}

func (s *Server) handleGetOrder(params json.RawMessage) (interface{}, *rpcError) {
	var p closeOrderParams
	if rpcErr := unmarshalParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	orderID, err := decodeID(p.OrderID)
	if err != nil {
		return nil, invalidParams(err)
	}
	order, ok, err := s.node.GetOrder(orderID)
	if err != nil {
		return nil, marketError(err)
	}
	if !ok {
		return nil, &rpcError{Code: codeMarketNotFound, Message: market.ErrNotFound.Error()}
	}
	return orderToJSON(order), nil
}

func (s *Server) handleGetWallet(params json.RawMessage) (interface{}, *rpcError) {
	var p walletParams
	if rpcErr := unmarshalParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	owner, err := crypto.DecodeMarketAddress(p.Owner)
	if err != nil {
		return nil, invalidParams(err)
	}
	wallet, ok, err := s.node.GetWallet(owner)
	if err != nil {
		return nil, marketError(err)
	}
	if !ok {
		return nil, &rpcError{Code: codeMarketNotFound, Message: market.ErrWalletNotFound.Error()}
	}
	return walletJSON{Owner: encodeAddress(wallet.Owner), Address: encodeAddress(wallet.Address), CreatedAt: wallet.CreatedAt}, nil
}

func (s *Server) handleGetCurrency(params json.RawMessage) (interface{}, *rpcError) {
	var p currencyParams
	if rpcErr := unmarshalParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	currency, err := decodeCurrency(p.Currency)
	if err != nil {
		return nil, invalidParams(err)
	}
	row, ok, err := s.node.GetCurrency(currency)
	if err != nil {
		return nil, marketError(err)
	}
	if !ok {
		return nil, &rpcError{Code: codeMarketNotFound, Message: market.ErrCurrencyNotAllowed.Error()}
	}
	return map[string]interface{}{
		"currency":         hex.EncodeToString(row.Currency[:]),
		"feeMultiplierBps": row.FeeMultiplierBps,
	}, nil
}

func (s *Server) handleGetBalance(params json.RawMessage) (interface{}, *rpcError) {
	var p balanceParams
	if rpcErr := unmarshalParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	account, err := crypto.DecodeMarketAddress(p.Account)
	if err != nil {
		return nil, invalidParams(err)
	}
	asset, err := decodeCurrency(p.Asset)
	if err != nil {
		return nil, invalidParams(err)
	}
	balance, err := s.node.Balance(account, asset)
	if err != nil {
		return nil, marketError(err)
	}
	return map[string]string{"balance": balance.String()}, nil
}
