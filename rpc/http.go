package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"marketcore/core"
	"marketcore/native/market"
	"marketcore/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000

	codeMarketNotFound   = -32040
	codeMarketForbidden  = -32041
	codeMarketConflict   = -32042
	codeMarketPrecondRPC = -32043
	codeMarketFunds      = -32044
)

// Server exposes the settlement node over JSON-RPC 2.0.
type Server struct {
	node      *core.Node
	authToken string
	metrics   *observability.MarketMetrics
	handlers  map[string]handlerFunc
}

// NewServer creates an RPC server for the given node. When authToken is
// non-empty, mutating methods require a matching bearer token.
func NewServer(node *core.Node, authToken string) *Server {
	s := &Server{
		node:      node,
		authToken: strings.TrimSpace(authToken),
		metrics:   observability.Metrics(),
	}
	s.handlers = map[string]handlerFunc{
		"market_allowCurrency":     s.handleAllowCurrency,
		"market_disallowCurrency":  s.handleDisallowCurrency,
		"market_creditAccount":     s.handleCreditAccount,
		"market_createWallet":      s.handleCreateWallet,
		"market_depositNative":     s.handleDepositNative,
		"market_depositToken":      s.handleDepositToken,
		"market_withdrawNative":    s.handleWithdrawNative,
		"market_withdrawToken":     s.handleWithdrawToken,
		"market_createOrder":       s.handleCreateOrder,
		"market_acceptOrderNative": s.handleAcceptOrderNative,
		"market_acceptOrderToken":  s.handleAcceptOrderToken,
		"market_closeOrder":        s.handleCloseOrder,
		"market_getOrder":          s.handleGetOrder,
		"market_getWallet":         s.handleGetWallet,
		"market_getCurrency":       s.handleGetCurrency,
		"market_getBalance":        s.handleGetBalance,
	}
	return s
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeRPCError(w, nil, codeParseError, "unable to read request body")
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPCError(w, nil, codeParseError, "invalid JSON-RPC request")
		return
	}
	if req.JSONRPC != jsonRPCVersion || strings.TrimSpace(req.Method) == "" {
		writeRPCError(w, req.ID, codeInvalidRequest, "invalid JSON-RPC envelope")
		return
	}
	handler, ok := s.handlers[req.Method]
	if !ok {
		writeRPCError(w, req.ID, codeMethodNotFound, "unknown method "+req.Method)
		return
	}
	if mutatingMethods[req.Method] && !s.authorized(r) {
		writeRPCError(w, req.ID, codeUnauthorized, "missing or invalid bearer token")
		return
	}
	s.metrics.RPCRequests.WithLabelValues(req.Method).Inc()
	result, rpcErr := handler(req.Params)
	if rpcErr != nil {
		s.metrics.RPCErrors.WithLabelValues(req.Method).Inc()
		writeRPCError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}
	writeRPCResult(w, req.ID, result)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

type handlerFunc func(params json.RawMessage) (interface{}, *rpcError)

var mutatingMethods = map[string]bool{
	"market_allowCurrency":     true,
	"market_disallowCurrency":  true,
	"market_creditAccount":     true,
	"market_createWallet":      true,
	"market_depositNative":     true,
	"market_depositToken":      true,
	"market_withdrawNative":    true,
	"market_withdrawToken":     true,
	"market_createOrder":       true,
	"market_acceptOrderNative": true,
	"market_acceptOrderToken":  true,
	"market_closeOrder":        true,
}

// marketError maps engine sentinel errors onto JSON-RPC error codes.
func marketError(err error) *rpcError {
	switch {
	case errors.Is(err, market.ErrNotFound),
		errors.Is(err, market.ErrWalletNotFound),
		errors.Is(err, market.ErrCurrencyNotAllowed):
		return &rpcError{Code: codeMarketNotFound, Message: err.Error()}
	case errors.Is(err, market.ErrUnauthorized),
		errors.Is(err, market.ErrEvidenceOwner):
		return &rpcError{Code: codeMarketForbidden, Message: err.Error()}
	case errors.Is(err, market.ErrCurrencyExists),
		errors.Is(err, market.ErrWalletExists),
		errors.Is(err, market.ErrOrderExists):
		return &rpcError{Code: codeMarketConflict, Message: err.Error()}
	case errors.Is(err, market.ErrInsufficientFunds):
		return &rpcError{Code: codeMarketFunds, Message: err.Error()}
	case errors.Is(err, market.ErrOrderNotOpen),
		errors.Is(err, market.ErrPriceMismatch),
		errors.Is(err, market.ErrCurrencyModeMismatch),
		errors.Is(err, market.ErrNFTNotInSet),
		errors.Is(err, market.ErrCollectionNotVerified),
		errors.Is(err, market.ErrUndefinedEligibility),
		errors.Is(err, market.ErrDuplicateLoyaltyNFT),
		errors.Is(err, market.ErrMalformedEvidence),
		errors.Is(err, market.ErrEvidenceMint):
		return &rpcError{Code: codeMarketPrecondRPC, Message: err.Error()}
	default:
		return &rpcError{Code: codeServerError, Message: err.Error()}
	}
}

func writeRPCResult(w http.ResponseWriter, id json.RawMessage, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: jsonRPCVersion, ID: id, Error: &rpcError{Code: code, Message: message}})
}
