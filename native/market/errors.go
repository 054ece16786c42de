package market

import "errors"

var (
	ErrDuplicateLoyaltyNFT   = errors.New("market: duplicate loyalty nft")
	ErrCollectionNotVerified = errors.New("market: collection not as expected or not verified")
	ErrOrderNotOpen          = errors.New("market: order not open")
	ErrNFTNotInSet           = errors.New("market: nft not in set")
	ErrUndefinedEligibility  = errors.New("market: neither collection nor merkle root provided")
	ErrCurrencyModeMismatch  = errors.New("market: payment path does not match order currency")
	ErrPriceMismatch         = errors.New("market: price mismatch")
	ErrInsufficientFunds     = errors.New("market: insufficient funds")
	ErrUnauthorized          = errors.New("market: unauthorized")
	ErrNotFound              = errors.New("market: record not found")
	ErrMalformedEvidence     = errors.New("market: malformed loyalty evidence")
	ErrCurrencyNotAllowed    = errors.New("market: currency not allowed")
	ErrCurrencyExists        = errors.New("market: currency already allowed")
	ErrWalletExists          = errors.New("market: wallet already exists")
	ErrWalletNotFound        = errors.New("market: wallet not found")
	ErrOrderExists           = errors.New("market: order already exists")
	ErrEvidenceOwner         = errors.New("market: loyalty nft not owned by buyer")
	ErrEvidenceMint          = errors.New("market: loyalty account and metadata mint mismatch")
)
