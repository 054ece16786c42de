package market

// TokenAccount mirrors the ledger's holding record for a single asset. The
// engine only reads these; creation and signature checks belong to the
// hosting ledger.
type TokenAccount struct {
	Address [32]byte
	Mint    [32]byte
	Owner   [20]byte
	Amount  uint64
}

// Collection names the collection a piece of NFT metadata claims membership
// in, together with whether the metadata authority verified the claim.
type Collection struct {
	Verified bool
	Key      [32]byte
}

// NFTMetadata is the trusted oracle record for one NFT. The engine treats it
// as already authenticated and only compares fields.
type NFTMetadata struct {
	Mint       [32]byte
	Collection Collection
}

// IsVerifiedMember reports whether the metadata declares verified membership
// in the given collection. An unverified claim never counts.
func IsVerifiedMember(meta *NFTMetadata, collection [32]byte) bool {
	if meta == nil {
		return false
	}
	return meta.Collection.Verified && meta.Collection.Key == collection
}
