package market

import (
	"bytes"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// HashLeaf maps an NFT identity to the Merkle leaf committed by a set root.
func HashLeaf(nft [32]byte) [32]byte {
	return [32]byte(ethcrypto.Keccak256Hash(nft[:]))
}

// VerifyMerkleProof reports whether leaf belongs to the set committed to by
// root. Each step combines the running hash with the next proof element,
// keccak256-hashing the lexicographically smaller value first, so proofs are
// insensitive to left/right orientation.
func VerifyMerkleProof(proof [][32]byte, root, leaf [32]byte) bool {
	computed := leaf
	for _, element := range proof {
		if bytes.Compare(computed[:], element[:]) <= 0 {
			computed = [32]byte(ethcrypto.Keccak256Hash(computed[:], element[:]))
		} else {
			computed = [32]byte(ethcrypto.Keccak256Hash(element[:], computed[:]))
		}
	}
	return computed == root
}
