package verification

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// canonicalProof is the hashed view of a proof. The signature is left out
// so that re-signing the same evidence does not yield a fresh hash.
type canonicalProof struct {
	Kind      ProofKind `json:"proofType"`
	Timestamp string    `json:"timestamp"`
	Data      ProofData `json:"data"`
}

// HashProof returns the 0x-prefixed keccak256 of the proof's canonical JSON.
// Map keys are marshalled in sorted order, so equal proofs hash equally.
func HashProof(p DeliveryProof) (string, error) {
	b, err := json.Marshal(canonicalProof{
		Kind:      p.Kind,
		Timestamp: FormatTimestamp(p.Timestamp),
		Data:      p.Data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode proof: %w", err)
	}
	return crypto.Keccak256Hash(b).Hex(), nil
}
