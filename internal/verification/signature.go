package verification

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var signatureRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{130}$`)

// IsValidSignatureFormat reports whether sig is 0x followed by 65 hex-encoded bytes.
func IsValidSignatureFormat(sig string) bool {
	return signatureRegex.MatchString(sig)
}

// ProofMessage builds the message a counterparty signs for a proof.
// Format: "KOPA Delivery Proof\nTransaction: {id}\nTimestamp: {iso}\nType: {kind}"
func ProofMessage(txnID string, p DeliveryProof) string {
	return fmt.Sprintf("KOPA Delivery Proof\nTransaction: %s\nTimestamp: %s\nType: %s",
		txnID, FormatTimestamp(p.Timestamp), p.Kind)
}

// HashMessage returns the EIP-191 personal_sign digest of message, the
// same digest a wallet signs for eth_sign.
func HashMessage(message string) []byte {
	return accounts.TextHash([]byte(message))
}

// RecoverAddress returns the lowercased address that produced signatureHex
// over message. The signature is r || s || v with v in {0, 1} or {27, 28}.
func RecoverAddress(message string, signatureHex string) (string, error) {
	sig, err := hexutil.Decode(signatureHex)
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("signature is %d bytes, want %d", len(sig), crypto.SignatureLength)
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(HashMessage(message), sig)
	if err != nil {
		return "", fmt.Errorf("recover signer: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// VerifySignature fails unless signatureHex over message recovers to
// expectedAddress, compared case-insensitively.
func VerifySignature(message string, signatureHex string, expectedAddress string) error {
	signer, err := RecoverAddress(message, signatureHex)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if !strings.EqualFold(signer, expectedAddress) {
		return fmt.Errorf("signature mismatch: signed by %s, expected %s", signer, expectedAddress)
	}
	return nil
}

// SignProof signs the proof message for txnID with key, as a counterparty's
// wallet would, and returns the 0x-prefixed signature with v in {27, 28}.
func SignProof(key *ecdsa.PrivateKey, txnID string, p DeliveryProof) (string, error) {
	sig, err := crypto.Sign(HashMessage(ProofMessage(txnID, p)), key)
	if err != nil {
		return "", fmt.Errorf("failed to sign proof: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}
