package settlement

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// ErrBadSignature indicates the acceptance signature does not verify against
// the buyer's registered key.
var ErrBadSignature = errors.New("settlement: acceptance signature invalid")

// acceptanceDigest binds the buyer's approval to one (invoice, quote) pair.
func acceptanceDigest(invoiceID, quoteID, buyerID string) []byte {
	return crypto.Keccak256([]byte("settlenet-accept|" + invoiceID + "|" + quoteID + "|" + buyerID))
}

// SignAcceptance produces the hex signature a buyer submits with accept.
func SignAcceptance(key *ecdsa.PrivateKey, invoiceID, quoteID, buyerID string) (string, error) {
	sig, err := crypto.Sign(acceptanceDigest(invoiceID, quoteID, buyerID), key)
	if err != nil {
		return "", fmt.Errorf("settlement: sign acceptance: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// VerifyAcceptance checks the signature against the buyer's registered
// public key, stored hex-encoded in uncompressed form.
func VerifyAcceptance(pubKeyHex, sigHex, invoiceID, quoteID, buyerID string) error {
	pubKey, err := hex.DecodeString(strings.TrimPrefix(pubKeyHex, "0x"))
	if err != nil {
		return fmt.Errorf("%w: bad public key encoding", ErrBadSignature)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding", ErrBadSignature)
	}
	if len(sig) == 65 {
		// Drop the recovery byte; VerifySignature wants R || S.
		sig = sig[:64]
	}
	if len(sig) != 64 {
		return fmt.Errorf("%w: signature length %d", ErrBadSignature, len(sig))
	}
	if !crypto.VerifySignature(pubKey, acceptanceDigest(invoiceID, quoteID, buyerID), sig) {
		return ErrBadSignature
	}
	return nil
}

// PublicKeyHex encodes a key the way accounts register it.
func PublicKeyHex(key *ecdsa.PublicKey) string {
	return hex.EncodeToString(crypto.FromECDSAPub(key))
}
