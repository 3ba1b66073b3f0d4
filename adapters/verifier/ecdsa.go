// Package verifier implements signature verification for Ethereum wallets:
// secp256k1 recovery over the personal-sign digest, compared against the
// declared public key.
package verifier

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/layer-3/talisman/core"
	"github.com/layer-3/talisman/ports"
)

// EthereumVerifier verifies eth_sign / personal_sign style signatures.
type EthereumVerifier struct{}

// NewEthereumVerifier creates a stateless Ethereum signature verifier.
func NewEthereumVerifier() ports.SignatureVerifier {
	return EthereumVerifier{}
}

// Verify recovers the signer of message from a 65-byte [R || S || V]
// signature over the personal-sign digest and compares it to publicKey.
// Any decoding or recovery failure maps to core.ErrSignatureInvalid.
func (EthereumVerifier) Verify(message []byte, signature, publicKey string) error {
	sig, err := hexutil.Decode(with0x(signature))
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", core.ErrSignatureInvalid)
	}
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("signature must be %d bytes: %w", crypto.SignatureLength, core.ErrSignatureInvalid)
	}

	// Wallets commonly emit V as 27/28; recovery expects 0/1.
	recSig := make([]byte, crypto.SignatureLength)
	copy(recSig, sig)
	if recSig[crypto.RecoveryIDOffset] >= 27 {
		recSig[crypto.RecoveryIDOffset] -= 27
	}

	declared, err := ParsePublicKey(publicKey)
	if err != nil {
		return err
	}

	recovered, err := crypto.SigToPub(personalSignDigest(message), recSig)
	if err != nil {
		return fmt.Errorf("failed to recover signer: %w", core.ErrSignatureInvalid)
	}

	if !bytes.Equal(crypto.FromECDSAPub(recovered), crypto.FromECDSAPub(declared)) {
		return core.ErrSignatureInvalid
	}
	return nil
}

// ParsePublicKey decodes a hex-encoded secp256k1 public key, accepting both
// the 65-byte uncompressed and the 33-byte compressed form.
func ParsePublicKey(publicKey string) (*ecdsa.PublicKey, error) {
	raw, err := hexutil.Decode(with0x(publicKey))
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", core.ErrSignatureInvalid)
	}

	switch len(raw) {
	case 65:
		pub, err := crypto.UnmarshalPubkey(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid uncompressed public key: %w", core.ErrSignatureInvalid)
		}
		return pub, nil
	case 33:
		pub, err := crypto.DecompressPubkey(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid compressed public key: %w", core.ErrSignatureInvalid)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("public key must be 33 or 65 bytes: %w", core.ErrSignatureInvalid)
	}
}

// personalSignDigest hashes message the way eth_sign does, prefixing it so
// signed payloads can never collide with transaction data.
func personalSignDigest(message []byte) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	return crypto.Keccak256([]byte(prefixed))
}

func with0x(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
