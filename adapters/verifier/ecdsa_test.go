package verifier

import (
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/talisman/core"
)

func signMessage(t *testing.T, priv *ecdsa.PrivateKey, message string) string {
	t.Helper()
	sig, err := crypto.Sign(personalSignDigest([]byte(message)), priv)
	require.NoError(t, err)
	return hexutil.Encode(sig)
}

func pubKeyHex(priv *ecdsa.PrivateKey) string {
	return hexutil.Encode(crypto.FromECDSAPub(&priv.PublicKey))
}

func TestVerify(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)

	v := NewEthereumVerifier()
	message := "0xabc:1700000000"
	sig := signMessage(t, priv, message)

	require.NoError(t, v.Verify([]byte(message), sig, pubKeyHex(priv)))
}

func TestVerifyLegacyRecoveryID(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)

	message := "0xabc:1700000000"
	sig, err := crypto.Sign(personalSignDigest([]byte(message)), priv)
	require.NoError(t, err)

	// Many wallets shift V into the 27/28 range.
	sig[crypto.RecoveryIDOffset] += 27

	v := NewEthereumVerifier()
	require.NoError(t, v.Verify([]byte(message), hexutil.Encode(sig), pubKeyHex(priv)))
}

func TestVerifyCompressedPublicKey(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)

	message := "0xdef:1700000001"
	sig := signMessage(t, priv, message)
	compressed := hexutil.Encode(crypto.CompressPubkey(&priv.PublicKey))

	v := NewEthereumVerifier()
	require.NoError(t, v.Verify([]byte(message), sig, compressed))
}

func TestVerifyWrongKey(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	message := "0xabc:1700000000"
	sig := signMessage(t, priv, message)

	v := NewEthereumVerifier()
	err = v.Verify([]byte(message), sig, pubKeyHex(other))
	assert.ErrorIs(t, err, core.ErrSignatureInvalid)
}

func TestVerifyTamperedMessage(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)

	sig := signMessage(t, priv, "0xabc:1700000000")

	v := NewEthereumVerifier()
	err = v.Verify([]byte("0xabc:1700009999"), sig, pubKeyHex(priv))
	assert.ErrorIs(t, err, core.ErrSignatureInvalid)
}

func TestVerifyMalformed(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)

	v := NewEthereumVerifier()

	tests := []struct {
		name      string
		signature string
		publicKey string
	}{
		{"not hex", "zzzz", pubKeyHex(priv)},
		{"truncated signature", "0xdeadbeef", pubKeyHex(priv)},
		{"bad public key length", signMessage(t, priv, "m"), "0x0102"},
		{"empty signature", "", pubKeyHex(priv)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify([]byte("m"), tt.signature, tt.publicKey)
			assert.ErrorIs(t, err, core.ErrSignatureInvalid)
		})
	}
}
