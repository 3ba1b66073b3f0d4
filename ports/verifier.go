package ports

// SignatureVerifier checks that a signature over a message was produced by
// the holder of the declared public key. Implementations are stateless.
type SignatureVerifier interface {
	// Verify returns nil when signature is a valid signature of message by
	// the private key behind publicKey, and core.ErrSignatureInvalid
	// otherwise.
	Verify(message []byte, signature, publicKey string) error
}
