package crypto

// This file provides package-level key generators backed by an
// implementation registered at startup. The indirection avoids a circular
// import between crypto and crypto/keys: crypto/keys needs the KeyPair
// interface from here, so it cannot be imported directly.

var (
	generateEd25519KeyPair func() (KeyPair, error)
	generateX25519KeyPair  func() (KeyPair, error)
)

// SetKeyGenerators wires the concrete Ed25519/X25519 key generators from
// crypto/keys into the crypto package. Called once from cryptoinit.
func SetKeyGenerators(ed25519Gen, x25519Gen func() (KeyPair, error)) {
	generateEd25519KeyPair = ed25519Gen
	generateX25519KeyPair = x25519Gen
}

// GenerateEd25519KeyPair generates a new Ed25519 signing key pair.
func GenerateEd25519KeyPair() (KeyPair, error) {
	if generateEd25519KeyPair == nil {
		panic("crypto: Ed25519 key generator not initialized, import internal/cryptoinit")
	}
	return generateEd25519KeyPair()
}

// GenerateX25519KeyPair generates a new X25519 agreement key pair.
func GenerateX25519KeyPair() (KeyPair, error) {
	if generateX25519KeyPair == nil {
		panic("crypto: X25519 key generator not initialized, import internal/cryptoinit")
	}
	return generateX25519KeyPair()
}
