// Package cryptoinit wires the crypto package's key generators to their
// concrete implementations in crypto/keys. Import for side effect
// (blank import) from any binary entrypoint that calls crypto.GenerateEd25519KeyPair
// or crypto.GenerateX25519KeyPair, or that constructs a crypto.Manager.
package cryptoinit

import (
	"github.com/scmessenger/drift/crypto"
	"github.com/scmessenger/drift/crypto/keys"
)

func init() {
	crypto.SetKeyGenerators(
		func() (crypto.KeyPair, error) { return keys.GenerateEd25519KeyPair() },
		func() (crypto.KeyPair, error) { return keys.GenerateX25519KeyPair() },
	)
}
