// Key material helpers for registration and invitations. Sealing and
// unsealing of chunk payloads happens outside this module; only key
// generation lives here.
package crypto

import (
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/kevinburke/nacl/box"
)

type KeyPair struct {
	Public  []byte
	Private []byte
}

func NewKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: error generating keypair: %w", err)
	}
	return &KeyPair{Public: pub[:], Private: priv[:]}, nil
}

func RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(crypto_rand.Reader, b); err != nil {
		panic("short read from random source")
	}
	return b
}

func NewAuthToken() string {
	return hex.EncodeToString(RandomBytes(16))
}
