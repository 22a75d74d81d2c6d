// This package defines the public ID format used to identify a registered
// user. A public ID packs the user's key-exchange and invitation public keys
// together with a short digest and encodes them with base58, so it survives
// being pasted through chat apps and email.
package ids

import (
	"bytes"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

const (
	KeySize      = 32
	checksumSize = 4
)

// EncodePublicID packs kxPublicKey and invitationPublicKey into a base58
// public ID string.
func EncodePublicID(kxPublicKey, invitationPublicKey []byte) (string, error) {
	if len(kxPublicKey) != KeySize {
		return "", fmt.Errorf("ids: expected kx public key of length %d, got %d", KeySize, len(kxPublicKey))
	}
	if len(invitationPublicKey) != KeySize {
		return "", fmt.Errorf("ids: expected invitation public key of length %d, got %d", KeySize, len(invitationPublicKey))
	}
	payload := make([]byte, 0, KeySize*2+checksumSize)
	payload = append(payload, kxPublicKey...)
	payload = append(payload, invitationPublicKey...)
	digest := blake2b.Sum256(payload)
	payload = append(payload, digest[:checksumSize]...)
	return base58.Encode(payload), nil
}

// DecodePublicID recovers the kx and invitation public keys from a public ID.
func DecodePublicID(id string) (kxPublicKey, invitationPublicKey []byte, err error) {
	payload, err := base58.Decode(id)
	if err != nil {
		return nil, nil, fmt.Errorf("ids: error decoding public id: %w", err)
	}
	if len(payload) != KeySize*2+checksumSize {
		return nil, nil, fmt.Errorf("ids: expected public id payload of length %d, got %d", KeySize*2+checksumSize, len(payload))
	}
	digest := blake2b.Sum256(payload[:KeySize*2])
	if !bytes.Equal(digest[:checksumSize], payload[KeySize*2:]) {
		return nil, nil, fmt.Errorf("ids: public id checksum mismatch")
	}
	return payload[:KeySize], payload[KeySize : KeySize*2], nil
}
